// Package release implements the admission scheduler: the pure allowance
// calculator and the tick loop that applies it to every active queue.
//
// Each tick scans active queues across tenants, computes a per-queue
// allowance (rate gate, waiting count, concurrency headroom), releases that
// many oldest waiting sessions in FIFO order, and emits one aggregate event
// per queue with a non-zero release. Queues are evaluated in parallel with a
// bounded worker group; one queue's failure is logged and reported without
// touching the others, and the next tick retries it naturally since
// unreleased sessions stay waiting.
package release
