// Package events defines gate's domain events and the publishers that carry
// them.
//
// The core emits events as a side effect of release and merge decisions and
// never depends on delivery: publishers are fire-and-forget, and a publish
// failure is logged by the caller without affecting the state transition that
// produced the event.
//
// # Publishers
//
//   - LogPublisher appends events to a per-tenant append-only log in pebble
//     (keyspace t/{tenant}/events/e/{seq_be8}) so operators can tail and audit
//     what the scheduler and merge worker decided.
//   - RedisSink pushes events to a redis pub/sub channel for external
//     consumers. Enabled only when configured.
//   - Fanout composes several publishers.
//
// # Retention
//
// The per-tenant log is bounded: TrimToLast keeps the newest N entries, and
// the server trims opportunistically in the background.
package events
