// Package waitroom holds gate's core data model: queues, user sessions, and
// merge operations, persisted in pebble.
//
// # Entities
//
//   - Queue: per-queue admission configuration (concurrency ceiling, release
//     rate) plus the release cadence gate (lastReleaseAt). Queues are
//     deactivated rather than deleted.
//   - Session: one user's lifetime in a queue. Status moves strictly forward
//     through waiting -> released -> serving -> completed, with side exits
//     waiting -> dropped and serving -> cancelled. The position assigned at
//     enqueue time is the sole release ordering key.
//   - MergeOperation: progress record for migrating a source queue's waiting
//     sessions into a destination queue.
//
// # Keyspace
//
//	qreg/{tenant}/{queue}                  queue record (JSON)
//	t/{tenant}/q/{queue}/sess/{id}         session record (JSON)
//	t/{tenant}/q/{queue}/wait/{pos_be8}    waiting index -> session id
//	t/{tenant}/q/{queue}/meta              lastPos (8B) | waiting (4B) | active (4B)
//	merge/{tenant}/{op}                    merge operation record (JSON)
//	msrc/{tenant}/{queue}                  in-progress merge guard -> op id
//
// The waiting index key embeds the position big-endian so a prefix scan walks
// sessions in FIFO order; the registry keys are flat so the scheduler can scan
// active queues across tenants in one pass.
//
// # Concurrency
//
// Every mutation for a queue, session batch or queue-record write alike, runs
// under that queue's mutex and commits as one pebble batch. QueueStore owns
// the lock table and SessionStore shares it, so a Deactivate cannot be lost
// under a concurrent Release rewriting the same record. A merge batch locks
// source and destination together in a fixed order and carries the operation's
// progress in the same commit. Counts read under the lock are therefore a
// consistent snapshot, which is what the release allowance computation
// requires.
package waitroom
