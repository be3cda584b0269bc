// Package merge orchestrates moving waiting sessions between two queues.
//
// An operation starts with a point-in-time snapshot of the source's waiting
// count and then migrates sessions in bounded batches, oldest first, each
// appended after the destination's current tail so migrated users never jump
// ahead of users already waiting there. The operation record's progress
// commits in the same batch as the migration it describes, so a restarted
// process resumes exactly where it left off with nothing double-counted or
// lost.
//
// Terminal outcomes: Completed when the snapshot is exhausted, Cancelled on
// caller request (checked between batches, never mid-batch), and Failed when
// the destination disappears or deactivates mid-operation. Already-migrated
// sessions are never moved back; cancellation and failure both retain partial
// progress.
package merge
