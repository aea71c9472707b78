// Package queue owns the batch and job entity model and every mutation of it
// in the coordination store.
//
// Entities are JSON documents under <root>/batches and <root>/jobs. A daemon
// mutates an entity only while it holds the ephemeral lock node for it under
// <root>/locks; Acquire selects and locks the next eligible entity for a
// target state in (priority, creation sequence, ID) order, and the returned
// Claim is the only handle through which state transitions are written.
// Writes are conditional on the version read under the lock, and a claim
// whose lock vanished with its session reports ErrLockLost rather than
// overwriting work another daemon has picked up.
//
// Global and per-collection holds live under <root>/holds. The administrative
// helpers (requeue, delete, purge, stats, lock listing) follow the same
// locking discipline as the daemons.
package queue
