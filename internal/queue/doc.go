// Package queue provides the durable task queue and worker pool that
// execute lifecycle operations asynchronously.
//
// Guarantees:
//   - At most one active task per instance: a second operation for an
//     instance with a task in flight is rejected with
//     ErrConflictingOperation, never queued behind it.
//   - At-least-once execution: tasks are persisted rows; a task whose
//     worker crashed is redelivered once its lease expires.
//   - Per-instance serialization is the only cross-task ordering
//     guarantee; independent instances execute fully in parallel.
//
// Components:
//   - Task: durable unit of work (operation + instance + lease)
//   - Store: enqueue/claim/finalize against the relational store
//   - Pool: N polling workers driving an Executor
package queue
