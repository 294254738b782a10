// Package queue dispatches job deliveries through asynq.
//
// The queue only carries {job_id, attempt}; all job state lives in the store.
// Delivery is at-least-once: the same payload may arrive more than once and
// handlers are expected to be idempotent.
package queue
