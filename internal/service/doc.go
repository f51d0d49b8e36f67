// Package service implements supervision and execution of workflow jobs.
//
// Overview
// The Supervisor owns an event loop fed by a durable job queue. Every
// configured job (a JobSpec of the jobs config section) is built into a new
// task.Job instance, stored and queued. The queue worker hands jobs to the
// Runner while fewer than execution.max_jobs are active, alternating users
// when it can.
//
// The Runner executes a job level by level:
//   - tasks of one level run in parallel as execution units of the dispatcher
//   - a task runs locally when it has no host, over ssh otherwise
//   - outputs of a finished task become inputs of its children
//   - a failed task cancels its dependents, independent branches go on
//   - a group runs its children once per loop iteration
//
// Data flow:
//
//   Supervisor          jobqueue.Worker          Runner            Dispatcher
//       |                     |                     |                   |
//   enqueue -> Put --------->|                     |                   |
//       |                     | Take -> Start ----->| Run(level...) --->| ExecuteWait
//       |                     |                     |<-- exit code -----|
//       |<------------------- result --------------|                   |
//
// Every task and job status change is published on the event bus and
// saved to the store.
//
// Invariants:
//   - At most execution.max_jobs jobs run at a time.
//   - A job runs to the end: all its tasks are terminal when Run returns.
//   - In the manual mode Do returns once every queued job ended.
package service
