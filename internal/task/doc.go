// Package task runs uploaded files through the asynchronous processing
// pipeline. It contains the pluggable processing task (content
// fingerprinting today), the job queue with bounded attempts and backoff,
// the worker pool that drains it, the orchestrator that drives file and job
// records through their state machines, and the reconciliation sweep that
// repairs attempts orphaned by a crash.
package task
