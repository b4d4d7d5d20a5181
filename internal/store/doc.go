// Package store defines interfaces for persisting files and their job
// ledger. These interfaces abstract the underlying storage mechanism from
// the pipeline, which relies only on atomic per-record compare-and-set and
// on transactions spanning a file and a job write.
package store
