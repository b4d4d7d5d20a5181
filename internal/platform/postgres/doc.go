// Package postgres provides PostgreSQL-specific implementations for the data
// storage interfaces defined in the internal/store package: the file store,
// the job ledger, the transaction runner, and a durable job queue. It also
// carries the embedded schema migrations.
package postgres
