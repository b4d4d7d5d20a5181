package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/phrazzld/fileflow/internal/store"
)

// TxRunner implements store.TxRunner over a *sql.DB.
type TxRunner struct {
	db    *sql.DB
	files *PostgresFileStore
	jobs  *PostgresJobStore
}

var _ store.TxRunner = (*TxRunner)(nil)

// NewTxRunner returns a TxRunner whose transactions bind file and job stores.
func NewTxRunner(db *sql.DB, logger *slog.Logger) *TxRunner {
	return &TxRunner{
		db:    db,
		files: NewPostgresFileStore(db, logger),
		jobs:  NewPostgresJobStore(db, logger),
	}
}

// InTx implements store.TxRunner.
func (r *TxRunner) InTx(ctx context.Context, fn store.TxFunc) error {
	return store.RunInTransaction(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, r.files.WithTx(tx), r.jobs.WithTx(tx))
	})
}
