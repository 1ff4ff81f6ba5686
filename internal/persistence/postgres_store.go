package persistence

import (
	"database/sql"
	"fmt"
)

// PostgresFlowStore is a FlowStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresFlowStore struct {
	sqlFlowStore
}

var _ FlowStore = (*PostgresFlowStore)(nil)

// NewPostgresFlowStore initializes the required schema in the given
// database and returns a new PostgresFlowStore.
func NewPostgresFlowStore(db *sql.DB) (*PostgresFlowStore, error) {
	s := &PostgresFlowStore{sqlFlowStore{
		db:   db,
		bind: func(n int) string { return fmt.Sprintf("$%d", n) },
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresFlowStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			flow_type TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			pause_reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			document BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS flows_status_idx ON flows (status)`,
		`CREATE INDEX IF NOT EXISTS flows_created_idx ON flows (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
