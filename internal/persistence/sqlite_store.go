package persistence

import (
	"database/sql"
)

// SQLiteFlowStore is a FlowStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteFlowStore struct {
	sqlFlowStore
}

var _ FlowStore = (*SQLiteFlowStore)(nil)

// NewSQLiteFlowStore initializes the required schema in the given
// database and returns a new SQLiteFlowStore.
func NewSQLiteFlowStore(db *sql.DB) (*SQLiteFlowStore, error) {
	s := &SQLiteFlowStore{sqlFlowStore{
		db:   db,
		bind: func(int) string { return "?" },
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteFlowStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			flow_type TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			pause_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			document BLOB NOT NULL
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
