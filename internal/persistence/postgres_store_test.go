package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/internal/testutil"
)

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err, "sql.Open failed")
	t.Cleanup(func() {
		_ = db.Close()
	})
	require.NoError(t, db.Ping())

	suite.Run(t, &FlowStoreSuite{newStore: func() FlowStore {
		store, err := NewPostgresFlowStore(db)
		require.NoError(t, err)
		_, err = db.Exec(`TRUNCATE flows`)
		require.NoError(t, err)
		return store
	}})
}
