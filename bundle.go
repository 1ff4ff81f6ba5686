package stepflow

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stepflow/internal/idempotency"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
)

// Persistent service constructors. Each one fills cfg.Store with the named
// backend and keeps every other field of cfg.

// NewSQLiteService returns a Service whose flow documents live in a SQLite
// database. Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_pragma=journal_mode(WAL)")
//	svc, err := stepflow.NewSQLiteService(db, stepflow.Config{})
func NewSQLiteService(db *sql.DB, cfg Config) (*Service, error) {
	store, err := persistence.NewSQLiteFlowStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Store = store
	return NewService(cfg), nil
}

// NewPostgresService returns a Service backed by PostgreSQL. db should be
// opened with the pgx stdlib driver ("pgx").
func NewPostgresService(db *sql.DB, cfg Config) (*Service, error) {
	store, err := persistence.NewPostgresFlowStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Store = store
	return NewService(cfg), nil
}

// NewRedisService returns a Service that keeps flow documents, idempotent
// step results and background tasks in Redis under prefix.
func NewRedisService(client redis.UniversalClient, prefix string, cfg Config) *Service {
	cfg.Store = persistence.NewRedisFlowStore(client, prefix)
	if cfg.Cache == nil {
		cfg.Cache = idempotency.NewRedisCache(client, prefix, cfg.CacheTTL)
	}
	if cfg.Queue == nil {
		cfg.Queue = taskqueue.NewRedisQueue(client, prefix)
	}
	return NewService(cfg)
}

// NewMongoService returns a Service whose flow documents live in the
// "flows" collection of database.
func NewMongoService(client *mongo.Client, database string, cfg Config) *Service {
	cfg.Store = persistence.NewMongoFlowStore(client, database, "flows")
	return NewService(cfg)
}
