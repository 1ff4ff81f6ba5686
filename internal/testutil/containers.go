// Package testutil starts the database containers used by the store tests.
// Each container is shared by every test of a package run and is skipped
// when no Docker host is available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// sharedContainer starts one container lazily and remembers its endpoint.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *sharedContainer) get(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()

	c.once.Do(func() {
		// testcontainers panics when no Docker host can be found.
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("starting %s panicked: %v", image, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		ctr, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			c.err = err
			return
		}
		// Ryuk reaps the container when the test binary exits.
		c.endpoint, c.err = ctr.Endpoint(ctx, "")
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", image, c.err)
	}
	return c.endpoint
}

var postgres, mongo sharedContainer

// GetPostgresDSN returns a pgx DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	endpoint := postgres.get(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "stepflow",
			"POSTGRES_PASSWORD": "stepflow",
			"POSTGRES_DB":       "stepflow_test",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				// Logged once by the init server and once by the real one.
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(2*time.Minute),
		),
	)
	return fmt.Sprintf("postgres://stepflow:stepflow@%s/stepflow_test?sslmode=disable", endpoint)
}

// GetMongoURI returns the connection URI of a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	endpoint := mongo.get(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp").WithStartupTimeout(2*time.Minute),
		),
	)
	return "mongodb://" + endpoint
}
