// Command stepflowd serves a flow engine over HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/idempotency"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/server"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

type cli struct {
	v   *viper.Viper
	cfg *config.Config
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"http-addr":        "http.addr",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"store-driver":     "store.driver",
	"store-dsn":        "store.dsn",
	"redis-addr":       "store.redis_addr",
	"mongo-uri":        "store.mongo_uri",
	"idempotency":      "idempotency.backend",
	"queue":            "engine.queue",
	"workers":          "engine.workers",
	"restore-on-start": "engine.restore_on_start",
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	d := config.NewDefaultConfig()
	cmd.Flags().String("config-file", "", "Path to a YAML config file.")
	cmd.Flags().String("http-addr", d.HTTP.Addr, "address the HTTP server listens on")
	cmd.Flags().String("log-level", d.Log.Level, "debug, info, warn or error")
	cmd.Flags().String("log-format", d.Log.Format, "text or json")
	cmd.Flags().String("store-driver", d.Store.Driver, "memory, sqlite, postgres, redis or mongo")
	cmd.Flags().String("store-dsn", d.Store.DSN, "data source name for the sqlite and postgres drivers")
	cmd.Flags().String("redis-addr", d.Store.RedisAddr, "redis host:port")
	cmd.Flags().String("mongo-uri", d.Store.MongoURI, "mongodb connection uri")
	cmd.Flags().String("idempotency", d.Idempotency.Backend, "idempotency cache backend: memory or redis")
	cmd.Flags().String("queue", d.Engine.Queue, "task queue: memory or redis")
	cmd.Flags().Int("workers", d.Engine.Workers, "number of background flow workers")
	cmd.Flags().Bool("restore-on-start", d.Engine.RestoreOnStart, "restore in-flight flows on startup")

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, _ []string) error {
	file, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	c.cfg, err = config.Load(c.v, file)
	return err
}

func (c *cli) run(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(c.cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, c.cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	return d.serve(ctx)
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	svc     *engine.Service
	hub     *server.Hub
	metrics *api.MetricsNotifier
	closers []func() error
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		hub:     server.NewHub(logger),
		metrics: &api.MetricsNotifier{},
	}

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
		}
		d.closers = append(d.closers, client.Close)
		rdb = client
	}

	store, err := d.openStore(ctx, rdb)
	if err != nil {
		d.close()
		return nil, err
	}

	prefix := cfg.Store.Prefix + ":"
	var cache idempotency.Cache = idempotency.NewMemoryCache(cfg.Idempotency.TTL)
	if cfg.Idempotency.Backend == config.DriverRedis {
		cache = idempotency.NewRedisCache(rdb, prefix, cfg.Idempotency.TTL)
	}
	var queue taskqueue.Queue = taskqueue.NewInMemoryQueue(cfg.Engine.QueueSize)
	if cfg.Engine.Queue == config.DriverRedis {
		queue = taskqueue.NewRedisQueue(rdb, prefix)
	}

	d.svc = engine.NewService(engine.Config{
		Store:    store,
		Cache:    cache,
		CacheTTL: cfg.Idempotency.TTL,
		Queue:    queue,
		Notifier: api.NewCompositeNotifier(
			api.NewLoggingNotifier(logger),
			d.metrics,
			d.hub,
		),
		Logger:     logger,
		Workers:    cfg.Engine.Workers,
		EvictAfter: cfg.Engine.EvictAfter,
	})
	if err := registerFlows(d.svc.Registry()); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) openStore(ctx context.Context, rdb redis.UniversalClient) (persistence.FlowStore, error) {
	cfg := d.cfg.Store
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		d.closers = append(d.closers, db.Close)
		return persistence.NewSQLiteFlowStore(db)

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		d.closers = append(d.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return persistence.NewPostgresFlowStore(db)

	case config.DriverRedis:
		return persistence.NewRedisFlowStore(rdb, cfg.Prefix+":"), nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		d.closers = append(d.closers, func() error {
			return client.Disconnect(context.Background())
		})
		return persistence.NewMongoFlowStore(client, cfg.Database, "flows"), nil

	default:
		return persistence.NewInMemoryStore(), nil
	}
}

func (d *daemon) serve(ctx context.Context) error {
	// Workers must be running before restore submits re-entries, or a
	// full queue blocks startup.
	if err := d.svc.Run(context.Background()); err != nil {
		return err
	}
	if d.cfg.Engine.RestoreOnStart {
		if _, err := d.svc.RestoreFlowRuntime(ctx); err != nil {
			return errors.Join(err, d.svc.Stop(context.Background()))
		}
	}

	srv := &http.Server{
		Addr:    d.cfg.HTTP.Addr,
		Handler: server.NewServer(d.svc, d.hub, d.metrics, d.logger).SetupRoutes(),
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("http_listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	d.logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	err := errors.Join(serveErr, srv.Shutdown(shutdownCtx), d.svc.Stop(shutdownCtx))
	return err
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close_failed", slog.Any("error", err))
		}
	}
	d.closers = nil
}

func main() {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "stepflowd",
		Short:        "Persistent flow execution engine",
		PreRunE:      c.setupConfig,
		RunE:         c.run,
		SilenceUsage: true,
	}

	if err := setupFlags(cmd, c.v); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
