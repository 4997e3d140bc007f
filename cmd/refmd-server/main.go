package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/refmdio/refmd/internal/config"
	"github.com/refmdio/refmd/internal/health"
	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/clusterlog"
	"github.com/refmdio/refmd/pkg/hydration"
	"github.com/refmdio/refmd/pkg/linkindex"
	"github.com/refmdio/refmd/pkg/markdown"
	"github.com/refmdio/refmd/pkg/persistworker"
	"github.com/refmdio/refmd/pkg/realtime"
	"github.com/refmdio/refmd/pkg/snapshot"
	"github.com/refmdio/refmd/pkg/storage"
	"github.com/refmdio/refmd/pkg/wsgateway"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "refmd-server",
	Short: "refmd realtime core: CRDT document engine, persistence worker, schema migrator",
	Long: `refmd-server hosts the realtime collaborative editing core for
refmd's Markdown-centric document store: the WebSocket gateway that
runs the CRDT sync protocol against connected editors, the persistence
worker that turns accumulated edits into durable Markdown files and
snapshots, and the schema migrator that brings Postgres up to date.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("refmd-server version %s\nCommit: %s\n", Version, Commit))

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(engineCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	level := obslog.InfoLevel
	switch cfg.Log.Level {
	case "debug":
		level = obslog.DebugLevel
	case "warn":
		level = obslog.WarnLevel
	case "error":
		level = obslog.ErrorLevel
	}
	obslog.Init(obslog.Config{Level: level, JSONOutput: cfg.Log.JSON})
}

// engineCmd runs the WebSocket gateway: it serves the sync protocol to
// connected editors and, outside cluster mode, also runs the debounced
// persistence cycle in-process since there is no separate worker.
var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the WebSocket gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		store := storage.NewPostgresStore(pool)
		indexer := linkindex.NewService(store)
		sink := markdown.NewSink(store, indexer, cfg.Documents.RootDir)
		snapshotSvc := snapshot.NewService(store, sink)

		checkers := []health.Checker{health.NewPostgresChecker(pool)}

		var clusterLog clusterlog.Log
		if cfg.Mode.ClusterMode {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			clusterLog = clusterlog.NewRedisLog(client, cfg.Cluster.LogPrefix, cfg.Cluster.LogMaxLen)
			checkers = append(checkers, health.NewRedisChecker(client))
		} else {
			clusterLog = clusterlog.NewLocalLog(1000)
		}

		hydrator := hydration.NewService(store, clusterLog, cfg.Documents.RootDir)
		engine := realtime.NewEngine(hydrator, snapshotSvc, clusterLog)

		if !cfg.Mode.ClusterMode {
			sched := persistworker.NewDebounceScheduler(hydrator, snapshotSvc, cfg.Snapshot.Debounce())
			sched.Start(ctx)
			engine.OnLocalUpdate = sched.MarkDirty
		}

		gw := wsgateway.NewGateway(engine, cfg.Awareness.TTL(), checkers...)
		router := chi.NewRouter()
		gw.Routes(router)

		srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}

		errCh := make(chan error, 1)
		go func() {
			obslog.Logger.Info().Str("addr", cfg.Server.Addr).Msg("engine listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			return err
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// workerCmd runs the cluster-mode persistence worker: the process that
// drains the Cluster Log's shared tasks stream and writes Markdown
// files and snapshots. Only meaningful when mode.cluster_mode is true;
// single-node mode runs its debounce cycle inside the engine process.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the cluster-mode persistence worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if !cfg.Mode.ClusterMode {
			return fmt.Errorf("worker subcommand requires mode.cluster_mode=true")
		}

		ctx, cancel := signalContext()
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		store := storage.NewPostgresStore(pool)
		indexer := linkindex.NewService(store)
		sink := markdown.NewSink(store, indexer, cfg.Documents.RootDir)
		snapshotSvc := snapshot.NewService(store, sink)

		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		clusterLog := clusterlog.NewRedisLog(client, cfg.Cluster.LogPrefix, cfg.Cluster.LogMaxLen)

		hydrator := hydration.NewService(store, clusterLog, cfg.Documents.RootDir)
		w := persistworker.NewWorker(hydrator, snapshotSvc, clusterLog, cfg.Cluster.MinMessageLifetime())

		obslog.Logger.Info().Msg("persistence worker starting")
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

// migrateCmd applies every pending Postgres migration and exits.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()

		if err := storage.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		obslog.Logger.Info().Msg("migrations applied")
		return nil
	},
}

const shutdownGrace = 10 * time.Second

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
