package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/rpattn/usageprov/internal/config"
	"github.com/rpattn/usageprov/internal/db"
	migrate "github.com/rpattn/usageprov/internal/db/migrations_sqlite"
	"github.com/rpattn/usageprov/internal/logger"
	"github.com/rpattn/usageprov/internal/provision"
	"github.com/rpattn/usageprov/internal/server"
	"github.com/rpattn/usageprov/internal/supabase"
	"github.com/rpattn/usageprov/internal/usage"
)

const usageText = `usage: usageprov [flags] [command]

commands:
  ensure   create user_usage and add missing columns (default)
  verify   check user_usage has every required column
  reset    apply the monthly usage reset
  serve    expose the reset over HTTP for a scheduler

flags:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("usageprov", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	cmd := "ensure"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log := logger.New("info", "text")
		log.WithError(err).Error("load config")
		return exitCode(cmd, err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	switch cmd {
	case "ensure":
		err = withTimeout(cfg, func(ctx context.Context) error { return ensure(ctx, cfg, log) })
		if err != nil {
			logFailure(log, err, "Error setting up user_usage table")
		}
	case "verify":
		err = withTimeout(cfg, func(ctx context.Context) error { return verify(ctx, cfg, log) })
		if err != nil {
			logFailure(log, err, "user_usage table does not match the required shape")
		}
	case "reset":
		err = withTimeout(cfg, func(ctx context.Context) error { return reset(ctx, cfg, log) })
		if err != nil {
			logFailure(log, err, "Error resetting monthly usage")
		}
	case "serve":
		err = serve(cfg, log)
		if err != nil {
			logFailure(log, err, "server stopped")
		}
	default:
		fs.Usage()
		return 2
	}
	return exitCode(cmd, err)
}

// exitCode keeps ensure's historical contract: failures are reported in the
// log and the process still exits 0.
func exitCode(cmd string, err error) int {
	if err == nil || cmd == "ensure" {
		return 0
	}
	return 1
}

func logFailure(log logrus.FieldLogger, err error, msg string) {
	fields := logrus.Fields{"kind": usage.KindOf(err).String()}
	var ue *usage.Error
	if errors.As(err, &ue) && ue.Op != "" {
		fields["op"] = ue.Op
	}
	log.WithError(err).WithFields(fields).Error(msg)
}

func withTimeout(cfg *config.Config, fn func(context.Context) error) error {
	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return fn(ctx)
}

// openExecutor builds the transport cfg selects. The returned close func is
// never nil.
func openExecutor(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (usage.Executor, provision.Dialect, func(), error) {
	noop := func() {}
	if err := cfg.Validate(); err != nil {
		return nil, provision.Dialect{}, noop, err
	}

	transport := cfg.Transport()
	log = log.WithField("transport", string(transport))
	switch transport {
	case config.TransportSQLite:
		conn, err := db.Open(ctx, db.DriverSQLite, cfg.DB.Path)
		if err != nil {
			return nil, provision.Dialect{}, noop, err
		}
		// In-app identity table for SQLite (idempotent)
		if err := migrate.EnsureSQLiteSchema(ctx, conn); err != nil {
			conn.Close()
			return nil, provision.Dialect{}, noop, usage.Wrap(usage.KindSchema, "sqlite migrate", err)
		}
		log.WithField("path", cfg.DB.Path).Debug("opened sqlite database")
		return db.NewExecutor(conn, db.DriverSQLite), provision.SQLite, func() { conn.Close() }, nil

	case config.TransportPostgres:
		conn, err := db.Open(ctx, db.DriverPostgres, cfg.DB.DSN)
		if err != nil {
			return nil, provision.Dialect{}, noop, err
		}
		log.Debug("connected to postgres")
		return db.NewExecutor(conn, db.DriverPostgres), provision.Postgres, func() { conn.Close() }, nil

	default:
		log.WithField("url", cfg.Supabase.URL).Debug("using supabase rpc")
		c := supabase.New(cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey, cfg.Supabase.SQLFunction, cfg.Timeout)
		return c, provision.Postgres, noop, nil
	}
}

func ensure(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	ex, dialect, closeFn, err := openExecutor(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()
	return provision.New(ex, dialect, log).EnsureUsageTable(ctx)
}

func verify(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	ex, dialect, closeFn, err := openExecutor(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()
	rep, err := provision.New(ex, dialect, log).Verify(ctx)
	if err != nil {
		return err
	}
	log.WithField("report", rep.String()).Info("verify ok")
	return nil
}

func reset(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	ex, _, closeFn, err := openExecutor(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := usage.ResetMonthly(ctx, ex); err != nil {
		return err
	}
	log.Info("Monthly usage reset successful")
	return nil
}

func serve(cfg *config.Config, log *logrus.Logger) error {
	if cfg.Server.CronSecret == "" {
		return usage.Errorf(usage.KindConfiguration, "serve", "missing server.cron_secret (CRON_SECRET)")
	}
	var (
		ex      usage.Executor
		closeFn func()
	)
	err := withTimeout(cfg, func(ctx context.Context) error {
		var err error
		ex, _, closeFn, err = openExecutor(ctx, cfg, log)
		return err
	})
	if err != nil {
		return err
	}
	defer closeFn()

	srv := server.New(ex, cfg, log)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Timeout + 5*time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "transport": string(cfg.Transport())}).Info("usageprov listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-stop:
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	log.Info("bye")
	return nil
}
