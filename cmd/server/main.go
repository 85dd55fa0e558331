package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"funds-transfer/internal/config"
	"funds-transfer/internal/httpapi"
	"funds-transfer/internal/logging"
	"funds-transfer/internal/notify"
	"funds-transfer/internal/store"
	"funds-transfer/internal/transfer"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func main() {
	configPath := flag.String("config", "", "optional YAML config file; LEDGER_* env vars override it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	start := time.Now()
	logger.Info("[startup] begin",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("notify_mode", cfg.Notify.Mode),
		zap.Duration("lock_timeout", cfg.Transfer.LockTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	notifier := notify.Notifier(notify.NewLogNotifier(logger))
	if cfg.UsesOutbox() {
		pool, err := openPool(ctx, cfg.DB, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		outbox := notify.NewOutbox(pool, logger, cfg.Notify.Timeout)
		if cfg.Notify.Mode == "both" {
			notifier = notify.Multi{notifier, outbox}
		} else {
			notifier = outbox
		}
	}

	st := store.New()
	tc := transfer.New(st, notifier,
		transfer.WithLockTimeout(cfg.Transfer.LockTimeout),
		transfer.WithLogger(logger),
		transfer.WithMetrics(transfer.NewMetrics(reg)),
	)
	h := httpapi.NewHandlers(st, tc, logger)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpapi.Router(h, reg, cfg.HTTP.MaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A transfer may park on two locks before it answers.
		WriteTimeout: 2*cfg.Transfer.LockTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("[startup] ready",
		zap.Duration("took", time.Since(start).Truncate(time.Millisecond)),
		zap.String("addr", cfg.HTTP.Addr),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("[shutdown] draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Transfer.LockTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("[shutdown] complete")
	return nil
}

func openPool(ctx context.Context, db config.DB, logger *zap.Logger) (*pgxpool.Pool, error) {
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// DB pool sizing
	maxConns := db.MaxConns
	if maxConns == 0 {
		maxConns = clamp(runtime.GOMAXPROCS(0)*4, 4, 50)
	}
	logger.Info("[startup] connecting to DB", zap.Int("max_conns", maxConns))

	pcfg, err := pgxpool.ParseConfig(db.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = int32(maxConns)
	pcfg.MinConns = 1
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(startCtx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(startCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if db.Migrate {
		logger.Info("[startup] running migrations")
		if err := notify.Migrate(startCtx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("[startup] migrations complete")
	} else {
		logger.Info("[startup] migrations disabled")
	}
	return pool, nil
}
