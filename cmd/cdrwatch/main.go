package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdrwatch/internal/cdrstore"
	"cdrwatch/internal/config"
	"cdrwatch/internal/health"
	"cdrwatch/internal/lease"
	"cdrwatch/internal/monitor"
	"cdrwatch/internal/notify"
	"cdrwatch/internal/transcode"
	"cdrwatch/pkg/logger"
	"cdrwatch/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	log.Info("starting service", "env", cfg.App.Env, "db_driver", cfg.DB.Driver, "table", cfg.DB.Table)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("service failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	// No idle connections: each store call opens and closes its own.
	db, err := utils.NewDB(cfg.DB.Driver, cfg.DSN(), utils.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 0})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := utils.HealthCheck(ctx, db, 5*time.Second); err != nil {
		// Not fatal: the loop backs off and retries until the store comes up.
		log.Warn("cdr store unreachable at startup", "err", err)
	}

	store, err := cdrstore.NewSQLStore(db, cdrstore.Dialect(cfg.DB.Driver), cfg.DB.Table)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Webhook.URL != "" {
		wh, err := notify.NewWebhook(notify.Options{
			URL:     cfg.Webhook.URL,
			Token:   cfg.Webhook.Token,
			Footer:  cfg.Webhook.Footer,
			Timeout: cfg.Webhook.Timeout,
		})
		if err != nil {
			return err
		}
		notifier = wh
	} else {
		log.Warn("WEBHOOK_URL not set; notifications are discarded")
	}

	compressor := transcode.New(
		transcode.Profile{
			Bitrate:    cfg.Compress.Bitrate,
			SampleRate: cfg.Compress.SampleRate,
			Channels:   cfg.Compress.Channels,
			MaxBytes:   cfg.Compress.MaxBytes,
		},
		transcode.WithBinary(cfg.Compress.Binary),
		transcode.WithTimeout(cfg.Compress.Timeout),
	)

	opts := []monitor.Option{monitor.WithLogger(log)}
	if cfg.LeaseEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			return err
		}
		defer rdb.Close()

		l, err := lease.New(rdb, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL)
		if err != nil {
			return err
		}
		log.Info("instance lease enabled", "key", cfg.Redis.LeaseKey, "ttl", cfg.Redis.LeaseTTL.String(), "owner", l.Token())
		opts = append(opts, monitor.WithLease(l))
	}

	mon := monitor.New(store, notifier, compressor, monitor.Config{
		RecordingRoot:  cfg.Recording.Root,
		CompressDir:    cfg.Recording.CompressDir,
		Lookback:       cfg.Loop.Lookback,
		PollInterval:   cfg.Loop.PollInterval,
		IdleInterval:   cfg.Loop.IdleInterval,
		ErrorBackoff:   cfg.Loop.ErrorBackoff,
		RecordingDelay: cfg.Loop.RecordingDelay,
		StoreTimeout:   cfg.Loop.StoreTimeout,
	}, opts...)

	if cfg.HealthEnabled() {
		if cfg.IsProduction() {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := health.NewServer(cfg.HealthAddr(), health.NewRouter(log, mon, 2*cfg.MaxIterationGap()))
		go func() {
			log.Info("health listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("health server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("health shutdown failed", "err", err)
			}
		}()
	}

	return mon.Run(ctx)
}
