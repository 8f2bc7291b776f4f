package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/ban"
	"github.com/whisper/video-relay/internal/config"
	"github.com/whisper/video-relay/internal/gateway"
	"github.com/whisper/video-relay/internal/geo"
	"github.com/whisper/video-relay/internal/logger"
	"github.com/whisper/video-relay/internal/messaging"
	"github.com/whisper/video-relay/internal/moderation"
	"github.com/whisper/video-relay/internal/ratelimit"
	"github.com/whisper/video-relay/internal/report"
	"github.com/whisper/video-relay/internal/ws"
)

const (
	backendTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
	prunerInterval  = time.Minute
)

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instance, _ := os.Hostname()
	if instance == "" {
		instance = "videorelay"
	}

	log.Info("video relay starting",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr()),
		zap.String("env", cfg.Env),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("ban_duration", cfg.BanDuration),
		zap.Bool("trust_proxy", cfg.TrustProxy),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.Bool("database", cfg.DatabaseURL != ""),
		zap.Bool("geo", cfg.GeoURL != ""))

	// --- Rate limiting ---
	limiter, closeLimiter := newLimiter(ctx, cfg, log)
	defer closeLimiter()

	// --- Bans ---
	bans := ban.NewStore()
	go bans.StartSweeper(ctx, cfg.BanSweepInterval, log.Named("ban"))

	deps := gateway.Deps{
		Bans:    bans,
		Limiter: limiter,
		Geo:     geo.Nop{},
		Events:  messaging.Nop{},
	}
	if cfg.GeoURL != "" {
		deps.Geo = geo.NewHTTPLocator(cfg.GeoURL, cfg.GeoToken, cfg.GeoTimeout)
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "videorelay-" + instance

		natsClient, err := messaging.NewNATSClient(natsConfig, log.Named("nats"))
		if err != nil {
			log.Warn("nats unavailable, relay events disabled", zap.Error(err))
		} else {
			defer natsClient.Close()
			deps.Events = natsClient
			err := natsClient.SubscribeUnban(func(cmd messaging.UnbanCommand) {
				bans.Unban(cmd.IP)
				log.Info("ban lifted by command", zap.String("ip", cmd.IP))
			})
			if err != nil {
				log.Warn("failed to subscribe to unban commands", zap.Error(err))
			}
		}
	}

	// --- PostgreSQL ---
	if cfg.DatabaseURL != "" {
		if store, closeDB, err := openAudit(ctx, cfg.DatabaseURL); err != nil {
			log.Warn("report audit disabled", zap.Error(err))
		} else {
			defer closeDB()
			deps.Audit = store
		}
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr(),
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: int64(cfg.MaxSignalBytes) + 1024,
		AllowedOrigin:  cfg.AllowedOrigin,
		TrustProxy:     cfg.TrustProxy,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}

	gw := gateway.New(gateway.Config{
		Server:      serverConfig,
		ConnectRule: ratelimit.RuleConnect.WithLimits(cfg.RateLimitMax, cfg.RateLimitWindow),
		Reports: moderation.ServiceConfig{
			BanDuration: cfg.BanDuration,
			ReportRule:  ratelimit.RuleReport.WithLimits(cfg.ReportLimitMax, cfg.ReportLimitWindow),
		},
		MaxSignalBytes: cfg.MaxSignalBytes,
		GeoTimeout:     cfg.GeoTimeout,
		ICEServers:     cfg.ICEServers,
		Instance:       instance,
	}, deps, log)

	go gw.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Server().Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Server().Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	return <-errCh
}

// newLimiter returns the Redis limiter when Redis is configured and
// reachable, and the in-memory limiter otherwise.
func newLimiter(ctx context.Context, cfg config.Config, log *zap.Logger) (ratelimit.Limiter, func()) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, backendTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Info("using redis rate limiter", zap.String("addr", cfg.RedisAddr))
			return ratelimit.NewRedisLimiter(client, log.Named("ratelimit")), func() { _ = client.Close() }
		}
		log.Warn("redis unavailable, using in-memory rate limiter", zap.Error(err))
		_ = client.Close()
	}

	limiter := ratelimit.NewMemoryLimiter()
	go limiter.StartPruner(ctx, prunerInterval)
	return limiter, func() {}
}

// openAudit connects to PostgreSQL, applies migrations and returns the
// report store.
func openAudit(ctx context.Context, databaseURL string) (*report.Store, func(), error) {
	openCtx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	db, err := report.Open(openCtx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := report.Migrate(databaseURL); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return report.NewStore(db), func() { _ = db.Close() }, nil
}
