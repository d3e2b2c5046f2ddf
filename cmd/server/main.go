package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xiaohuo/verifybot/internal/alert"
	"github.com/xiaohuo/verifybot/internal/bot"
	"github.com/xiaohuo/verifybot/internal/config"
	"github.com/xiaohuo/verifybot/internal/database"
	"github.com/xiaohuo/verifybot/internal/handler/health"
	"github.com/xiaohuo/verifybot/internal/lark"
	"github.com/xiaohuo/verifybot/internal/membership"
	"github.com/xiaohuo/verifybot/internal/migrations"
	"github.com/xiaohuo/verifybot/internal/qr"
	"github.com/xiaohuo/verifybot/internal/server"
	"github.com/xiaohuo/verifybot/internal/store"
	"github.com/xiaohuo/verifybot/internal/verify"
	"github.com/xiaohuo/verifybot/internal/verifybot"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- Stores ---
	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	// --- Platform ---
	var client lark.Client
	switch cfg.Lark.Client {
	case config.ClientHTTP:
		client = lark.NewHTTPClient(cfg.Lark.AppID, cfg.Lark.AppSecret, cfg.Lark.BaseURL, cfg.Lark.Timeout)
	default:
		client = lark.NewSDKClient(cfg.Lark.AppID, cfg.Lark.AppSecret, cfg.Lark.BaseURL, cfg.Lark.Timeout)
	}
	if cfg.Lark.AppID == "" || cfg.Lark.AppSecret == "" {
		logger.Warn("LARK_APP_ID or LARK_APP_SECRET not set, platform calls will fail")
	}
	if cfg.Lark.EncryptKey == "" {
		logger.Warn("LARK_ENCRYPT_KEY not set, webhook requests are accepted without signature checks")
	}
	for _, c := range verifybot.Categories {
		if len(cfg.Groups[c].ChatIDs) == 0 {
			logger.Warn("no chat ids configured", "group_type", c)
		}
	}

	// --- Bot ---
	verifier := verify.New(verify.Config{
		Enabled:       cfg.Verify.Enabled,
		Endpoint:      cfg.Verify.Endpoint,
		Token:         cfg.Verify.Token,
		EventID:       cfg.Verify.EventID,
		Timeout:       cfg.Verify.Timeout,
		RatePerMinute: cfg.Verify.RatePerMinute,
	}, stores.verdicts, logger)
	if !cfg.Verify.Enabled {
		logger.Warn("authorization api disabled, every decoded qr code is accepted")
	}

	alerts := alert.NewBroker()
	b := bot.New(bot.Deps{
		Sessions:  stores.sessions,
		Platform:  client,
		Extractor: qr.NewExtractor(logger),
		Verifier:  verifier,
		Joiner:    membership.New(cfg.Groups, client, logger),
		Alerts:    alerts,
		Groups:    cfg.Groups,
		Logger:    logger,
	})

	deps := server.Deps{
		Logger:       logger,
		Events:       b,
		EventPath:    cfg.EventPath,
		EncryptKey:   cfg.Lark.EncryptKey,
		OpsTokenHash: cfg.OpsTokenHash,
		Alerts:       alerts,
		Checks:       stores.checks,
		Status: server.Status{
			Service:      "verifybot",
			StoreBackend: cfg.Store.Backend,
			LarkClient:   cfg.Lark.Client,
			Verification: cfg.Verify.Enabled,
			Insecure:     cfg.Lark.EncryptKey == "",
			StartedAt:    time.Now().UTC(),
		},
	}
	var dispatcher *bot.Dispatcher
	if cfg.EventAsync {
		dispatcher = bot.NewDispatcher(b, cfg.EventTimeout, logger)
		deps.Dispatcher = dispatcher
	}

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, deps)

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr, "event_path", cfg.EventPath)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		return store.RunSweeper(gctx, logger, cfg.Store.SweepInterval, stores.sweepers)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		if err := srv.Shutdown(context.Background()); err != nil {
			return err
		}
		if dispatcher == nil {
			return nil
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.EventTimeout)
		defer cancel()
		if err := dispatcher.Wait(drainCtx); err != nil {
			logger.Warn("in-flight events abandoned", "error", err)
		}
		return nil
	})

	return g.Wait()
}

type backends struct {
	sessions store.Sessions
	verdicts store.Verdicts
	sweepers map[string]store.Sweeper
	checks   map[string]health.Checker
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		rdb, err := openRedis(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("connected to redis", "prefix", cfg.Store.RedisPrefix)
		check := redisChecker{rdb}
		return &backends{
			sessions: store.NewRedisSessions(rdb, cfg.Store.RedisPrefix, cfg.Store.SessionTTL),
			verdicts: store.NewRedisVerdicts(rdb, cfg.Store.RedisPrefix, cfg.Verify.CacheTTL),
			checks:   map[string]health.Checker{"redis": check},
			close:    func() { rdb.Close() },
		}, nil

	case config.BackendSQLite:
		db, err := database.Open(ctx, cfg.Store.DBPath)
		if err != nil {
			return nil, fmt.Errorf("connecting to sqlite: %w", err)
		}
		if err := migrations.Run(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("connected to sqlite", "path", cfg.Store.DBPath)
		sessions := store.NewSQLiteSessions(db, cfg.Store.SessionTTL)
		verdicts := store.NewSQLiteVerdicts(db, cfg.Verify.CacheTTL)
		return &backends{
			sessions: sessions,
			verdicts: verdicts,
			sweepers: map[string]store.Sweeper{"sessions": sessions, "verdicts": verdicts},
			checks:   map[string]health.Checker{"sqlite": dbChecker{db}},
			close:    func() { db.Close() },
		}, nil

	default:
		sessions := store.NewMemorySessions(cfg.Store.SessionTTL)
		verdicts := store.NewMemoryVerdicts(cfg.Verify.CacheTTL)
		logger.Info("using in-memory stores")
		return &backends{
			sessions: sessions,
			verdicts: verdicts,
			sweepers: map[string]store.Sweeper{"sessions": sessions, "verdicts": verdicts},
			checks:   map[string]health.Checker{},
			close:    func() {},
		}, nil
	}
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// dbChecker adapts *sql.DB to health.Checker.
type dbChecker struct{ db *sql.DB }

func (d dbChecker) Check(ctx context.Context) error { return d.db.PingContext(ctx) }

// redisChecker adapts *redis.Client to health.Checker.
type redisChecker struct{ client *redis.Client }

func (r redisChecker) Check(ctx context.Context) error { return r.client.Ping(ctx).Err() }
