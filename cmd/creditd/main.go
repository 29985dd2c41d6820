package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/iaiaz/mifa-credits/internal/api"
	"github.com/iaiaz/mifa-credits/internal/config"
	"github.com/iaiaz/mifa-credits/internal/domain/classes"
	"github.com/iaiaz/mifa-credits/internal/domain/family"
	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
	"github.com/iaiaz/mifa-credits/internal/domain/orgs"
	"github.com/iaiaz/mifa-credits/internal/domain/pricing"
	"github.com/iaiaz/mifa-credits/internal/domain/ratelimit"
	"github.com/iaiaz/mifa-credits/internal/domain/usage"
	"github.com/iaiaz/mifa-credits/internal/identity"
	"github.com/iaiaz/mifa-credits/internal/infra/db"
	httpx "github.com/iaiaz/mifa-credits/internal/infra/http"
	"github.com/iaiaz/mifa-credits/internal/infra/logger"
	"github.com/iaiaz/mifa-credits/internal/infra/notify"
	"github.com/iaiaz/mifa-credits/internal/infra/payments"
	"github.com/iaiaz/mifa-credits/internal/infra/redisx"
	"github.com/iaiaz/mifa-credits/internal/jobs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/subosito/gotenv"
)

func runMigrations(dsn string) error {
	sqlDB, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	return goose.Up(sqlDB, "migrations")
}

func main() {
	_ = gotenv.Load()

	cfg, err := config.Load("config/example.yaml")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.App.Env, "creditd")

	if err := runMigrations(cfg.Postgres.DSN); err != nil {
		log.Error("migrations failed", "err", err)
		return
	}
	log.Info("migrations applied")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Error("db connect failed", "err", err)
		return
	}
	defer pool.Close()
	log.Info("db connected")

	rdb, err := redisx.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Error("redis connect failed", "err", err)
		return
	}
	defer func() { _ = rdb.Close() }()
	log.Info("redis connected")

	loc, err := time.LoadLocation(cfg.App.Timezone)
	if err != nil {
		log.Error("bad timezone", "tz", cfg.App.Timezone, "err", err)
		return
	}

	var alerts notify.Notifier = notify.Noop{}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AdminChatID, log)
		if err != nil {
			log.Error("telegram init failed", "err", err)
			return
		}
		alerts = tg
	}

	ledgerRepo := ledger.NewRepo(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, alerts, log, cfg.Credits.LowBalanceThreshold)

	orgRepo := orgs.NewRepo(pool)
	orgSvc := orgs.NewService(orgRepo, alerts, log)
	familyRepo := family.NewRepo(pool)

	classRepo := classes.NewRepo(pool)
	classSvc := classes.NewService(classRepo, log)

	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb), ratelimit.NewTable(cfg))
	prices := pricing.NewBook(cfg)
	usageSvc := usage.NewService(limiter, familyRepo, ledgerSvc, prices, classSvc, orgSvc, loc, log)

	stripeClient := payments.NewClient(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, ledgerSvc, log)
	idClient := identity.NewClient(cfg.Identity.BaseURL)

	handlers := api.NewHandlers(
		ledgerSvc, orgSvc, classSvc, familyRepo, limiter, usageSvc,
		stripeClient, idClient, cfg.Credits.Admins, log,
	)

	runner := jobs.NewRunner(rdb, classSvc, log)
	if err := runner.Start(); err != nil {
		log.Error("job scheduler failed", "err", err)
		return
	}
	defer runner.Stop()

	srv := httpx.New(cfg.HTTP.Addr, cfg.Metrics.Enabled, handlers.Register)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
		}
	}()
	log.Info("HTTP server started", "addr", cfg.HTTP.Addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("graceful shutdown complete")
}
