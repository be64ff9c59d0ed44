// main wires the quota-aware explanation service: ledger, burst window,
// audit trail, admission controller and the two HTTP listeners. Business
// logic lives in the internal packages; this file only assembles them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"explaind/internal/explain"
	"explaind/internal/generation"
	"explaind/internal/platform/audit/publisher"
	"explaind/internal/platform/config"
	"explaind/internal/platform/httpserver"
	"explaind/internal/platform/logger"
	"explaind/internal/platform/metrics"
	"explaind/internal/platform/postgres"
	"explaind/internal/platform/redis"
	qconfig "explaind/internal/quota/config"
	"explaind/internal/quota/handler"
	qmetrics "explaind/internal/quota/metrics"
	"explaind/internal/quota/models"
	"explaind/internal/quota/ports"
	"explaind/internal/quota/service/accountant"
	"explaind/internal/quota/service/limiter"
	"explaind/internal/quota/store/ledger"
	"explaind/internal/quota/store/window"
	"explaind/internal/quota/tokens"
	"explaind/internal/quota/validate"
	httptransport "explaind/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(context.Background(), cfg, qconfig.FromEnv(), log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, quotaCfg qconfig.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := metrics.New(reg)
	quotaMetrics := qmetrics.New(reg)

	// Ledger: Postgres when configured, with a permissive in-memory fallback
	// for outages. Without Postgres the memory ledger is the primary, which
	// suits local development.
	var (
		store       ports.Ledger
		limiterOpts = []limiter.Option{
			limiter.WithLogger(log),
			limiter.WithMetrics(quotaMetrics),
		}
	)
	if cfg.PostgresURL != "" {
		db, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = ledger.NewPostgres(db)
		limiterOpts = append(limiterOpts, limiter.WithFallback(ledger.NewMemory()))
	} else {
		log.Warn("no postgres configured, quota state is in-memory and lost on restart")
		store = ledger.NewMemory()
	}

	// Audit trail: Kafka when brokers are configured, otherwise events only
	// reach the structured log.
	var auditPub ports.AuditPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := publisher.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic,
			publisher.WithLogger(log))
		if err != nil {
			return err
		}
		defer kafka.Close()
		auditPub = kafka
		limiterOpts = append(limiterOpts, limiter.WithAuditPublisher(auditPub))
	}

	limits := models.Limits{MaxRequests: quotaCfg.DailyRequests, MaxTokens: quotaCfg.DailyTokens}
	lim, err := limiter.New(store, limits, limiterOpts...)
	if err != nil {
		return err
	}

	est := tokens.NewEstimator()
	acc, err := accountant.New(generation.NewLocal(0), lim, est, accountant.WithLogger(log))
	if err != nil {
		return err
	}

	explainOpts := []explain.Option{explain.WithLogger(log)}
	if auditPub != nil {
		explainOpts = append(explainOpts, explain.WithAuditPublisher(auditPub))
	}
	if cfg.Redis.URL != "" {
		rdb, err := redis.New(cfg.Redis)
		if err != nil {
			// The burst window fails open; the daily ledger still bounds
			// total consumption.
			log.Warn("redis unavailable, burst limiting disabled", "error", err)
		} else if rdb != nil {
			defer rdb.Close()
			explainOpts = append(explainOpts, explain.WithBurstLimiter(window.NewRedis(rdb)))
		}
	}

	svc, err := explain.New(quotaCfg, validate.New(est), est, lim, acc, explainOpts...)
	if err != nil {
		return err
	}

	apiSrv := httpserver.New(cfg.Server.Addr,
		httptransport.NewRouter(handler.New(svc, log), log, httpMetrics))
	opsSrv := httpserver.New(cfg.Server.OpsAddr, httptransport.NewOpsRouter(reg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", cfg.Server.Addr)
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("ops listening", "addr", cfg.Server.OpsAddr)
		if err := opsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = opsSrv.Shutdown(shutdownCtx)
		return apiSrv.Shutdown(shutdownCtx)
	})

	log.Info("quota limits",
		"daily_requests", quotaCfg.DailyRequests,
		"daily_tokens", quotaCfg.DailyTokens,
		"max_input_tokens", quotaCfg.MaxInputTokens,
		"max_output_tokens", quotaCfg.MaxOutputTokens,
	)
	return g.Wait()
}
