package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/api"
	"github.com/siretech/backoffice-payments/internal/config"
	"github.com/siretech/backoffice-payments/internal/handler"
	"github.com/siretech/backoffice-payments/internal/kafka"
	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/middleware"
	"github.com/siretech/backoffice-payments/internal/mpesa"
	"github.com/siretech/backoffice-payments/internal/outbox"
	"github.com/siretech/backoffice-payments/internal/realtime"
	"github.com/siretech/backoffice-payments/internal/repository"
	"github.com/siretech/backoffice-payments/internal/service"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("payments-api", cfg.LogLevel, cfg.AppEnv)

	db, err := connectDB(logging.WithLogger(context.Background(), logger), cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := repository.MigrateUp(cfg.DatabaseURL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	invoices := repository.NewInvoiceRepository(db)
	payments := repository.NewPaymentRepository(db)
	callbacks := repository.NewCallbackEventRepository(db)
	idempotency := repository.NewIdempotencyRepository(db)

	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		ShortCode:      cfg.MpesaShortCode,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.MpesaCallbackURL,
		Timeout:        cfg.MpesaTimeout(),
	})

	registry := realtime.NewRegistry()
	hub := realtime.NewHub(registry, cfg.AllowedOrigins, logger.With("component", "realtime"))

	ledger := payment.NewLedger(payments)
	reconciler := payment.NewReconciler(invoices, decimal.NewFromFloat(cfg.DefaultVATRate))

	var settler *payment.Settler
	if cfg.OutboxEnabled {
		settler = payment.NewSettler(db, ledger, reconciler, invoices, repository.NewOutboxRepository(db))
	} else {
		settler = payment.NewSettler(db, ledger, reconciler, invoices, nil)
	}

	dispatcher := service.NewDispatcher(callbacks, settler, registry, logger.With("component", "dispatcher"))
	paymentSvc := payment.NewService(db, invoices, payments, ledger, reconciler, gateway, dispatcher)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var workers sync.WaitGroup
	startWorker := func(run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(ctx)
		}()
	}

	replayer := service.NewCallbackReplayer(callbacks, dispatcher, logger.With("component", "callback_replayer"),
		cfg.CallbackReplayInterval(), cfg.CallbackReplayMaxAttempts)
	startWorker(replayer.Start)

	if cfg.PendingSweepIntervalS > 0 {
		sweeper := service.NewPendingSweeper(payments, paymentSvc, logger.With("component", "pending_sweeper"),
			cfg.PendingSweepInterval(), cfg.PendingStaleAfter())
		startWorker(sweeper.Start)
	}

	if cfg.OutboxEnabled {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger.With("component", "kafka"))
		defer producer.Close()

		processor := outbox.NewProcessor(db, repository.NewOutboxRepository(db), producer,
			logger.With("component", "outbox"), cfg.OutboxPollInterval())
		startWorker(processor.Start)
	}

	paymentHandler := handler.NewPaymentHandler(paymentSvc)
	callbackHandler := handler.NewCallbackHandler(dispatcher)
	healthHandler := handler.NewHealthHandler(db, registry, version)

	authed := func(h http.HandlerFunc) http.Handler {
		return middleware.Auth(cfg.JWTSecret)(middleware.Idempotency(idempotency)(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)
	docs := handler.NewDocs(api.Spec, "/docs/openapi.yaml", "Back-office Payments API", time.Now())
	mux.HandleFunc("GET /docs", docs.Page)
	mux.HandleFunc("GET /docs/openapi.yaml", docs.Spec)
	mux.Handle("GET /ws", middleware.Auth(cfg.JWTSecret)(http.HandlerFunc(hub.ServeWS)))

	mux.Handle("POST /api/payment/stk-push", authed(paymentHandler.StkPush))
	mux.Handle("POST /api/payment/confirmation", authed(paymentHandler.Confirmation))
	mux.Handle("POST /api/payment/cash",
		middleware.Auth(cfg.JWTSecret)(middleware.RequireAdmin(middleware.Idempotency(idempotency)(http.HandlerFunc(paymentHandler.Cash)))))

	// The gateway cannot authenticate; the callback URL is the shared secret.
	mux.Handle("POST /api/payment/mpesa-callback",
		middleware.AcknowledgeOnPanic(http.StatusOK, handler.CallbackAccepted)(http.HandlerFunc(callbackHandler.MpesaCallback)))

	root := middleware.Recovery(middleware.Tracing(middleware.Logging(mux)))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.MpesaTimeout() + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", addr, "outbox_enabled", cfg.OutboxEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stop()
	workers.Wait()
	logger.Info("server stopped")
}

func connectDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	pool := repository.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeS) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second,
	}
	return repository.Connect(ctx, cfg.DatabaseURL, pool, repository.StartupRetry)
}
