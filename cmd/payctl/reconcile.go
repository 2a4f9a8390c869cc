package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/siretech/backoffice-payments/internal/config"
	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/mpesa"
	"github.com/siretech/backoffice-payments/internal/repository"
	"github.com/siretech/backoffice-payments/internal/service"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Query M-Pesa for pushes still pending and settle final outcomes",
		Long: `Finds mobile money payments that have been pending longer than --older-than
and asks M-Pesa for their outcome. Final outcomes are applied to the ledger and
invoices exactly as a callback would be. Requires the same environment as the API.`,
		Args: cobra.NoArgs,
		RunE: runReconcile,
	}

	cmd.Flags().Duration("older-than", 2*time.Minute, "only consider payments pending at least this long")
	cmd.Flags().Int("limit", 100, "maximum number of payments to check")
	return cmd
}

func runReconcile(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init("payctl", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Connect(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeS) * time.Second,
	}, repository.NoRetry)
	if err != nil {
		return err
	}
	defer db.Close()

	invoices := repository.NewInvoiceRepository(db)
	payments := repository.NewPaymentRepository(db)

	ledger := payment.NewLedger(payments)
	reconciler := payment.NewReconciler(invoices, decimal.NewFromFloat(cfg.DefaultVATRate))

	var settler *payment.Settler
	if cfg.OutboxEnabled {
		settler = payment.NewSettler(db, ledger, reconciler, invoices, repository.NewOutboxRepository(db))
	} else {
		settler = payment.NewSettler(db, ledger, reconciler, invoices, nil)
	}

	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		ShortCode:      cfg.MpesaShortCode,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.MpesaCallbackURL,
		Timeout:        cfg.MpesaTimeout(),
	})

	svc := payment.NewService(db, invoices, payments, ledger, reconciler, gateway, settler)
	sweeper := service.NewPendingSweeper(payments, svc, logger, 0, olderThan)

	summary := sweeper.Sweep(ctx, olderThan, limit)
	fmt.Fprintf(cmd.OutOrStdout(), "checked=%d resolved=%d pending=%d errors=%d\n",
		summary.Checked, summary.Resolved, summary.Pending, summary.Errors)

	if summary.Errors > 0 {
		return fmt.Errorf("%d payments could not be reconciled", summary.Errors)
	}
	return nil
}
