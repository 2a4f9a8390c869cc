package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/repository"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

func invoiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Inspect or void a single invoice",
	}
	cmd.PersistentFlags().String("database-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	cmd.PersistentFlags().Float64("default-vat", 0.16, "VAT rate applied to invoices without their own rate")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <invoice-id>",
		Short: "Print an invoice's totals and payment history",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvoiceShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "void <invoice-id>",
		Short: "Void an invoice so it accepts no further payments",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvoiceVoid,
	})
	return cmd
}

func openForInvoice(cmd *cobra.Command, arg string) (context.Context, context.CancelFunc, *sql.DB, uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return nil, nil, nil, uuid.Nil, fmt.Errorf("invoice id: %w", err)
	}
	dsn, err := databaseURL(cmd)
	if err != nil {
		return nil, nil, nil, uuid.Nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	db, err := repository.Connect(ctx, dsn, repository.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1}, repository.NoRetry)
	if err != nil {
		cancel()
		return nil, nil, nil, uuid.Nil, err
	}
	return ctx, cancel, db, id, nil
}

func defaultVAT(cmd *cobra.Command) decimal.Decimal {
	rate, _ := cmd.Flags().GetFloat64("default-vat")
	return decimal.NewFromFloat(rate)
}

func runInvoiceShow(cmd *cobra.Command, args []string) error {
	ctx, cancel, db, id, err := openForInvoice(cmd, args[0])
	if err != nil {
		return err
	}
	defer cancel()
	defer db.Close()

	inv, err := repository.NewInvoiceRepository(db).GetByID(ctx, id)
	if err != nil {
		return err
	}
	attempts, err := repository.NewPaymentRepository(db).ListByInvoice(ctx, id)
	if err != nil {
		return err
	}
	return writeInvoice(cmd.OutOrStdout(), inv, attempts, defaultVAT(cmd))
}

func runInvoiceVoid(cmd *cobra.Command, args []string) error {
	ctx, cancel, db, id, err := openForInvoice(cmd, args[0])
	if err != nil {
		return err
	}
	defer cancel()
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	reconciler := payment.NewReconciler(repository.NewInvoiceRepository(db), defaultVAT(cmd))
	inv, err := reconciler.Void(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "invoice %s voided (paid %s, balance %s)\n",
		inv.InvoiceNo, inv.PaidAmount().StringFixed(2), inv.Balance().StringFixed(2))
	return nil
}

func writeInvoice(w io.Writer, inv *domain.Invoice, attempts []domain.PaymentAttempt, vat decimal.Decimal) error {
	fmt.Fprintf(w, "Invoice   %s (%s)\n", inv.InvoiceNo, inv.ID)
	fmt.Fprintf(w, "Status    %s\n", inv.Status())
	fmt.Fprintf(w, "Subtotal  %s\n", inv.Subtotal().StringFixed(2))
	fmt.Fprintf(w, "VAT rate  %s\n", inv.EffectiveVATRate(vat).String())
	fmt.Fprintf(w, "Total     %s\n", inv.Total(vat).StringFixed(2))
	fmt.Fprintf(w, "Paid      %s\n", inv.PaidAmount().StringFixed(2))
	fmt.Fprintf(w, "Balance   %s\n", inv.Balance().StringFixed(2))
	if inv.Overpaid().IsPositive() {
		fmt.Fprintf(w, "Overpaid  %s\n", inv.Overpaid().StringFixed(2))
	}

	if len(attempts) == 0 {
		fmt.Fprintln(w, "\nNo payments recorded.")
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OCCURRED\tMETHOD\tAMOUNT\tSTATUS\tREFERENCE")
	for _, p := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.OccurredAt.UTC().Format(time.RFC3339), p.Method, p.Amount.StringFixed(2), p.Status, p.Reference)
	}
	return tw.Flush()
}
