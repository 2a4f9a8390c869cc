package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
)

const invoiceColumns = `id, invoice_no, client_id, description, vat_rate,
	paid_amount, balance, overpaid_amount, status, payment_date,
	correlation_token, created_at, updated_at`

type InvoiceRepository struct {
	db *sql.DB
}

func NewInvoiceRepository(db *sql.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Create(ctx context.Context, tx *sql.Tx, inv *domain.Invoice) error {
	fin := inv.Financials()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO invoices (
			id, invoice_no, client_id, description, vat_rate,
			paid_amount, balance, overpaid_amount, status, payment_date,
			correlation_token, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inv.ID, inv.InvoiceNo, inv.ClientID, inv.Description, inv.VATRate,
		fin.PaidAmount, fin.Balance, fin.Overpaid, fin.Status, fin.PaymentDate,
		inv.CorrelationToken, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	for i, item := range inv.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_items (invoice_id, position, description, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)`,
			inv.ID, i, item.Description, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("Create: item %d: %w", i, err)
		}
	}
	return nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id,
	)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrInvoiceNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}

	items, err := loadItems(ctx, r.db, id)
	if err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	inv.Items = items
	return inv, nil
}

// GetForUpdate row-locks the invoice for the rest of tx. Every path that
// changes an invoice's financial state goes through here first.
func (r *InvoiceRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Invoice, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id,
	)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrInvoiceNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}

	items, err := loadItems(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	inv.Items = items
	return inv, nil
}

func (r *InvoiceRepository) UpdateFinancials(ctx context.Context, tx *sql.Tx, inv *domain.Invoice) error {
	fin := inv.Financials()
	res, err := tx.ExecContext(ctx,
		`UPDATE invoices SET paid_amount = $1, balance = $2, overpaid_amount = $3,
			status = $4, payment_date = $5, updated_at = now()
		WHERE id = $6`,
		fin.PaidAmount, fin.Balance, fin.Overpaid, fin.Status, fin.PaymentDate, inv.ID,
	)
	if err != nil {
		return fmt.Errorf("UpdateFinancials: %w", err)
	}
	return expectOneRow(res, "UpdateFinancials", domain.ErrInvoiceNotFound)
}

func (r *InvoiceRepository) SetCorrelationToken(ctx context.Context, tx *sql.Tx, id uuid.UUID, token *string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE invoices SET correlation_token = $1, updated_at = now() WHERE id = $2`,
		token, id,
	)
	if err != nil {
		return fmt.Errorf("SetCorrelationToken: %w", err)
	}
	return expectOneRow(res, "SetCorrelationToken", domain.ErrInvoiceNotFound)
}

func loadItems(ctx context.Context, q queryer, invoiceID uuid.UUID) ([]domain.InvoiceItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT description, quantity, unit_price FROM invoice_items
		WHERE invoice_id = $1 ORDER BY position`, invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("loadItems: %w", err)
	}
	defer rows.Close()

	var items []domain.InvoiceItem
	for rows.Next() {
		var it domain.InvoiceItem
		if err := rows.Scan(&it.Description, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("loadItems: scan: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loadItems: rows: %w", err)
	}
	return items, nil
}

func scanInvoice(s scanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var fin domain.InvoiceFinancials
	var vatRate decimal.NullDecimal

	err := s.Scan(
		&inv.ID, &inv.InvoiceNo, &inv.ClientID, &inv.Description, &vatRate,
		&fin.PaidAmount, &fin.Balance, &fin.Overpaid, &fin.Status, &fin.PaymentDate,
		&inv.CorrelationToken, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.VATRate = vatRate
	return domain.RehydrateInvoice(inv, fin), nil
}

func expectOneRow(res sql.Result, op string, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, notFound)
	}
	return nil
}
