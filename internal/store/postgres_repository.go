/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 *
 * Expected table (managed by the bot backend migrations):
 *   deposits(deposit_id text primary key, customer_id text, amount_minor_units bigint,
 *            currency text, network text, fee_rate numeric null,
 *            payment_proof_ref text null, destination text null, status text,
 *            notified int, receipt_ref text null, failure_reason text null,
 *            created_at timestamptz, updated_at timestamptz)
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const depositColumns = `deposit_id, customer_id, amount_minor_units, currency, network, fee_rate::text,
	payment_proof_ref, destination, status, notified, receipt_ref, failure_reason, created_at, updated_at`

// proofPresentSQL is the one definition of "has a proof" for every query;
// a blank reference counts as no proof, matching domain.Deposit.HasProof.
const proofPresentSQL = `btrim(COALESCE(payment_proof_ref, '')) <> ''`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindConfirmedAwaitingPayout(ctx context.Context, limit int) ([]domain.Deposit, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE ` + proofPresentSQL + `
		  AND (
			status IN ('pending', 'confirmed')
			OR (status = 'awaiting_client_invoice' AND btrim(COALESCE(destination, '')) <> '')
		  )
		ORDER BY created_at ASC
		LIMIT $1`
	return r.queryDeposits(ctx, query, limit)
}

func (r *PostgresRepository) FindPendingWithoutProof(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Deposit, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE status = 'pending'
		  AND NOT ` + proofPresentSQL + `
		  AND created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2`
	return r.queryDeposits(ctx, query, createdAfter, limit)
}

func (r *PostgresRepository) GetByDepositID(ctx context.Context, depositID string) (*domain.Deposit, error) {
	row := r.db.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE deposit_id = $1`, depositID)
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, wrapPgError("get deposit", err)
	}
	return d, nil
}

// UpdateProof writes the proof only while none is on file, then reads back
// the stored value to tell a replay apart from a conflict.
func (r *PostgresRepository) UpdateProof(ctx context.Context, depositID, proofRef string) (ProofUpdate, error) {
	if isBlankProof(proofRef) {
		return 0, ErrProofRequired
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE deposits
		SET payment_proof_ref = $2, updated_at = NOW()
		WHERE deposit_id = $1 AND NOT `+proofPresentSQL,
		depositID, proofRef,
	)
	if err != nil {
		return 0, wrapPgError("update proof", err)
	}
	if tag.RowsAffected() == 1 {
		return ProofStored, nil
	}

	var existing *string
	err = r.db.QueryRow(ctx, `SELECT payment_proof_ref FROM deposits WHERE deposit_id = $1`, depositID).Scan(&existing)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapPgError("read proof", err)
	}
	return classifyProofMiss(err == nil, existing, proofRef, depositID)
}

func (r *PostgresRepository) AdvanceStatus(ctx context.Context, depositID string, from, to domain.Status) error {
	if !domain.CanTransition(from, to) {
		return ErrInvalidTransition
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE deposits
		SET status = $3, updated_at = NOW()
		WHERE deposit_id = $1
		  AND status = $2
		  AND ($3 <> 'confirmed' OR `+proofPresentSQL+`)`,
		depositID, string(from), string(to),
	)
	if err != nil {
		return wrapPgError("advance status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current *string
	var proof *string
	err = r.db.QueryRow(ctx, `SELECT status, payment_proof_ref FROM deposits WHERE deposit_id = $1`, depositID).Scan(&current, &proof)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return wrapPgError("read status", err)
	}
	var status domain.Status
	if current != nil {
		status = domain.Status(*current)
	}
	return classifyStatusMiss(err == nil, status, proof, from, to)
}

func (r *PostgresRepository) MarkNotified(ctx context.Context, depositID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE deposits SET notified = notified + 1, updated_at = NOW() WHERE deposit_id = $1`, depositID)
	if err != nil {
		return wrapPgError("mark notified", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDepositNotFound
	}
	return nil
}

func (r *PostgresRepository) SetFailureReason(ctx context.Context, depositID, reason string) error {
	tag, err := r.db.Exec(ctx, `UPDATE deposits SET failure_reason = $2, updated_at = NOW() WHERE deposit_id = $1`, depositID, reason)
	if err != nil {
		return wrapPgError("set failure reason", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDepositNotFound
	}
	return nil
}

func (r *PostgresRepository) queryDeposits(ctx context.Context, query string, args ...any) ([]domain.Deposit, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPgError("query deposits", err)
	}
	defer rows.Close()

	deposits := make([]domain.Deposit, 0)
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, wrapPgError("scan deposit", err)
		}
		deposits = append(deposits, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("iterate deposits", err)
	}
	return deposits, nil
}

// depositRow mirrors one deposits row. Every column the purchase flow fills
// in late is nullable, so the scan targets are pointers.
type depositRow struct {
	DepositID        string
	CustomerID       *string
	AmountMinorUnits *int64
	Currency         *string
	Network          *string
	FeeRate          *string
	PaymentProofRef  *string
	Destination      *string
	Status           *string
	Notified         *int
	ReceiptRef       *string
	FailureReason    *string
	CreatedAt        *time.Time
	UpdatedAt        *time.Time
}

func scanDeposit(row pgx.Row) (*domain.Deposit, error) {
	var dr depositRow
	err := row.Scan(
		&dr.DepositID,
		&dr.CustomerID,
		&dr.AmountMinorUnits,
		&dr.Currency,
		&dr.Network,
		&dr.FeeRate,
		&dr.PaymentProofRef,
		&dr.Destination,
		&dr.Status,
		&dr.Notified,
		&dr.ReceiptRef,
		&dr.FailureReason,
		&dr.CreatedAt,
		&dr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return depositFromRow(dr)
}

// depositFromRow maps NULL columns to zero values so MissingFields can report
// them; only an unknown status makes the row unusable. An unparseable
// fee_rate is treated like a missing one.
func depositFromRow(dr depositRow) (*domain.Deposit, error) {
	d := domain.Deposit{
		DepositID:       dr.DepositID,
		CustomerID:      derefString(dr.CustomerID),
		Currency:        derefString(dr.Currency),
		Network:         domain.NormalizeNetwork(derefString(dr.Network)),
		PaymentProofRef: dr.PaymentProofRef,
		Destination:     dr.Destination,
		ReceiptRef:      dr.ReceiptRef,
		FailureReason:   dr.FailureReason,
	}
	if dr.AmountMinorUnits != nil {
		d.AmountMinorUnits = *dr.AmountMinorUnits
	}
	if dr.Notified != nil {
		d.Notified = *dr.Notified
	}
	if dr.CreatedAt != nil {
		d.CreatedAt = *dr.CreatedAt
	}
	if dr.UpdatedAt != nil {
		d.UpdatedAt = *dr.UpdatedAt
	}
	if dr.FeeRate != nil {
		if rate, err := decimal.NewFromString(strings.TrimSpace(*dr.FeeRate)); err == nil {
			d.FeeRate = decimal.NewNullDecimal(rate)
		}
	}

	status, err := domain.ParseStatus(derefString(dr.Status))
	if err != nil {
		return nil, fmt.Errorf("deposit %s: %w", dr.DepositID, err)
	}
	d.Status = status
	return &d, nil
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func wrapPgError(op string, err error) error {
	if isUndefinedTableError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}
