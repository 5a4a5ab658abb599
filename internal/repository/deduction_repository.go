package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
)

const deductionColumns = `
	id, user_id, amount, reason, description, status, deduction_date,
	processed_at, escalation_id, violation_id, cancel_reason, created_at, updated_at`

// CreateDeduction inserts a deduction. escalation_id is unique, so a second
// deduction for the same escalation is silently skipped.
func (r *Queries) CreateDeduction(ctx context.Context, d *SalaryDeduction) (bool, error) {
	query := `
		INSERT INTO salary_deductions (` + deductionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (escalation_id) DO NOTHING
	`

	tag, err := r.q.Exec(ctx, query,
		d.ID,
		d.UserID,
		d.Amount,
		string(d.Reason),
		d.Description,
		string(d.Status),
		d.DeductionDate,
		d.ProcessedAt,
		d.EscalationID,
		d.ViolationID,
		d.CancelReason,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create salary deduction")
	}
	return tag.RowsAffected() == 1, nil
}

// GetDeduction retrieves a deduction by ID.
func (r *Queries) GetDeduction(ctx context.Context, id string) (*SalaryDeduction, error) {
	query := `SELECT ` + deductionColumns + ` FROM salary_deductions WHERE id = $1`

	d, err := scanDeduction(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("deduction", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get salary deduction")
	}
	return d, nil
}

// GetDeductionByEscalation returns the deduction created for an escalation, or nil.
func (r *Queries) GetDeductionByEscalation(ctx context.Context, escalationID string) (*SalaryDeduction, error) {
	query := `SELECT ` + deductionColumns + ` FROM salary_deductions WHERE escalation_id = $1`

	d, err := scanDeduction(r.q.QueryRow(ctx, query, escalationID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get salary deduction")
	}
	return d, nil
}

// UpdateDeductionStatus persists a status change guarded by the prior status.
func (r *Queries) UpdateDeductionStatus(ctx context.Context, d *SalaryDeduction, from DeductionStatus) (bool, error) {
	query := `
		UPDATE salary_deductions
		SET status = $3,
		    processed_at = $4,
		    cancel_reason = $5,
		    updated_at = $6
		WHERE id = $1 AND status = $2
	`

	tag, err := r.q.Exec(ctx, query, d.ID, string(from), string(d.Status), d.ProcessedAt, d.CancelReason, d.UpdatedAt)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update salary deduction")
	}
	return tag.RowsAffected() == 1, nil
}

// ListDeductions returns deductions matching filter, newest first.
func (r *Queries) ListDeductions(ctx context.Context, filter DeductionFilter) ([]*SalaryDeduction, error) {
	w := &whereBuilder{}
	if filter.UserID != "" {
		w.add("user_id = $%d", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", toStrings(filter.Statuses))
	}
	if filter.CreatedFrom != nil {
		w.add("created_at >= $%d", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		w.add("created_at < $%d", *filter.CreatedTo)
	}

	query := `SELECT ` + deductionColumns + ` FROM salary_deductions` + w.sql() + ` ORDER BY created_at DESC`

	rows, err := r.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list salary deductions")
	}
	defer rows.Close()

	list := make([]*SalaryDeduction, 0)
	for rows.Next() {
		d, err := scanDeduction(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan salary deduction")
		}
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list salary deductions")
	}
	return list, nil
}

func scanDeduction(sc rowScanner) (*SalaryDeduction, error) {
	d := &SalaryDeduction{}
	var reason, status string
	err := sc.Scan(
		&d.ID,
		&d.UserID,
		&d.Amount,
		&reason,
		&d.Description,
		&status,
		&d.DeductionDate,
		&d.ProcessedAt,
		&d.EscalationID,
		&d.ViolationID,
		&d.CancelReason,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Reason = DeductionReason(reason)
	d.Status = DeductionStatus(status)
	return d, nil
}
