package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/database"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
)

const complianceColumns = `
	id, order_id, delivery_agent_id, amount,
	payment_verified, otp_submitted, friday_photo_approved,
	compliance_status, proof_of_payment, locked_at, paid_by, paid_at,
	version, created_at, updated_at`

// CreateCompliance inserts a new compliance record. order_id is unique.
func (r *Queries) CreateCompliance(ctx context.Context, m *MoneyOutCompliance) error {
	query := `
		INSERT INTO money_out_compliance (` + complianceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.q.Exec(ctx, query,
		m.ID,
		m.OrderID,
		m.DeliveryAgentID,
		m.Amount,
		m.PaymentVerified,
		m.OTPSubmitted,
		m.FridayPhotoApproved,
		string(m.Status),
		m.ProofOfPayment,
		m.LockedAt,
		m.PaidBy,
		m.PaidAt,
		m.Version,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "compliance record for order %q already exists", m.OrderID).
			WithDetail("order_id", m.OrderID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create compliance record")
	}
	return nil
}

// GetCompliance retrieves a compliance record by ID.
func (r *Queries) GetCompliance(ctx context.Context, id string) (*MoneyOutCompliance, error) {
	query := `SELECT ` + complianceColumns + ` FROM money_out_compliance WHERE id = $1`
	return r.getCompliance(ctx, query, id)
}

// LockCompliance retrieves a compliance record and holds its row lock.
func (r *Queries) LockCompliance(ctx context.Context, id string) (*MoneyOutCompliance, error) {
	query := `SELECT ` + complianceColumns + ` FROM money_out_compliance WHERE id = $1 FOR UPDATE`
	return r.getCompliance(ctx, query, id)
}

func (r *Queries) getCompliance(ctx context.Context, query, id string) (*MoneyOutCompliance, error) {
	m, err := scanCompliance(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("compliance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get compliance record")
	}
	return m, nil
}

// UpdateCompliance writes every mutable column under optimistic concurrency.
func (r *Queries) UpdateCompliance(ctx context.Context, m *MoneyOutCompliance) (bool, error) {
	query := `
		UPDATE money_out_compliance
		SET payment_verified = $3,
		    otp_submitted = $4,
		    friday_photo_approved = $5,
		    compliance_status = $6,
		    proof_of_payment = $7,
		    locked_at = $8,
		    paid_by = $9,
		    paid_at = $10,
		    updated_at = $11,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`

	tag, err := r.q.Exec(ctx, query,
		m.ID,
		m.Version,
		m.PaymentVerified,
		m.OTPSubmitted,
		m.FridayPhotoApproved,
		string(m.Status),
		m.ProofOfPayment,
		m.LockedAt,
		m.PaidBy,
		m.PaidAt,
		m.UpdatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update compliance record")
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	m.Version++
	return true, nil
}

// ListCompliance returns records matching filter, oldest first.
func (r *Queries) ListCompliance(ctx context.Context, filter ComplianceFilter) ([]*MoneyOutCompliance, error) {
	w := &whereBuilder{}
	if len(filter.Statuses) > 0 {
		w.add("compliance_status = ANY($%d)", toStrings(filter.Statuses))
	}
	if filter.AllFlagsSet {
		w.clauses = append(w.clauses, "payment_verified AND otp_submitted AND friday_photo_approved")
	}
	if filter.CreatedFrom != nil {
		w.add("created_at >= $%d", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		w.add("created_at < $%d", *filter.CreatedTo)
	}

	query := `SELECT ` + complianceColumns + ` FROM money_out_compliance` + w.sql() +
		` ORDER BY created_at ASC` + w.limit(filter.Limit)

	rows, err := r.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list compliance records")
	}
	defer rows.Close()

	list := make([]*MoneyOutCompliance, 0)
	for rows.Next() {
		m, err := scanCompliance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan compliance record")
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list compliance records")
	}
	return list, nil
}

func scanCompliance(sc rowScanner) (*MoneyOutCompliance, error) {
	m := &MoneyOutCompliance{}
	var status string
	err := sc.Scan(
		&m.ID,
		&m.OrderID,
		&m.DeliveryAgentID,
		&m.Amount,
		&m.PaymentVerified,
		&m.OTPSubmitted,
		&m.FridayPhotoApproved,
		&status,
		&m.ProofOfPayment,
		&m.LockedAt,
		&m.PaidBy,
		&m.PaidAt,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = ComplianceStatus(status)
	return m, nil
}
