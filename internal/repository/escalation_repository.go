package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

const escalationColumns = `
	id, amount_requested, threshold_limit, overage_amount, cost_category,
	priority, business_justification, request_origin,
	required_approvers, advisory_approvers, status, expires_at,
	final_outcome, final_decision_at, created_by, created_at, updated_at`

// CreateEscalation inserts a new pending escalation.
func (r *Queries) CreateEscalation(ctx context.Context, e *EscalationRequest) error {
	query := `
		INSERT INTO escalation_requests (` + escalationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := r.q.Exec(ctx, query,
		e.ID,
		e.AmountRequested,
		e.ThresholdLimit,
		e.OverageAmount,
		e.CostCategory,
		string(e.Priority),
		e.BusinessJustification,
		e.RequestOrigin,
		e.RequiredApprovers.Strings(),
		e.AdvisoryApprovers.Strings(),
		string(e.Status),
		e.ExpiresAt,
		e.FinalOutcome,
		e.FinalDecisionAt,
		e.CreatedBy,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create escalation")
	}
	return nil
}

// GetEscalation retrieves an escalation by ID.
func (r *Queries) GetEscalation(ctx context.Context, id string) (*EscalationRequest, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalation_requests WHERE id = $1`
	return r.getEscalation(ctx, query, id)
}

// LockEscalation retrieves an escalation and holds its row lock.
func (r *Queries) LockEscalation(ctx context.Context, id string) (*EscalationRequest, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalation_requests WHERE id = $1 FOR UPDATE`
	return r.getEscalation(ctx, query, id)
}

func (r *Queries) getEscalation(ctx context.Context, query, id string) (*EscalationRequest, error) {
	e, err := scanEscalation(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("escalation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get escalation")
	}
	return e, nil
}

// TransitionEscalation is a conditional write: it only succeeds while the
// row is still pending.
func (r *Queries) TransitionEscalation(ctx context.Context, id string, to EscalationStatus, outcome string, at time.Time) (bool, error) {
	query := `
		UPDATE escalation_requests
		SET status = $2,
		    final_outcome = $3,
		    final_decision_at = $4,
		    updated_at = $4
		WHERE id = $1 AND status = 'pending_approval'
	`

	tag, err := r.q.Exec(ctx, query, id, string(to), outcome, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to transition escalation")
	}
	return tag.RowsAffected() == 1, nil
}

// ListEscalations returns escalations matching filter, highest priority and
// oldest first.
func (r *Queries) ListEscalations(ctx context.Context, filter EscalationFilter) ([]*EscalationRequest, error) {
	w := &whereBuilder{}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", toStrings(filter.Statuses))
	}
	if filter.RequiredRole != "" {
		w.add("$%d = ANY(required_approvers)", string(filter.RequiredRole))
	}
	if filter.Category != "" {
		w.add("cost_category = $%d", filter.Category)
	}
	if filter.CreatedFrom != nil {
		w.add("created_at >= $%d", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		w.add("created_at < $%d", *filter.CreatedTo)
	}
	if filter.ExpiresBefore != nil {
		w.add("expires_at < $%d", *filter.ExpiresBefore)
	}

	query := `SELECT ` + escalationColumns + ` FROM escalation_requests` + w.sql() + `
		ORDER BY CASE priority
		           WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0
		         END DESC, created_at ASC` + w.limit(filter.Limit)

	rows, err := r.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list escalations")
	}
	defer rows.Close()

	list := make([]*EscalationRequest, 0)
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan escalation")
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list escalations")
	}
	return list, nil
}

func scanEscalation(sc rowScanner) (*EscalationRequest, error) {
	e := &EscalationRequest{}
	var priority, status string
	var required, advisory []string
	err := sc.Scan(
		&e.ID,
		&e.AmountRequested,
		&e.ThresholdLimit,
		&e.OverageAmount,
		&e.CostCategory,
		&priority,
		&e.BusinessJustification,
		&e.RequestOrigin,
		&required,
		&advisory,
		&status,
		&e.ExpiresAt,
		&e.FinalOutcome,
		&e.FinalDecisionAt,
		&e.CreatedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Priority = Priority(priority)
	e.Status = EscalationStatus(status)
	e.RequiredApprovers = threshold.RoleSetFromStrings(required)
	e.AdvisoryApprovers = threshold.RoleSetFromStrings(advisory)
	return e, nil
}
