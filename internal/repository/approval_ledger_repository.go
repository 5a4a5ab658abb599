package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

const decisionColumns = `
	id, escalation_id, approver_id, approver_role, decision, reason,
	adjusted_amount, justification, request_origin, decided_at`

// AppendDecision inserts a vote. The (escalation_id, approver_id) unique
// constraint makes a second vote by the same approver a no-op.
func (r *Queries) AppendDecision(ctx context.Context, d *ApprovalDecision) (bool, error) {
	query := `
		INSERT INTO approval_decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (escalation_id, approver_id) DO NOTHING
	`

	tag, err := r.q.Exec(ctx, query,
		d.ID,
		d.EscalationID,
		d.ApproverID,
		string(d.ApproverRole),
		string(d.Decision),
		d.Reason,
		d.AdjustedAmount,
		d.Justification,
		d.RequestOrigin,
		d.DecidedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval decision")
	}
	return tag.RowsAffected() == 1, nil
}

// GetDecision returns the approver's vote on an escalation, or nil.
func (r *Queries) GetDecision(ctx context.Context, escalationID, approverID string) (*ApprovalDecision, error) {
	query := `SELECT ` + decisionColumns + `
		FROM approval_decisions
		WHERE escalation_id = $1 AND approver_id = $2`

	d, err := scanDecision(r.q.QueryRow(ctx, query, escalationID, approverID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval decision")
	}
	return d, nil
}

// ListDecisions returns the ledger for one escalation, oldest first.
func (r *Queries) ListDecisions(ctx context.Context, escalationID string) ([]*ApprovalDecision, error) {
	query := `SELECT ` + decisionColumns + `
		FROM approval_decisions
		WHERE escalation_id = $1
		ORDER BY decided_at ASC, id ASC`

	rows, err := r.q.Query(ctx, query, escalationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval decisions")
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// ListDecisionsInRange returns decisions across escalations, oldest first.
func (r *Queries) ListDecisionsInRange(ctx context.Context, filter DecisionFilter) ([]*ApprovalDecision, error) {
	w := &whereBuilder{}
	if filter.ApproverID != "" {
		w.add("approver_id = $%d", filter.ApproverID)
	}
	if filter.DecidedFrom != nil {
		w.add("decided_at >= $%d", *filter.DecidedFrom)
	}
	if filter.DecidedTo != nil {
		w.add("decided_at < $%d", *filter.DecidedTo)
	}

	query := `SELECT ` + decisionColumns + ` FROM approval_decisions` + w.sql() + ` ORDER BY decided_at ASC, id ASC`

	rows, err := r.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval decisions")
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows pgx.Rows) ([]*ApprovalDecision, error) {
	list := make([]*ApprovalDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval decision")
		}
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval decisions")
	}
	return list, nil
}

func scanDecision(sc rowScanner) (*ApprovalDecision, error) {
	d := &ApprovalDecision{}
	var role, vote string
	err := sc.Scan(
		&d.ID,
		&d.EscalationID,
		&d.ApproverID,
		&role,
		&vote,
		&d.Reason,
		&d.AdjustedAmount,
		&d.Justification,
		&d.RequestOrigin,
		&d.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ApproverRole = threshold.Role(role)
	d.Decision = Vote(vote)
	return d, nil
}
