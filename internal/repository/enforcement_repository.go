package repository

import (
	"context"
	"time"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
)

// EnqueueEnforcement records a pending consequence evaluation.
func (r *Queries) EnqueueEnforcement(ctx context.Context, job *EnforcementJob) error {
	query := `
		INSERT INTO enforcement_jobs
		    (escalation_id, outcome, attempt_count, next_attempt_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (escalation_id) DO NOTHING
	`

	_, err := r.q.Exec(ctx, query,
		job.EscalationID,
		string(job.Outcome),
		job.AttemptCount,
		job.NextAttemptAt,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue enforcement job")
	}
	return nil
}

// ListDueEnforcements returns jobs whose next attempt is at or before now.
func (r *Queries) ListDueEnforcements(ctx context.Context, now time.Time, limit int) ([]*EnforcementJob, error) {
	query := `
		SELECT escalation_id, outcome, attempt_count, next_attempt_at, last_error, created_at, updated_at
		FROM enforcement_jobs
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list enforcement jobs")
	}
	defer rows.Close()

	jobs := make([]*EnforcementJob, 0)
	for rows.Next() {
		job := &EnforcementJob{}
		var outcome string
		if err := rows.Scan(
			&job.EscalationID,
			&outcome,
			&job.AttemptCount,
			&job.NextAttemptAt,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan enforcement job")
		}
		job.Outcome = EscalationStatus(outcome)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list enforcement jobs")
	}
	return jobs, nil
}

// RescheduleEnforcement stores the attempt count and next attempt time.
func (r *Queries) RescheduleEnforcement(ctx context.Context, job *EnforcementJob) error {
	query := `
		UPDATE enforcement_jobs
		SET attempt_count = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    updated_at = $5
		WHERE escalation_id = $1
	`

	_, err := r.q.Exec(ctx, query, job.EscalationID, job.AttemptCount, job.NextAttemptAt, job.LastError, job.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reschedule enforcement job")
	}
	return nil
}

// DeleteEnforcement removes a completed job.
func (r *Queries) DeleteEnforcement(ctx context.Context, escalationID string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM enforcement_jobs WHERE escalation_id = $1`, escalationID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete enforcement job")
	}
	return nil
}
