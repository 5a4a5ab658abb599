package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
)

// RetryPolicy controls the enforcement retry queue.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	BatchSize int
}

// DefaultRetryPolicy retries after 5s, 10s, 20s ... capped at 30m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Minute, BatchSize: 50}
}

func (p RetryPolicy) backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return p.BaseDelay
	}
	if attempts > 20 {
		return p.MaxDelay
	}
	d := p.BaseDelay << attempts
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// EnforcementResult describes what enforcement did for one escalation.
type EnforcementResult struct {
	Deduction *repository.SalaryDeduction
	// Created is false when the deduction already existed.
	Created bool
	// Queued is true when the payroll calendar was unavailable and the
	// deduction was deferred to the retry queue.
	Queued bool
}

// RetryResult summarises one drain of the retry queue.
type RetryResult struct {
	Due         int `json:"due"`
	Created     int `json:"created"`
	Resolved    int `json:"resolved"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// calendarError marks a payroll calendar failure, which is retryable.
type calendarError struct {
	err error
}

func (c *calendarError) Error() string { return "payroll calendar unavailable: " + c.err.Error() }
func (c *calendarError) Unwrap() error { return c.err }

// ConsequenceEnforcer creates salary deductions for rejected and expired
// escalations. At most one deduction exists per escalation.
type ConsequenceEnforcer struct {
	store    repository.Store
	calendar PayrollCalendar
	notifier Notifier
	clock    clockwork.Clock
	retry    RetryPolicy
	log      *logger.Logger
}

// NewConsequenceEnforcer creates a new ConsequenceEnforcer.
func NewConsequenceEnforcer(
	store repository.Store,
	calendar PayrollCalendar,
	notifier Notifier,
	clock clockwork.Clock,
	retry RetryPolicy,
	log *logger.Logger,
) *ConsequenceEnforcer {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	defaults := DefaultRetryPolicy()
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = defaults.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaults.MaxDelay
	}
	if retry.BatchSize <= 0 {
		retry.BatchSize = defaults.BatchSize
	}
	return &ConsequenceEnforcer{
		store:    store,
		calendar: calendar,
		notifier: notifier,
		clock:    clock,
		retry:    retry,
		log:      log.Component("consequence_enforcer"),
	}
}

// Enforce runs inside the caller's transaction so the terminal transition and
// its consequence commit together. A payroll calendar failure queues the
// deduction for retry instead of failing the transition.
func (e *ConsequenceEnforcer) Enforce(
	ctx context.Context,
	tx repository.Tx,
	esc *repository.EscalationRequest,
	outcome repository.EscalationStatus,
) (*EnforcementResult, error) {
	if outcome != repository.EscalationRejected && outcome != repository.EscalationExpired {
		return nil, errors.InvalidState(fmt.Sprintf("no consequence applies to outcome %s", outcome))
	}

	d, created, err := e.deduct(ctx, tx, esc, outcome)
	if err == nil {
		return &EnforcementResult{Deduction: d, Created: created}, nil
	}

	var calErr *calendarError
	if !errors.As(err, &calErr) {
		return nil, err
	}

	now := e.clock.Now().UTC()
	job := &repository.EnforcementJob{
		EscalationID:  esc.ID,
		Outcome:       outcome,
		AttemptCount:  1,
		NextAttemptAt: now.Add(e.retry.backoff(0)),
		LastError:     strPtr(err.Error()),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.EnqueueEnforcement(ctx, job); err != nil {
		return nil, err
	}

	e.log.Warn().Err(err).
		Str("escalation_id", esc.ID).
		Time("next_attempt_at", job.NextAttemptAt).
		Msg("Deduction deferred to retry queue")

	return &EnforcementResult{Queued: true}, nil
}

// deduct creates the deduction or returns the existing one.
func (e *ConsequenceEnforcer) deduct(
	ctx context.Context,
	tx repository.Tx,
	esc *repository.EscalationRequest,
	outcome repository.EscalationStatus,
) (*repository.SalaryDeduction, bool, error) {
	existing, err := tx.GetDeductionByEscalation(ctx, esc.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := e.clock.Now().UTC()
	date, err := e.calendar.NextDeductionCycle(ctx, now)
	if err != nil {
		return nil, false, &calendarError{err: err}
	}

	reason := repository.DeductionRejectedEscalation
	if outcome == repository.EscalationExpired {
		reason = repository.DeductionExpiredEscalation
	}

	escalationID := esc.ID
	d := &repository.SalaryDeduction{
		ID:            uuid.NewString(),
		UserID:        esc.CreatedBy,
		Amount:        esc.AmountRequested,
		Reason:        reason,
		Description:   describeDeduction(esc, outcome),
		Status:        repository.DeductionPending,
		DeductionDate: date,
		EscalationID:  &escalationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	inserted, err := tx.CreateDeduction(ctx, d)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := tx.GetDeductionByEscalation(ctx, esc.ID)
		return existing, false, err
	}

	entry := statusChange("", string(d.Status)).apply(auditEntry(repository.EntityDeduction, d.ID, "created", "system", now,
		map[string]any{"escalation_id": esc.ID, "reason": string(reason), "amount": d.Amount}))
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return nil, false, err
	}

	e.log.Info().
		Str("deduction_id", d.ID).
		Str("escalation_id", esc.ID).
		Str("user_id", d.UserID).
		Int64("amount", d.Amount).
		Str("reason", string(reason)).
		Msg("Salary deduction created")

	return d, true, nil
}

func describeDeduction(esc *repository.EscalationRequest, outcome repository.EscalationStatus) string {
	detail := string(outcome)
	if esc.FinalOutcome != nil {
		detail = *esc.FinalOutcome
	}
	return fmt.Sprintf("%s spend of %d (escalation %s): %s", esc.CostCategory, esc.AmountRequested, esc.ID, detail)
}

// ProcessDueEnforcements drains retry jobs whose next attempt is due. Each
// job runs in its own transaction.
func (e *ConsequenceEnforcer) ProcessDueEnforcements(ctx context.Context) (*RetryResult, error) {
	now := e.clock.Now().UTC()
	jobs, err := e.store.ListDueEnforcements(ctx, now, e.retry.BatchSize)
	if err != nil {
		return nil, err
	}

	res := &RetryResult{Due: len(jobs)}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var created *repository.SalaryDeduction
		rescheduled := false
		err := e.store.InTransaction(ctx, func(tx repository.Tx) error {
			created, rescheduled = nil, false

			esc, err := tx.GetEscalation(ctx, job.EscalationID)
			if err != nil {
				return err
			}
			d, isNew, err := e.deduct(ctx, tx, esc, job.Outcome)
			var calErr *calendarError
			if errors.As(err, &calErr) {
				job.NextAttemptAt = now.Add(e.retry.backoff(job.AttemptCount))
				job.AttemptCount++
				job.LastError = strPtr(err.Error())
				job.UpdatedAt = now
				rescheduled = true
				return tx.RescheduleEnforcement(ctx, job)
			}
			if err != nil {
				return err
			}
			if isNew {
				created = d
			}
			return tx.DeleteEnforcement(ctx, job.EscalationID)
		})
		if err != nil {
			res.Failed++
			e.log.Warn().Err(err).Str("escalation_id", job.EscalationID).Msg("Enforcement retry failed")
			continue
		}

		switch {
		case rescheduled:
			res.Rescheduled++
			e.log.Warn().
				Str("escalation_id", job.EscalationID).
				Int("attempts", job.AttemptCount).
				Time("next_attempt_at", job.NextAttemptAt).
				Msg("Payroll calendar still unavailable; enforcement rescheduled")
		case created != nil:
			res.Created++
			e.notifyDeduction(ctx, created)
		default:
			res.Resolved++
		}
	}

	return res, nil
}

func (e *ConsequenceEnforcer) notifyDeduction(ctx context.Context, d *repository.SalaryDeduction) {
	if d == nil {
		return
	}
	payload := map[string]any{
		"amount":         d.Amount,
		"reason":         string(d.Reason),
		"deduction_date": d.DeductionDate.Format("2006-01-02"),
	}
	if d.EscalationID != nil {
		payload["escalation_id"] = *d.EscalationID
	}
	e.notifier.Notify(ctx, Notification{
		EventType:    EventDeductionCreated,
		UserID:       d.UserID,
		ActorID:      "system",
		ResourceType: repository.EntityDeduction,
		ResourceID:   d.ID,
		Payload:      payload,
	})
}
