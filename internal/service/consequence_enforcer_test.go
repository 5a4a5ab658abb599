package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5*time.Second, p.backoff(0))
	assert.Equal(t, 10*time.Second, p.backoff(1))
	assert.Equal(t, 40*time.Second, p.backoff(3))
	assert.Equal(t, 30*time.Minute, p.backoff(12))
	assert.Equal(t, 30*time.Minute, p.backoff(64))
}

func TestEnforce_CalendarOutageQueuesAndRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.escalate(t, 20000, "logistics")

	h.calendar.fail(fmt.Errorf("payroll service unavailable"))

	res, err := h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteReject, "no budget")
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationRejected, res.Escalation.Status)
	assert.True(t, res.EnforcementQueued)
	assert.Nil(t, res.Deduction)
	assert.Empty(t, h.deductionsFor(t, e.ID))

	// Not due yet.
	retry, err := h.enforcer.ProcessDueEnforcements(ctx)
	require.NoError(t, err)
	assert.Zero(t, retry.Due)

	// Due, but the calendar is still down.
	h.clock.Advance(6 * time.Second)
	retry, err = h.enforcer.ProcessDueEnforcements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Rescheduled)

	jobs, err := h.store.ListDueEnforcements(ctx, h.clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].AttemptCount)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), jobs[0].NextAttemptAt)

	h.calendar.fail(nil)
	h.clock.Advance(10 * time.Second)
	retry, err = h.enforcer.ProcessDueEnforcements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Created)

	deductions := h.deductionsFor(t, e.ID)
	require.Len(t, deductions, 1)
	assert.Equal(t, int64(20000), deductions[0].Amount)
	assert.Equal(t, repository.DeductionRejectedEscalation, deductions[0].Reason)
	assert.Contains(t, h.notifier.types(), EventDeductionCreated)

	retry, err = h.enforcer.ProcessDueEnforcements(ctx)
	require.NoError(t, err)
	assert.Zero(t, retry.Due)

	// Re-enforcing returns the existing deduction.
	err = h.store.InTransaction(ctx, func(tx repository.Tx) error {
		esc, err := tx.GetEscalation(ctx, e.ID)
		if err != nil {
			return err
		}
		r, err := h.enforcer.Enforce(ctx, tx, esc, repository.EscalationRejected)
		if err != nil {
			return err
		}
		assert.False(t, r.Created)
		assert.Equal(t, deductions[0].ID, r.Deduction.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, h.deductionsFor(t, e.ID), 1)
}

func TestEnforce_ExpiredSweepQueuesWhenCalendarDown(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")
	h.calendar.fail(fmt.Errorf("timeout"))
	h.clock.Advance(8 * 24 * time.Hour)

	res, err := h.escalations.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.EnforcementQueued)
	assert.Zero(t, res.DeductionsCreated)

	h.calendar.fail(nil)
	h.clock.Advance(time.Minute)
	retry, err := h.enforcer.ProcessDueEnforcements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Created)

	deductions := h.deductionsFor(t, e.ID)
	require.Len(t, deductions, 1)
	assert.Equal(t, repository.DeductionExpiredEscalation, deductions[0].Reason)
}

func TestEnforce_RejectsNonTerminalOutcome(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	err := h.store.InTransaction(context.Background(), func(tx repository.Tx) error {
		_, err := h.enforcer.Enforce(context.Background(), tx, e, repository.EscalationApproved)
		return err
	})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}
