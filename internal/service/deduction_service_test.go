package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

func rejectedDeduction(t *testing.T, h *harness) *repository.SalaryDeduction {
	t.Helper()
	e := h.escalate(t, 20000, "logistics")
	res, err := h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteReject, "not approved")
	require.NoError(t, err)
	require.NotNil(t, res.Deduction)
	return res.Deduction
}

func TestDeduction_ForEscalation(t *testing.T) {
	h := newHarness(t)
	d := rejectedDeduction(t, h)

	got, err := h.deductions.ForEscalation(context.Background(), *d.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	approved := h.escalate(t, 20000, "logistics")
	_, err = h.deductions.ForEscalation(context.Background(), approved.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestDeduction_MarkProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := rejectedDeduction(t, h)

	got, err := h.deductions.MarkProcessed(ctx, d.ID, "payroll")
	require.NoError(t, err)
	assert.Equal(t, repository.DeductionProcessed, got.Status)
	require.NotNil(t, got.ProcessedAt)

	again, err := h.deductions.MarkProcessed(ctx, d.ID, "payroll")
	require.NoError(t, err)
	assert.Equal(t, repository.DeductionProcessed, again.Status)

	_, err = h.deductions.Cancel(ctx, d.ID, "fc-1", "appeal upheld")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	trail, err := h.deductions.AuditTrail(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "created", trail[0].Action)
	assert.Equal(t, "processed", trail[1].Action)
	assert.Equal(t, "payroll", trail[1].Actor)
}

func TestDeduction_Cancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := rejectedDeduction(t, h)

	_, err := h.deductions.Cancel(ctx, d.ID, "fc-1", " ")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	got, err := h.deductions.Cancel(ctx, d.ID, "fc-1", "appeal upheld")
	require.NoError(t, err)
	assert.Equal(t, repository.DeductionCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, "appeal upheld", *got.CancelReason)

	_, err = h.deductions.Cancel(ctx, d.ID, "fc-1", "appeal upheld")
	require.NoError(t, err)

	cancelled := 0
	for _, ev := range h.notifier.types() {
		if ev == EventDeductionCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)

	_, err = h.deductions.MarkProcessed(ctx, d.ID, "payroll")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	_, err = h.deductions.MarkProcessed(ctx, d.ID, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestDeduction_CancelRequiresReversalRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := rejectedDeduction(t, h)
	require.Equal(t, "requester-1", d.UserID)

	// requester-1 holds fc but may not reverse their own deduction.
	_, err := h.deductions.Cancel(ctx, d.ID, "requester-1", "I do not like this")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	_, err = h.deductions.Cancel(ctx, d.ID, "gm-1", "goodwill")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	got, err := h.deductions.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.DeductionPending, got.Status)

	got, err = h.deductions.Cancel(ctx, d.ID, "ceo-1", "appeal upheld")
	require.NoError(t, err)
	assert.Equal(t, repository.DeductionCancelled, got.Status)
}

func TestDeduction_MarkProcessedRequiresPayrollActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := rejectedDeduction(t, h)

	for _, actor := range []string{"requester-1", "fc-1", "random-nobody"} {
		_, err := h.deductions.MarkProcessed(ctx, d.ID, actor)
		assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized), actor)
	}

	got, err := h.deductions.MarkProcessed(ctx, d.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, repository.DeductionProcessed, got.Status)
}

func TestDeduction_CancelWithoutIdentityIsRefused(t *testing.T) {
	h := newHarness(t)
	d := rejectedDeduction(t, h)

	svc := NewDeductionService(h.store, nil, h.notifier, h.clock, DeductionConfig{}, logger.Nop())
	_, err := svc.Cancel(context.Background(), d.ID, "ceo-1", "appeal upheld")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))
}

func TestDeduction_List(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := rejectedDeduction(t, h)
	rejectedDeduction(t, h)

	_, err := h.deductions.MarkProcessed(ctx, first.ID, "payroll")
	require.NoError(t, err)

	pending, err := h.deductions.List(ctx, repository.DeductionFilter{
		Statuses: []repository.DeductionStatus{repository.DeductionPending},
	})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := h.deductions.List(ctx, repository.DeductionFilter{UserID: "requester-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
