package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

func TestCreate_RecordsTierAndAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, err := h.escalations.Create(ctx, CreateEscalationInput{
		Amount:        20000,
		Category:      "logistics",
		RequestOrigin: "web",
		CreatedBy:     "requester-1",
	})
	require.NoError(t, err)

	assert.Equal(t, repository.EscalationPending, e.Status)
	assert.Equal(t, int64(10000), e.ThresholdLimit)
	assert.Equal(t, int64(10000), e.OverageAmount)
	assert.Equal(t, threshold.RoleSet{threshold.RoleGeneralManager}, e.RequiredApprovers)
	assert.Equal(t, threshold.RoleSet{threshold.RoleFinanceController}, e.AdvisoryApprovers)
	assert.Equal(t, repository.PriorityHigh, e.Priority)
	assert.Equal(t, testEpoch.Add(7*24*time.Hour), e.ExpiresAt)

	trail, err := h.escalations.AuditTrail(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "created", trail[0].Action)
	assert.Equal(t, "requester-1", trail[0].Actor)

	assert.Equal(t, []string{EventEscalationCreated}, h.notifier.types())
	assert.Equal(t, []string{"gm"}, h.notifier.events[0].Roles)
}

func TestCreate_RejectsAutoApprovedAndBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.escalations.Create(ctx, CreateEscalationInput{Amount: 500, Category: "logistics", CreatedBy: "u"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.escalations.Create(ctx, CreateEscalationInput{Amount: 150000, Category: "office_supplies", CreatedBy: "u"})
	assert.True(t, errors.Is(err, errors.ErrCodePreconditionFailed))

	_, err = h.escalations.Create(ctx, CreateEscalationInput{Amount: 20000, Category: "yachts", CreatedBy: "u"})
	assert.True(t, errors.Is(err, errors.ErrCodeConfiguration))

	_, err = h.escalations.Create(ctx, CreateEscalationInput{Amount: 20000, Category: "marketing", CreatedBy: "u"})
	require.Error(t, err)
	var appErr *errors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, errors.ErrCodeInvalidInput, appErr.Code)
	assert.Equal(t, "business_justification", appErr.Field)

	list, err := h.store.ListEscalations(ctx, repository.EscalationFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDerivePriority(t *testing.T) {
	tests := []struct {
		name string
		d    threshold.Decision
		want repository.Priority
	}{
		{"small overage", threshold.Decision{ThresholdLimit: 10000, Overage: 1000}, repository.PriorityNormal},
		{"quarter over", threshold.Decision{ThresholdLimit: 10000, Overage: 2500}, repository.PriorityMedium},
		{"double", threshold.Decision{ThresholdLimit: 10000, Overage: 10000}, repository.PriorityHigh},
		{"triple", threshold.Decision{ThresholdLimit: 10000, Overage: 20000}, repository.PriorityCritical},
		{"zero limit", threshold.Decision{ThresholdLimit: 0, Overage: 5}, repository.PriorityHigh},
		{"critical bumps normal", threshold.Decision{ThresholdLimit: 10000, Overage: 1000, Critical: true}, repository.PriorityMedium},
		{"critical bumps high", threshold.Decision{ThresholdLimit: 0, Overage: 5, Critical: true}, repository.PriorityCritical},
		{"critical stays critical", threshold.Decision{ThresholdLimit: 100, Overage: 500, Critical: true}, repository.PriorityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, derivePriority(tt.d))
		})
	}
}

func TestSubmitDecision_RequiredApprovalResolves(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	res, err := h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteApprove, "")
	require.NoError(t, err)
	assert.True(t, res.Counted)
	assert.False(t, res.Replayed)
	assert.Equal(t, repository.EscalationApproved, res.Escalation.Status)
	require.NotNil(t, res.Escalation.FinalOutcome)
	assert.Equal(t, "approved", *res.Escalation.FinalOutcome)
	assert.Nil(t, res.Deduction)
	assert.Empty(t, h.deductionsFor(t, e.ID))

	// The advisory controller's late vote is kept but changes nothing.
	res, err = h.decide(e.ID, "fc-1", threshold.RoleFinanceController, repository.VoteApprove, "")
	require.NoError(t, err)
	assert.False(t, res.Counted)
	assert.Equal(t, repository.EscalationApproved, res.Escalation.Status)

	decisions, err := h.escalations.Decisions(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
	assert.Contains(t, h.notifier.types(), EventEscalationApproved)
}

func TestSubmitDecision_AdvisoryVoteDoesNotResolve(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	res, err := h.decide(e.ID, "fc-1", threshold.RoleFinanceController, repository.VoteReject, "too pricey")
	require.NoError(t, err)
	assert.False(t, res.Counted)
	assert.Equal(t, repository.EscalationPending, res.Escalation.Status)
	assert.Equal(t, threshold.RoleSet{threshold.RoleGeneralManager}, res.RemainingApprovals)
	assert.Empty(t, h.deductionsFor(t, e.ID))
}

func TestSubmitDecision_RejectCreatesDeduction(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 60000, "logistics")
	require.Equal(t, threshold.RoleSet{threshold.RoleCEO}, e.RequiredApprovers)
	assert.Equal(t, repository.PriorityCritical, e.Priority)

	res, err := h.decide(e.ID, "ceo-1", threshold.RoleCEO, repository.VoteReject, "budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationRejected, res.Escalation.Status)
	require.NotNil(t, res.Escalation.FinalOutcome)
	assert.Equal(t, "rejected by ceo-1 (ceo): budget exceeded", *res.Escalation.FinalOutcome)

	require.NotNil(t, res.Deduction)
	assert.Equal(t, int64(60000), res.Deduction.Amount)
	assert.Equal(t, repository.DeductionRejectedEscalation, res.Deduction.Reason)
	assert.Equal(t, repository.DeductionPending, res.Deduction.Status)
	assert.Equal(t, "requester-1", res.Deduction.UserID)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), res.Deduction.DeductionDate)
	assert.Len(t, h.deductionsFor(t, e.ID), 1)

	types := h.notifier.types()
	assert.Contains(t, types, EventEscalationRejected)
	assert.Contains(t, types, EventDeductionCreated)

	trail, err := h.escalations.AuditTrail(context.Background(), e.ID)
	require.NoError(t, err)
	actions := make([]string, len(trail))
	for i, a := range trail {
		actions[i] = a.Action
	}
	assert.Equal(t, []string{"created", "decision_recorded", "status_changed"}, actions)
	require.NotNil(t, trail[2].NewValue)
	assert.Equal(t, "rejected", *trail[2].NewValue)
}

func TestSubmitDecision_DualControl(t *testing.T) {
	h := newHarness(t, withTable(dualControlTable()))
	e := h.escalate(t, 5000, "capex")

	res, err := h.decide(e.ID, "fc-1", threshold.RoleFinanceController, repository.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationPending, res.Escalation.Status)
	assert.Equal(t, threshold.RoleSet{threshold.RoleGeneralManager}, res.RemainingApprovals)

	res, err = h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationApproved, res.Escalation.Status)
	assert.Empty(t, res.RemainingApprovals)
}

func TestSubmitDecision_ReplayAndConflictingVote(t *testing.T) {
	h := newHarness(t, withTable(dualControlTable()))
	e := h.escalate(t, 5000, "capex")

	first, err := h.decide(e.ID, "fc-1", threshold.RoleFinanceController, repository.VoteApprove, "")
	require.NoError(t, err)

	again, err := h.decide(e.ID, "fc-1", threshold.RoleFinanceController, repository.VoteApprove, "")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Decision.ID, again.Decision.ID)
	assert.Equal(t, threshold.RoleSet{threshold.RoleGeneralManager}, again.RemainingApprovals)

	_, err = h.decide(e.ID, "fc-1", threshold.RoleFinanceController, repository.VoteReject, "changed my mind")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyDecided))

	decisions, err := h.store.ListDecisions(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestSubmitDecision_ReplayAfterRejectReturnsDeduction(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	first, err := h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteReject, "no")
	require.NoError(t, err)
	again, err := h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteReject, "no")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	require.NotNil(t, again.Deduction)
	assert.Equal(t, first.Deduction.ID, again.Deduction.ID)
	assert.Len(t, h.deductionsFor(t, e.ID), 1)
}

func TestSubmitDecision_Validation(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	_, err := h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteReject, "  ")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, "maybe", "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.decide(e.ID, "gm-1", "cfo", repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.decide(e.ID, "gm-1", "", repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.decide("missing", "gm-1", threshold.RoleGeneralManager, repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	_, err = h.escalations.SubmitDecision(context.Background(), DecisionInput{
		EscalationID:   e.ID,
		ApproverID:     "gm-1",
		ApproverRole:   threshold.RoleGeneralManager,
		Decision:       repository.VoteApprove,
		AdjustedAmount: new(int64),
	})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestSubmitDecision_CreatorMayNotDecide(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	_, err := h.decide(e.ID, "requester-1", threshold.RoleGeneralManager, repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	got, err := h.escalations.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationPending, got.Status)
}

func TestSubmitDecision_UnauthorizedRole(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	_, err := h.decide(e.ID, "ceo-1", threshold.RoleCEO, repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	decisions, err := h.store.ListDecisions(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestSubmitDecision_IdentityResolvesRole(t *testing.T) {
	h := newHarness(t, withIdentity(stubIdentity{
		"alice": {"GM"},
		"bob":   {"fc", "auditor"},
		"carol": {"warehouse"},
	}))
	e := h.escalate(t, 20000, "logistics")

	_, err := h.decide(e.ID, "carol", "", repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	_, err = h.decide(e.ID, "alice", threshold.RoleCEO, repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	_, err = h.decide(e.ID, "mallory", "", repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))

	res, err := h.decide(e.ID, "bob", "", repository.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, threshold.RoleFinanceController, res.Decision.ApproverRole)
	assert.False(t, res.Counted)

	res, err = h.decide(e.ID, "alice", "", repository.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, threshold.RoleGeneralManager, res.Decision.ApproverRole)
	assert.Equal(t, repository.EscalationApproved, res.Escalation.Status)
}

func TestSubmitDecision_ExpiredEscalation(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	h.clock.Advance(8 * 24 * time.Hour)

	_, err := h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteApprove, "")
	require.Error(t, err)
	var appErr *errors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, errors.ErrCodeExpired, appErr.Code)
	assert.Equal(t, true, appErr.Details["auto_rejected"])
	assert.Contains(t, appErr.Message, "auto-rejection has been applied")

	got, err := h.store.GetEscalation(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationExpired, got.Status)

	deductions := h.deductionsFor(t, e.ID)
	require.Len(t, deductions, 1)
	assert.Equal(t, repository.DeductionExpiredEscalation, deductions[0].Reason)
	assert.Equal(t, int64(20000), deductions[0].Amount)

	decisions, err := h.store.ListDecisions(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)

	// A second attempt keeps failing without a second deduction.
	_, err = h.decide(e.ID, "gm-1", threshold.RoleGeneralManager, repository.VoteApprove, "")
	assert.True(t, errors.Is(err, errors.ErrCodeExpired))
	assert.Len(t, h.deductionsFor(t, e.ID), 1)

	res, err := h.escalations.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.escalate(t, 20000, "logistics")
	h.clock.Advance(2 * 24 * time.Hour)
	fresh := h.escalate(t, 30000, "logistics")

	h.clock.Advance(5*24*time.Hour + time.Second)

	res, err := h.escalations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.DeductionsCreated)
	assert.Zero(t, res.Failed)

	got, err := h.store.GetEscalation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationExpired, got.Status)

	got, err = h.store.GetEscalation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationPending, got.Status)

	res, err = h.escalations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Len(t, h.deductionsFor(t, stale.ID), 1)
	assert.Contains(t, h.notifier.types(), EventEscalationExpired)
}

func TestSweepExpired_ExactDeadlineIsNotExpired(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")
	h.clock.Advance(7 * 24 * time.Hour)

	res, err := h.escalations.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	got, err := h.escalations.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationPending, got.Status)
}

func TestSweepExpired_ConcurrentSweepsExpireOnce(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.escalate(t, int64(11000+i*1000), "logistics")
	}
	h.clock.Advance(8 * 24 * time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.escalations.SweepExpired(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += res.Expired
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, total)
	all, err := h.store.ListDeductions(context.Background(), repository.DeductionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestGet_LazilyExpires(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")
	h.clock.Advance(8 * 24 * time.Hour)

	got, err := h.escalations.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationExpired, got.Status)
	assert.Len(t, h.deductionsFor(t, e.ID), 1)
}

func TestSubmitDecision_ConcurrentVotesResolveOnce(t *testing.T) {
	h := newHarness(t)
	e := h.escalate(t, 20000, "logistics")

	var wg sync.WaitGroup
	for i, v := range []repository.Vote{repository.VoteApprove, repository.VoteReject, repository.VoteApprove, repository.VoteReject} {
		wg.Add(1)
		go func(i int, v repository.Vote) {
			defer wg.Done()
			_, err := h.decide(e.ID, fmt.Sprintf("gm-%d", i), threshold.RoleGeneralManager, v, "racing")
			assert.NoError(t, err)
		}(i, v)
	}
	wg.Wait()

	ctx := context.Background()
	got, err := h.store.GetEscalation(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, got.Status.Terminal())

	trail, err := h.store.ListAudit(ctx, repository.EntityEscalation, e.ID)
	require.NoError(t, err)
	transitions := 0
	for _, a := range trail {
		if a.Action == "status_changed" {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)

	decisions, err := h.store.ListDecisions(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 4)

	deductions := h.deductionsFor(t, e.ID)
	if got.Status == repository.EscalationRejected {
		assert.Len(t, deductions, 1)
	} else {
		assert.Empty(t, deductions)
	}
}

func TestPendingForRole(t *testing.T) {
	h := newHarness(t, withTable(dualControlTable()))
	ctx := context.Background()

	medium := h.escalate(t, 16000, "logistics")
	h.clock.Advance(time.Hour)
	critical := h.escalate(t, 45000, "logistics")
	high := h.escalate(t, 20000, "logistics")
	fcOnly := h.escalate(t, 12000, "logistics")
	dual := h.escalate(t, 1100, "capex")

	gm, err := h.escalations.PendingForRole(ctx, threshold.RoleGeneralManager, 0)
	require.NoError(t, err)
	ids := make([]string, len(gm))
	for i, p := range gm {
		ids[i] = p.Escalation.ID
	}
	assert.Equal(t, []string{critical.ID, high.ID, medium.ID, dual.ID}, ids)

	_, err = h.decide(dual.ID, "fc-1", threshold.RoleFinanceController, repository.VoteApprove, "")
	require.NoError(t, err)

	fc, err := h.escalations.PendingForRole(ctx, threshold.RoleFinanceController, 0)
	require.NoError(t, err)
	require.Len(t, fc, 1)
	assert.Equal(t, fcOnly.ID, fc[0].Escalation.ID)

	gm, err = h.escalations.PendingForRole(ctx, threshold.RoleGeneralManager, 2)
	require.NoError(t, err)
	assert.Len(t, gm, 2)

	_, err = h.escalations.PendingForRole(ctx, "janitor", 0)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	h.clock.Advance(8 * 24 * time.Hour)
	gm, err = h.escalations.PendingForRole(ctx, threshold.RoleGeneralManager, 0)
	require.NoError(t, err)
	assert.Empty(t, gm)

	got, err := h.store.GetEscalation(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EscalationExpired, got.Status)
}
