package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

func sampleEscalation(id string, created time.Time) *EscalationRequest {
	return &EscalationRequest{
		ID:                id,
		AmountRequested:   25000,
		ThresholdLimit:    10000,
		OverageAmount:     15000,
		CostCategory:      "logistics",
		Priority:          PriorityHigh,
		RequiredApprovers: threshold.NewRoleSet(threshold.RoleGeneralManager),
		AdvisoryApprovers: threshold.NewRoleSet(threshold.RoleFinanceController),
		Status:            EscalationPending,
		ExpiresAt:         created.Add(168 * time.Hour),
		CreatedBy:         "user-9",
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func TestMemoryStore_TransactionRollsBack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := store.InTransaction(ctx, func(tx Tx) error {
		if err := tx.CreateEscalation(ctx, sampleEscalation("esc-1", now)); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.EqualError(t, err, "boom")

	_, err = store.GetEscalation(ctx, "esc-1")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestMemoryStore_TransactionRollsBackOnPanic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.Panics(t, func() {
		_ = store.InTransaction(ctx, func(tx Tx) error {
			_ = tx.CreateEscalation(ctx, sampleEscalation("esc-1", now))
			panic("unexpected")
		})
	})

	_, err := store.GetEscalation(ctx, "esc-1")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestMemoryStore_TransitionOnlyFromPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateEscalation(ctx, sampleEscalation("esc-1", now)))

	ok, err := store.TransitionEscalation(ctx, "esc-1", EscalationApproved, "approved", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TransitionEscalation(ctx, "esc-1", EscalationExpired, "expired", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := store.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, EscalationApproved, e.Status)
	require.NotNil(t, e.FinalDecisionAt)
	assert.Equal(t, now.Add(time.Hour), *e.FinalDecisionAt)
}

func TestMemoryStore_ReturnedValuesAreCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateEscalation(ctx, sampleEscalation("esc-1", now)))

	e, err := store.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	e.Status = EscalationRejected
	e.RequiredApprovers[0] = threshold.RoleCEO

	again, err := store.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, EscalationPending, again.Status)
	assert.Equal(t, threshold.RoleGeneralManager, again.RequiredApprovers[0])
}

func TestMemoryStore_ListEscalationsOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	low := sampleEscalation("esc-low", now)
	low.Priority = PriorityNormal
	old := sampleEscalation("esc-old", now.Add(-time.Hour))
	newer := sampleEscalation("esc-new", now)
	ceo := sampleEscalation("esc-ceo", now)
	ceo.RequiredApprovers = threshold.NewRoleSet(threshold.RoleCEO)
	for _, e := range []*EscalationRequest{low, old, newer, ceo} {
		require.NoError(t, store.CreateEscalation(ctx, e))
	}

	list, err := store.ListEscalations(ctx, EscalationFilter{
		Statuses:     []EscalationStatus{EscalationPending},
		RequiredRole: threshold.RoleGeneralManager,
	})
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"esc-old", "esc-new", "esc-low"}, ids)
}

func TestMemoryStore_DecisionUniquePerApprover(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := &ApprovalDecision{ID: "d1", EscalationID: "esc-1", ApproverID: "gm-1", Decision: VoteApprove, DecidedAt: at}
	second := &ApprovalDecision{ID: "d2", EscalationID: "esc-1", ApproverID: "gm-1", Decision: VoteReject, DecidedAt: at}

	ok, err := store.AppendDecision(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.AppendDecision(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := store.GetDecision(ctx, "esc-1", "gm-1")
	require.NoError(t, err)
	assert.Equal(t, VoteApprove, d.Decision)

	missing, err := store.GetDecision(ctx, "esc-1", "gm-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_DeductionPerEscalation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	esc := "esc-1"

	ok, err := store.CreateDeduction(ctx, &SalaryDeduction{ID: "a", EscalationID: &esc, Status: DeductionPending})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.CreateDeduction(ctx, &SalaryDeduction{ID: "b", EscalationID: &esc, Status: DeductionPending})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CreateDeduction(ctx, &SalaryDeduction{ID: "c", Status: DeductionPending})
	require.NoError(t, err)
	assert.True(t, ok, "deductions without an escalation are not deduplicated")

	d, err := store.GetDeductionByEscalation(ctx, esc)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)

	d.Status = DeductionProcessed
	ok, err = store.UpdateDeductionStatus(ctx, d, DeductionPending)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.UpdateDeductionStatus(ctx, d, DeductionPending)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ComplianceVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateCompliance(ctx, &MoneyOutCompliance{ID: "c1", OrderID: "o1", Status: ComplianceReady}))
	err := store.CreateCompliance(ctx, &MoneyOutCompliance{ID: "c2", OrderID: "o1", Status: ComplianceReady})
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	a, err := store.GetCompliance(ctx, "c1")
	require.NoError(t, err)
	b, err := store.GetCompliance(ctx, "c1")
	require.NoError(t, err)

	a.PaymentVerified = true
	ok, err := store.UpdateCompliance(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	b.OTPSubmitted = true
	ok, err = store.UpdateCompliance(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not overwrite")
}

func TestMemoryStore_ListComplianceCandidates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateCompliance(ctx, &MoneyOutCompliance{ID: "c1", OrderID: "o1", Status: ComplianceReady,
		PaymentVerified: true, OTPSubmitted: true, FridayPhotoApproved: true, CreatedAt: now}))
	require.NoError(t, store.CreateCompliance(ctx, &MoneyOutCompliance{ID: "c2", OrderID: "o2", Status: ComplianceReady,
		PaymentVerified: true, CreatedAt: now}))

	list, err := store.ListCompliance(ctx, ComplianceFilter{Statuses: []ComplianceStatus{ComplianceReady}, AllFlagsSet: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ID)
}

func TestMemoryStore_EnforcementQueue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.EnqueueEnforcement(ctx, &EnforcementJob{EscalationID: "esc-1", Outcome: EscalationRejected, NextAttemptAt: now}))
	require.NoError(t, store.EnqueueEnforcement(ctx, &EnforcementJob{EscalationID: "esc-2", Outcome: EscalationExpired, NextAttemptAt: now.Add(time.Hour)}))

	due, err := store.ListDueEnforcements(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "esc-1", due[0].EscalationID)

	require.NoError(t, store.DeleteEnforcement(ctx, "esc-1"))
	due, err = store.ListDueEnforcements(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "esc-2", due[0].EscalationID)
}

func TestMemoryStore_ConcurrentTransactionsSerialize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateEscalation(ctx, sampleEscalation("esc-1", now)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.InTransaction(ctx, func(tx Tx) error {
				ok, err := tx.TransitionEscalation(ctx, "esc-1", EscalationApproved, "approved", now)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
				return err
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
