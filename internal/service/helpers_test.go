package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubCalendar struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (c *stubCalendar) NextDeductionCycle(_ context.Context, from time.Time) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return time.Time{}, c.err
	}
	return time.Date(from.Year(), from.Month()+1, 1, 0, 0, 0, 0, time.UTC), nil
}

func (c *stubCalendar) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, ev Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.EventType
	}
	return out
}

type stubIdentity map[string][]string

func (s stubIdentity) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	roles, ok := s[userID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	return roles, nil
}

// defaultReviewers backs deduction reversals when a test names no identity.
var defaultReviewers = stubIdentity{
	"fc-1":        {"fc"},
	"gm-1":        {"gm"},
	"ceo-1":       {"ceo"},
	"requester-1": {"fc"},
}

type stubArtifacts struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (a *stubArtifacts) Store(_ context.Context, data []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blobs == nil {
		a.blobs = make(map[string][]byte)
	}
	ref := fmt.Sprintf("artifact:%d", len(a.blobs)+1)
	a.blobs[ref] = data
	return ref, nil
}

func (a *stubArtifacts) Get(_ context.Context, ref string) (*Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.blobs[ref]
	if !ok {
		return nil, nil
	}
	return &Artifact{Ref: ref, ContentType: "application/octet-stream", Size: int64(len(data)), Data: data}, nil
}

func (a *stubArtifacts) Exists(_ context.Context, ref string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.blobs[ref]
	return ok, nil
}

type harness struct {
	store       *repository.MemoryStore
	clock       *clockwork.FakeClock
	calendar    *stubCalendar
	notifier    *recordingNotifier
	artifacts   *stubArtifacts
	enforcer    *ConsequenceEnforcer
	escalations *EscalationService
	expenses    *ExpenseService
	deductions  *DeductionService
	compliance  *ComplianceService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	table    *threshold.Table
	identity IdentityClientInterface
}

func withTable(t *threshold.Table) harnessOption {
	return func(c *harnessConfig) { c.table = t }
}

func withIdentity(id IdentityClientInterface) harnessOption {
	return func(c *harnessConfig) { c.identity = id }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{table: threshold.DefaultTable()}
	for _, o := range opts {
		o(&cfg)
	}
	require.NoError(t, cfg.table.Validate())

	h := &harness{
		store:     repository.NewMemoryStore(),
		clock:     clockwork.NewFakeClockAt(testEpoch),
		calendar:  &stubCalendar{},
		notifier:  &recordingNotifier{},
		artifacts: &stubArtifacts{},
	}
	log := logger.Nop()
	validator := threshold.NewValidator(cfg.table)

	h.enforcer = NewConsequenceEnforcer(h.store, h.calendar, h.notifier, h.clock, RetryPolicy{}, log)
	h.escalations = NewEscalationService(h.store, validator, h.enforcer, cfg.identity, h.notifier, h.clock,
		EscalationConfig{Expiry: 7 * 24 * time.Hour}, log)
	h.expenses = NewExpenseService(validator, h.escalations, log)
	reviewers := cfg.identity
	if reviewers == nil {
		reviewers = defaultReviewers
	}
	h.deductions = NewDeductionService(h.store, reviewers, h.notifier, h.clock, DeductionConfig{}, log)
	h.compliance = NewComplianceService(h.store, h.artifacts, h.notifier, h.clock, ComplianceConfig{}, log)
	return h
}

func (h *harness) escalate(t *testing.T, amount int64, category string) *repository.EscalationRequest {
	t.Helper()
	res, err := h.expenses.ValidateExpense(context.Background(), ExpenseInput{
		Amount:                amount,
		Category:              category,
		RequesterID:           "requester-1",
		BusinessJustification: "route expansion",
	})
	require.NoError(t, err)
	require.Equal(t, threshold.OutcomeEscalationRequired, res.Decision.Outcome)
	require.NotNil(t, res.Escalation)
	return res.Escalation
}

func (h *harness) decide(escalationID, approverID string, role threshold.Role, vote repository.Vote, reason string) (*DecisionResult, error) {
	return h.escalations.SubmitDecision(context.Background(), DecisionInput{
		EscalationID: escalationID,
		ApproverID:   approverID,
		ApproverRole: role,
		Decision:     vote,
		Reason:       reason,
	})
}

func (h *harness) deductionsFor(t *testing.T, escalationID string) []*repository.SalaryDeduction {
	t.Helper()
	all, err := h.store.ListDeductions(context.Background(), repository.DeductionFilter{})
	require.NoError(t, err)
	var out []*repository.SalaryDeduction
	for _, d := range all {
		if d.EscalationID != nil && *d.EscalationID == escalationID {
			out = append(out, d)
		}
	}
	return out
}

// dualControlTable requires both fc and gm for capex spend above 1,000.
func dualControlTable() *threshold.Table {
	table := threshold.DefaultTable()
	table.Categories["capex"] = threshold.Category{
		AutoApproveLimit: 1000,
		Ladder: []threshold.Tier{
			{Roles: threshold.NewRoleSet(threshold.RoleFinanceController, threshold.RoleGeneralManager)},
		},
	}
	return table
}
