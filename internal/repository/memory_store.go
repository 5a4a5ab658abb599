package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// memState holds every table of the in-memory store. Values are stored by
// copy so callers can never mutate persisted rows through a returned pointer.
type memState struct {
	escalations   map[string]EscalationRequest
	decisions     map[string]ApprovalDecision
	decisionIndex map[string]string // escalation_id/approver_id -> decision id
	deductions    map[string]SalaryDeduction
	deductionByEs map[string]string // escalation_id -> deduction id
	jobs          map[string]EnforcementJob
	compliance    map[string]MoneyOutCompliance
	orderIndex    map[string]string // order_id -> compliance id
	audit         []AuditEntry
}

func newMemState() *memState {
	return &memState{
		escalations:   make(map[string]EscalationRequest),
		decisions:     make(map[string]ApprovalDecision),
		decisionIndex: make(map[string]string),
		deductions:    make(map[string]SalaryDeduction),
		deductionByEs: make(map[string]string),
		jobs:          make(map[string]EnforcementJob),
		compliance:    make(map[string]MoneyOutCompliance),
		orderIndex:    make(map[string]string),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		escalations:   maps.Clone(s.escalations),
		decisions:     maps.Clone(s.decisions),
		decisionIndex: maps.Clone(s.decisionIndex),
		deductions:    maps.Clone(s.deductions),
		deductionByEs: maps.Clone(s.deductionByEs),
		jobs:          maps.Clone(s.jobs),
		compliance:    maps.Clone(s.compliance),
		orderIndex:    maps.Clone(s.orderIndex),
		audit:         slices.Clone(s.audit),
	}
}

// MemoryStore is a Store kept entirely in process memory. Transactions are
// serialized and rolled back by restoring a snapshot. Used by tests and by
// the memory store driver for local runs.
type MemoryStore struct {
	mu sync.Mutex
	*memTx
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.memTx = &memTx{state: newMemState()}
	s.memTx.lock = func() func() {
		s.mu.Lock()
		return s.mu.Unlock
	}
	return s
}

// InTransaction runs fn with exclusive access, discarding its writes if it
// returns an error or panics.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(tx Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.state.clone()
	tx := &memTx{state: s.state, lock: noLock}
	defer func() {
		if p := recover(); p != nil {
			s.state = snapshot
			panic(p)
		}
		if err != nil {
			s.state = snapshot
		}
	}()
	return fn(tx)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func noLock() func() { return func() {} }

// memTx implements Tx over a memState. The store-level instance locks per
// call; the instance handed to InTransaction runs under the held lock.
type memTx struct {
	state *memState
	lock  func() func()
}

// ── escalations ──────────────────────────────────────────────────────────────

func (t *memTx) CreateEscalation(_ context.Context, e *EscalationRequest) error {
	defer t.lock()()
	if _, ok := t.state.escalations[e.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "escalation %q already exists", e.ID)
	}
	t.state.escalations[e.ID] = copyEscalation(e)
	return nil
}

func (t *memTx) GetEscalation(_ context.Context, id string) (*EscalationRequest, error) {
	defer t.lock()()
	e, ok := t.state.escalations[id]
	if !ok {
		return nil, errors.NotFound("escalation", id)
	}
	out := copyEscalation(&e)
	return &out, nil
}

func (t *memTx) LockEscalation(ctx context.Context, id string) (*EscalationRequest, error) {
	return t.GetEscalation(ctx, id)
}

func (t *memTx) TransitionEscalation(_ context.Context, id string, to EscalationStatus, outcome string, at time.Time) (bool, error) {
	defer t.lock()()
	e, ok := t.state.escalations[id]
	if !ok || e.Status != EscalationPending {
		return false, nil
	}
	e.Status = to
	e.FinalOutcome = &outcome
	e.FinalDecisionAt = &at
	e.UpdatedAt = at
	t.state.escalations[id] = e
	return true, nil
}

func (t *memTx) ListEscalations(_ context.Context, filter EscalationFilter) ([]*EscalationRequest, error) {
	defer t.lock()()
	list := make([]*EscalationRequest, 0)
	for _, e := range t.state.escalations {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, e.Status) {
			continue
		}
		if filter.RequiredRole != "" && !e.RequiredApprovers.Contains(filter.RequiredRole) {
			continue
		}
		if filter.Category != "" && e.CostCategory != filter.Category {
			continue
		}
		if filter.CreatedFrom != nil && e.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && !e.CreatedAt.Before(*filter.CreatedTo) {
			continue
		}
		if filter.ExpiresBefore != nil && !e.ExpiresAt.Before(*filter.ExpiresBefore) {
			continue
		}
		out := copyEscalation(&e)
		list = append(list, &out)
	}
	sort.Slice(list, func(i, j int) bool {
		if ri, rj := list[i].Priority.Rank(), list[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

func copyEscalation(e *EscalationRequest) EscalationRequest {
	out := *e
	out.RequiredApprovers = slices.Clone(e.RequiredApprovers)
	out.AdvisoryApprovers = slices.Clone(e.AdvisoryApprovers)
	if out.AdvisoryApprovers == nil {
		out.AdvisoryApprovers = threshold.RoleSet{}
	}
	return out
}

// ── approval ledger ──────────────────────────────────────────────────────────

func decisionKey(escalationID, approverID string) string {
	return escalationID + "/" + approverID
}

func (t *memTx) AppendDecision(_ context.Context, d *ApprovalDecision) (bool, error) {
	defer t.lock()()
	key := decisionKey(d.EscalationID, d.ApproverID)
	if _, ok := t.state.decisionIndex[key]; ok {
		return false, nil
	}
	t.state.decisions[d.ID] = *d
	t.state.decisionIndex[key] = d.ID
	return true, nil
}

func (t *memTx) GetDecision(_ context.Context, escalationID, approverID string) (*ApprovalDecision, error) {
	defer t.lock()()
	id, ok := t.state.decisionIndex[decisionKey(escalationID, approverID)]
	if !ok {
		return nil, nil
	}
	d := t.state.decisions[id]
	return &d, nil
}

func (t *memTx) ListDecisions(_ context.Context, escalationID string) ([]*ApprovalDecision, error) {
	defer t.lock()()
	list := make([]*ApprovalDecision, 0)
	for _, d := range t.state.decisions {
		if d.EscalationID == escalationID {
			list = append(list, &d)
		}
	}
	sortDecisions(list)
	return list, nil
}

func (t *memTx) ListDecisionsInRange(_ context.Context, filter DecisionFilter) ([]*ApprovalDecision, error) {
	defer t.lock()()
	list := make([]*ApprovalDecision, 0)
	for _, d := range t.state.decisions {
		if filter.ApproverID != "" && d.ApproverID != filter.ApproverID {
			continue
		}
		if filter.DecidedFrom != nil && d.DecidedAt.Before(*filter.DecidedFrom) {
			continue
		}
		if filter.DecidedTo != nil && !d.DecidedAt.Before(*filter.DecidedTo) {
			continue
		}
		list = append(list, &d)
	}
	sortDecisions(list)
	return list, nil
}

func sortDecisions(list []*ApprovalDecision) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].DecidedAt.Equal(list[j].DecidedAt) {
			return list[i].DecidedAt.Before(list[j].DecidedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// ── deductions ───────────────────────────────────────────────────────────────

func (t *memTx) CreateDeduction(_ context.Context, d *SalaryDeduction) (bool, error) {
	defer t.lock()()
	if d.EscalationID != nil {
		if _, ok := t.state.deductionByEs[*d.EscalationID]; ok {
			return false, nil
		}
		t.state.deductionByEs[*d.EscalationID] = d.ID
	}
	t.state.deductions[d.ID] = *d
	return true, nil
}

func (t *memTx) GetDeduction(_ context.Context, id string) (*SalaryDeduction, error) {
	defer t.lock()()
	d, ok := t.state.deductions[id]
	if !ok {
		return nil, errors.NotFound("deduction", id)
	}
	return &d, nil
}

func (t *memTx) GetDeductionByEscalation(_ context.Context, escalationID string) (*SalaryDeduction, error) {
	defer t.lock()()
	id, ok := t.state.deductionByEs[escalationID]
	if !ok {
		return nil, nil
	}
	d := t.state.deductions[id]
	return &d, nil
}

func (t *memTx) UpdateDeductionStatus(_ context.Context, d *SalaryDeduction, from DeductionStatus) (bool, error) {
	defer t.lock()()
	stored, ok := t.state.deductions[d.ID]
	if !ok || stored.Status != from {
		return false, nil
	}
	stored.Status = d.Status
	stored.ProcessedAt = d.ProcessedAt
	stored.CancelReason = d.CancelReason
	stored.UpdatedAt = d.UpdatedAt
	t.state.deductions[d.ID] = stored
	return true, nil
}

func (t *memTx) ListDeductions(_ context.Context, filter DeductionFilter) ([]*SalaryDeduction, error) {
	defer t.lock()()
	list := make([]*SalaryDeduction, 0)
	for _, d := range t.state.deductions {
		if filter.UserID != "" && d.UserID != filter.UserID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, d.Status) {
			continue
		}
		if filter.CreatedFrom != nil && d.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && !d.CreatedAt.Before(*filter.CreatedTo) {
			continue
		}
		list = append(list, &d)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// ── enforcement queue ────────────────────────────────────────────────────────

func (t *memTx) EnqueueEnforcement(_ context.Context, job *EnforcementJob) error {
	defer t.lock()()
	if _, ok := t.state.jobs[job.EscalationID]; !ok {
		t.state.jobs[job.EscalationID] = *job
	}
	return nil
}

func (t *memTx) ListDueEnforcements(_ context.Context, now time.Time, limit int) ([]*EnforcementJob, error) {
	defer t.lock()()
	list := make([]*EnforcementJob, 0)
	for _, j := range t.state.jobs {
		if !j.NextAttemptAt.After(now) {
			list = append(list, &j)
		}
	}
	sort.Slice(list, func(i, k int) bool {
		if !list[i].NextAttemptAt.Equal(list[k].NextAttemptAt) {
			return list[i].NextAttemptAt.Before(list[k].NextAttemptAt)
		}
		return list[i].EscalationID < list[k].EscalationID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (t *memTx) RescheduleEnforcement(_ context.Context, job *EnforcementJob) error {
	defer t.lock()()
	stored, ok := t.state.jobs[job.EscalationID]
	if !ok {
		return nil
	}
	stored.AttemptCount = job.AttemptCount
	stored.NextAttemptAt = job.NextAttemptAt
	stored.LastError = job.LastError
	stored.UpdatedAt = job.UpdatedAt
	t.state.jobs[job.EscalationID] = stored
	return nil
}

func (t *memTx) DeleteEnforcement(_ context.Context, escalationID string) error {
	defer t.lock()()
	delete(t.state.jobs, escalationID)
	return nil
}

// ── compliance ───────────────────────────────────────────────────────────────

func (t *memTx) CreateCompliance(_ context.Context, m *MoneyOutCompliance) error {
	defer t.lock()()
	if _, ok := t.state.orderIndex[m.OrderID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "compliance record for order %q already exists", m.OrderID).
			WithDetail("order_id", m.OrderID)
	}
	t.state.compliance[m.ID] = *m
	t.state.orderIndex[m.OrderID] = m.ID
	return nil
}

func (t *memTx) GetCompliance(_ context.Context, id string) (*MoneyOutCompliance, error) {
	defer t.lock()()
	m, ok := t.state.compliance[id]
	if !ok {
		return nil, errors.NotFound("compliance", id)
	}
	return &m, nil
}

func (t *memTx) LockCompliance(ctx context.Context, id string) (*MoneyOutCompliance, error) {
	return t.GetCompliance(ctx, id)
}

func (t *memTx) UpdateCompliance(_ context.Context, m *MoneyOutCompliance) (bool, error) {
	defer t.lock()()
	stored, ok := t.state.compliance[m.ID]
	if !ok || stored.Version != m.Version {
		return false, nil
	}
	m.Version++
	t.state.compliance[m.ID] = *m
	return true, nil
}

func (t *memTx) ListCompliance(_ context.Context, filter ComplianceFilter) ([]*MoneyOutCompliance, error) {
	defer t.lock()()
	list := make([]*MoneyOutCompliance, 0)
	for _, m := range t.state.compliance {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, m.Status) {
			continue
		}
		if filter.AllFlagsSet && len(m.MissingFlags()) > 0 {
			continue
		}
		if filter.CreatedFrom != nil && m.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && !m.CreatedAt.Before(*filter.CreatedTo) {
			continue
		}
		list = append(list, &m)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

// ── audit ────────────────────────────────────────────────────────────────────

func (t *memTx) AppendAudit(_ context.Context, entry *AuditEntry) error {
	defer t.lock()()
	e := *entry
	e.Metadata = maps.Clone(entry.Metadata)
	t.state.audit = append(t.state.audit, e)
	return nil
}

func (t *memTx) ListAudit(_ context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	defer t.lock()()
	list := make([]*AuditEntry, 0)
	for _, e := range t.state.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			list = append(list, &e)
		}
	}
	return list, nil
}
