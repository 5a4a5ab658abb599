package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// EscalationConfig holds workflow tunables.
type EscalationConfig struct {
	Expiry         time.Duration
	SweepBatchSize int
}

// EscalationService owns the escalation lifecycle: creation, decision
// collection with quorum evaluation, and expiry.
type EscalationService struct {
	store     repository.Store
	validator *threshold.Validator
	enforcer  *ConsequenceEnforcer
	identity  IdentityClientInterface
	notifier  Notifier
	clock     clockwork.Clock
	cfg       EscalationConfig
	log       *logger.Logger
}

// NewEscalationService creates a new EscalationService. identity may be nil,
// in which case callers must state the approver role explicitly.
func NewEscalationService(
	store repository.Store,
	validator *threshold.Validator,
	enforcer *ConsequenceEnforcer,
	identity IdentityClientInterface,
	notifier Notifier,
	clock clockwork.Clock,
	cfg EscalationConfig,
	log *logger.Logger,
) *EscalationService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 7 * 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 200
	}
	return &EscalationService{
		store:     store,
		validator: validator,
		enforcer:  enforcer,
		identity:  identity,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg,
		log:       log.Component("escalation_workflow"),
	}
}

// ── Creation ──────────────────────────────────────────────────────────────────

// CreateEscalationInput is a request to open an escalation.
type CreateEscalationInput struct {
	Amount                int64
	Category              string
	BusinessJustification string
	RequestOrigin         string
	CreatedBy             string
}

// Create classifies the expense and opens an escalation for it. Fails when
// the expense does not need one.
func (s *EscalationService) Create(ctx context.Context, in CreateEscalationInput) (*repository.EscalationRequest, error) {
	d, err := s.validator.Validate(in.Amount, in.Category, threshold.RequesterContext{UserID: in.CreatedBy})
	if err != nil {
		return nil, err
	}
	switch d.Outcome {
	case threshold.OutcomeAutoApproved:
		return nil, errors.InvalidInput("amount", fmt.Sprintf(
			"amount %d is within the %s auto-approval limit of %d; no escalation is needed",
			d.Amount, d.Category, d.ThresholdLimit)).
			WithDetail("threshold_limit", d.ThresholdLimit)
	case threshold.OutcomeBlocked:
		return nil, errors.PreconditionFailed(d.Reason).WithDetail("outcome", string(d.Outcome))
	}
	return s.createFromDecision(ctx, d, in)
}

func (s *EscalationService) createFromDecision(ctx context.Context, d threshold.Decision, in CreateEscalationInput) (*repository.EscalationRequest, error) {
	category, err := s.validator.Category(d.Category)
	if err != nil {
		return nil, err
	}
	justification := strings.TrimSpace(in.BusinessJustification)
	if category.RequireJustification && justification == "" {
		return nil, errors.InvalidInput("business_justification",
			fmt.Sprintf("category %s requires a business justification", d.Category))
	}

	now := s.clock.Now().UTC()
	e := &repository.EscalationRequest{
		ID:                    uuid.NewString(),
		AmountRequested:       d.Amount,
		ThresholdLimit:        d.ThresholdLimit,
		OverageAmount:         d.Overage,
		CostCategory:          d.Category,
		Priority:              derivePriority(d),
		BusinessJustification: justification,
		RequestOrigin:         in.RequestOrigin,
		RequiredApprovers:     d.RequiredRoles,
		AdvisoryApprovers:     d.AdvisoryRoles,
		Status:                repository.EscalationPending,
		ExpiresAt:             now.Add(s.cfg.Expiry),
		CreatedBy:             in.CreatedBy,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if e.AdvisoryApprovers == nil {
		e.AdvisoryApprovers = threshold.RoleSet{}
	}

	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.CreateEscalation(ctx, e); err != nil {
			return err
		}
		entry := statusChange("", string(e.Status)).apply(auditEntry(repository.EntityEscalation, e.ID, "created", in.CreatedBy, now,
			map[string]any{
				"amount":             e.AmountRequested,
				"category":           e.CostCategory,
				"required_approvers": e.RequiredApprovers.Strings(),
			}))
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("escalation_id", e.ID).
		Str("category", e.CostCategory).
		Int64("amount", e.AmountRequested).
		Int64("overage", e.OverageAmount).
		Str("priority", string(e.Priority)).
		Strs("required_approvers", e.RequiredApprovers.Strings()).
		Msg("Escalation created")

	s.notifier.Notify(ctx, Notification{
		EventType:    EventEscalationCreated,
		Roles:        e.RequiredApprovers.Strings(),
		ActorID:      e.CreatedBy,
		ResourceType: repository.EntityEscalation,
		ResourceID:   e.ID,
		Payload: map[string]any{
			"amount":     e.AmountRequested,
			"overage":    e.OverageAmount,
			"category":   e.CostCategory,
			"priority":   string(e.Priority),
			"expires_at": e.ExpiresAt.Format(time.RFC3339),
		},
	})

	return e, nil
}

// derivePriority grades the overage relative to the auto-approval limit and
// bumps critical categories one level.
func derivePriority(d threshold.Decision) repository.Priority {
	p := repository.PriorityHigh
	if d.ThresholdLimit > 0 {
		ratio := float64(d.Overage) / float64(d.ThresholdLimit)
		switch {
		case ratio >= 2:
			p = repository.PriorityCritical
		case ratio >= 1:
			p = repository.PriorityHigh
		case ratio >= 0.25:
			p = repository.PriorityMedium
		default:
			p = repository.PriorityNormal
		}
	}
	if !d.Critical {
		return p
	}
	switch p {
	case repository.PriorityNormal:
		return repository.PriorityMedium
	case repository.PriorityMedium:
		return repository.PriorityHigh
	}
	return repository.PriorityCritical
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// DecisionInput is one approver's vote.
type DecisionInput struct {
	EscalationID string
	ApproverID   string
	// ApproverRole may be empty when an identity service is configured; the
	// role is then resolved from the approver's current roles.
	ApproverRole   threshold.Role
	Decision       repository.Vote
	Reason         string
	AdjustedAmount *int64
	RequestOrigin  string
}

func (in DecisionInput) validate() error {
	if in.EscalationID == "" {
		return errors.InvalidInput("escalation_id", "escalation id is required")
	}
	if in.ApproverID == "" {
		return errors.InvalidInput("approver_id", "approver id is required")
	}
	if in.ApproverRole != "" {
		if _, ok := threshold.ParseRole(string(in.ApproverRole)); !ok {
			return errors.InvalidInput("approver_role", fmt.Sprintf("unknown approver role %q", in.ApproverRole))
		}
	}
	switch in.Decision {
	case repository.VoteApprove, repository.VoteReject:
	default:
		return errors.InvalidInput("decision", "decision must be approve or reject")
	}
	if in.Decision == repository.VoteReject && strings.TrimSpace(in.Reason) == "" {
		return errors.InvalidInput("reason", "rejection reason is required")
	}
	if in.AdjustedAmount != nil && *in.AdjustedAmount <= 0 {
		return errors.InvalidInput("adjusted_amount", "adjusted amount must be positive")
	}
	return nil
}

// DecisionResult is the authoritative state after a decision.
type DecisionResult struct {
	Escalation *repository.EscalationRequest
	Decision   *repository.ApprovalDecision
	// Replayed is true when the same vote was already recorded and this call
	// changed nothing.
	Replayed bool
	// Counted is true when the vote participates in quorum.
	Counted            bool
	RemainingApprovals threshold.RoleSet
	Deduction          *repository.SalaryDeduction
	EnforcementQueued  bool
}

// SubmitDecision records a vote and evaluates quorum. The decision, any
// terminal transition and its consequence commit atomically.
func (s *EscalationService) SubmitDecision(ctx context.Context, in DecisionInput) (*DecisionResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	current, err := s.store.GetEscalation(ctx, in.EscalationID)
	if err != nil {
		return nil, err
	}
	if current.CreatedBy == in.ApproverID {
		return nil, errors.Unauthorized(fmt.Sprintf("user %s raised escalation %s and may not decide on it", in.ApproverID, current.ID))
	}
	role, err := s.resolveRole(ctx, current, in)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	var (
		res          *DecisionResult
		expired      *repository.EscalationRequest
		enforcement  *EnforcementResult
		transitioned bool
	)

	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		res, expired, enforcement, transitioned = nil, nil, nil, false

		e, err := tx.LockEscalation(ctx, in.EscalationID)
		if err != nil {
			return err
		}

		existing, err := tx.GetDecision(ctx, e.ID, in.ApproverID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Decision != in.Decision {
				return errors.New(errors.ErrCodeAlreadyDecided, fmt.Sprintf(
					"approver %s already recorded %s on escalation %s", in.ApproverID, existing.Decision, e.ID)).
					WithDetail("decision", string(existing.Decision)).
					WithDetail("decided_at", existing.DecidedAt.Format(time.RFC3339))
			}
			res, err = s.replay(ctx, tx, e, existing)
			return err
		}

		if !e.EligibleRole(role) {
			return errors.Unauthorized(fmt.Sprintf("role %s may not decide on escalation %s", role, e.ID)).
				WithDetail("required_approvers", e.RequiredApprovers.Strings()).
				WithDetail("advisory_approvers", e.AdvisoryApprovers.Strings())
		}

		if e.Status == repository.EscalationPending && now.After(e.ExpiresAt) {
			applied, enf, err := s.expireLocked(ctx, tx, e, now)
			if err != nil {
				return err
			}
			if applied {
				enforcement = enf
				transitioned = true
			}
			expired = e
			return nil
		}
		if e.Status == repository.EscalationExpired {
			expired = e
			return nil
		}

		d := &repository.ApprovalDecision{
			ID:             uuid.NewString(),
			EscalationID:   e.ID,
			ApproverID:     in.ApproverID,
			ApproverRole:   role,
			Decision:       in.Decision,
			Reason:         strings.TrimSpace(in.Reason),
			AdjustedAmount: in.AdjustedAmount,
			Justification:  e.BusinessJustification,
			RequestOrigin:  in.RequestOrigin,
			DecidedAt:      now,
		}
		inserted, err := tx.AppendDecision(ctx, d)
		if err != nil {
			return err
		}
		if !inserted {
			return errors.Newf(errors.ErrCodeConflict, "a concurrent decision by %s was recorded first", in.ApproverID)
		}

		counted := e.Status == repository.EscalationPending && e.RequiredApprovers.Contains(role)
		entry := auditEntry(repository.EntityEscalation, e.ID, "decision_recorded", in.ApproverID, now, map[string]any{
			"decision_id": d.ID,
			"role":        string(role),
			"decision":    string(d.Decision),
			"reason":      d.Reason,
			"counted":     counted,
		})
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		res = &DecisionResult{Escalation: e, Decision: d, Counted: counted, RemainingApprovals: threshold.RoleSet{}}
		if e.Status.Terminal() {
			// Late decision: kept as evidence, outcome unchanged.
			return nil
		}

		decisions, err := tx.ListDecisions(ctx, e.ID)
		if err != nil {
			return err
		}
		q := EvaluateQuorum(e.RequiredApprovers, decisions)
		res.RemainingApprovals = q.RemainingApprovals
		if q.Outcome == repository.EscalationPending {
			return nil
		}

		outcome := describeOutcome(q)
		ok, err := tx.TransitionEscalation(ctx, e.ID, q.Outcome, outcome, now)
		if err != nil {
			return err
		}
		if !ok {
			latest, err := tx.GetEscalation(ctx, e.ID)
			if err != nil {
				return err
			}
			res.Escalation = latest
			return nil
		}
		transitioned = true
		e.Status = q.Outcome
		e.FinalOutcome = &outcome
		e.FinalDecisionAt = timePtr(now)
		e.UpdatedAt = now

		entry = statusChange(string(repository.EscalationPending), string(q.Outcome)).apply(
			auditEntry(repository.EntityEscalation, e.ID, "status_changed", in.ApproverID, now,
				map[string]any{"final_outcome": outcome}))
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		if q.Outcome == repository.EscalationRejected {
			enf, err := s.enforcer.Enforce(ctx, tx, e, repository.EscalationRejected)
			if err != nil {
				return err
			}
			enforcement = enf
			res.Deduction = enf.Deduction
			res.EnforcementQueued = enf.Queued
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if expired != nil {
		if transitioned {
			s.afterTerminal(ctx, expired, enforcement)
		}
		return nil, expiredError(expired)
	}

	s.log.Info().
		Str("escalation_id", res.Escalation.ID).
		Str("approver_id", in.ApproverID).
		Str("role", string(res.Decision.ApproverRole)).
		Str("decision", string(res.Decision.Decision)).
		Bool("replayed", res.Replayed).
		Bool("counted", res.Counted).
		Str("status", string(res.Escalation.Status)).
		Msg("Approval decision processed")

	if transitioned {
		s.afterTerminal(ctx, res.Escalation, enforcement)
	}
	return res, nil
}

// replay returns the state for a vote that was already recorded.
func (s *EscalationService) replay(
	ctx context.Context,
	tx repository.Tx,
	e *repository.EscalationRequest,
	existing *repository.ApprovalDecision,
) (*DecisionResult, error) {
	res := &DecisionResult{
		Escalation:         e,
		Decision:           existing,
		Replayed:           true,
		Counted:            e.RequiredApprovers.Contains(existing.ApproverRole),
		RemainingApprovals: threshold.RoleSet{},
	}
	if e.Status == repository.EscalationPending {
		decisions, err := tx.ListDecisions(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		res.RemainingApprovals = EvaluateQuorum(e.RequiredApprovers, decisions).RemainingApprovals
	}
	if e.Status == repository.EscalationRejected {
		d, err := tx.GetDeductionByEscalation(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		res.Deduction = d
	}
	return res, nil
}

func (s *EscalationService) resolveRole(ctx context.Context, e *repository.EscalationRequest, in DecisionInput) (threshold.Role, error) {
	if s.identity == nil {
		if in.ApproverRole == "" {
			return "", errors.InvalidInput("approver_role", "approver role is required")
		}
		return in.ApproverRole, nil
	}

	names, err := s.identity.GetUserRoles(ctx, in.ApproverID)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approver roles")
	}
	var held threshold.RoleSet
	for _, n := range names {
		if r, ok := threshold.ParseRole(strings.ToLower(n)); ok {
			held = append(held, r)
		}
	}

	if in.ApproverRole != "" {
		if !held.Contains(in.ApproverRole) {
			return "", errors.Unauthorized(fmt.Sprintf("user %s does not hold role %s", in.ApproverID, in.ApproverRole))
		}
		return in.ApproverRole, nil
	}
	for _, r := range e.RequiredApprovers {
		if held.Contains(r) {
			return r, nil
		}
	}
	for _, r := range e.AdvisoryApprovers {
		if held.Contains(r) {
			return r, nil
		}
	}
	return "", errors.Unauthorized(fmt.Sprintf("user %s holds no approver role for escalation %s", in.ApproverID, e.ID)).
		WithDetail("required_approvers", e.RequiredApprovers.Strings())
}

func describeOutcome(q QuorumResult) string {
	if q.Outcome == repository.EscalationRejected && q.Veto != nil {
		return fmt.Sprintf("rejected by %s (%s): %s", q.Veto.ApproverID, q.Veto.ApproverRole, q.Veto.Reason)
	}
	return string(q.Outcome)
}

func expiredError(e *repository.EscalationRequest) error {
	expiresAt := e.ExpiresAt.UTC().Format(time.RFC3339)
	return errors.New(errors.ErrCodeExpired, fmt.Sprintf(
		"escalation %s expired at %s; auto-rejection has been applied", e.ID, expiresAt)).
		WithDetail("expires_at", expiresAt).
		WithDetail("auto_rejected", true)
}

// ── Expiry ────────────────────────────────────────────────────────────────────

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Candidates        int `json:"candidates"`
	Expired           int `json:"expired"`
	DeductionsCreated int `json:"deductions_created"`
	EnforcementQueued int `json:"enforcement_queued"`
	Failed            int `json:"failed"`
}

// SweepExpired expires every pending escalation past its deadline. Each
// escalation is expired in its own transaction; concurrent sweeps are safe
// because the transition is conditional.
func (s *EscalationService) SweepExpired(ctx context.Context) (*SweepResult, error) {
	now := s.clock.Now().UTC()
	candidates, err := s.store.ListEscalations(ctx, repository.EscalationFilter{
		Statuses:      []repository.EscalationStatus{repository.EscalationPending},
		ExpiresBefore: &now,
		Limit:         s.cfg.SweepBatchSize,
	})
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Candidates: len(candidates)}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e, enf, err := s.expireOne(ctx, c.ID, now)
		if err != nil {
			res.Failed++
			s.log.Warn().Err(err).Str("escalation_id", c.ID).Msg("Failed to expire escalation")
			continue
		}
		if e == nil {
			continue
		}
		res.Expired++
		if enf != nil && enf.Created {
			res.DeductionsCreated++
		}
		if enf != nil && enf.Queued {
			res.EnforcementQueued++
		}
		s.afterTerminal(ctx, e, enf)
	}

	if res.Expired > 0 || res.Failed > 0 {
		s.log.Info().
			Int("candidates", res.Candidates).
			Int("expired", res.Expired).
			Int("failed", res.Failed).
			Msg("Expiry sweep completed")
	}
	return res, nil
}

// expireOne expires a single escalation if it is still pending and overdue.
// Returns nil when another writer already resolved it.
func (s *EscalationService) expireOne(ctx context.Context, id string, now time.Time) (*repository.EscalationRequest, *EnforcementResult, error) {
	var (
		expired *repository.EscalationRequest
		enf     *EnforcementResult
	)
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		expired, enf = nil, nil
		e, err := tx.LockEscalation(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != repository.EscalationPending || !now.After(e.ExpiresAt) {
			return nil
		}
		applied, r, err := s.expireLocked(ctx, tx, e, now)
		if err != nil {
			return err
		}
		if applied {
			expired, enf = e, r
		}
		return nil
	})
	return expired, enf, err
}

func (s *EscalationService) expireLocked(
	ctx context.Context,
	tx repository.Tx,
	e *repository.EscalationRequest,
	now time.Time,
) (bool, *EnforcementResult, error) {
	note := fmt.Sprintf("expired at %s without a final decision; auto-rejection applied",
		e.ExpiresAt.UTC().Format(time.RFC3339))
	ok, err := tx.TransitionEscalation(ctx, e.ID, repository.EscalationExpired, note, now)
	if err != nil || !ok {
		return false, nil, err
	}
	e.Status = repository.EscalationExpired
	e.FinalOutcome = &note
	e.FinalDecisionAt = timePtr(now)
	e.UpdatedAt = now

	entry := statusChange(string(repository.EscalationPending), string(repository.EscalationExpired)).apply(
		auditEntry(repository.EntityEscalation, e.ID, "expired", "system", now,
			map[string]any{"expires_at": e.ExpiresAt.UTC().Format(time.RFC3339)}))
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return false, nil, err
	}

	enf, err := s.enforcer.Enforce(ctx, tx, e, repository.EscalationExpired)
	if err != nil {
		return false, nil, err
	}
	return true, enf, nil
}

// afterTerminal logs and notifies once a terminal transition has committed.
func (s *EscalationService) afterTerminal(ctx context.Context, e *repository.EscalationRequest, enf *EnforcementResult) {
	s.log.Info().
		Str("escalation_id", e.ID).
		Str("status", string(e.Status)).
		Msg("Escalation resolved")

	event := EventEscalationApproved
	switch e.Status {
	case repository.EscalationRejected:
		event = EventEscalationRejected
	case repository.EscalationExpired:
		event = EventEscalationExpired
	}
	payload := map[string]any{
		"status": string(e.Status),
		"amount": e.AmountRequested,
	}
	if e.FinalOutcome != nil {
		payload["final_outcome"] = *e.FinalOutcome
	}
	s.notifier.Notify(ctx, Notification{
		EventType:    event,
		UserID:       e.CreatedBy,
		ActorID:      "system",
		ResourceType: repository.EntityEscalation,
		ResourceID:   e.ID,
		Payload:      payload,
	})

	if enf != nil && enf.Created {
		s.enforcer.notifyDeduction(ctx, enf.Deduction)
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns an escalation, expiring it first when it is overdue.
func (s *EscalationService) Get(ctx context.Context, id string) (*repository.EscalationRequest, error) {
	e, err := s.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if e.Status != repository.EscalationPending || !now.After(e.ExpiresAt) {
		return e, nil
	}

	expired, enf, err := s.expireOne(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if expired != nil {
		s.afterTerminal(ctx, expired, enf)
	}
	return s.store.GetEscalation(ctx, id)
}

// Decisions returns the approval ledger for an escalation, oldest first.
func (s *EscalationService) Decisions(ctx context.Context, id string) ([]*repository.ApprovalDecision, error) {
	if _, err := s.store.GetEscalation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDecisions(ctx, id)
}

// AuditTrail returns every recorded mutation of an escalation.
func (s *EscalationService) AuditTrail(ctx context.Context, id string) ([]*repository.AuditEntry, error) {
	if _, err := s.store.GetEscalation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, repository.EntityEscalation, id)
}

// PendingEscalation is an escalation awaiting a given role.
type PendingEscalation struct {
	Escalation         *repository.EscalationRequest
	RemainingApprovals threshold.RoleSet
}

// PendingForRole lists pending escalations that still need an approval from
// role, most urgent first. Overdue escalations are expired on the way.
func (s *EscalationService) PendingForRole(ctx context.Context, role threshold.Role, limit int) ([]*PendingEscalation, error) {
	if _, ok := threshold.ParseRole(string(role)); !ok {
		return nil, errors.InvalidInput("role", fmt.Sprintf("unknown approver role %q", role))
	}

	list, err := s.store.ListEscalations(ctx, repository.EscalationFilter{
		Statuses:     []repository.EscalationStatus{repository.EscalationPending},
		RequiredRole: role,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	out := make([]*PendingEscalation, 0, len(list))
	for _, e := range list {
		if now.After(e.ExpiresAt) {
			expired, enf, err := s.expireOne(ctx, e.ID, now)
			if err != nil {
				s.log.Warn().Err(err).Str("escalation_id", e.ID).Msg("Lazy expiry failed")
			} else if expired != nil {
				s.afterTerminal(ctx, expired, enf)
			}
			continue
		}

		decisions, err := s.store.ListDecisions(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		q := EvaluateQuorum(e.RequiredApprovers, decisions)
		if !q.RemainingApprovals.Contains(role) {
			continue
		}
		out = append(out, &PendingEscalation{Escalation: e, RemainingApprovals: q.RemainingApprovals})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Escalation, out[j].Escalation
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.ExpiresAt.Before(b.ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
