package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// DeductionConfig controls who may move a deduction out of pending.
type DeductionConfig struct {
	// CancelRoles may reverse a deduction. Defaults to fc and ceo.
	CancelRoles threshold.RoleSet
	// ProcessActors are the payroll identities allowed to mark deductions
	// processed. Defaults to "payroll" and "system".
	ProcessActors []string
}

// DeductionService moves salary deductions through pending → processed |
// cancelled. Both targets are terminal. Nobody may move their own deduction.
type DeductionService struct {
	store    repository.Store
	identity IdentityClientInterface
	notifier Notifier
	clock    clockwork.Clock
	cfg      DeductionConfig
	log      *logger.Logger
}

// NewDeductionService creates a new DeductionService. Without an identity
// client no deduction can be cancelled.
func NewDeductionService(
	store repository.Store,
	identity IdentityClientInterface,
	notifier Notifier,
	clock clockwork.Clock,
	cfg DeductionConfig,
	log *logger.Logger,
) *DeductionService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if len(cfg.CancelRoles) == 0 {
		cfg.CancelRoles = threshold.NewRoleSet(threshold.RoleFinanceController, threshold.RoleCEO)
	}
	if len(cfg.ProcessActors) == 0 {
		cfg.ProcessActors = []string{"payroll", "system"}
	}
	return &DeductionService{
		store:    store,
		identity: identity,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		log:      log.Component("deductions"),
	}
}

// Get returns a deduction by ID.
func (s *DeductionService) Get(ctx context.Context, id string) (*repository.SalaryDeduction, error) {
	return s.store.GetDeduction(ctx, id)
}

// ForEscalation returns the deduction created for an escalation.
func (s *DeductionService) ForEscalation(ctx context.Context, escalationID string) (*repository.SalaryDeduction, error) {
	d, err := s.store.GetDeductionByEscalation(ctx, escalationID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.NotFound("deduction", escalationID)
	}
	return d, nil
}

// List returns deductions matching filter.
func (s *DeductionService) List(ctx context.Context, filter repository.DeductionFilter) ([]*repository.SalaryDeduction, error) {
	return s.store.ListDeductions(ctx, filter)
}

// MarkProcessed records that a payroll run applied the deduction. Repeating
// the call on a processed deduction returns it unchanged.
// Only the configured payroll actors may do this.
func (s *DeductionService) MarkProcessed(ctx context.Context, id, actor string) (*repository.SalaryDeduction, error) {
	if actor != "" && !slices.Contains(s.cfg.ProcessActors, actor) {
		return nil, errors.Unauthorized(fmt.Sprintf("%s may not mark deductions processed", actor)).
			WithDetail("allowed_actors", s.cfg.ProcessActors)
	}
	d, _, err := s.transition(ctx, id, actor, repository.DeductionProcessed, "")
	return d, err
}

// Cancel reverses a pending deduction. A reason is required and the actor
// must hold one of the configured reversal roles.
func (s *DeductionService) Cancel(ctx context.Context, id, actor, reason string) (*repository.SalaryDeduction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "cancellation reason is required")
	}
	if actor != "" {
		if err := s.authorizeReversal(ctx, actor); err != nil {
			return nil, err
		}
	}
	d, changed, err := s.transition(ctx, id, actor, repository.DeductionCancelled, reason)
	if err != nil || !changed {
		return d, err
	}
	s.notifier.Notify(ctx, Notification{
		EventType:    EventDeductionCancelled,
		UserID:       d.UserID,
		ActorID:      actor,
		ResourceType: repository.EntityDeduction,
		ResourceID:   d.ID,
		Payload:      map[string]any{"amount": d.Amount, "reason": reason},
	})
	return d, nil
}

func (s *DeductionService) authorizeReversal(ctx context.Context, actor string) error {
	if s.identity == nil {
		return errors.Unauthorized("deduction reversals require an identity service")
	}
	names, err := s.identity.GetUserRoles(ctx, actor)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve actor roles")
	}
	for _, n := range names {
		if r, ok := threshold.ParseRole(strings.ToLower(n)); ok && s.cfg.CancelRoles.Contains(r) {
			return nil
		}
	}
	return errors.Unauthorized(fmt.Sprintf("user %s may not reverse deductions", actor)).
		WithDetail("required_roles", s.cfg.CancelRoles.Strings())
}

func (s *DeductionService) transition(
	ctx context.Context,
	id, actor string,
	to repository.DeductionStatus,
	reason string,
) (*repository.SalaryDeduction, bool, error) {
	if actor == "" {
		return nil, false, errors.InvalidInput("actor", "actor is required")
	}

	var out *repository.SalaryDeduction
	changed := false
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		changed = false
		d, err := tx.GetDeduction(ctx, id)
		if err != nil {
			return err
		}
		if d.UserID == actor {
			return errors.Unauthorized(fmt.Sprintf("user %s may not change their own deduction", actor))
		}
		if d.Status == to {
			out = d
			return nil
		}
		if d.Status != repository.DeductionPending {
			return errors.InvalidState(fmt.Sprintf("deduction %s is %s and can no longer change", id, d.Status)).
				WithDetail("status", string(d.Status))
		}

		now := s.clock.Now().UTC()
		d.Status = to
		d.UpdatedAt = now
		if to == repository.DeductionProcessed {
			d.ProcessedAt = timePtr(now)
		} else {
			d.CancelReason = &reason
		}

		ok, err := tx.UpdateDeductionStatus(ctx, d, repository.DeductionPending)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Newf(errors.ErrCodeConflict, "deduction %s changed concurrently", id)
		}

		meta := map[string]any{}
		if reason != "" {
			meta["reason"] = reason
		}
		entry := statusChange(string(repository.DeductionPending), string(to)).apply(
			auditEntry(repository.EntityDeduction, d.ID, string(to), actor, now, meta))
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		out = d
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return out, false, nil
	}

	s.log.Info().
		Str("deduction_id", out.ID).
		Str("status", string(out.Status)).
		Str("actor", actor).
		Msg("Deduction updated")
	return out, true, nil
}

// AuditTrail returns every recorded mutation of a deduction.
func (s *DeductionService) AuditTrail(ctx context.Context, id string) ([]*repository.AuditEntry, error) {
	if _, err := s.store.GetDeduction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, repository.EntityDeduction, id)
}
