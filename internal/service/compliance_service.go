package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
)

// ComplianceConfig holds compliance lock tunables.
type ComplianceConfig struct {
	AutoLockBatchSize int
	MaxProofBytes     int64
}

// ComplianceService gates payouts: ready → locked (all three flags) →
// paid (proof attached). Every flag flip and transition is audited.
type ComplianceService struct {
	store     repository.Store
	artifacts ArtifactStore
	notifier  Notifier
	clock     clockwork.Clock
	cfg       ComplianceConfig
	log       *logger.Logger
}

// NewComplianceService creates a new ComplianceService.
func NewComplianceService(
	store repository.Store,
	artifacts ArtifactStore,
	notifier Notifier,
	clock clockwork.Clock,
	cfg ComplianceConfig,
	log *logger.Logger,
) *ComplianceService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.AutoLockBatchSize <= 0 {
		cfg.AutoLockBatchSize = 500
	}
	if cfg.MaxProofBytes <= 0 {
		cfg.MaxProofBytes = 10 << 20
	}
	return &ComplianceService{
		store:     store,
		artifacts: artifacts,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg,
		log:       log.Component("compliance_lock"),
	}
}

// CreateComplianceInput opens a compliance record for an order payout.
type CreateComplianceInput struct {
	OrderID         string
	DeliveryAgentID string
	Amount          int64
	Actor           string
}

// Create opens a compliance record in the ready state with every flag false.
func (s *ComplianceService) Create(ctx context.Context, in CreateComplianceInput) (*repository.MoneyOutCompliance, error) {
	switch {
	case strings.TrimSpace(in.OrderID) == "":
		return nil, errors.InvalidInput("order_id", "order id is required")
	case strings.TrimSpace(in.DeliveryAgentID) == "":
		return nil, errors.InvalidInput("delivery_agent_id", "delivery agent id is required")
	case in.Amount <= 0:
		return nil, errors.InvalidInput("amount", "amount must be positive")
	case in.Actor == "":
		return nil, errors.InvalidInput("actor", "actor is required")
	}

	now := s.clock.Now().UTC()
	m := &repository.MoneyOutCompliance{
		ID:              uuid.NewString(),
		OrderID:         strings.TrimSpace(in.OrderID),
		DeliveryAgentID: strings.TrimSpace(in.DeliveryAgentID),
		Amount:          in.Amount,
		Status:          repository.ComplianceReady,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.CreateCompliance(ctx, m); err != nil {
			return err
		}
		entry := statusChange("", string(m.Status)).apply(auditEntry(repository.EntityCompliance, m.ID, "created", in.Actor, now,
			map[string]any{"order_id": m.OrderID, "amount": m.Amount}))
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("compliance_id", m.ID).
		Str("order_id", m.OrderID).
		Int64("amount", m.Amount).
		Msg("Compliance record created")
	return m, nil
}

// Get returns a compliance record by ID.
func (s *ComplianceService) Get(ctx context.Context, id string) (*repository.MoneyOutCompliance, error) {
	return s.store.GetCompliance(ctx, id)
}

// List returns compliance records matching filter.
func (s *ComplianceService) List(ctx context.Context, filter repository.ComplianceFilter) ([]*repository.MoneyOutCompliance, error) {
	return s.store.ListCompliance(ctx, filter)
}

// ParseFlag validates a verification flag name.
func ParseFlag(name string) (repository.ComplianceFlag, error) {
	for _, f := range repository.AllComplianceFlags {
		if string(f) == name {
			return f, nil
		}
	}
	return "", errors.InvalidInput("flag", fmt.Sprintf("unknown compliance flag %q", name)).
		WithDetail("allowed", repository.AllComplianceFlags)
}

// SetFlag records a verification signal. Flags are frozen once the record
// leaves ready. Setting a flag to its current value is a no-op.
func (s *ComplianceService) SetFlag(
	ctx context.Context,
	id string,
	flag repository.ComplianceFlag,
	value bool,
	actor string,
) (*repository.MoneyOutCompliance, error) {
	if _, err := ParseFlag(string(flag)); err != nil {
		return nil, err
	}
	if actor == "" {
		return nil, errors.InvalidInput("actor", "actor is required")
	}

	var out *repository.MoneyOutCompliance
	changed := false
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		changed = false
		m, err := tx.LockCompliance(ctx, id)
		if err != nil {
			return err
		}
		old := m.Flag(flag)
		if old == value {
			out = m
			return nil
		}
		if m.Status != repository.ComplianceReady {
			return errors.InvalidState(fmt.Sprintf("compliance record %s is %s; verification flags can no longer change", id, m.Status)).
				WithDetail("status", string(m.Status))
		}

		now := s.clock.Now().UTC()
		m.SetFlag(flag, value)
		m.UpdatedAt = now
		if err := s.update(ctx, tx, m); err != nil {
			return err
		}
		entry := boolChange(string(flag), old, value).apply(auditEntry(repository.EntityCompliance, m.ID, "flag_set", actor, now, nil))
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		out, changed = m, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.log.Info().
			Str("compliance_id", id).
			Str("flag", string(flag)).
			Bool("value", value).
			Str("actor", actor).
			Msg("Compliance flag updated")
	}
	return out, nil
}

// Lock moves a ready record to locked. Fails with PreconditionFailed naming
// the missing flags. Locking an already locked or paid record returns it
// unchanged.
func (s *ComplianceService) Lock(ctx context.Context, id, actor string) (*repository.MoneyOutCompliance, error) {
	if actor == "" {
		return nil, errors.InvalidInput("actor", "actor is required")
	}
	m, locked, err := s.lockOne(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if locked {
		s.afterLock(ctx, m, actor)
	}
	return m, nil
}

func (s *ComplianceService) lockOne(ctx context.Context, id, actor string) (*repository.MoneyOutCompliance, bool, error) {
	var out *repository.MoneyOutCompliance
	locked := false
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		locked = false
		m, err := tx.LockCompliance(ctx, id)
		if err != nil {
			return err
		}
		if m.Status != repository.ComplianceReady {
			out = m
			return nil
		}
		if missing := m.MissingFlags(); len(missing) > 0 {
			return errors.PreconditionFailed(fmt.Sprintf("cannot lock compliance record %s: missing verification flags: %s",
				id, joinFlags(missing))).
				WithDetail("missing_flags", missing)
		}

		now := s.clock.Now().UTC()
		m.Status = repository.ComplianceLocked
		m.LockedAt = timePtr(now)
		m.UpdatedAt = now
		if err := s.update(ctx, tx, m); err != nil {
			return err
		}
		entry := statusChange(string(repository.ComplianceReady), string(repository.ComplianceLocked)).apply(
			auditEntry(repository.EntityCompliance, m.ID, "locked", actor, now, nil))
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		out, locked = m, true
		return nil
	})
	return out, locked, err
}

func (s *ComplianceService) afterLock(ctx context.Context, m *repository.MoneyOutCompliance, actor string) {
	s.log.Info().
		Str("compliance_id", m.ID).
		Str("order_id", m.OrderID).
		Int64("amount", m.Amount).
		Str("actor", actor).
		Msg("Compliance record locked")
	s.notifier.Notify(ctx, Notification{
		EventType:    EventComplianceLocked,
		UserID:       m.DeliveryAgentID,
		ActorID:      actor,
		ResourceType: repository.EntityCompliance,
		ResourceID:   m.ID,
		Payload:      map[string]any{"order_id": m.OrderID, "amount": m.Amount},
	})
}

// AutoLockFailure describes one record the sweep could not lock.
type AutoLockFailure struct {
	ComplianceID string `json:"compliance_id"`
	Error        string `json:"error"`
}

// AutoLockResult reports partial success of a sweep explicitly.
type AutoLockResult struct {
	Candidates  int               `json:"candidates"`
	Locked      int               `json:"locked_count"`
	TotalAmount int64             `json:"total_amount"`
	LockedIDs   []string          `json:"locked_ids"`
	Failures    []AutoLockFailure `json:"failures,omitempty"`
}

// AutoLock locks every ready record whose three flags are set. Each record
// is locked in its own transaction, so a failure leaves earlier locks intact.
func (s *ComplianceService) AutoLock(ctx context.Context, actor string) (*AutoLockResult, error) {
	if actor == "" {
		actor = "system"
	}
	candidates, err := s.store.ListCompliance(ctx, repository.ComplianceFilter{
		Statuses:    []repository.ComplianceStatus{repository.ComplianceReady},
		AllFlagsSet: true,
		Limit:       s.cfg.AutoLockBatchSize,
	})
	if err != nil {
		return nil, err
	}

	res := &AutoLockResult{Candidates: len(candidates), LockedIDs: make([]string, 0, len(candidates))}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m, locked, err := s.lockOne(ctx, c.ID, actor)
		if err != nil {
			res.Failures = append(res.Failures, AutoLockFailure{ComplianceID: c.ID, Error: err.Error()})
			s.log.Warn().Err(err).Str("compliance_id", c.ID).Msg("Auto-lock failed for record")
			continue
		}
		if !locked {
			continue
		}
		res.Locked++
		res.TotalAmount += m.Amount
		res.LockedIDs = append(res.LockedIDs, m.ID)
		s.afterLock(ctx, m, actor)
	}

	s.log.Info().
		Int("candidates", res.Candidates).
		Int("locked", res.Locked).
		Int64("total_amount", res.TotalAmount).
		Int("failed", len(res.Failures)).
		Msg("Compliance auto-lock completed")
	return res, nil
}

// ProofInput carries either raw proof bytes to store or a reference to an
// artifact that was already stored.
type ProofInput struct {
	Data        []byte
	ContentType string
	Ref         string
}

// AttachProof stores the proof of payment on a locked record.
func (s *ComplianceService) AttachProof(ctx context.Context, id string, proof ProofInput, actor string) (*repository.MoneyOutCompliance, error) {
	if actor == "" {
		return nil, errors.InvalidInput("actor", "actor is required")
	}
	ref, err := s.resolveProof(ctx, proof)
	if err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, errors.InvalidInput("proof", "proof data or an artifact reference is required")
	}

	var out *repository.MoneyOutCompliance
	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		m, err := tx.LockCompliance(ctx, id)
		if err != nil {
			return err
		}
		if m.Status != repository.ComplianceLocked {
			return errors.InvalidState(fmt.Sprintf("proof of payment can only be attached to a locked record; %s is %s", id, m.Status)).
				WithDetail("status", string(m.Status))
		}
		if err := s.attachLocked(ctx, tx, m, ref, actor); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ComplianceService) attachLocked(ctx context.Context, tx repository.Tx, m *repository.MoneyOutCompliance, ref, actor string) error {
	if m.ProofOfPayment != nil && *m.ProofOfPayment == ref {
		return nil
	}
	old := ""
	if m.ProofOfPayment != nil {
		old = *m.ProofOfPayment
	}

	now := s.clock.Now().UTC()
	m.ProofOfPayment = &ref
	m.UpdatedAt = now
	if err := s.update(ctx, tx, m); err != nil {
		return err
	}
	entry := fieldChange{field: "proof_of_payment", old: old, new: ref}.apply(
		auditEntry(repository.EntityCompliance, m.ID, "proof_attached", actor, now, nil))
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return err
	}

	s.log.Info().Str("compliance_id", m.ID).Str("proof_ref", ref).Msg("Proof of payment attached")
	return nil
}

// resolveProof stores raw bytes or verifies a reference. Runs outside any
// transaction because it talks to the artifact store.
func (s *ComplianceService) resolveProof(ctx context.Context, proof ProofInput) (string, error) {
	if len(proof.Data) > 0 {
		if s.artifacts == nil {
			return "", errors.Configuration("no artifact store is configured for proof uploads")
		}
		if int64(len(proof.Data)) > s.cfg.MaxProofBytes {
			return "", errors.InvalidInput("proof", fmt.Sprintf("proof exceeds the %d byte limit", s.cfg.MaxProofBytes))
		}
		ref, err := s.artifacts.Store(ctx, proof.Data, proof.ContentType)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to store proof of payment")
		}
		return ref, nil
	}

	ref := strings.TrimSpace(proof.Ref)
	if ref == "" || s.artifacts == nil {
		return ref, nil
	}
	ok, err := s.artifacts.Exists(ctx, ref)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to look up proof of payment")
	}
	if !ok {
		return "", errors.InvalidInput("proof_ref", fmt.Sprintf("artifact %q does not exist", ref))
	}
	return ref, nil
}

// MarkPaid releases the payout. It requires the locked state and an attached
// proof; proofRef, when given, is attached in the same transaction and must
// match any proof already on the record. Calling it on a paid record returns
// that record unchanged.
func (s *ComplianceService) MarkPaid(ctx context.Context, id, actor, proofRef string) (*repository.MoneyOutCompliance, error) {
	if actor == "" {
		return nil, errors.InvalidInput("actor", "actor is required")
	}
	ref, err := s.resolveProof(ctx, ProofInput{Ref: proofRef})
	if err != nil {
		return nil, err
	}

	var out *repository.MoneyOutCompliance
	paid := false
	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		paid = false
		m, err := tx.LockCompliance(ctx, id)
		if err != nil {
			return err
		}
		if ref != "" && m.ProofOfPayment != nil && *m.ProofOfPayment != ref {
			return errors.New(errors.ErrCodeConflict, fmt.Sprintf(
				"compliance record %s already carries proof %s", id, *m.ProofOfPayment)).
				WithDetail("proof_of_payment", *m.ProofOfPayment)
		}
		switch m.Status {
		case repository.CompliancePaid:
			out = m
			return nil
		case repository.ComplianceReady:
			msg := fmt.Sprintf("compliance record %s is ready, not locked", id)
			if missing := m.MissingFlags(); len(missing) > 0 {
				msg += "; missing verification flags: " + joinFlags(missing)
			}
			return errors.InvalidState(msg).
				WithDetail("status", string(m.Status)).
				WithDetail("missing_flags", m.MissingFlags())
		}

		if ref != "" && m.ProofOfPayment == nil {
			if err := s.attachLocked(ctx, tx, m, ref, actor); err != nil {
				return err
			}
		}
		if m.ProofOfPayment == nil {
			return errors.PreconditionFailed(fmt.Sprintf("compliance record %s has no proof of payment attached", id)).
				WithDetail("missing", "proof_of_payment")
		}

		now := s.clock.Now().UTC()
		m.Status = repository.CompliancePaid
		m.PaidBy = &actor
		m.PaidAt = timePtr(now)
		m.UpdatedAt = now
		if err := s.update(ctx, tx, m); err != nil {
			return err
		}
		entry := statusChange(string(repository.ComplianceLocked), string(repository.CompliancePaid)).apply(
			auditEntry(repository.EntityCompliance, m.ID, "paid", actor, now,
				map[string]any{"proof_of_payment": *m.ProofOfPayment}))
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		out, paid = m, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if paid {
		s.log.Info().
			Str("compliance_id", out.ID).
			Str("order_id", out.OrderID).
			Int64("amount", out.Amount).
			Str("paid_by", actor).
			Msg("Compliance record paid")
		s.notifier.Notify(ctx, Notification{
			EventType:    EventCompliancePaid,
			UserID:       out.DeliveryAgentID,
			ActorID:      actor,
			ResourceType: repository.EntityCompliance,
			ResourceID:   out.ID,
			Payload:      map[string]any{"order_id": out.OrderID, "amount": out.Amount},
		})
	}
	return out, nil
}

// Proof returns the proof-of-payment file attached to a record.
func (s *ComplianceService) Proof(ctx context.Context, id string) (*Artifact, error) {
	m, err := s.store.GetCompliance(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.ProofOfPayment == nil {
		return nil, errors.NotFound("proof_of_payment", id)
	}
	if s.artifacts == nil {
		return nil, errors.Configuration("no artifact store is configured")
	}
	a, err := s.artifacts.Get(ctx, *m.ProofOfPayment)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read proof of payment")
	}
	if a == nil {
		return nil, errors.NotFound("artifact", *m.ProofOfPayment)
	}
	return a, nil
}

// AuditTrail returns every recorded mutation of a compliance record.
func (s *ComplianceService) AuditTrail(ctx context.Context, id string) ([]*repository.AuditEntry, error) {
	if _, err := s.store.GetCompliance(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, repository.EntityCompliance, id)
}

// update writes m under its version check.
func (s *ComplianceService) update(ctx context.Context, tx repository.Tx, m *repository.MoneyOutCompliance) error {
	ok, err := tx.UpdateCompliance(ctx, m)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.ErrCodeConflict, "compliance record %s changed concurrently", m.ID)
	}
	return nil
}

func joinFlags(flags []repository.ComplianceFlag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}
