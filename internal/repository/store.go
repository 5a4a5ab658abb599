package repository

import (
	"context"
	"time"
)

// Tx is the persistence surface available inside (and outside) a
// transaction. Conditional writes report whether they applied so callers
// can treat a lost race as an idempotent no-op.
type Tx interface {
	CreateEscalation(ctx context.Context, e *EscalationRequest) error
	GetEscalation(ctx context.Context, id string) (*EscalationRequest, error)
	// LockEscalation reads the escalation and holds a row lock until the
	// transaction ends.
	LockEscalation(ctx context.Context, id string) (*EscalationRequest, error)
	// TransitionEscalation moves a pending escalation to a terminal status.
	// Returns false when the escalation was no longer pending.
	TransitionEscalation(ctx context.Context, id string, to EscalationStatus, outcome string, at time.Time) (bool, error)
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]*EscalationRequest, error)

	// AppendDecision records a vote. Returns false when the approver already
	// has a decision for the escalation.
	AppendDecision(ctx context.Context, d *ApprovalDecision) (bool, error)
	// GetDecision returns nil, nil when the approver has not decided.
	GetDecision(ctx context.Context, escalationID, approverID string) (*ApprovalDecision, error)
	ListDecisions(ctx context.Context, escalationID string) ([]*ApprovalDecision, error)
	ListDecisionsInRange(ctx context.Context, filter DecisionFilter) ([]*ApprovalDecision, error)

	// CreateDeduction inserts a deduction. Returns false when a deduction
	// already exists for the same escalation.
	CreateDeduction(ctx context.Context, d *SalaryDeduction) (bool, error)
	GetDeduction(ctx context.Context, id string) (*SalaryDeduction, error)
	// GetDeductionByEscalation returns nil, nil when none exists.
	GetDeductionByEscalation(ctx context.Context, escalationID string) (*SalaryDeduction, error)
	// UpdateDeductionStatus persists d's status fields if the stored status
	// still equals from.
	UpdateDeductionStatus(ctx context.Context, d *SalaryDeduction, from DeductionStatus) (bool, error)
	ListDeductions(ctx context.Context, filter DeductionFilter) ([]*SalaryDeduction, error)

	// EnqueueEnforcement queues a job; an existing job for the escalation is kept.
	EnqueueEnforcement(ctx context.Context, job *EnforcementJob) error
	ListDueEnforcements(ctx context.Context, now time.Time, limit int) ([]*EnforcementJob, error)
	RescheduleEnforcement(ctx context.Context, job *EnforcementJob) error
	DeleteEnforcement(ctx context.Context, escalationID string) error

	CreateCompliance(ctx context.Context, m *MoneyOutCompliance) error
	GetCompliance(ctx context.Context, id string) (*MoneyOutCompliance, error)
	// LockCompliance reads the record and holds a row lock until the
	// transaction ends.
	LockCompliance(ctx context.Context, id string) (*MoneyOutCompliance, error)
	// UpdateCompliance writes m if the stored version still equals m.Version,
	// then increments m.Version. Returns false on a version mismatch.
	UpdateCompliance(ctx context.Context, m *MoneyOutCompliance) (bool, error)
	ListCompliance(ctx context.Context, filter ComplianceFilter) ([]*MoneyOutCompliance, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error)
}

// Store is a Tx that can also open transactions. Calls made directly on the
// Store run in their own implicit transaction.
type Store interface {
	Tx
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
