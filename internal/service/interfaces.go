package service

import (
	"context"
	"time"
)

// IdentityClientInterface resolves user information from the identity service.
type IdentityClientInterface interface {
	// GetUserRoles returns the approver roles a user currently holds.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// PayrollCalendar schedules salary deductions.
type PayrollCalendar interface {
	// NextDeductionCycle returns the first payroll cycle boundary after from.
	NextDeductionCycle(ctx context.Context, from time.Time) (time.Time, error)
}

// ArtifactStore keeps proof-of-payment files.
type ArtifactStore interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Exists(ctx context.Context, ref string) (bool, error)
	// Get returns nil when ref is unknown.
	Get(ctx context.Context, ref string) (*Artifact, error)
}

// Artifact is a stored proof-of-payment file.
type Artifact struct {
	Ref         string
	ContentType string
	Size        int64
	Data        []byte
	CreatedAt   time.Time
}

// Notifier is the fire-and-forget notification sink. Implementations log
// failures and never return them.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Notification is one outbound event. Recipients are addressed by user,
// by role, or both.
type Notification struct {
	EventType    string
	UserID       string
	Roles        []string
	ActorID      string
	ResourceType string
	ResourceID   string
	Payload      map[string]any
}

// Event types published by the engine.
const (
	EventEscalationCreated  = "escalation_created"
	EventEscalationApproved = "escalation_approved"
	EventEscalationRejected = "escalation_rejected"
	EventEscalationExpired  = "escalation_expired"
	EventDeductionCreated   = "deduction_created"
	EventDeductionCancelled = "deduction_cancelled"
	EventComplianceLocked   = "compliance_locked"
	EventCompliancePaid     = "compliance_paid"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}
