package repository

import (
	"time"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// ── Escalations ──────────────────────────────────────────────────────────────

// EscalationStatus is the lifecycle state of an EscalationRequest.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending_approval"
	EscalationApproved EscalationStatus = "approved"
	EscalationRejected EscalationStatus = "rejected"
	EscalationExpired  EscalationStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s EscalationStatus) Terminal() bool {
	return s == EscalationApproved || s == EscalationRejected || s == EscalationExpired
}

// Priority ranks escalations for approvers.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

// EscalationRequest is one over-threshold spend awaiting sign-off.
// RequiredApprovers is fixed at creation and never re-derived.
type EscalationRequest struct {
	ID                    string
	AmountRequested       int64
	ThresholdLimit        int64
	OverageAmount         int64
	CostCategory          string
	Priority              Priority
	BusinessJustification string
	RequestOrigin         string
	RequiredApprovers     threshold.RoleSet
	AdvisoryApprovers     threshold.RoleSet
	Status                EscalationStatus
	ExpiresAt             time.Time
	FinalOutcome          *string
	FinalDecisionAt       *time.Time
	CreatedBy             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// EligibleRole reports whether role may record a decision at all.
func (e *EscalationRequest) EligibleRole(role threshold.Role) bool {
	return e.RequiredApprovers.Contains(role) || e.AdvisoryApprovers.Contains(role)
}

// EscalationFilter selects escalations for listing and projections.
type EscalationFilter struct {
	Statuses      []EscalationStatus
	RequiredRole  threshold.Role
	Category      string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
	ExpiresBefore *time.Time
	Limit         int
}

// ── Approval ledger ──────────────────────────────────────────────────────────

// Vote is an approver's decision.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
)

// ApprovalDecision is one approver's vote. Append-only: never updated or deleted.
type ApprovalDecision struct {
	ID             string
	EscalationID   string
	ApproverID     string
	ApproverRole   threshold.Role
	Decision       Vote
	Reason         string
	AdjustedAmount *int64
	Justification  string
	RequestOrigin  string
	DecidedAt      time.Time
}

// DecisionFilter selects decisions for projections.
type DecisionFilter struct {
	ApproverID  string
	DecidedFrom *time.Time
	DecidedTo   *time.Time
}

// ── Salary deductions ────────────────────────────────────────────────────────

// DeductionReason explains why a deduction exists.
type DeductionReason string

const (
	DeductionUnauthorizedPayment DeductionReason = "unauthorized_payment"
	DeductionRejectedEscalation  DeductionReason = "rejected_escalation"
	DeductionExpiredEscalation   DeductionReason = "expired_escalation"
)

// DeductionStatus is the lifecycle state of a SalaryDeduction.
type DeductionStatus string

const (
	DeductionPending   DeductionStatus = "pending"
	DeductionProcessed DeductionStatus = "processed"
	DeductionCancelled DeductionStatus = "cancelled"
)

// SalaryDeduction is a payroll adjustment against a user. At most one exists
// per escalation.
type SalaryDeduction struct {
	ID            string
	UserID        string
	Amount        int64
	Reason        DeductionReason
	Description   string
	Status        DeductionStatus
	DeductionDate time.Time
	ProcessedAt   *time.Time
	EscalationID  *string
	ViolationID   *string
	CancelReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeductionFilter selects deductions for projections.
type DeductionFilter struct {
	UserID      string
	Statuses    []DeductionStatus
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// EnforcementJob is a queued consequence evaluation that could not complete
// inside the terminal transition (for example the payroll calendar was down).
type EnforcementJob struct {
	EscalationID  string
	Outcome       EscalationStatus
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ── Money-out compliance ─────────────────────────────────────────────────────

// ComplianceStatus is the lifecycle state of a MoneyOutCompliance record.
type ComplianceStatus string

const (
	ComplianceReady  ComplianceStatus = "ready"
	ComplianceLocked ComplianceStatus = "locked"
	CompliancePaid   ComplianceStatus = "paid"
)

// ComplianceFlag names one of the three verification signals.
type ComplianceFlag string

const (
	FlagPaymentVerified     ComplianceFlag = "payment_verified"
	FlagOTPSubmitted        ComplianceFlag = "otp_submitted"
	FlagFridayPhotoApproved ComplianceFlag = "friday_photo_approved"
)

// AllComplianceFlags lists the flags in canonical order.
var AllComplianceFlags = []ComplianceFlag{FlagPaymentVerified, FlagOTPSubmitted, FlagFridayPhotoApproved}

// MoneyOutCompliance gates the release of a payout tied to an order.
type MoneyOutCompliance struct {
	ID                  string
	OrderID             string
	DeliveryAgentID     string
	Amount              int64
	PaymentVerified     bool
	OTPSubmitted        bool
	FridayPhotoApproved bool
	Status              ComplianceStatus
	ProofOfPayment      *string
	LockedAt            *time.Time
	PaidBy              *string
	PaidAt              *time.Time
	Version             int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Flag returns the value of a verification flag.
func (m *MoneyOutCompliance) Flag(f ComplianceFlag) bool {
	switch f {
	case FlagPaymentVerified:
		return m.PaymentVerified
	case FlagOTPSubmitted:
		return m.OTPSubmitted
	case FlagFridayPhotoApproved:
		return m.FridayPhotoApproved
	}
	return false
}

// SetFlag assigns a verification flag.
func (m *MoneyOutCompliance) SetFlag(f ComplianceFlag, v bool) {
	switch f {
	case FlagPaymentVerified:
		m.PaymentVerified = v
	case FlagOTPSubmitted:
		m.OTPSubmitted = v
	case FlagFridayPhotoApproved:
		m.FridayPhotoApproved = v
	}
}

// MissingFlags lists flags that are still false.
func (m *MoneyOutCompliance) MissingFlags() []ComplianceFlag {
	var missing []ComplianceFlag
	for _, f := range AllComplianceFlags {
		if !m.Flag(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// ComplianceFilter selects compliance records.
type ComplianceFilter struct {
	Statuses    []ComplianceStatus
	AllFlagsSet bool
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
}

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditEntry is one immutable record of a mutation.
type AuditEntry struct {
	ID         string
	EntityType string // escalation | decision | deduction | compliance
	EntityID   string
	Action     string
	Field      *string
	OldValue   *string
	NewValue   *string
	Actor      string
	CreatedAt  time.Time
	Metadata   map[string]any
}

const (
	EntityEscalation = "escalation"
	EntityDecision   = "decision"
	EntityDeduction  = "deduction"
	EntityCompliance = "compliance"
)
