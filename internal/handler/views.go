package handler

import (
	"time"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/service"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// Response shapes shared by the HTTP and gRPC surfaces.

type escalationView struct {
	ID                    string     `json:"id"`
	AmountRequested       int64      `json:"amount_requested"`
	ThresholdLimit        int64      `json:"threshold_limit"`
	OverageAmount         int64      `json:"overage_amount"`
	CostCategory          string     `json:"cost_category"`
	Priority              string     `json:"priority"`
	BusinessJustification string     `json:"business_justification,omitempty"`
	RequestOrigin         string     `json:"request_origin,omitempty"`
	RequiredApprovers     []string   `json:"required_approvers"`
	AdvisoryApprovers     []string   `json:"advisory_approvers,omitempty"`
	Status                string     `json:"status"`
	ExpiresAt             time.Time  `json:"expires_at"`
	FinalOutcome          *string    `json:"final_outcome,omitempty"`
	FinalDecisionAt       *time.Time `json:"final_decision_at,omitempty"`
	CreatedBy             string     `json:"created_by"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func toEscalationView(e *repository.EscalationRequest) *escalationView {
	if e == nil {
		return nil
	}
	return &escalationView{
		ID:                    e.ID,
		AmountRequested:       e.AmountRequested,
		ThresholdLimit:        e.ThresholdLimit,
		OverageAmount:         e.OverageAmount,
		CostCategory:          e.CostCategory,
		Priority:              string(e.Priority),
		BusinessJustification: e.BusinessJustification,
		RequestOrigin:         e.RequestOrigin,
		RequiredApprovers:     e.RequiredApprovers.Strings(),
		AdvisoryApprovers:     e.AdvisoryApprovers.Strings(),
		Status:                string(e.Status),
		ExpiresAt:             e.ExpiresAt,
		FinalOutcome:          e.FinalOutcome,
		FinalDecisionAt:       e.FinalDecisionAt,
		CreatedBy:             e.CreatedBy,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
}

type decisionView struct {
	ID             string    `json:"id"`
	EscalationID   string    `json:"escalation_id"`
	ApproverID     string    `json:"approver_id"`
	ApproverRole   string    `json:"approver_role"`
	Decision       string    `json:"decision"`
	Reason         string    `json:"reason,omitempty"`
	AdjustedAmount *int64    `json:"adjusted_amount,omitempty"`
	Justification  string    `json:"justification,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

func toDecisionView(d *repository.ApprovalDecision) *decisionView {
	if d == nil {
		return nil
	}
	return &decisionView{
		ID:             d.ID,
		EscalationID:   d.EscalationID,
		ApproverID:     d.ApproverID,
		ApproverRole:   string(d.ApproverRole),
		Decision:       string(d.Decision),
		Reason:         d.Reason,
		AdjustedAmount: d.AdjustedAmount,
		Justification:  d.Justification,
		DecidedAt:      d.DecidedAt,
	}
}

type deductionView struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Amount        int64      `json:"amount"`
	Reason        string     `json:"reason"`
	Description   string     `json:"description,omitempty"`
	Status        string     `json:"status"`
	DeductionDate string     `json:"deduction_date"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	EscalationID  *string    `json:"escalation_id,omitempty"`
	ViolationID   *string    `json:"violation_id,omitempty"`
	CancelReason  *string    `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toDeductionView(d *repository.SalaryDeduction) *deductionView {
	if d == nil {
		return nil
	}
	return &deductionView{
		ID:            d.ID,
		UserID:        d.UserID,
		Amount:        d.Amount,
		Reason:        string(d.Reason),
		Description:   d.Description,
		Status:        string(d.Status),
		DeductionDate: d.DeductionDate.Format(time.DateOnly),
		ProcessedAt:   d.ProcessedAt,
		EscalationID:  d.EscalationID,
		ViolationID:   d.ViolationID,
		CancelReason:  d.CancelReason,
		CreatedAt:     d.CreatedAt,
	}
}

type complianceView struct {
	ID                  string     `json:"id"`
	OrderID             string     `json:"order_id"`
	DeliveryAgentID     string     `json:"delivery_agent_id"`
	Amount              int64      `json:"amount"`
	PaymentVerified     bool       `json:"payment_verified"`
	OTPSubmitted        bool       `json:"otp_submitted"`
	FridayPhotoApproved bool       `json:"friday_photo_approved"`
	Status              string     `json:"status"`
	ProofOfPayment      *string    `json:"proof_of_payment,omitempty"`
	LockedAt            *time.Time `json:"locked_at,omitempty"`
	PaidBy              *string    `json:"paid_by,omitempty"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func toComplianceView(c *repository.MoneyOutCompliance) *complianceView {
	if c == nil {
		return nil
	}
	return &complianceView{
		ID:                  c.ID,
		OrderID:             c.OrderID,
		DeliveryAgentID:     c.DeliveryAgentID,
		Amount:              c.Amount,
		PaymentVerified:     c.PaymentVerified,
		OTPSubmitted:        c.OTPSubmitted,
		FridayPhotoApproved: c.FridayPhotoApproved,
		Status:              string(c.Status),
		ProofOfPayment:      c.ProofOfPayment,
		LockedAt:            c.LockedAt,
		PaidBy:              c.PaidBy,
		PaidAt:              c.PaidAt,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

type auditView struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Field      *string        `json:"field,omitempty"`
	OldValue   *string        `json:"old_value,omitempty"`
	NewValue   *string        `json:"new_value,omitempty"`
	Actor      string         `json:"actor"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func toAuditViews(entries []*repository.AuditEntry) []*auditView {
	out := make([]*auditView, 0, len(entries))
	for _, a := range entries {
		out = append(out, &auditView{
			ID:         a.ID,
			EntityType: a.EntityType,
			EntityID:   a.EntityID,
			Action:     a.Action,
			Field:      a.Field,
			OldValue:   a.OldValue,
			NewValue:   a.NewValue,
			Actor:      a.Actor,
			CreatedAt:  a.CreatedAt,
			Metadata:   a.Metadata,
		})
	}
	return out
}

// expenseResponse answers validateExpense.
type expenseResponse struct {
	Decision   threshold.Decision `json:"decision"`
	Escalation *escalationView    `json:"escalation,omitempty"`
}

func toExpenseResponse(res *service.ExpenseResult) *expenseResponse {
	return &expenseResponse{Decision: res.Decision, Escalation: toEscalationView(res.Escalation)}
}

// decisionResponse answers submitApprovalDecision with the authoritative
// escalation state.
type decisionResponse struct {
	Escalation         *escalationView `json:"escalation"`
	Decision           *decisionView   `json:"decision"`
	Outcome            string          `json:"outcome"`
	Replayed           bool            `json:"replayed"`
	Counted            bool            `json:"counted"`
	RemainingApprovals []string        `json:"remaining_approvals"`
	Deduction          *deductionView  `json:"deduction,omitempty"`
	EnforcementQueued  bool            `json:"enforcement_queued,omitempty"`
}

func toDecisionResponse(res *service.DecisionResult) *decisionResponse {
	out := &decisionResponse{
		Escalation:         toEscalationView(res.Escalation),
		Decision:           toDecisionView(res.Decision),
		Replayed:           res.Replayed,
		Counted:            res.Counted,
		RemainingApprovals: res.RemainingApprovals.Strings(),
		Deduction:          toDeductionView(res.Deduction),
		EnforcementQueued:  res.EnforcementQueued,
	}
	if res.Escalation != nil {
		out.Outcome = string(res.Escalation.Status)
	}
	if out.RemainingApprovals == nil {
		out.RemainingApprovals = []string{}
	}
	return out
}

type pendingView struct {
	escalationView
	RemainingApprovals []string `json:"remaining_approvals"`
}

func toPendingViews(list []*service.PendingEscalation) []*pendingView {
	out := make([]*pendingView, 0, len(list))
	for _, p := range list {
		out = append(out, &pendingView{
			escalationView:     *toEscalationView(p.Escalation),
			RemainingApprovals: p.RemainingApprovals.Strings(),
		})
	}
	return out
}

func toDecisionViews(list []*repository.ApprovalDecision) []*decisionView {
	out := make([]*decisionView, 0, len(list))
	for _, d := range list {
		out = append(out, toDecisionView(d))
	}
	return out
}

func toDeductionViews(list []*repository.SalaryDeduction) []*deductionView {
	out := make([]*deductionView, 0, len(list))
	for _, d := range list {
		out = append(out, toDeductionView(d))
	}
	return out
}

func toComplianceViews(list []*repository.MoneyOutCompliance) []*complianceView {
	out := make([]*complianceView, 0, len(list))
	for _, c := range list {
		out = append(out, toComplianceView(c))
	}
	return out
}
