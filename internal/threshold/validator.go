package threshold

import (
	"fmt"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
)

// Outcome is the classification of an expense.
type Outcome string

const (
	OutcomeAutoApproved       Outcome = "auto_approved"
	OutcomeEscalationRequired Outcome = "escalation_required"
	OutcomeBlocked            Outcome = "blocked"
)

// RequesterContext identifies who is spending.
type RequesterContext struct {
	UserID string
}

// Decision is the validator result. Tier fields are set only for
// OutcomeEscalationRequired; Reason only for OutcomeBlocked.
type Decision struct {
	Outcome        Outcome `json:"outcome"`
	Category       string  `json:"category"`
	Amount         int64   `json:"amount"`
	ThresholdLimit int64   `json:"threshold_limit"`
	Overage        int64   `json:"overage,omitempty"`
	RequiredRoles  RoleSet `json:"required_roles,omitempty"`
	AdvisoryRoles  RoleSet `json:"advisory_roles,omitempty"`
	Critical       bool    `json:"critical,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Validator classifies expenses against a Table. It has no side effects.
type Validator struct {
	table *Table
}

// NewValidator creates a Validator over an already-validated table.
func NewValidator(table *Table) *Validator {
	return &Validator{table: table}
}

// Category returns the policy for a category.
func (v *Validator) Category(name string) (Category, error) {
	c, ok := v.table.Categories[name]
	if !ok {
		return Category{}, errors.Configuration(fmt.Sprintf("unknown expense category %q", name)).
			WithDetail("known_categories", v.table.CategoryNames())
	}
	return c, nil
}

// Validate classifies amount for category.
func (v *Validator) Validate(amount int64, category string, requester RequesterContext) (Decision, error) {
	if amount <= 0 {
		return Decision{}, errors.InvalidInput("amount", "amount must be positive")
	}
	if requester.UserID == "" {
		return Decision{}, errors.InvalidInput("requester_id", "requester is required")
	}
	c, err := v.Category(category)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Category:       category,
		Amount:         amount,
		ThresholdLimit: c.AutoApproveLimit,
		Critical:       c.Critical,
	}

	switch {
	case c.Frozen:
		d.Outcome = OutcomeBlocked
		d.Reason = fmt.Sprintf("spending in category %s is frozen", category)
		return d, nil
	case c.MaxAmount > 0 && amount > c.MaxAmount:
		d.Outcome = OutcomeBlocked
		d.Reason = fmt.Sprintf("amount %d exceeds the %s hard cap of %d", amount, category, c.MaxAmount)
		return d, nil
	case amount <= c.AutoApproveLimit:
		d.Outcome = OutcomeAutoApproved
		return d, nil
	}

	ladder := v.table.ladderFor(c)
	var lower RoleSet
	for _, tier := range ladder {
		if tier.Covers(amount) {
			d.Outcome = OutcomeEscalationRequired
			d.Overage = amount - c.AutoApproveLimit
			d.RequiredRoles = NewRoleSet(tier.Roles...)
			d.AdvisoryRoles = NewRoleSet(lower...).Minus(d.RequiredRoles)
			return d, nil
		}
		lower = append(lower, tier.Roles...)
	}

	d.Outcome = OutcomeBlocked
	d.Reason = fmt.Sprintf("amount %d exceeds the highest approval tier for %s", amount, category)
	return d, nil
}
