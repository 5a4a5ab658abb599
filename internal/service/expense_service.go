package service

import (
	"context"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// ExpenseInput is an expense submitted for validation.
type ExpenseInput struct {
	Amount                int64
	Category              string
	RequesterID           string
	BusinessJustification string
	RequestOrigin         string
}

// ExpenseResult is the validator decision plus the escalation opened for it,
// if any.
type ExpenseResult struct {
	Decision   threshold.Decision
	Escalation *repository.EscalationRequest
}

// ExpenseService is the entry point for spend requests.
type ExpenseService struct {
	validator   *threshold.Validator
	escalations *EscalationService
	log         *logger.Logger
}

// NewExpenseService creates a new ExpenseService.
func NewExpenseService(validator *threshold.Validator, escalations *EscalationService, log *logger.Logger) *ExpenseService {
	return &ExpenseService{validator: validator, escalations: escalations, log: log.Component("expenses")}
}

// ValidateExpense classifies the expense and, when it needs sign-off, opens
// the escalation in the same call.
func (s *ExpenseService) ValidateExpense(ctx context.Context, in ExpenseInput) (*ExpenseResult, error) {
	d, err := s.validator.Validate(in.Amount, in.Category, threshold.RequesterContext{UserID: in.RequesterID})
	if err != nil {
		return nil, err
	}

	res := &ExpenseResult{Decision: d}
	switch d.Outcome {
	case threshold.OutcomeEscalationRequired:
		e, err := s.escalations.createFromDecision(ctx, d, CreateEscalationInput{
			Amount:                in.Amount,
			Category:              in.Category,
			BusinessJustification: in.BusinessJustification,
			RequestOrigin:         in.RequestOrigin,
			CreatedBy:             in.RequesterID,
		})
		if err != nil {
			return nil, err
		}
		res.Escalation = e
	case threshold.OutcomeBlocked:
		s.log.Warn().
			Str("requester_id", in.RequesterID).
			Str("category", in.Category).
			Int64("amount", in.Amount).
			Str("reason", d.Reason).
			Msg("Expense blocked")
	default:
		s.log.Debug().
			Str("requester_id", in.RequesterID).
			Str("category", in.Category).
			Int64("amount", in.Amount).
			Msg("Expense auto-approved")
	}
	return res, nil
}
