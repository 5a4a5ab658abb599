package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

func TestValidateExpense(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.expenses.ValidateExpense(ctx, ExpenseInput{Amount: 8000, Category: "logistics", RequesterID: "u"})
	require.NoError(t, err)
	assert.Equal(t, threshold.OutcomeAutoApproved, res.Decision.Outcome)
	assert.Nil(t, res.Escalation)

	res, err = h.expenses.ValidateExpense(ctx, ExpenseInput{Amount: 150000, Category: "office_supplies", RequesterID: "u"})
	require.NoError(t, err)
	assert.Equal(t, threshold.OutcomeBlocked, res.Decision.Outcome)
	assert.Nil(t, res.Escalation)
	assert.NotEmpty(t, res.Decision.Reason)

	res, err = h.expenses.ValidateExpense(ctx, ExpenseInput{Amount: 20000, Category: "logistics", RequesterID: "u"})
	require.NoError(t, err)
	assert.Equal(t, threshold.OutcomeEscalationRequired, res.Decision.Outcome)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, "u", res.Escalation.CreatedBy)

	list, err := h.store.ListEscalations(ctx, repository.EscalationFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestValidateExpense_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.expenses.ValidateExpense(ctx, ExpenseInput{Amount: -5, Category: "logistics", RequesterID: "u"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.expenses.ValidateExpense(ctx, ExpenseInput{Amount: 50, Category: "unknown", RequesterID: "u"})
	assert.True(t, errors.Is(err, errors.ErrCodeConfiguration))

	_, err = h.expenses.ValidateExpense(ctx, ExpenseInput{Amount: 9000, Category: "marketing", RequesterID: "u"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	res, err := h.expenses.ValidateExpense(ctx, ExpenseInput{
		Amount:                9000,
		Category:              "marketing",
		RequesterID:           "u",
		BusinessJustification: "launch campaign",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, "launch campaign", res.Escalation.BusinessJustification)
}

func TestValidateExpense_CriticalCategoryPriority(t *testing.T) {
	h := newHarness(t)
	res, err := h.expenses.ValidateExpense(context.Background(), ExpenseInput{
		Amount:                500,
		Category:              "payroll_advance",
		RequesterID:           "u",
		BusinessJustification: "medical emergency",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, repository.PriorityCritical, res.Escalation.Priority)
	assert.Equal(t, threshold.RoleSet{threshold.RoleFinanceController}, res.Escalation.RequiredApprovers)
}
