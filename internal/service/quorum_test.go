package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

func vote(approver string, role threshold.Role, v repository.Vote) *repository.ApprovalDecision {
	return &repository.ApprovalDecision{ApproverID: approver, ApproverRole: role, Decision: v, Reason: "r"}
}

func TestEvaluateQuorum(t *testing.T) {
	fc, gm, ceo := threshold.RoleFinanceController, threshold.RoleGeneralManager, threshold.RoleCEO
	both := threshold.RoleSet{fc, gm}

	tests := []struct {
		name      string
		required  threshold.RoleSet
		decisions []*repository.ApprovalDecision
		outcome   repository.EscalationStatus
		remaining threshold.RoleSet
		veto      string
	}{
		{
			name:      "no decisions",
			required:  both,
			outcome:   repository.EscalationPending,
			remaining: threshold.RoleSet{fc, gm},
		},
		{
			name:      "one of two approved",
			required:  both,
			decisions: []*repository.ApprovalDecision{vote("a", fc, repository.VoteApprove)},
			outcome:   repository.EscalationPending,
			remaining: threshold.RoleSet{gm},
		},
		{
			name:     "all approved",
			required: both,
			decisions: []*repository.ApprovalDecision{
				vote("a", fc, repository.VoteApprove),
				vote("b", gm, repository.VoteApprove),
			},
			outcome:   repository.EscalationApproved,
			remaining: threshold.RoleSet{},
		},
		{
			name:     "single veto after approval",
			required: both,
			decisions: []*repository.ApprovalDecision{
				vote("a", fc, repository.VoteApprove),
				vote("b", gm, repository.VoteReject),
			},
			outcome:   repository.EscalationRejected,
			remaining: threshold.RoleSet{},
			veto:      "b",
		},
		{
			name:     "first reject vetoes",
			required: both,
			decisions: []*repository.ApprovalDecision{
				vote("a", fc, repository.VoteReject),
				vote("b", gm, repository.VoteReject),
			},
			outcome:   repository.EscalationRejected,
			remaining: threshold.RoleSet{},
			veto:      "a",
		},
		{
			name:     "advisory reject ignored",
			required: threshold.RoleSet{ceo},
			decisions: []*repository.ApprovalDecision{
				vote("a", fc, repository.VoteReject),
				vote("b", ceo, repository.VoteApprove),
			},
			outcome:   repository.EscalationApproved,
			remaining: threshold.RoleSet{},
		},
		{
			name:     "second approver of same role counts once",
			required: both,
			decisions: []*repository.ApprovalDecision{
				vote("a", fc, repository.VoteApprove),
				vote("c", fc, repository.VoteApprove),
			},
			outcome:   repository.EscalationPending,
			remaining: threshold.RoleSet{gm},
		},
		{
			name:      "empty required never approves",
			required:  threshold.RoleSet{},
			decisions: []*repository.ApprovalDecision{vote("a", fc, repository.VoteApprove)},
			outcome:   repository.EscalationPending,
			remaining: threshold.RoleSet{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := EvaluateQuorum(tt.required, tt.decisions)
			assert.Equal(t, tt.outcome, q.Outcome)
			assert.Equal(t, tt.remaining, q.RemainingApprovals)
			if tt.veto == "" {
				assert.Nil(t, q.Veto)
			} else if assert.NotNil(t, q.Veto) {
				assert.Equal(t, tt.veto, q.Veto.ApproverID)
			}
		})
	}
}
