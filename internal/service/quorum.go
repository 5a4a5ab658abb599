package service

import (
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// QuorumResult is the outcome of evaluating a decision set.
type QuorumResult struct {
	Outcome            repository.EscalationStatus
	RemainingApprovals threshold.RoleSet
	// Veto is the qualifying rejection when Outcome is rejected.
	Veto *repository.ApprovalDecision
}

// EvaluateQuorum applies single-veto / unanimous-approval over the required
// roles. Decisions by roles outside required are ignored.
func EvaluateQuorum(required threshold.RoleSet, decisions []*repository.ApprovalDecision) QuorumResult {
	approved := make(map[threshold.Role]bool, len(required))
	for _, d := range decisions {
		if !required.Contains(d.ApproverRole) {
			continue
		}
		switch d.Decision {
		case repository.VoteReject:
			return QuorumResult{
				Outcome:            repository.EscalationRejected,
				RemainingApprovals: threshold.RoleSet{},
				Veto:               d,
			}
		case repository.VoteApprove:
			approved[d.ApproverRole] = true
		}
	}

	remaining := make(threshold.RoleSet, 0, len(required))
	for _, r := range required {
		if !approved[r] {
			remaining = append(remaining, r)
		}
	}
	if len(remaining) == 0 && len(required) > 0 {
		return QuorumResult{Outcome: repository.EscalationApproved, RemainingApprovals: remaining}
	}
	return QuorumResult{Outcome: repository.EscalationPending, RemainingApprovals: remaining}
}
