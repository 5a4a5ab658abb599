// Package monitoring computes read-only aggregates over escalations, the
// approval ledger, salary deductions and compliance records.
package monitoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
)

// MaxRange bounds a single projection query.
const MaxRange = 366 * 24 * time.Hour

// Reader is the read side of the store the projection needs.
type Reader interface {
	ListEscalations(ctx context.Context, filter repository.EscalationFilter) ([]*repository.EscalationRequest, error)
	ListDecisionsInRange(ctx context.Context, filter repository.DecisionFilter) ([]*repository.ApprovalDecision, error)
	ListDeductions(ctx context.Context, filter repository.DeductionFilter) ([]*repository.SalaryDeduction, error)
	ListCompliance(ctx context.Context, filter repository.ComplianceFilter) ([]*repository.MoneyOutCompliance, error)
}

// Range is a half-open [From, To) window.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return errors.InvalidInput("range", "from and to are required")
	}
	if !r.To.After(r.From) {
		return errors.InvalidInput("range", "to must be after from")
	}
	if r.To.Sub(r.From) > MaxRange {
		return errors.InvalidInput("range", fmt.Sprintf("range may span at most %d days", int(MaxRange.Hours()/24)))
	}
	return nil
}

// Config tunes the health score.
type Config struct {
	// EscalationExpiry is the configured escalation lifetime. Pending
	// escalations older than half of it count as stale.
	EscalationExpiry time.Duration
	// PayoutGrace is how long a locked compliance record may wait for
	// payment before it counts against health.
	PayoutGrace time.Duration
}

// Projection answers monitoring queries. It never writes.
type Projection struct {
	store Reader
	clock clockwork.Clock
	cfg   Config
	log   *logger.Logger
}

// NewProjection creates a new Projection.
func NewProjection(store Reader, clock clockwork.Clock, cfg Config, log *logger.Logger) *Projection {
	if cfg.EscalationExpiry <= 0 {
		cfg.EscalationExpiry = 7 * 24 * time.Hour
	}
	if cfg.PayoutGrace <= 0 {
		cfg.PayoutGrace = 48 * time.Hour
	}
	return &Projection{store: store, clock: clock, cfg: cfg, log: log.Component("monitoring")}
}

// ── Snapshot loading ─────────────────────────────────────────────────────────

type snapshot struct {
	escalations []*repository.EscalationRequest
	decisions   []*repository.ApprovalDecision
	deductions  []*repository.SalaryDeduction
	compliance  []*repository.MoneyOutCompliance
}

func (p *Projection) load(ctx context.Context, r Range) (*snapshot, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	from, to := r.From.UTC(), r.To.UTC()

	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.escalations, err = p.store.ListEscalations(gctx, repository.EscalationFilter{CreatedFrom: &from, CreatedTo: &to})
		return err
	})
	g.Go(func() error {
		var err error
		snap.decisions, err = p.store.ListDecisionsInRange(gctx, repository.DecisionFilter{DecidedFrom: &from, DecidedTo: &to})
		return err
	})
	g.Go(func() error {
		var err error
		snap.deductions, err = p.store.ListDeductions(gctx, repository.DeductionFilter{CreatedFrom: &from, CreatedTo: &to})
		return err
	})
	g.Go(func() error {
		var err error
		snap.compliance, err = p.store.ListCompliance(gctx, repository.ComplianceFilter{CreatedFrom: &from, CreatedTo: &to})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.log.Debug().
		Time("from", from).
		Time("to", to).
		Int("escalations", len(snap.escalations)).
		Int("decisions", len(snap.decisions)).
		Int("deductions", len(snap.deductions)).
		Int("compliance", len(snap.compliance)).
		Msg("Monitoring snapshot loaded")
	return &snap, nil
}

// ── Overview ─────────────────────────────────────────────────────────────────

// DeductionSummary totals deductions in the window.
type DeductionSummary struct {
	Count         int                                  `json:"count"`
	TotalAmount   int64                                `json:"total_amount"`
	ByReason      map[repository.DeductionReason]int64 `json:"by_reason"`
	ByStatus      map[repository.DeductionStatus]int   `json:"by_status"`
	PendingAmount int64                                `json:"pending_amount"`
}

// ComplianceSummary counts compliance records in the window.
type ComplianceSummary struct {
	ByStatus      map[repository.ComplianceStatus]int `json:"by_status"`
	LockedAmount  int64                               `json:"locked_amount"`
	PaidAmount    int64                               `json:"paid_amount"`
	OverduePayout int                                 `json:"overdue_payouts"`
}

// Overview is the dashboard headline for a window.
type Overview struct {
	From                  time.Time                           `json:"from"`
	To                    time.Time                           `json:"to"`
	EscalationsByStatus   map[repository.EscalationStatus]int `json:"escalations_by_status"`
	TotalEscalations      int                                 `json:"total_escalations"`
	TotalOverage          int64                               `json:"total_overage"`
	AvgTimeToDecision     time.Duration                       `json:"-"`
	AvgTimeToDecisionSecs float64                             `json:"avg_time_to_decision_seconds"`
	ApprovalRate          float64                             `json:"approval_rate"`
	StalePending          int                                 `json:"stale_pending"`
	Deductions            DeductionSummary                    `json:"deductions"`
	Compliance            ComplianceSummary                   `json:"compliance"`
	HealthScore           int                                 `json:"health_score"`
}

// Overview aggregates the window.
func (p *Projection) Overview(ctx context.Context, r Range) (*Overview, error) {
	snap, err := p.load(ctx, r)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now().UTC()

	o := &Overview{
		From:                r.From.UTC(),
		To:                  r.To.UTC(),
		EscalationsByStatus: make(map[repository.EscalationStatus]int),
		TotalEscalations:    len(snap.escalations),
		Deductions: DeductionSummary{
			ByReason: make(map[repository.DeductionReason]int64),
			ByStatus: make(map[repository.DeductionStatus]int),
		},
		Compliance: ComplianceSummary{ByStatus: make(map[repository.ComplianceStatus]int)},
	}

	var (
		decidedCount int
		decidedTotal time.Duration
		staleAfter   = p.cfg.EscalationExpiry / 2
	)
	for _, e := range snap.escalations {
		o.EscalationsByStatus[e.Status]++
		o.TotalOverage += e.OverageAmount
		switch e.Status {
		case repository.EscalationApproved, repository.EscalationRejected:
			if e.FinalDecisionAt != nil {
				decidedCount++
				decidedTotal += e.FinalDecisionAt.Sub(e.CreatedAt)
			}
		case repository.EscalationPending:
			if now.Sub(e.CreatedAt) > staleAfter {
				o.StalePending++
			}
		}
	}
	if decidedCount > 0 {
		o.AvgTimeToDecision = decidedTotal / time.Duration(decidedCount)
		o.AvgTimeToDecisionSecs = o.AvgTimeToDecision.Seconds()
	}
	approved := o.EscalationsByStatus[repository.EscalationApproved]
	resolved := approved + o.EscalationsByStatus[repository.EscalationRejected] + o.EscalationsByStatus[repository.EscalationExpired]
	o.ApprovalRate = ratio(approved, resolved)

	for _, d := range snap.deductions {
		o.Deductions.Count++
		o.Deductions.TotalAmount += d.Amount
		o.Deductions.ByReason[d.Reason] += d.Amount
		o.Deductions.ByStatus[d.Status]++
		if d.Status == repository.DeductionPending {
			o.Deductions.PendingAmount += d.Amount
		}
	}

	for _, m := range snap.compliance {
		o.Compliance.ByStatus[m.Status]++
		switch m.Status {
		case repository.ComplianceLocked:
			o.Compliance.LockedAmount += m.Amount
			if m.LockedAt != nil && now.Sub(*m.LockedAt) > p.cfg.PayoutGrace {
				o.Compliance.OverduePayout++
			}
		case repository.CompliancePaid:
			o.Compliance.PaidAmount += m.Amount
		}
	}

	o.HealthScore = healthScore(o)
	return o, nil
}

// healthScore starts at 100 and subtracts weighted shares of expiries,
// rejections, stale pending escalations and overdue payouts.
func healthScore(o *Overview) int {
	resolved := o.EscalationsByStatus[repository.EscalationApproved] +
		o.EscalationsByStatus[repository.EscalationRejected] +
		o.EscalationsByStatus[repository.EscalationExpired]

	score := 100.0
	score -= 40 * ratio(o.EscalationsByStatus[repository.EscalationExpired], resolved)
	score -= 20 * ratio(o.EscalationsByStatus[repository.EscalationRejected], resolved)
	score -= 30 * ratio(o.StalePending, o.TotalEscalations)

	locked := o.Compliance.ByStatus[repository.ComplianceLocked]
	score -= 10 * ratio(o.Compliance.OverduePayout, locked)

	return int(math.Round(math.Max(0, math.Min(100, score))))
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// ── Approvers ────────────────────────────────────────────────────────────────

// ApproverStat is one approver's voting record in the window.
type ApproverStat struct {
	ApproverID    string   `json:"approver_id"`
	Roles         []string `json:"roles"`
	Approved      int      `json:"approved"`
	Rejected      int      `json:"rejected"`
	ApprovalRate  float64  `json:"approval_rate"`
	RejectionRate float64  `json:"rejection_rate"`
}

// ApproverStats returns approval and rejection rates per approver, busiest
// first.
func (p *Projection) ApproverStats(ctx context.Context, r Range) ([]*ApproverStat, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	from, to := r.From.UTC(), r.To.UTC()
	decisions, err := p.store.ListDecisionsInRange(ctx, repository.DecisionFilter{DecidedFrom: &from, DecidedTo: &to})
	if err != nil {
		return nil, err
	}

	byApprover := make(map[string]*ApproverStat)
	for _, d := range decisions {
		s, ok := byApprover[d.ApproverID]
		if !ok {
			s = &ApproverStat{ApproverID: d.ApproverID}
			byApprover[d.ApproverID] = s
		}
		role := string(d.ApproverRole)
		if !contains(s.Roles, role) {
			s.Roles = append(s.Roles, role)
		}
		switch d.Decision {
		case repository.VoteApprove:
			s.Approved++
		case repository.VoteReject:
			s.Rejected++
		}
	}

	out := make([]*ApproverStat, 0, len(byApprover))
	for _, s := range byApprover {
		total := s.Approved + s.Rejected
		s.ApprovalRate = ratio(s.Approved, total)
		s.RejectionRate = ratio(s.Rejected, total)
		sort.Strings(s.Roles)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Approved+out[i].Rejected, out[j].Approved+out[j].Rejected
		if ti != tj {
			return ti > tj
		}
		return out[i].ApproverID < out[j].ApproverID
	})
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ── Trend ────────────────────────────────────────────────────────────────────

// TrendPoint is one UTC day of activity.
type TrendPoint struct {
	Date            string `json:"date"`
	Created         int    `json:"created"`
	Approved        int    `json:"approved"`
	Rejected        int    `json:"rejected"`
	Expired         int    `json:"expired"`
	DeductionAmount int64  `json:"deduction_amount"`
}

// Trend returns one point per UTC day in the window, including empty days.
// Outcomes are bucketed by the day they were reached.
func (p *Projection) Trend(ctx context.Context, r Range) ([]*TrendPoint, error) {
	snap, err := p.load(ctx, r)
	if err != nil {
		return nil, err
	}

	start := truncateDay(r.From.UTC())
	end := r.To.UTC()
	var points []*TrendPoint
	index := make(map[string]*TrendPoint)
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		pt := &TrendPoint{Date: day.Format(time.DateOnly)}
		points = append(points, pt)
		index[pt.Date] = pt
	}
	bucket := func(t time.Time) *TrendPoint {
		return index[t.UTC().Format(time.DateOnly)]
	}

	for _, e := range snap.escalations {
		if pt := bucket(e.CreatedAt); pt != nil {
			pt.Created++
		}
		if e.FinalDecisionAt == nil {
			continue
		}
		pt := bucket(*e.FinalDecisionAt)
		if pt == nil {
			continue
		}
		switch e.Status {
		case repository.EscalationApproved:
			pt.Approved++
		case repository.EscalationRejected:
			pt.Rejected++
		case repository.EscalationExpired:
			pt.Expired++
		}
	}
	for _, d := range snap.deductions {
		if pt := bucket(d.CreatedAt); pt != nil {
			pt.DeductionAmount += d.Amount
		}
	}
	return points, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
