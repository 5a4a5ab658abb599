package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/monitoring"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/middleware"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/service"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// defaultWindow is the monitoring range used when the caller gives none.
const defaultWindow = 30 * 24 * time.Hour

// Services bundles the application services the handlers call.
type Services struct {
	Expenses    *service.ExpenseService
	Escalations *service.EscalationService
	Enforcer    *service.ConsequenceEnforcer
	Deductions  *service.DeductionService
	Compliance  *service.ComplianceService
	Monitoring  *monitoring.Projection
}

// RouterOptions configures the middleware chain.
type RouterOptions struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	// MaxBodyBytes bounds JSON request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
	// MaxProofBytes bounds proof uploads, which carry base64 data. Defaults
	// to 16 MiB.
	MaxProofBytes int64
}

// HTTPHandler serves the REST API.
type HTTPHandler struct {
	svc   Services
	clock clockwork.Clock
	log   *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, clock clockwork.Clock, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, clock: clock, log: log.Component("http")}
}

// ProofBodyLimit is the request size needed to upload a proof of maxProof
// bytes as base64 inside a JSON body.
func ProofBodyLimit(maxProof int64) int64 {
	return (maxProof+2)/3*4 + 64<<10
}

// Routes builds the router.
func (h *HTTPHandler) Routes(opts RouterOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.MaxProofBytes <= 0 {
		opts.MaxProofBytes = 16 << 20
	}
	bodyLimit := middleware.RequestSize(opts.MaxBodyBytes)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(&h.log.Logger))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(middleware.CORS(opts.CORSOrigins))
	}
	r.Use(middleware.Actor)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(api chi.Router) {
		api.With(bodyLimit).Post("/expenses/validate", h.ValidateExpense)

		api.Route("/escalations", func(er chi.Router) {
			er.Use(bodyLimit)
			er.Post("/", h.CreateEscalation)
			er.Get("/pending", h.PendingEscalations)
			er.Post("/sweep", h.SweepExpired)
			er.Get("/{id}", h.GetEscalation)
			er.Get("/{id}/decisions", h.ListDecisions)
			er.Post("/{id}/decisions", h.SubmitDecision)
			er.Get("/{id}/audit", h.EscalationAudit)
			er.Get("/{id}/deduction", h.EscalationDeduction)
		})

		api.With(bodyLimit).Post("/enforcements/process", h.ProcessEnforcements)

		api.Route("/deductions", func(dr chi.Router) {
			dr.Use(bodyLimit)
			dr.Get("/", h.ListDeductions)
			dr.Get("/{id}", h.GetDeduction)
			dr.Post("/{id}/process", h.ProcessDeduction)
			dr.Post("/{id}/cancel", h.CancelDeduction)
			dr.Get("/{id}/audit", h.DeductionAudit)
		})

		api.Route("/compliance", func(cr chi.Router) {
			cr.With(middleware.RequestSize(opts.MaxProofBytes)).Post("/{id}/proof", h.AttachProof)
			cr.Get("/{id}/proof", h.GetProof)

			cr.Group(func(g chi.Router) {
				g.Use(bodyLimit)
				g.Post("/", h.CreateCompliance)
				g.Get("/", h.ListCompliance)
				g.Post("/auto-lock", h.AutoLockCompliance)
				g.Get("/{id}", h.GetCompliance)
				g.Put("/{id}/flags/{flag}", h.SetComplianceFlag)
				g.Post("/{id}/lock", h.LockCompliance)
				g.Post("/{id}/paid", h.MarkCompliancePaid)
				g.Get("/{id}/audit", h.ComplianceAudit)
			})
		})

		api.Route("/monitoring", func(mr chi.Router) {
			mr.Get("/overview", h.MonitoringOverview)
			mr.Get("/approvers", h.ApproverStats)
			mr.Get("/trend", h.Trend)
		})
	})

	return r
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Expenses & escalations ───────────────────────────────────────────────────

type validateExpenseRequest struct {
	Amount                int64  `json:"amount"`
	Category              string `json:"category"`
	RequesterID           string `json:"requester_id"`
	BusinessJustification string `json:"business_justification"`
	RequestOrigin         string `json:"request_origin"`
}

// ValidateExpense classifies an expense and opens an escalation when needed.
func (h *HTTPHandler) ValidateExpense(w http.ResponseWriter, r *http.Request) {
	var req validateExpenseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.Expenses.ValidateExpense(r.Context(), service.ExpenseInput{
		Amount:                req.Amount,
		Category:              req.Category,
		RequesterID:           actorOr(r, req.RequesterID),
		BusinessJustification: req.BusinessJustification,
		RequestOrigin:         originOr(r, req.RequestOrigin),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Escalation != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, toExpenseResponse(res))
}

// CreateEscalation opens an escalation directly.
func (h *HTTPHandler) CreateEscalation(w http.ResponseWriter, r *http.Request) {
	var req validateExpenseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	e, err := h.svc.Escalations.Create(r.Context(), service.CreateEscalationInput{
		Amount:                req.Amount,
		Category:              req.Category,
		BusinessJustification: req.BusinessJustification,
		RequestOrigin:         originOr(r, req.RequestOrigin),
		CreatedBy:             actorOr(r, req.RequesterID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscalationView(e))
}

// GetEscalation returns one escalation.
func (h *HTTPHandler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Escalations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscalationView(e))
}

// ListDecisions returns the approval ledger of an escalation.
func (h *HTTPHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Escalations.Decisions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": toDecisionViews(list)})
}

type submitDecisionRequest struct {
	ApproverID     string `json:"approver_id"`
	ApproverRole   string `json:"approver_role"`
	Decision       string `json:"decision"`
	Comments       string `json:"comments"`
	AdjustedAmount *int64 `json:"adjusted_amount"`
	RequestOrigin  string `json:"request_origin"`
}

// SubmitDecision records an approver's vote.
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req submitDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.Escalations.SubmitDecision(r.Context(), service.DecisionInput{
		EscalationID:   chi.URLParam(r, "id"),
		ApproverID:     actorOr(r, req.ApproverID),
		ApproverRole:   threshold.Role(req.ApproverRole),
		Decision:       repository.Vote(strings.ToLower(req.Decision)),
		Reason:         req.Comments,
		AdjustedAmount: req.AdjustedAmount,
		RequestOrigin:  originOr(r, req.RequestOrigin),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionResponse(res))
}

// EscalationAudit returns the audit trail of an escalation.
func (h *HTTPHandler) EscalationAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Escalations.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditViews(entries)})
}

// EscalationDeduction returns the deduction raised for an escalation.
func (h *HTTPHandler) EscalationDeduction(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Deductions.ForEscalation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionView(d))
}

// PendingEscalations lists escalations awaiting a role.
func (h *HTTPHandler) PendingEscalations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	role := threshold.Role(r.URL.Query().Get("role"))

	list, err := h.svc.Escalations.PendingForRole(r.Context(), role, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":        role,
		"escalations": toPendingViews(list),
		"count":       len(list),
	})
}

// SweepExpired expires every overdue escalation now.
func (h *HTTPHandler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Escalations.SweepExpired(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProcessEnforcements drains the due part of the enforcement retry queue.
func (h *HTTPHandler) ProcessEnforcements(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Enforcer.ProcessDueEnforcements(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Deductions ───────────────────────────────────────────────────────────────

// ListDeductions lists deductions, optionally for one user and status.
func (h *HTTPHandler) ListDeductions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DeductionFilter{UserID: q.Get("user_id")}
	if s := q.Get("status"); s != "" {
		filter.Statuses = []repository.DeductionStatus{repository.DeductionStatus(s)}
	}

	list, err := h.svc.Deductions.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deductions": toDeductionViews(list), "count": len(list)})
}

// GetDeduction returns one deduction.
func (h *HTTPHandler) GetDeduction(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Deductions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionView(d))
}

// ProcessDeduction marks a deduction as applied by payroll.
func (h *HTTPHandler) ProcessDeduction(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Deductions.MarkProcessed(r.Context(), chi.URLParam(r, "id"), middleware.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionView(d))
}

type cancelDeductionRequest struct {
	Reason string `json:"reason"`
}

// CancelDeduction reverses a pending deduction.
func (h *HTTPHandler) CancelDeduction(w http.ResponseWriter, r *http.Request) {
	var req cancelDeductionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	d, err := h.svc.Deductions.Cancel(r.Context(), chi.URLParam(r, "id"), middleware.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionView(d))
}

// DeductionAudit returns the audit trail of a deduction.
func (h *HTTPHandler) DeductionAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Deductions.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditViews(entries)})
}

// ── Compliance ───────────────────────────────────────────────────────────────

type createComplianceRequest struct {
	OrderID         string `json:"order_id"`
	DeliveryAgentID string `json:"delivery_agent_id"`
	Amount          int64  `json:"amount"`
}

// CreateCompliance opens a compliance record for an order payout.
func (h *HTTPHandler) CreateCompliance(w http.ResponseWriter, r *http.Request) {
	var req createComplianceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.svc.Compliance.Create(r.Context(), service.CreateComplianceInput{
		OrderID:         req.OrderID,
		DeliveryAgentID: req.DeliveryAgentID,
		Amount:          req.Amount,
		Actor:           middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toComplianceView(c))
}

// ListCompliance lists compliance records, optionally by status.
func (h *HTTPHandler) ListCompliance(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter := repository.ComplianceFilter{Limit: limit}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Statuses = []repository.ComplianceStatus{repository.ComplianceStatus(s)}
	}

	list, err := h.svc.Compliance.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": toComplianceViews(list), "count": len(list)})
}

// GetCompliance returns one compliance record.
func (h *HTTPHandler) GetCompliance(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Compliance.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toComplianceView(c))
}

type setFlagRequest struct {
	Value *bool `json:"value"`
}

// SetComplianceFlag records one verification signal.
func (h *HTTPHandler) SetComplianceFlag(w http.ResponseWriter, r *http.Request) {
	var req setFlagRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Value == nil {
		h.writeError(w, r, errors.InvalidInput("value", "value is required"))
		return
	}

	c, err := h.svc.Compliance.SetFlag(r.Context(), chi.URLParam(r, "id"),
		repository.ComplianceFlag(chi.URLParam(r, "flag")), *req.Value, middleware.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toComplianceView(c))
}

// LockCompliance locks a record whose flags are all set.
func (h *HTTPHandler) LockCompliance(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Compliance.Lock(r.Context(), chi.URLParam(r, "id"), middleware.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toComplianceView(c))
}

// AutoLockCompliance locks every ready record with all flags set.
func (h *HTTPHandler) AutoLockCompliance(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Compliance.AutoLock(r.Context(), middleware.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type attachProofRequest struct {
	// Data is base64 in JSON.
	Data        []byte `json:"data"`
	ContentType string `json:"content_type"`
	Ref         string `json:"ref"`
}

// AttachProof stores or references the proof of payment.
func (h *HTTPHandler) AttachProof(w http.ResponseWriter, r *http.Request) {
	var req attachProofRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.svc.Compliance.AttachProof(r.Context(), chi.URLParam(r, "id"), service.ProofInput{
		Data:        req.Data,
		ContentType: req.ContentType,
		Ref:         req.Ref,
	}, middleware.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toComplianceView(c))
}

// GetProof serves the stored proof-of-payment file.
func (h *HTTPHandler) GetProof(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Compliance.Proof(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("ETag", strconv.Quote(a.Ref))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

type markPaidRequest struct {
	ProofRef string `json:"proof_ref"`
}

// MarkCompliancePaid releases a locked payout.
func (h *HTTPHandler) MarkCompliancePaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.svc.Compliance.MarkPaid(r.Context(), chi.URLParam(r, "id"), middleware.ActorFromContext(r.Context()), req.ProofRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toComplianceView(c))
}

// ComplianceAudit returns the audit trail of a compliance record.
func (h *HTTPHandler) ComplianceAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Compliance.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditViews(entries)})
}

// ── Monitoring ───────────────────────────────────────────────────────────────

// MonitoringOverview returns the headline aggregates for a window.
func (h *HTTPHandler) MonitoringOverview(w http.ResponseWriter, r *http.Request) {
	rng, err := h.parseRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.svc.Monitoring.Overview(r.Context(), rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ApproverStats returns per-approver approval and rejection rates.
func (h *HTTPHandler) ApproverStats(w http.ResponseWriter, r *http.Request) {
	rng, err := h.parseRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.svc.Monitoring.ApproverStats(r.Context(), rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvers": stats})
}

// Trend returns the daily activity series.
func (h *HTTPHandler) Trend(w http.ResponseWriter, r *http.Request) {
	rng, err := h.parseRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	points, err := h.svc.Monitoring.Trend(r.Context(), rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

// ── Request helpers ──────────────────────────────────────────────────────────

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.InvalidInput("body", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
				WithDetail("limit", tooLarge.Limit)
		}
		return errors.InvalidInput("body", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// actorOr prefers the authenticated actor over a value from the body.
func actorOr(r *http.Request, fallback string) string {
	if a := middleware.ActorFromContext(r.Context()); a != "" {
		return a
	}
	return fallback
}

func originOr(r *http.Request, fallback string) string {
	if fallback != "" {
		return fallback
	}
	return r.RemoteAddr
}

func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(key, fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}

// parseRange reads from/to as RFC 3339 timestamps or plain dates. Missing
// bounds default to the window ending at the close of the current UTC day.
func (h *HTTPHandler) parseRange(r *http.Request) (monitoring.Range, error) {
	q := r.URL.Query()
	to := h.clock.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	if s := q.Get("to"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return monitoring.Range{}, errors.InvalidInput("to", err.Error())
		}
		to = t
	}
	from := to.Add(-defaultWindow)
	if s := q.Get("from"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return monitoring.Range{}, errors.InvalidInput("from", err.Error())
		}
		from = t
	}
	return monitoring.Range{From: from, To: to}, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
