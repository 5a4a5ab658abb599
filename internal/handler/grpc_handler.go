package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/middleware"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/service"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// SpendControlServiceName is the fully-qualified gRPC service name.
const SpendControlServiceName = "spendctl.v1.SpendControlService"

// SpendControlServer is the gRPC surface. Messages are google.protobuf.Struct
// so callers need no generated stubs.
type SpendControlServer interface {
	ValidateExpense(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetEscalation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubmitApprovalDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PendingEscalations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	MarkCompliancePaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AutoLockCompliance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryMethod(name string, call func(SpendControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SpendControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + SpendControlServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SpendControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// SpendControlServiceDesc describes the service for grpc.Server.RegisterService.
var SpendControlServiceDesc = grpc.ServiceDesc{
	ServiceName: SpendControlServiceName,
	HandlerType: (*SpendControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ValidateExpense", SpendControlServer.ValidateExpense),
		unaryMethod("GetEscalation", SpendControlServer.GetEscalation),
		unaryMethod("SubmitApprovalDecision", SpendControlServer.SubmitApprovalDecision),
		unaryMethod("PendingEscalations", SpendControlServer.PendingEscalations),
		unaryMethod("MarkCompliancePaid", SpendControlServer.MarkCompliancePaid),
		unaryMethod("AutoLockCompliance", SpendControlServer.AutoLockCompliance),
	},
	Metadata: "spendctl/v1/spend_control.proto",
}

// GRPCHandler implements SpendControlServer.
type GRPCHandler struct {
	svc Services
	log *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc Services, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{svc: svc, log: log.Component("grpc")}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&SpendControlServiceDesc, h)
}

// ActorInterceptor copies the x-user-id metadata value into the request
// context so services see the same actor as over HTTP.
func ActorInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(strings.ToLower(middleware.ActorHeader)); len(v) > 0 && v[0] != "" {
			ctx = middleware.WithActor(ctx, v[0])
		}
	}
	return next(ctx, req)
}

// ValidateExpense classifies an expense and opens an escalation when needed.
func (h *GRPCHandler) ValidateExpense(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	amount, err := num(req, "amount")
	if err != nil {
		return nil, h.fail(err, "ValidateExpense")
	}
	h.log.Info().
		Str("category", str(req, "category")).
		Int64("amount", amount).
		Msg("gRPC ValidateExpense called")

	res, err := h.svc.Expenses.ValidateExpense(ctx, service.ExpenseInput{
		Amount:                amount,
		Category:              str(req, "category"),
		RequesterID:           actorOrField(ctx, req, "requester_id"),
		BusinessJustification: str(req, "business_justification"),
		RequestOrigin:         str(req, "request_origin"),
	})
	if err != nil {
		return nil, h.fail(err, "ValidateExpense")
	}
	return toStruct(toExpenseResponse(res))
}

// GetEscalation returns one escalation.
func (h *GRPCHandler) GetEscalation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := h.svc.Escalations.Get(ctx, str(req, "id"))
	if err != nil {
		return nil, h.fail(err, "GetEscalation")
	}
	return toStruct(toEscalationView(e))
}

// SubmitApprovalDecision records an approver's vote.
func (h *GRPCHandler) SubmitApprovalDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := service.DecisionInput{
		EscalationID:  str(req, "escalation_id"),
		ApproverID:    actorOrField(ctx, req, "approver_id"),
		ApproverRole:  threshold.Role(str(req, "approver_role")),
		Decision:      repository.Vote(strings.ToLower(str(req, "decision"))),
		Reason:        str(req, "comments"),
		RequestOrigin: str(req, "request_origin"),
	}
	if _, ok := req.GetFields()["adjusted_amount"]; ok {
		amt, err := num(req, "adjusted_amount")
		if err != nil {
			return nil, h.fail(err, "SubmitApprovalDecision")
		}
		in.AdjustedAmount = &amt
	}

	h.log.Info().
		Str("escalation_id", in.EscalationID).
		Str("approver_id", in.ApproverID).
		Str("decision", string(in.Decision)).
		Msg("gRPC SubmitApprovalDecision called")

	res, err := h.svc.Escalations.SubmitDecision(ctx, in)
	if err != nil {
		return nil, h.fail(err, "SubmitApprovalDecision")
	}
	return toStruct(toDecisionResponse(res))
}

// PendingEscalations lists escalations awaiting a role.
func (h *GRPCHandler) PendingEscalations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	role := threshold.Role(str(req, "role"))
	limit, err := num(req, "limit")
	if err != nil {
		return nil, h.fail(err, "PendingEscalations")
	}
	list, err := h.svc.Escalations.PendingForRole(ctx, role, int(limit))
	if err != nil {
		return nil, h.fail(err, "PendingEscalations")
	}
	return toStruct(map[string]any{
		"role":        role,
		"escalations": toPendingViews(list),
		"count":       len(list),
	})
}

// MarkCompliancePaid releases a locked payout.
func (h *GRPCHandler) MarkCompliancePaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "compliance_id")
	h.log.Info().Str("compliance_id", id).Msg("gRPC MarkCompliancePaid called")

	c, err := h.svc.Compliance.MarkPaid(ctx, id, actorOrField(ctx, req, "actor"), str(req, "proof_ref"))
	if err != nil {
		return nil, h.fail(err, "MarkCompliancePaid")
	}
	return toStruct(toComplianceView(c))
}

// AutoLockCompliance locks every ready record with all flags set.
func (h *GRPCHandler) AutoLockCompliance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := h.svc.Compliance.AutoLock(ctx, actorOrField(ctx, req, "actor"))
	if err != nil {
		return nil, h.fail(err, "AutoLockCompliance")
	}
	return toStruct(res)
}

func (h *GRPCHandler) fail(err error, method string) error {
	st := mapErrorToGRPC(err)
	if status.Code(st) == codes.Internal {
		h.log.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return st
}

// ── Struct helpers ───────────────────────────────────────────────────────────

func str(s *structpb.Struct, key string) string {
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

// maxExactInt is the largest integer a double holds without rounding.
const maxExactInt = 1 << 53

// num reads an integer field. Struct numbers are doubles, so fractional and
// out-of-range values are rejected. A missing or null field reads as zero.
func num(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
	default:
		return 0, errors.InvalidInput(key, key+" must be a number")
	}
	f := v.GetNumberValue()
	if f != math.Trunc(f) || f < -maxExactInt || f > maxExactInt {
		return 0, errors.InvalidInput(key, fmt.Sprintf("%s must be a whole number, got %v", key, f))
	}
	return int64(f), nil
}

func actorOrField(ctx context.Context, s *structpb.Struct, key string) string {
	if a := middleware.ActorFromContext(ctx); a != "" {
		return a
	}
	return str(s, key)
}

// toStruct renders a view through its JSON form so both surfaces share field
// names.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
