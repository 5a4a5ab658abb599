package handler

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/middleware"
)

// errorBody is the JSON envelope for every failed request.
type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Code    errors.Code    `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeAlreadyDecided, errors.ErrCodeConflict, errors.ErrCodeInvalidState:
		return http.StatusConflict
	case errors.ErrCodeExpired:
		return http.StatusGone
	case errors.ErrCodePreconditionFailed:
		return http.StatusPreconditionFailed
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeUnauthorized:
		return codes.PermissionDenied
	case errors.ErrCodeAlreadyDecided, errors.ErrCodeConflict:
		return codes.AlreadyExists
	case errors.ErrCodeExpired:
		return codes.DeadlineExceeded
	case errors.ErrCodePreconditionFailed, errors.ErrCodeInvalidState, errors.ErrCodeConfiguration:
		return codes.FailedPrecondition
	case errors.ErrCodeNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// describe flattens err into the caller-facing envelope. Internal failures
// never leak their message.
func describe(err error) errorDetail {
	var appErr *errors.Error
	if errors.As(err, &appErr) && appErr.Code != errors.ErrCodeInternal {
		return errorDetail{Code: appErr.Code, Message: appErr.Message, Field: appErr.Field, Details: appErr.Details}
	}
	return errorDetail{Code: errors.ErrCodeInternal, Message: "internal server error"}
}

// mapErrorToGRPC converts a service error to a gRPC status.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	d := describe(err)
	msg := d.Message
	if d.Field != "" {
		msg = d.Field + ": " + msg
	}
	return status.Error(grpcCode(d.Code), msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	d := describe(err)
	httpCode := httpStatus(d.Code)
	if httpCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, httpCode, errorBody{Error: d, RequestID: middleware.RequestIDFromContext(r.Context())})
}
