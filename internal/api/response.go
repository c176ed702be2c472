package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"carbonetl/internal/pipeline"
	"carbonetl/internal/types"
)

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse is the envelope for error responses. Result carries the
// partial run summary when a run failed after starting.
type APIErrorResponse struct {
	Error  ErrorDetail         `json:"error"`
	Result *pipeline.RunResult `json:"result,omitempty"`
}

// ErrorDetail contains the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. If marshalling fails it falls back
// to a 500 error body.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetRequestID(r.Context()),
			},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as a structured error response. AppErrors map to their
// HTTP status; anything else is a 500 with a generic message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(r, err)
	JSON(w, r, status, resp)
}

// ErrorWithResult is Error plus the partial RunResult of a failed run.
func ErrorWithResult(w http.ResponseWriter, r *http.Request, err error, res pipeline.RunResult) {
	status, resp := errorResponse(r, err)
	if res.RunID != "" {
		resp.Result = &res
	}
	JSON(w, r, status, resp)
}

func errorResponse(r *http.Request, err error) (int, APIErrorResponse) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus(), APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		}
	}

	return http.StatusInternalServerError, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	}
}
