package api

import (
	"net/http"

	"advisor/pkg/advisor"
)

// Response represents a successful API response with unified format.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error API response with structured information.
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeSuccess writes a successful response with data.
func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{
		Code: 0,
		Data: data,
	})
}

// writeErrorResponse writes an error response with proper HTTP status and error details.
func writeErrorResponse(w http.ResponseWriter, httpStatus int, err error) {
	response := ErrorResponse{
		Code:    httpStatus,
		Message: err.Error(),
	}

	// Extract error code if it's a structured error
	if advErr, ok := err.(*advisor.Error); ok {
		response.ErrorCode = string(advErr.Code)
		httpStatus = mapErrorCodeToHTTPStatus(advErr.Code)
		response.Code = httpStatus
	}

	writeJSON(w, httpStatus, response)
}

// mapErrorCodeToHTTPStatus maps business error codes to HTTP status codes.
func mapErrorCodeToHTTPStatus(code advisor.ErrorCode) int {
	switch code {
	case advisor.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case advisor.ErrCodeNotFound:
		return http.StatusNotFound
	case advisor.ErrCodeQuotaExhausted:
		return http.StatusTooManyRequests
	case advisor.ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case advisor.ErrCodeTransport, advisor.ErrCodeGenerationParse:
		return http.StatusBadGateway
	case advisor.ErrCodeInvalidQuote:
		return http.StatusUnprocessableEntity
	case advisor.ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
