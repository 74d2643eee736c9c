package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"advisor/pkg/advisor"
)

func TestWriteSuccess(t *testing.T) {
	rr := httptest.NewRecorder()
	writeSuccess(rr, map[string]string{"ok": "yes"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp Response
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != 0 {
		t.Fatalf("expected code 0, got %d", resp.Code)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok || data["ok"] != "yes" {
		t.Fatalf("unexpected data payload: %v", resp.Data)
	}
}

func TestWriteErrorResponse(t *testing.T) {
	t.Run("structured error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		writeErrorResponse(rr, http.StatusInternalServerError, advisor.NewError(advisor.ErrCodeNotFound, "missing"))

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
		var resp ErrorResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.ErrorCode != string(advisor.ErrCodeNotFound) {
			t.Fatalf("expected error_code %q, got %q", advisor.ErrCodeNotFound, resp.ErrorCode)
		}
	})

	t.Run("plain error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		writeErrorResponse(rr, http.StatusBadRequest, errors.New("bad input"))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		code advisor.ErrorCode
		want int
	}{
		{name: "invalid", code: advisor.ErrCodeInvalidInput, want: http.StatusBadRequest},
		{name: "not found", code: advisor.ErrCodeNotFound, want: http.StatusNotFound},
		{name: "quota", code: advisor.ErrCodeQuotaExhausted, want: http.StatusTooManyRequests},
		{name: "timeout", code: advisor.ErrCodeUpstreamTimeout, want: http.StatusGatewayTimeout},
		{name: "transport", code: advisor.ErrCodeTransport, want: http.StatusBadGateway},
		{name: "parse", code: advisor.ErrCodeGenerationParse, want: http.StatusBadGateway},
		{name: "invalid quote", code: advisor.ErrCodeInvalidQuote, want: http.StatusUnprocessableEntity},
		{name: "internal", code: advisor.ErrCodeInternal, want: http.StatusInternalServerError},
		{name: "default", code: advisor.ErrorCode("UNKNOWN"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErrorCodeToHTTPStatus(tt.code)
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
