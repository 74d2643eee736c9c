package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"advisor/pkg/advisor"
)

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"error_code"`
	Data      json.RawMessage `json:"data"`
}

func doRequest(handler http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func marketDataStub() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "NVDA":
			fmt.Fprint(w, `{"c":181.5,"d":2.5,"dp":1.4,"h":183,"l":179,"o":180,"pc":179,"t":1712000000}`)
		default:
			http.Error(w, "no data", http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/stock/profile2", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "NVDA":
			fmt.Fprint(w, `{"name":"NVIDIA Corp","finnhubIndustry":"Semiconductors","marketCapitalization":3300000,"shareOutstanding":24000,"exchange":"NASDAQ"}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	})
	return mux
}

func completionStub(content string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
}

func newTestRouter(t *testing.T, aiHandler http.Handler) http.Handler {
	t.Helper()

	quotes := httptest.NewServer(marketDataStub())
	t.Cleanup(quotes.Close)
	if aiHandler == nil {
		aiHandler = completionStub(`[]`)
	}
	ai := httptest.NewServer(aiHandler)
	t.Cleanup(ai.Close)

	zero := 0.0
	core, err := advisor.Open(advisor.Options{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		QuoteBaseURL:    quotes.URL,
		QuoteToken:      "test-token",
		MinCallInterval: time.Millisecond,
		MaxRetries:      1,
		AIBaseURL:       ai.URL,
		AIAPIKey:        "test-key",
		AIModel:         "test-model",
		JitterFraction:  &zero,
	})
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })

	return NewRouter(core, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, nil)
	rr := doRequest(router, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestGetQuote(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := doRequest(router, http.MethodGet, "/api/quotes/nvda", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var quote advisor.Quote
	if err := json.Unmarshal(resp.Data, &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if quote.Symbol != "NVDA" {
		t.Fatalf("expected symbol NVDA, got %q", quote.Symbol)
	}
	if quote.Price != 181.5 {
		t.Fatalf("expected price 181.5, got %v", quote.Price)
	}
	if quote.Provenance != advisor.ProvenanceLive {
		t.Fatalf("expected live provenance, got %q", quote.Provenance)
	}
}

func TestGetQuoteInvalidSymbol(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := doRequest(router, http.MethodGet, "/api/quotes/bad%20symbol", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ErrorCode != string(advisor.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %q", resp.ErrorCode)
	}
}

func TestGetProfile(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := doRequest(router, http.MethodGet, "/api/profiles/NVDA", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var profile advisor.CompanyProfile
	if err := json.Unmarshal(resp.Data, &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.Name != "NVIDIA Corp" {
		t.Fatalf("expected profile name, got %q", profile.Name)
	}
}

func TestGetProfileNotFound(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := doRequest(router, http.MethodGet, "/api/profiles/ZZZQ", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ErrorCode != string(advisor.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %q", resp.ErrorCode)
	}
}

func TestMarkViewedAndStatus(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := doRequest(router, http.MethodPost, "/api/symbols/NVDA/viewed", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(router, http.MethodGet, "/api/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var report advisor.StatusReport
	if err := json.Unmarshal(resp.Data, &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if report.PrioritySymbols != 1 {
		t.Fatalf("expected 1 priority symbol, got %d", report.PrioritySymbols)
	}
	if report.QueueDepth != 1 {
		t.Fatalf("expected 1 queued symbol, got %d", report.QueueDepth)
	}
	if report.QuotaExhausted {
		t.Fatalf("expected quota not exhausted")
	}
}

func TestMarkViewedInvalidSymbol(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := doRequest(router, http.MethodPost, "/api/symbols/bad%20symbol/viewed", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetRecommendations(t *testing.T) {
	content := `[{"symbol":"NVDA","name":"NVIDIA Corp","sector":"Technology","risk_level":"high","confidence":0.9,"thesis":"AI buildout"}]`
	router := newTestRouter(t, completionStub(content))

	body := bytes.NewBufferString(`{"count":1,"user":{"risk_tolerance":5}}`)
	rr := doRequest(router, http.MethodPost, "/api/recommendations", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var set advisor.RecommendationSet
	if err := json.Unmarshal(resp.Data, &set); err != nil {
		t.Fatalf("decode set: %v", err)
	}
	if len(set.Recommendations) != 1 {
		t.Fatalf("expected 1 recommendation, got %d", len(set.Recommendations))
	}
	rec := set.Recommendations[0]
	if rec.Symbol != "NVDA" {
		t.Fatalf("expected NVDA, got %q", rec.Symbol)
	}
	if rec.Price != 181.5 {
		t.Fatalf("expected enriched price, got %v", rec.Price)
	}
	if set.Model != "test-model" {
		t.Fatalf("expected model from upstream, got %q", set.Model)
	}
}

func TestGetRecommendationsBadBody(t *testing.T) {
	router := newTestRouter(t, nil)

	body := bytes.NewBufferString(`{"count": "one"}`)
	rr := doRequest(router, http.MethodPost, "/api/recommendations", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ErrorCode != string(advisor.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %q", resp.ErrorCode)
	}
}

func TestGetRecommendationsUpstreamQuota(t *testing.T) {
	quota := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})
	router := newTestRouter(t, quota)

	body := bytes.NewBufferString(`{"count":1,"user":{"risk_tolerance":3}}`)
	rr := doRequest(router, http.MethodPost, "/api/recommendations", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ErrorCode != string(advisor.ErrCodeQuotaExhausted) {
		t.Fatalf("expected QUOTA_EXHAUSTED, got %q", resp.ErrorCode)
	}
}
