package advisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestCore(t *testing.T, quoteServer *httptest.Server) *Core {
	t.Helper()
	zero := 0.0
	core, err := Open(Options{
		QuoteBaseURL:    quoteServer.URL,
		QuoteToken:      "test-token",
		MinCallInterval: time.Millisecond,
		MaxRetries:      1,
		AIBaseURL:       "https://example.com",
		AIAPIKey:        "test-key",
		AIModel:         "test-model",
		JitterFraction:  &zero,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func marketDataHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		switch r.URL.Path {
		case "/quote":
			switch symbol {
			case "NVDA":
				fmt.Fprint(w, `{"c":135.5,"d":2.1,"dp":1.57,"pc":133.4}`)
			case "KO":
				fmt.Fprint(w, `{"c":63.2,"d":-0.3,"dp":-0.47,"pc":63.5}`)
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		case "/stock/profile2":
			switch symbol {
			case "NVDA":
				fmt.Fprint(w, `{"name":"NVIDIA Corporation","ticker":"NVDA","finnhubIndustry":"Technology","marketCapitalization":3300000,"shareOutstanding":24400}`)
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	if _, err := Open(Options{AIAPIKey: "k", AIModel: "m"}); !IsErrorCode(err, ErrCodeInvalidInput) {
		t.Fatalf("missing quote base url: expected INVALID_INPUT, got %v", err)
	}
	if _, err := Open(Options{QuoteBaseURL: "http://localhost"}); !IsErrorCode(err, ErrCodeInvalidInput) {
		t.Fatalf("missing ai key: expected INVALID_INPUT, got %v", err)
	}
}

func TestGetRecommendationsPipeline(t *testing.T) {
	server := httptest.NewServer(marketDataHandler(t))
	defer server.Close()

	restore := stubCompletion(t, `[
  {"symbol":"KO","name":"Coca-Cola","sector":"Consumer Staples","risk_level":"low","confidence":0.7,"market_cap_billions":270,"thesis":"Steady dividends."},
  {"symbol":"NVDA","name":"NVIDIA","sector":"Technology","risk_level":"high","confidence":0.9,"thesis":"AI leader."}
]`, nil)
	defer restore()

	core := newTestCore(t, server)
	set, err := core.GetRecommendations(context.Background(), RecommendationRequest{
		Count: 2,
		User:  UserProfile{RiskTolerance: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(set.Recommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(set.Recommendations))
	}
	if set.Partial {
		t.Fatal("full batch flagged as partial")
	}
	if set.Model != "test-model" {
		t.Fatalf("unexpected model: %s", set.Model)
	}

	// Ranked by personalization: the aggressive user should see the
	// high-risk tech pick first (jitter disabled for determinism).
	first := set.Recommendations[0]
	if first.Symbol != "NVDA" {
		t.Fatalf("expected NVDA ranked first for aggressive user, got %s", first.Symbol)
	}
	if first.Price != 135.5 || first.Provenance != ProvenanceLive {
		t.Fatalf("quote not merged: %+v", first)
	}
	if first.Name != "NVIDIA Corporation" {
		t.Fatalf("profile name not preferred: %q", first.Name)
	}
	if first.MarketCap.Source != "profile" || first.MarketCap.Display != "$3.3T" {
		t.Fatalf("market cap not resolved from profile: %+v", first.MarketCap)
	}
	for _, rec := range set.Recommendations {
		if rec.Scores.CompositeConfidence < minConfidence || rec.Scores.CompositeConfidence > maxConfidence {
			t.Fatalf("confidence out of bounds: %+v", rec.Scores)
		}
	}

	// KO has no profile upstream: candidate assertion fills the cap.
	second := set.Recommendations[1]
	if second.Symbol != "KO" || second.MarketCap.Source != "candidate" {
		t.Fatalf("candidate cap fallback not used: %+v", second.MarketCap)
	}
}

func TestGetRecommendationsIsolatesSymbolFailures(t *testing.T) {
	// Quote upstream fully down; ZZZQ has no static fallback either.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	restore := stubCompletion(t, `[
  {"symbol":"ZZZQ","name":"Unknown Corp","sector":"Technology","confidence":0.6,"thesis":"?"},
  {"symbol":"AAPL","name":"Apple","sector":"Technology","confidence":0.8,"thesis":"Moat."}
]`, nil)
	defer restore()

	core := newTestCore(t, server)
	set, err := core.GetRecommendations(context.Background(), RecommendationRequest{Count: 2})
	if err != nil {
		t.Fatalf("per-symbol failures must not fail the batch: %v", err)
	}
	if len(set.Recommendations) != 2 {
		t.Fatalf("expected both candidates despite data failures, got %d", len(set.Recommendations))
	}
	for _, rec := range set.Recommendations {
		if rec.Symbol == "AAPL" {
			if rec.Provenance != ProvenanceFallback || rec.Price <= 0 {
				t.Fatalf("expected static fallback for AAPL: %+v", rec)
			}
		}
	}
}

func TestGetRecommendationsExcludesHoldings(t *testing.T) {
	server := httptest.NewServer(marketDataHandler(t))
	defer server.Close()

	var captured completionRequest
	restore := stubCompletion(t, `[{"symbol":"KO","name":"Coca-Cola","sector":"Consumer Staples","confidence":0.7}]`, &captured)
	defer restore()

	core := newTestCore(t, server)
	_, err := core.GetRecommendations(context.Background(), RecommendationRequest{
		Count: 1,
		User: UserProfile{
			Holdings:        map[string]Holding{"AAPL": {Sector: "Technology"}},
			RejectedSymbols: []TaggedSymbol{{Symbol: "TSLA", Sector: "Consumer Discretionary"}},
		},
		ExcludeSymbols: []string{"MSFT"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, symbol := range []string{"AAPL", "MSFT", "TSLA"} {
		if !strings.Contains(captured.UserPrompt, symbol) {
			t.Fatalf("%s missing from exclusion prompt:\n%s", symbol, captured.UserPrompt)
		}
	}
}

func TestMarkViewedAndStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"c":100,"pc":99}`)
	}))
	defer server.Close()

	core := newTestCore(t, server)
	if err := core.MarkViewed("aapl"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := core.MarkViewed("not a symbol"); !IsErrorCode(err, ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}

	status := core.Status()
	if status.PrioritySymbols != 1 {
		t.Fatalf("expected 1 priority symbol, got %d", status.PrioritySymbols)
	}
	if status.QueueDepth != 1 {
		t.Fatalf("expected 1 queued symbol, got %d", status.QueueDepth)
	}
	if status.QuotaExhausted {
		t.Fatal("quota flag set with no upstream failures")
	}

	// Viewed symbols get the short TTL on their next fetch.
	if !core.tracker.IsPriority("AAPL") {
		t.Fatal("MarkViewed did not normalize and record the symbol")
	}
}

func TestCoreLifecycle(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"c":100,"pc":99}`)
	}))
	defer server.Close()

	zero := 0.0
	core, err := Open(Options{
		QuoteBaseURL:   server.URL,
		AIBaseURL:      "https://example.com",
		AIAPIKey:       "k",
		AIModel:        "m",
		DrainInterval:  10 * time.Millisecond,
		JitterFraction: &zero,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	core.Start()
	core.queue.Enqueue("AAPL", true)

	// The loop should drain the queue within a few ticks.
	deadline := time.Now().Add(2 * time.Second)
	for core.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if core.queue.Len() != 0 {
		t.Fatal("background drain never ran")
	}
	if err := core.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := core.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
