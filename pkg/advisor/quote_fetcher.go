package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Fetcher defaults used when Options leaves the corresponding field zero.
const (
	defaultMinCallInterval = 1100 * time.Millisecond
	defaultQuotaReset      = 60 * time.Second
	defaultHTTPTimeout     = 10 * time.Second
	defaultMaxRetries      = 3
	defaultStaleRetention  = 24 * time.Hour
)

// maxResponseSize limits upstream responses to 1MB to prevent memory
// exhaustion.
const maxResponseSize = 1 << 20

var reSymbol = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// HTTPDoer is an interface for making HTTP requests. It enables dependency
// injection for testing without network calls.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// quoteWire is the upstream quote payload.
// c=current, d=change, dp=change percent, h=high, l=low, o=open,
// pc=previous close, t=unix seconds.
type quoteWire struct {
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Dp float64 `json:"dp"`
	H  float64 `json:"h"`
	L  float64 `json:"l"`
	O  float64 `json:"o"`
	Pc float64 `json:"pc"`
	T  int64   `json:"t"`
}

// profileWire is the upstream company profile payload.
type profileWire struct {
	Name                 string  `json:"name"`
	Ticker               string  `json:"ticker"`
	Exchange             string  `json:"exchange"`
	FinnhubIndustry      string  `json:"finnhubIndustry"`
	MarketCapitalization float64 `json:"marketCapitalization"` // millions
	ShareOutstanding     float64 `json:"shareOutstanding"`     // millions
}

type fetcherOptions struct {
	Logger          *slog.Logger
	BaseURL         string
	Token           string
	HTTPClient      HTTPDoer // Optional: inject custom client for testing
	HTTPTimeout     time.Duration
	MinCallInterval time.Duration
	QuotaReset      time.Duration
	MaxRetries      int
	QuoteTTL        time.Duration
	PriorityTTL     time.Duration
	ProfileTTL      time.Duration
	CacheCapacity   int
	IsPriority      func(symbol string) bool
}

// fetcher serializes and paces all upstream calls. Concurrent requests for
// the same symbol collapse into one network call via singleflight; a
// token-bucket limiter enforces the minimum spacing between calls.
type fetcher struct {
	logger          *slog.Logger
	client          HTTPDoer
	baseURL         string
	token           string
	limiter         *rate.Limiter
	flight          singleflight.Group
	quotes          *ttlCache[Quote]
	profiles        *ttlCache[CompanyProfile]
	quoteTTL        time.Duration
	priorityTTL     time.Duration
	profileTTL      time.Duration
	maxRetries      int
	isPriority      func(symbol string) bool
	quotaReset      time.Duration

	// Quota state. After an exhaustion signal (HTTP 429/403) all upstream
	// calls short-circuit until quotaUntil; then exactly one caller probes
	// while the rest keep failing over until the probe succeeds.
	quotaMu    sync.Mutex
	quotaDown  bool
	quotaUntil time.Time
	probing    bool

	now func() time.Time
}

func newFetcher(opts fetcherOptions) *fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.HTTPTimeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	minInterval := opts.MinCallInterval
	if minInterval <= 0 {
		minInterval = defaultMinCallInterval
	}
	quotaReset := opts.QuotaReset
	if quotaReset <= 0 {
		quotaReset = defaultQuotaReset
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	quoteTTL := opts.QuoteTTL
	if quoteTTL <= 0 {
		quoteTTL = defaultQuoteTTL
	}
	priorityTTL := opts.PriorityTTL
	if priorityTTL <= 0 {
		priorityTTL = defaultPriorityTTL
	}
	profileTTL := opts.ProfileTTL
	if profileTTL <= 0 {
		profileTTL = defaultProfileTTL
	}
	isPriority := opts.IsPriority
	if isPriority == nil {
		isPriority = func(string) bool { return false }
	}
	return &fetcher{
		logger:      logger,
		client:      client,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
		quotes:      newTTLCache[Quote](opts.CacheCapacity, defaultStaleRetention),
		profiles:    newTTLCache[CompanyProfile](opts.CacheCapacity, 0),
		quoteTTL:    quoteTTL,
		priorityTTL: priorityTTL,
		profileTTL:  profileTTL,
		maxRetries:  maxRetries,
		isPriority:  isPriority,
		quotaReset:  quotaReset,
		now:         time.Now,
	}
}

// GetQuote returns a quote for symbol, preferring in that order: fresh
// cache, live upstream, stale cache, the static fallback table. The returned
// quote always has a positive price; the error is non-nil only when every
// tier failed.
func (f *fetcher) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	symbol = normalizeSymbolInput(symbol)
	if !reSymbol.MatchString(symbol) {
		return Quote{}, NewError(ErrCodeInvalidInput, fmt.Sprintf("invalid symbol %q", symbol))
	}

	if quote, ok := f.cachedQuote(symbol); ok {
		quote.Provenance = ProvenanceCached
		return quote, nil
	}

	result, err, _ := f.flight.Do("quote:"+symbol, func() (any, error) {
		// Detached from the caller: other waiters may still need the
		// result after the first caller gives up.
		return f.fetchQuote(context.WithoutCancel(ctx), symbol)
	})
	if err == nil {
		return result.(Quote), nil
	}

	if quote, age, ok := f.quotes.GetStale(symbol); ok {
		f.logger.Warn("serving stale quote", "symbol", symbol, "age", age, "error", err)
		quote.Provenance = ProvenanceCached
		return quote, nil
	}
	if quote, ok := fallbackQuote(symbol); ok {
		f.logger.Warn("serving fallback quote", "symbol", symbol, "error", err)
		return quote, nil
	}
	return Quote{}, err
}

// cachedQuote reads the quote cache under the symbol's current priority
// class. Promotion to the priority window takes effect immediately: an
// entry written with the long TTL is skipped once it is older than the
// priority TTL, forcing a live refresh on the next read.
func (f *fetcher) cachedQuote(symbol string) (Quote, bool) {
	if f.isPriority(symbol) {
		return f.quotes.GetWithin(symbol, f.priorityTTL)
	}
	return f.quotes.Get(symbol)
}

// fetchQuote performs the live fetch and caches the result. Runs inside the
// single flight, so at most one is in progress per symbol.
func (f *fetcher) fetchQuote(ctx context.Context, symbol string) (Quote, error) {
	wire, err := callUpstream(ctx, f, "/quote", url.Values{"symbol": {symbol}}, func(body []byte) (quoteWire, error) {
		var w quoteWire
		if err := json.Unmarshal(body, &w); err != nil {
			return quoteWire{}, WrapError(ErrCodeTransport, "decoding quote response", err)
		}
		return w, nil
	})
	if err != nil {
		return Quote{}, err
	}

	quote, err := quoteFromWire(symbol, wire, f.now())
	if err != nil {
		return Quote{}, err
	}
	ttl := f.quoteTTL
	if f.isPriority(symbol) {
		ttl = f.priorityTTL
	}
	f.quotes.Set(symbol, quote, ttl)
	return quote, nil
}

// RefreshQuote forces a live fetch for symbol, bypassing the cache but
// sharing the flight with any concurrent GetQuote so the upstream sees at
// most one call.
func (f *fetcher) RefreshQuote(ctx context.Context, symbol string) error {
	symbol = normalizeSymbolInput(symbol)
	if !reSymbol.MatchString(symbol) {
		return NewError(ErrCodeInvalidInput, fmt.Sprintf("invalid symbol %q", symbol))
	}
	_, err, _ := f.flight.Do("quote:"+symbol, func() (any, error) {
		return f.fetchQuote(context.WithoutCancel(ctx), symbol)
	})
	return err
}

// quoteFromWire validates the upstream payload. A zero current price means
// the market is closed or the symbol is unknown; previous close, then open,
// substitute for it. A quote with no positive price anywhere is rejected.
func quoteFromWire(symbol string, w quoteWire, now time.Time) (Quote, error) {
	price := w.C
	if price <= 0 {
		switch {
		case w.Pc > 0:
			price = w.Pc
		case w.O > 0:
			price = w.O
		default:
			return Quote{}, NewError(ErrCodeInvalidQuote, fmt.Sprintf("no positive price for %s", symbol))
		}
	}
	ts := now
	if w.T > 0 {
		ts = time.Unix(w.T, 0)
	}
	return Quote{
		Symbol:        symbol,
		Price:         price,
		Change:        w.D,
		ChangePercent: w.Dp,
		High:          w.H,
		Low:           w.L,
		Open:          w.O,
		PreviousClose: w.Pc,
		Timestamp:     ts,
		Provenance:    ProvenanceLive,
	}, nil
}

// GetProfile returns company reference data, fetched lazily and cached with
// a long TTL. Profiles have no fallback table; an upstream failure surfaces.
func (f *fetcher) GetProfile(ctx context.Context, symbol string) (CompanyProfile, error) {
	symbol = normalizeSymbolInput(symbol)
	if !reSymbol.MatchString(symbol) {
		return CompanyProfile{}, NewError(ErrCodeInvalidInput, fmt.Sprintf("invalid symbol %q", symbol))
	}
	if profile, ok := f.profiles.Get(symbol); ok {
		return profile, nil
	}
	result, err, _ := f.flight.Do("profile:"+symbol, func() (any, error) {
		wire, err := callUpstream(context.WithoutCancel(ctx), f, "/stock/profile2", url.Values{"symbol": {symbol}}, func(body []byte) (profileWire, error) {
			var w profileWire
			if err := json.Unmarshal(body, &w); err != nil {
				return profileWire{}, WrapError(ErrCodeTransport, "decoding profile response", err)
			}
			return w, nil
		})
		if err != nil {
			return CompanyProfile{}, err
		}
		if wire.Name == "" && wire.Ticker == "" {
			return CompanyProfile{}, NewError(ErrCodeNotFound, fmt.Sprintf("no profile for %s", symbol))
		}
		profile := CompanyProfile{
			Symbol:   symbol,
			Name:     wire.Name,
			Sector:   wire.FinnhubIndustry,
			Industry: wire.FinnhubIndustry,
			Exchange: wire.Exchange,
		}
		if wire.MarketCapitalization > 0 {
			profile.MarketCapMillions = &wire.MarketCapitalization
		}
		if wire.ShareOutstanding > 0 {
			profile.ShareCountMillions = &wire.ShareOutstanding
		}
		f.profiles.Set(symbol, profile, f.profileTTL)
		return profile, nil
	})
	if err != nil {
		return CompanyProfile{}, err
	}
	return result.(CompanyProfile), nil
}

// callUpstream runs one paced, retried GET against the upstream. Quota
// exhaustion short-circuits before any network activity; transient transport
// errors retry with exponential backoff; quota signals and timeouts do not.
func callUpstream[T any](ctx context.Context, f *fetcher, path string, query url.Values, decode func([]byte) (T, error)) (T, error) {
	var zero T
	probe, ok := f.acquireNetwork()
	if !ok {
		return zero, NewError(ErrCodeQuotaExhausted, "upstream quota exhausted")
	}

	var result T
	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(WrapError(ErrCodeUpstreamTimeout, "waiting for rate limiter", err))
		}
		body, err := f.httpGet(ctx, path, query)
		if err != nil {
			return err
		}
		decoded, err := decode(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = decoded
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(f.maxRetries)), ctx)
	err := backoff.Retry(operation, policy)
	if probe {
		f.resolveProbe(err == nil || !IsErrorCode(err, ErrCodeQuotaExhausted))
	}
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (f *fetcher) httpGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if f.token != "" {
		query.Set("token", f.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(WrapError(ErrCodeInternal, "building upstream request", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return nil, backoff.Permanent(WrapError(ErrCodeUpstreamTimeout, "upstream request timed out", err))
		}
		return nil, WrapError(ErrCodeTransport, "upstream request failed", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		f.tripQuota()
		return nil, backoff.Permanent(NewError(ErrCodeQuotaExhausted, fmt.Sprintf("upstream returned %d", resp.StatusCode)))
	case resp.StatusCode >= 500:
		return nil, NewError(ErrCodeTransport, fmt.Sprintf("upstream status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, backoff.Permanent(NewError(ErrCodeTransport, fmt.Sprintf("upstream status %d", resp.StatusCode)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, WrapError(ErrCodeTransport, "reading upstream response", err)
	}
	return body, nil
}

// acquireNetwork reports whether an upstream call may proceed. While the
// quota flag is set, calls fail fast; once the reset window passes, the
// first caller through becomes the probe (probe=true) and the rest keep
// failing fast until the probe resolves.
func (f *fetcher) acquireNetwork() (probe, ok bool) {
	f.quotaMu.Lock()
	defer f.quotaMu.Unlock()
	if !f.quotaDown {
		return false, true
	}
	if f.now().Before(f.quotaUntil) || f.probing {
		return false, false
	}
	f.probing = true
	return true, true
}

func (f *fetcher) resolveProbe(success bool) {
	f.quotaMu.Lock()
	defer f.quotaMu.Unlock()
	f.probing = false
	if success {
		f.quotaDown = false
		f.logger.Info("upstream quota recovered")
	} else {
		f.quotaUntil = f.now().Add(f.quotaReset)
	}
}

func (f *fetcher) tripQuota() {
	f.quotaMu.Lock()
	defer f.quotaMu.Unlock()
	if !f.quotaDown {
		f.logger.Warn("upstream quota exhausted, pausing calls", "reset_after", f.quotaReset)
	}
	f.quotaDown = true
	f.quotaUntil = f.now().Add(f.quotaReset)
}

// QuotaExhausted reports whether upstream calls are currently suspended.
func (f *fetcher) QuotaExhausted() bool {
	f.quotaMu.Lock()
	defer f.quotaMu.Unlock()
	return f.quotaDown && f.now().Before(f.quotaUntil)
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
