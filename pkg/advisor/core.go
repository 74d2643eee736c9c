package advisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultDrainInterval = 5 * time.Second
	defaultRecCount      = 5
	maxRecCount          = 20
)

// Options controls Core initialization.
type Options struct {
	Logger *slog.Logger

	// Quote upstream.
	QuoteBaseURL    string
	QuoteToken      string
	HTTPTimeout     time.Duration
	MinCallInterval time.Duration
	QuotaReset      time.Duration
	MaxRetries      int
	QuoteTTL        time.Duration
	PriorityTTL     time.Duration
	ProfileTTL      time.Duration
	CacheCapacity   int
	PriorityWindow  time.Duration
	DrainInterval   time.Duration
	HTTPClient      HTTPDoer // Optional: inject custom client for testing

	// Generation upstream.
	AIBaseURL         string
	AIAPIKey          string
	AIModel           string
	GenerationTimeout time.Duration

	// JitterFraction is the presentation-variety jitter applied to the
	// personalization score, as a fraction of the score range. Zero disables
	// it; negative values are treated as zero. Nil means the ±5% default.
	JitterFraction *float64
}

// Core wires the quote access layer, the background refresh queue, and the
// recommendation pipeline behind one lifecycle.
type Core struct {
	logger      *slog.Logger
	fetcher     *fetcher
	tracker     *priorityTracker
	queue       *updateQueue
	recommender *recommender
	scorer      *scorer
	caps        *capResolver

	drainInterval time.Duration
	startOnce     sync.Once
	started       bool
	stopOnce      sync.Once
	stop          chan struct{}
	done          chan struct{}
}

// Open initializes a Core. The background drain loop does not run until
// Start is called.
func Open(opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QuoteBaseURL == "" {
		return nil, NewError(ErrCodeInvalidInput, "quote base url is required")
	}

	tracker := newPriorityTracker(opts.PriorityWindow)
	f := newFetcher(fetcherOptions{
		Logger:          logger,
		BaseURL:         opts.QuoteBaseURL,
		Token:           opts.QuoteToken,
		HTTPClient:      opts.HTTPClient,
		HTTPTimeout:     opts.HTTPTimeout,
		MinCallInterval: opts.MinCallInterval,
		QuotaReset:      opts.QuotaReset,
		MaxRetries:      opts.MaxRetries,
		QuoteTTL:        opts.QuoteTTL,
		PriorityTTL:     opts.PriorityTTL,
		ProfileTTL:      opts.ProfileTTL,
		CacheCapacity:   opts.CacheCapacity,
		IsPriority:      tracker.IsPriority,
	})

	rec, err := newRecommender(logger, opts.AIBaseURL, opts.AIAPIKey, opts.AIModel, opts.GenerationTimeout)
	if err != nil {
		return nil, err
	}

	jitter := defaultJitter
	if opts.JitterFraction != nil {
		jitter = *opts.JitterFraction
	}

	core := &Core{
		logger:        logger,
		fetcher:       f,
		tracker:       tracker,
		recommender:   rec,
		scorer:        newScorer(jitter, nil),
		drainInterval: defaultDuration(opts.DrainInterval, defaultDrainInterval),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	core.caps = newCapResolver(logger, rec.EstimateMarketCap)
	core.queue = newUpdateQueue(logger, core.refreshSymbol, f.QuotaExhausted)
	return core, nil
}

// Start launches the background queue drain loop. Safe to call once; later
// calls are no-ops.
func (c *Core) Start() {
	c.startOnce.Do(func() {
		c.started = true
		go c.drainLoop()
	})
}

// Close stops the background loop and waits for it to exit.
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })
	if !c.started {
		return nil
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("drain loop did not stop in time")
	}
	return nil
}

func (c *Core) drainLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.drainInterval*3)
			refreshed := c.queue.Drain(ctx)
			cancel()
			if refreshed > 0 {
				c.logger.Debug("queue drain complete", "refreshed", refreshed)
			}
			c.fetcher.quotes.sweep()
			c.fetcher.profiles.sweep()
		}
	}
}

// refreshSymbol forces a live fetch for one queued symbol. Goes through the
// fetcher's flight so a racing foreground read shares the same upstream call.
func (c *Core) refreshSymbol(ctx context.Context, symbol string) error {
	return c.fetcher.RefreshQuote(ctx, symbol)
}

// GetQuote returns a quote for symbol, live when possible and degraded
// provenance otherwise.
func (c *Core) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	return c.fetcher.GetQuote(ctx, symbol)
}

// GetProfile returns company reference data for symbol.
func (c *Core) GetProfile(ctx context.Context, symbol string) (CompanyProfile, error) {
	return c.fetcher.GetProfile(ctx, symbol)
}

// MarkViewed records that the user is looking at symbol: it enters the
// priority window and jumps the refresh queue.
func (c *Core) MarkViewed(symbol string) error {
	symbol = normalizeSymbolInput(symbol)
	if !reSymbol.MatchString(symbol) {
		return NewError(ErrCodeInvalidInput, "invalid symbol")
	}
	c.tracker.MarkViewed(symbol)
	c.queue.Enqueue(symbol, true)
	return nil
}

// Status reports operational state for introspection.
func (c *Core) Status() StatusReport {
	return StatusReport{
		QuotaExhausted:   c.fetcher.QuotaExhausted(),
		QuoteCacheSize:   c.fetcher.quotes.Len(),
		ProfileCacheSize: c.fetcher.profiles.Len(),
		QueueDepth:       c.queue.Len(),
		PrioritySymbols:  c.tracker.Count(),
	}
}

// RecommendationRequest carries the inputs for one recommendation batch.
type RecommendationRequest struct {
	Count          int         `json:"count"`
	User           UserProfile `json:"user"`
	ExcludeSymbols []string    `json:"exclude_symbols,omitempty"`
}

// GetRecommendations runs the full pipeline: candidate generation, market
// data enrichment, market-cap resolution, scoring, and ranking. Per-symbol
// data failures degrade that one entry, never the batch.
func (c *Core) GetRecommendations(ctx context.Context, req RecommendationRequest) (*RecommendationSet, error) {
	count := req.Count
	if count <= 0 {
		count = defaultRecCount
	}
	if count > maxRecCount {
		count = maxRecCount
	}

	// Owned symbols are excluded alongside the caller's explicit list.
	exclude := append([]string{}, req.ExcludeSymbols...)
	for symbol := range req.User.Holdings {
		exclude = append(exclude, symbol)
	}
	for _, rejected := range req.User.RejectedSymbols {
		exclude = append(exclude, rejected.Symbol)
	}

	candidates, dropped, model, err := c.recommender.Generate(ctx, count, req.User, exclude)
	if err != nil {
		return nil, err
	}

	recommendations := make([]Recommendation, 0, len(candidates))
	for _, candidate := range candidates {
		recommendations = append(recommendations, c.buildRecommendation(ctx, candidate, req.User))
		c.queue.Enqueue(candidate.Symbol, false)
	}

	sort.SliceStable(recommendations, func(i, j int) bool {
		return recommendations[i].Scores.Personalization > recommendations[j].Scores.Personalization
	})

	return &RecommendationSet{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Model:           model,
		Requested:       count,
		Dropped:         dropped,
		Partial:         len(recommendations) < count,
		Recommendations: recommendations,
	}, nil
}

// buildRecommendation enriches one candidate with market data and scores.
// Quote and profile failures are logged and tolerated; the candidate's own
// assertions fill the gaps.
func (c *Core) buildRecommendation(ctx context.Context, candidate Candidate, user UserProfile) Recommendation {
	quote, err := c.fetcher.GetQuote(ctx, candidate.Symbol)
	if err != nil {
		c.logger.Warn("quote unavailable for candidate", "symbol", candidate.Symbol, "error", err)
		quote = Quote{Symbol: candidate.Symbol, Provenance: ProvenanceFallback}
	}

	profile, err := c.fetcher.GetProfile(ctx, candidate.Symbol)
	if err != nil {
		c.logger.Debug("profile unavailable for candidate", "symbol", candidate.Symbol, "error", err)
		profile = CompanyProfile{Symbol: candidate.Symbol}
	}

	name := firstNonEmpty(profile.Name, candidate.Name, candidate.Symbol)
	sector := firstNonEmpty(profile.Sector, candidate.Sector)
	industry := firstNonEmpty(profile.Industry, candidate.Industry)
	candidate.Sector = sector

	return Recommendation{
		Symbol:        candidate.Symbol,
		Name:          name,
		Sector:        sector,
		Industry:      industry,
		Price:         quote.Price,
		Change:        quote.Change,
		ChangePercent: quote.ChangePercent,
		Provenance:    quote.Provenance,
		RiskLevel:     candidate.RiskLevel,
		MarketCap:     c.caps.Resolve(ctx, candidate, quote, profile),
		Scores:        c.scorer.Score(candidate, quote, user),
		Thesis:        candidate.Thesis,
		Benefits:      candidate.Benefits,
		Risks:         candidate.Risks,
	}
}

func defaultDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
