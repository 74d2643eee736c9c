package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const defaultGenerationTimeout = 90 * time.Second

const recommendationSystemPrompt = `You are a stock recommendation engine for retail investors. You respond with a JSON array only: no prose, no markdown, no code fences.
Each array element is an object with these fields:
- symbol: string, the US exchange ticker
- name: string, the company name
- sector: string, one of the GICS sectors
- industry: string
- risk_level: string, one of low/medium/high
- confidence: number in [0,1], your conviction in this pick
- market_cap_billions: number, approximate market capitalization in billions USD
- thesis: string, two sentences on why this stock fits the investor
- benefits: array of short strings
- risks: array of short strings
Never recommend a symbol the request tells you to exclude. Recommendations are educational, not financial advice.`

// recommender issues one generation request per recommendation batch and
// repairs the response into sanitized candidates.
type recommender struct {
	logger   *slog.Logger
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
}

func newRecommender(logger *slog.Logger, baseURL, apiKey, model string, timeout time.Duration) (*recommender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, NewError(ErrCodeInvalidInput, "generation api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, NewError(ErrCodeInvalidInput, "generation model is required")
	}
	endpoint, err := buildCompletionsEndpoint(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	return &recommender{
		logger:   logger,
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    strings.TrimSpace(model),
		timeout:  timeout,
	}, nil
}

// Generate requests count candidates, excluding the given symbols. Partial
// recovery is not an error: fewer candidates than requested come back with
// dropped reporting how many objects were lost to truncation. Zero
// recoverable candidates is a GENERATION_PARSE_FAILURE.
func (r *recommender) Generate(ctx context.Context, count int, user UserProfile, exclude []string) ([]Candidate, int, string, error) {
	if count <= 0 {
		return nil, 0, "", NewError(ErrCodeInvalidInput, "count must be positive")
	}

	excludeSet := make(map[string]bool, len(exclude))
	for _, symbol := range exclude {
		excludeSet[strings.ToUpper(strings.TrimSpace(symbol))] = true
	}

	userPrompt, err := buildRecommendationPrompt(count, user, excludeSet)
	if err != nil {
		return nil, 0, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := generateCompletion(ctx, completionRequest{
		EndpointURL:  r.endpoint,
		APIKey:       r.apiKey,
		Model:        r.model,
		SystemPrompt: recommendationSystemPrompt,
		UserPrompt:   userPrompt,
		Logger:       r.logger,
	})
	if err != nil {
		return nil, 0, "", err
	}

	candidates, dropped, outcome := parseCandidates(result.Content)
	if outcome == parseFailed {
		return nil, dropped, "", NewError(ErrCodeGenerationParse, "no recommendations recoverable from generation response")
	}
	if outcome == parsePartial {
		r.logger.Warn("partial recommendation recovery", "recovered", len(candidates), "dropped", dropped)
	}

	candidates = sanitizeCandidates(candidates, excludeSet)
	if len(candidates) == 0 {
		return nil, dropped, "", NewError(ErrCodeGenerationParse, "no valid candidates after sanitization")
	}
	return candidates, dropped, result.Model, nil
}

// EstimateMarketCap asks the generation service for a bare numeric market
// cap estimate in billions.
func (r *recommender) EstimateMarketCap(ctx context.Context, symbol, name string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	label := symbol
	if name != "" {
		label = fmt.Sprintf("%s (%s)", name, symbol)
	}
	result, err := generateCompletion(ctx, completionRequest{
		EndpointURL:  r.endpoint,
		APIKey:       r.apiKey,
		Model:        r.model,
		SystemPrompt: marketCapSystemPrompt,
		UserPrompt:   fmt.Sprintf("Market capitalization of %s in billions of USD. Number only.", label),
		Logger:       r.logger,
	})
	if err != nil {
		return 0, err
	}
	return parseCapEstimate(result.Content)
}

type promptHolding struct {
	Symbol string  `json:"symbol"`
	Sector string  `json:"sector"`
	Shares float64 `json:"shares"`
}

type promptInput struct {
	RiskTolerance   int             `json:"risk_tolerance"`
	Holdings        []promptHolding `json:"holdings,omitempty"`
	LikedSectors    []string        `json:"liked_sectors,omitempty"`
	RejectedSectors []string        `json:"rejected_sectors,omitempty"`
	CashAvailable   float64         `json:"cash_available,omitempty"`
}

func buildRecommendationPrompt(count int, user UserProfile, excludeSet map[string]bool) (string, error) {
	input := promptInput{RiskTolerance: user.RiskTolerance}
	for symbol, holding := range user.Holdings {
		input.Holdings = append(input.Holdings, promptHolding{Symbol: symbol, Sector: holding.Sector, Shares: holding.Shares})
	}
	sort.Slice(input.Holdings, func(i, j int) bool { return input.Holdings[i].Symbol < input.Holdings[j].Symbol })
	input.LikedSectors = uniqueSectors(user.LikedSymbols)
	input.RejectedSectors = uniqueSectors(user.RejectedSymbols)
	input.CashAvailable, _ = user.CashAvailable.Float64()

	payload, err := json.Marshal(input)
	if err != nil {
		return "", WrapError(ErrCodeInternal, "marshal prompt input", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recommend exactly %d US-listed stocks for this investor profile:\n", count)
	sb.Write(payload)
	sb.WriteString("\nRisk tolerance is on a 1 (conservative) to 5 (aggressive) scale.")
	if len(excludeSet) > 0 {
		excluded := make([]string, 0, len(excludeSet))
		for symbol := range excludeSet {
			excluded = append(excluded, symbol)
		}
		sort.Strings(excluded)
		fmt.Fprintf(&sb, "\nDo NOT recommend any of these symbols under any circumstances: %s.", strings.Join(excluded, ", "))
	}
	sb.WriteString("\nRespond with the JSON array only.")
	return sb.String(), nil
}

func uniqueSectors(symbols []TaggedSymbol) []string {
	seen := map[string]bool{}
	var sectors []string
	for _, tagged := range symbols {
		sector := strings.TrimSpace(tagged.Sector)
		if sector == "" || seen[strings.ToLower(sector)] {
			continue
		}
		seen[strings.ToLower(sector)] = true
		sectors = append(sectors, sector)
	}
	sort.Strings(sectors)
	return sectors
}

// sanitizeCandidates normalizes recovered candidates and drops the ones the
// service was told to exclude but returned anyway.
func sanitizeCandidates(candidates []Candidate, excludeSet map[string]bool) []Candidate {
	sanitized := make([]Candidate, 0, len(candidates))
	seen := map[string]bool{}
	for _, candidate := range candidates {
		symbol := strings.ToUpper(strings.TrimSpace(candidate.Symbol))
		if symbol == "" || !reSymbol.MatchString(symbol) || excludeSet[symbol] || seen[symbol] {
			continue
		}
		seen[symbol] = true
		candidate.Symbol = symbol
		candidate.RiskLevel = normalizeRiskLevel(candidate.RiskLevel)
		if candidate.Sector == "" {
			if sector, ok := fallbackSector(symbol); ok {
				candidate.Sector = sector
			}
		}
		if candidate.Confidence < 0 {
			candidate.Confidence = 0
		}
		sanitized = append(sanitized, candidate)
	}
	return sanitized
}

func normalizeRiskLevel(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "conservative":
		return "low"
	case "high", "aggressive":
		return "high"
	default:
		return "medium"
	}
}
