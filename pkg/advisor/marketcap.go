package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const marketCapSystemPrompt = `You are a financial data assistant. When asked for a company's market capitalization, respond with a single number: the market cap in billions of US dollars. No words, no units, no punctuation other than a decimal point.`

// capStrategy is one tier of the market-cap fallback chain. Returns the cap
// in millions and whether this tier produced a usable value.
type capStrategy struct {
	name string
	fn   func(ctx context.Context) (float64, bool)
}

// capResolver fills in market capitalization for candidates whose profile
// data is missing it. The tiers run in order, first success wins.
type capResolver struct {
	logger   *slog.Logger
	estimate func(ctx context.Context, symbol, name string) (float64, error)
}

func newCapResolver(logger *slog.Logger, estimate func(ctx context.Context, symbol, name string) (float64, error)) *capResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &capResolver{logger: logger, estimate: estimate}
}

// Resolve produces a market cap for the candidate. Never fails: the price
// bucket heuristic at the end of the chain always yields an estimate.
func (r *capResolver) Resolve(ctx context.Context, candidate Candidate, quote Quote, profile CompanyProfile) MarketCap {
	strategies := []capStrategy{
		{"profile", func(context.Context) (float64, bool) {
			if profile.MarketCapMillions != nil && *profile.MarketCapMillions > 0 {
				return *profile.MarketCapMillions, true
			}
			return 0, false
		}},
		{"candidate", func(context.Context) (float64, bool) {
			if candidate.MarketCapBillions > 0 {
				return candidate.MarketCapBillions * 1000, true
			}
			return 0, false
		}},
		{"computed", func(context.Context) (float64, bool) {
			if quote.Price > 0 && profile.ShareCountMillions != nil && *profile.ShareCountMillions > 0 {
				return quote.Price * *profile.ShareCountMillions, true
			}
			return 0, false
		}},
		{"estimated", func(ctx context.Context) (float64, bool) {
			return r.estimateCap(ctx, candidate.Symbol, candidate.Name)
		}},
		{"heuristic", func(context.Context) (float64, bool) {
			return priceBucketCap(quote.Price), true
		}},
	}

	for _, strategy := range strategies {
		if millions, ok := strategy.fn(ctx); ok {
			return MarketCap{
				Millions: millions,
				Display:  formatMarketCap(millions),
				Source:   strategy.name,
			}
		}
	}
	// Unreachable: the heuristic tier always succeeds.
	return MarketCap{Display: "N/A", Source: "none"}
}

// estimateCap asks the generation service for a bare numeric estimate in
// billions. Any non-numeric or non-positive reply is rejected.
func (r *capResolver) estimateCap(ctx context.Context, symbol, name string) (float64, bool) {
	if r.estimate == nil {
		return 0, false
	}
	billions, err := r.estimate(ctx, symbol, name)
	if err != nil {
		r.logger.Warn("market cap estimate failed", "symbol", symbol, "error", err)
		return 0, false
	}
	if billions <= 0 {
		return 0, false
	}
	return billions * 1000, true
}

// parseCapEstimate extracts the numeric billions value from a model reply,
// tolerating stray units or thousands separators.
func parseCapEstimate(content string) (float64, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimSuffix(strings.ToUpper(cleaned), "B")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	billions, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, NewError(ErrCodeGenerationParse, fmt.Sprintf("non-numeric market cap estimate %q", content))
	}
	if billions <= 0 {
		return 0, NewError(ErrCodeGenerationParse, fmt.Sprintf("non-positive market cap estimate %g", billions))
	}
	return billions, nil
}

// priceBucketCap maps share price to a coarse cap estimate in millions.
// High-priced shares usually belong to larger companies; this is a last
// resort, never presented as authoritative data.
func priceBucketCap(price float64) float64 {
	switch {
	case price >= 500:
		return 500_000
	case price >= 100:
		return 100_000
	case price >= 20:
		return 20_000
	case price > 0:
		return 2_000
	default:
		return 1_000
	}
}

// formatMarketCap renders a value in millions as a human-scale string.
func formatMarketCap(millions float64) string {
	switch {
	case millions >= 1_000_000:
		return trimZeros(millions/1_000_000) + "T"
	case millions >= 1_000:
		return trimZeros(millions/1_000) + "B"
	case millions >= 1:
		return trimZeros(millions) + "M"
	case millions > 0:
		return trimZeros(millions*1_000) + "K"
	default:
		return "N/A"
	}
}

func trimZeros(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return "$" + s
}
