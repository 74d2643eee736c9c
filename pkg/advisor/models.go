package advisor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provenance tags where a quote's data came from.
type Provenance string

const (
	// ProvenanceLive marks data fetched from the upstream on this request.
	ProvenanceLive Provenance = "live"
	// ProvenanceCached marks data served from the cache (fresh or stale).
	ProvenanceCached Provenance = "cached"
	// ProvenanceFallback marks data from the static last-known-good table.
	ProvenanceFallback Provenance = "fallback"
)

// Quote is a point-in-time price snapshot for a symbol.
// Price is always positive for any Quote returned to a caller.
type Quote struct {
	Symbol        string     `json:"symbol"`
	Price         float64    `json:"price"`
	Change        float64    `json:"change"`
	ChangePercent float64    `json:"change_percent"`
	High          float64    `json:"high"`
	Low           float64    `json:"low"`
	Open          float64    `json:"open"`
	PreviousClose float64    `json:"previous_close"`
	Volume        int64      `json:"volume,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Provenance    Provenance `json:"provenance"`
}

// CompanyProfile is reference data for a symbol. Fetched lazily and cached
// with a longer TTL than quotes; optional upstream fields stay nil.
type CompanyProfile struct {
	Symbol             string   `json:"symbol"`
	Name               string   `json:"name"`
	Sector             string   `json:"sector"`
	Industry           string   `json:"industry"`
	MarketCapMillions  *float64 `json:"market_cap_millions,omitempty"`
	ShareCountMillions *float64 `json:"share_count_millions,omitempty"`
	Exchange           string   `json:"exchange,omitempty"`
}

// Candidate is one recommendation candidate recovered from the
// text-generation response. Never used without sanitization.
type Candidate struct {
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	Sector            string   `json:"sector"`
	Industry          string   `json:"industry"`
	RiskLevel         string   `json:"risk_level"`
	Confidence        float64  `json:"confidence"`
	MarketCapBillions float64  `json:"market_cap_billions,omitempty"`
	Thesis            string   `json:"thesis"`
	Benefits          []string `json:"benefits,omitempty"`
	Risks             []string `json:"risks,omitempty"`
}

// UnmarshalJSON tolerates the shapes models actually produce: numeric fields
// as strings, risk level under alternate keys, and benefits/risks as either a
// single string or an array.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var raw struct {
		Symbol            string `json:"symbol"`
		Ticker            string `json:"ticker"`
		Name              string `json:"name"`
		CompanyName       string `json:"company_name"`
		Sector            string `json:"sector"`
		Industry          string `json:"industry"`
		RiskLevel         string `json:"risk_level"`
		RiskLevelAlt      string `json:"riskLevel"`
		Risk              string `json:"risk"`
		Confidence        any    `json:"confidence"`
		MarketCapBillions any    `json:"market_cap_billions"`
		Thesis            string `json:"thesis"`
		Reason            string `json:"reason"`
		Benefits          any    `json:"benefits"`
		Risks             any    `json:"risks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Symbol = firstNonEmpty(raw.Symbol, raw.Ticker)
	c.Name = firstNonEmpty(raw.Name, raw.CompanyName)
	c.Sector = raw.Sector
	c.Industry = raw.Industry
	c.RiskLevel = firstNonEmpty(raw.RiskLevel, raw.RiskLevelAlt, raw.Risk)
	c.Confidence = anyToFloat(raw.Confidence)
	c.MarketCapBillions = anyToFloat(raw.MarketCapBillions)
	c.Thesis = firstNonEmpty(raw.Thesis, raw.Reason)
	c.Benefits = anyToStrings(raw.Benefits)
	c.Risks = anyToStrings(raw.Risks)
	return nil
}

func anyToFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(val), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

func anyToStrings(v any) []string {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

func normalizeSymbolInput(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// TaggedSymbol records a symbol together with the sector it belonged to when
// the user acted on it, so sector affinity survives without a lookup.
type TaggedSymbol struct {
	Symbol string `json:"symbol"`
	Sector string `json:"sector"`
}

// Holding is one position in the user's portfolio.
type Holding struct {
	Sector   string  `json:"sector"`
	Shares   float64 `json:"shares"`
	AvgPrice Amount  `json:"avg_price"`
}

// UserProfile is read-only input describing the user. Missing fields are
// tolerated everywhere; scoring substitutes neutral defaults.
type UserProfile struct {
	RiskTolerance   int                `json:"risk_tolerance"` // 1 (conservative) .. 5 (aggressive)
	RiskQuiz        []int              `json:"risk_quiz,omitempty"`
	Holdings        map[string]Holding `json:"holdings,omitempty"`
	LikedSymbols    []TaggedSymbol     `json:"liked_symbols,omitempty"`
	RejectedSymbols []TaggedSymbol     `json:"rejected_symbols,omitempty"`
	CashAvailable   Amount             `json:"cash_available"`
}

// PersonalizationScore holds the per-(candidate, user) scores. The three
// sub-scores and the weighted score live in [0,1]; CompositeConfidence is an
// integer percentage clamped to [25,95].
type PersonalizationScore struct {
	SectorDiversification float64 `json:"sector_diversification"`
	RiskAlignment         float64 `json:"risk_alignment"`
	PortfolioFit          float64 `json:"portfolio_fit"`
	Personalization       float64 `json:"personalization_score"`
	CompositeConfidence   int     `json:"composite_confidence"`
}

// MarketCap is a resolved market capitalization: the raw value for arithmetic
// plus the human-scale display string.
type MarketCap struct {
	Millions float64 `json:"millions"`
	Display  string  `json:"display"`
	Source   string  `json:"source"`
}

// Recommendation is one ranked entry of the pipeline output.
type Recommendation struct {
	Symbol        string               `json:"symbol"`
	Name          string               `json:"name"`
	Sector        string               `json:"sector"`
	Industry      string               `json:"industry,omitempty"`
	Price         float64              `json:"price"`
	Change        float64              `json:"change"`
	ChangePercent float64              `json:"change_percent"`
	Provenance    Provenance           `json:"provenance"`
	RiskLevel     string               `json:"risk_level"`
	MarketCap     MarketCap            `json:"market_cap"`
	Scores        PersonalizationScore `json:"scores"`
	Thesis        string               `json:"thesis"`
	Benefits      []string             `json:"benefits,omitempty"`
	Risks         []string             `json:"risks,omitempty"`
}

// RecommendationSet is the ordered pipeline output returned to callers.
type RecommendationSet struct {
	GeneratedAt     string           `json:"generated_at"`
	Model           string           `json:"model"`
	Requested       int              `json:"requested"`
	Dropped         int              `json:"dropped,omitempty"`
	Partial         bool             `json:"partial,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
}

// StatusReport exposes operational state for introspection.
type StatusReport struct {
	QuotaExhausted   bool `json:"quota_exhausted"`
	QuoteCacheSize   int  `json:"quote_cache_size"`
	ProfileCacheSize int  `json:"profile_cache_size"`
	QueueDepth       int  `json:"queue_depth"`
	PrioritySymbols  int  `json:"priority_symbols"`
}
