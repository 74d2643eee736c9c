package advisor

import (
	"math"
	"math/rand"
	"strings"
)

// sectorRisk maps a sector to a risk score in [0,1]. Unlisted sectors get
// the neutral 0.5.
var sectorRisk = map[string]float64{
	"technology":             0.8,
	"communication services": 0.7,
	"consumer discretionary": 0.65,
	"energy":                 0.6,
	"industrials":            0.55,
	"financial services":     0.5,
	"financials":             0.5,
	"real estate":            0.45,
	"healthcare":             0.4,
	"consumer staples":       0.3,
	"utilities":              0.2,
}

const (
	neutralScore       = 0.5
	defaultJitter      = 0.05
	minPersonalization = 0.1
	maxPersonalization = 0.95
	minConfidence      = 25
	maxConfidence      = 95
)

// scorer computes per-(candidate, user) personalization scores. Stateless
// aside from the jitter source; every scoring function is pure and
// substitutes neutral defaults for missing inputs instead of failing.
type scorer struct {
	jitterFraction float64
	jitterFn       func() float64 // returns [0,1); injectable for tests
}

func newScorer(jitterFraction float64, jitterFn func() float64) *scorer {
	if jitterFraction < 0 {
		jitterFraction = 0
	}
	if jitterFn == nil {
		jitterFn = rand.Float64
	}
	return &scorer{jitterFraction: jitterFraction, jitterFn: jitterFn}
}

// Score computes the full personalization score set for one candidate.
func (s *scorer) Score(candidate Candidate, quote Quote, user UserProfile) PersonalizationScore {
	diversification := sectorDiversification(candidate.Sector, user)
	risk := riskAlignment(candidate.Sector, user)
	fit := portfolioFit(candidate.Symbol, quote.Price, user)

	score := s.weightedComposite(diversification, risk, fit, candidate.Sector, user)
	confidence := compositeConfidence(candidate, quote, user)

	return PersonalizationScore{
		SectorDiversification: diversification,
		RiskAlignment:         risk,
		PortfolioFit:          fit,
		Personalization:       score,
		CompositeConfidence:   confidence,
	}
}

// sectorDiversification rewards candidates outside the user's concentrated
// sectors. 1.0 with no holdings; fixed low scores past the concentration
// breakpoints; linear in between.
func sectorDiversification(sector string, user UserProfile) float64 {
	if len(user.Holdings) == 0 {
		return 1.0
	}
	sector = normalizeSector(sector)
	if sector == "" {
		return neutralScore
	}
	inSector := 0
	for _, holding := range user.Holdings {
		if normalizeSector(holding.Sector) == sector {
			inSector++
		}
	}
	concentration := float64(inSector) / float64(len(user.Holdings))
	switch {
	case concentration >= 0.5:
		return 0.2
	case concentration >= 0.3:
		return 0.45
	default:
		return 1 - concentration
	}
}

// riskAlignment measures how closely the candidate sector's risk matches the
// user's appetite. Both sides normalize to [0,1] before comparison.
func riskAlignment(sector string, user UserProfile) float64 {
	stockRisk, ok := sectorRisk[normalizeSector(sector)]
	if !ok {
		stockRisk = neutralScore
	}
	return clamp01(1 - math.Abs(userRiskScore(user)-stockRisk))
}

// userRiskScore averages the risk-quiz answers when present, falling back to
// the coarse 1-5 tolerance, then to neutral.
func userRiskScore(user UserProfile) float64 {
	if len(user.RiskQuiz) > 0 {
		sum := 0
		for _, answer := range user.RiskQuiz {
			sum += clampInt(answer, 1, 5)
		}
		avg := float64(sum) / float64(len(user.RiskQuiz))
		return (avg - 1) / 4
	}
	if user.RiskTolerance >= 1 && user.RiskTolerance <= 5 {
		return float64(user.RiskTolerance-1) / 4
	}
	return neutralScore
}

// portfolioFit scores how the candidate would sit in the portfolio: a first
// investment is ideal, doubling down on a held symbol is discouraged, and a
// per-share price that would dwarf the existing invested capital is
// penalized.
func portfolioFit(symbol string, price float64, user UserProfile) float64 {
	if len(user.Holdings) == 0 {
		return 1.0
	}
	if _, held := user.Holdings[symbol]; held {
		return 0.3
	}

	// Smaller portfolios have more to gain from a new position.
	fit := 0.9 - 0.04*float64(len(user.Holdings))
	if fit < neutralScore {
		fit = neutralScore
	}

	invested := investedCapital(user)
	if price > 0 && invested > 0 {
		// One share versus a tenth of invested capital as the oversize bar.
		ratio := price / (invested * 0.1)
		if ratio > 1 {
			fit -= math.Min(0.4, (ratio-1)*0.1)
		}
	}
	return clamp01(fit)
}

func investedCapital(user UserProfile) float64 {
	total := 0.0
	for _, holding := range user.Holdings {
		avg, _ := holding.AvgPrice.Float64()
		if holding.Shares > 0 && avg > 0 {
			total += holding.Shares * avg
		}
	}
	return total
}

// weightedComposite blends the three sub-scores with weights that shift by
// portfolio size, applies the liked/rejected sector affinity, adds the
// configured jitter, and clamps.
func (s *scorer) weightedComposite(diversification, risk, fit float64, sector string, user UserProfile) float64 {
	var wDiv, wRisk, wFit float64
	switch n := len(user.Holdings); {
	case n == 0:
		// New investor: matching their appetite matters most.
		wDiv, wRisk, wFit = 0.2, 0.5, 0.3
	case n < 5:
		wDiv, wRisk, wFit = 0.35, 0.35, 0.3
	default:
		// Established portfolio: diversification dominates.
		wDiv, wRisk, wFit = 0.5, 0.3, 0.2
	}
	score := wDiv*diversification + wRisk*risk + wFit*fit

	score += sectorAffinity(sector, user)

	if s.jitterFraction > 0 {
		score += (s.jitterFn()*2 - 1) * s.jitterFraction
	}
	return clampRange(score, minPersonalization, maxPersonalization)
}

// sectorAffinity returns a bounded bonus when the user has liked symbols in
// the candidate's sector and a bounded penalty when they have rejected them.
func sectorAffinity(sector string, user UserProfile) float64 {
	sector = normalizeSector(sector)
	if sector == "" {
		return 0
	}
	affinity := 0.0
	for _, liked := range user.LikedSymbols {
		if normalizeSector(liked.Sector) == sector {
			affinity += 0.02
		}
	}
	for _, rejected := range user.RejectedSymbols {
		if normalizeSector(rejected.Sector) == sector {
			affinity -= 0.02
		}
	}
	return clampRange(affinity, -0.1, 0.1)
}

// compositeConfidence starts from the model's asserted confidence and nudges
// it by risk-tolerance fit, market-cap size, and recent momentum, then
// clamps to an integer percentage.
func compositeConfidence(candidate Candidate, quote Quote, user UserProfile) int {
	confidence := normalizedConfidence(candidate.Confidence) * 100

	// Risk fit: sectors far from the user's appetite cost confidence.
	fit := riskAlignment(candidate.Sector, user)
	switch {
	case fit >= 0.8:
		confidence += 5
	case fit < 0.4:
		confidence -= 5
	}

	// Larger caps carry steadier fundamentals.
	switch caps := candidate.MarketCapBillions; {
	case caps >= 200:
		confidence += 5
	case caps >= 10:
		confidence += 2
	case caps > 0 && caps < 2:
		confidence -= 5
	}

	// Momentum: reward a gentle rise, penalize a sharp drop.
	switch pct := quote.ChangePercent; {
	case pct >= 0.5 && pct <= 5:
		confidence += 3
	case pct < -5:
		confidence -= 3
	}

	return clampInt(int(math.Round(confidence)), minConfidence, maxConfidence)
}

// normalizedConfidence maps model-asserted confidence onto [0,1], accepting
// either fraction or percentage form. Missing confidence is neutral.
func normalizedConfidence(raw float64) float64 {
	switch {
	case raw <= 0:
		return neutralScore
	case raw <= 1:
		return raw
	case raw <= 100:
		return raw / 100
	default:
		return 1
	}
}

func normalizeSector(sector string) string {
	return strings.ToLower(strings.TrimSpace(sector))
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}

func clampInt(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
