package advisor

import "time"

// fallbackRow is a last-known-good price snapshot, served only when both
// the upstream and the stale cache come up empty. Prices are approximate
// baseline levels, not live data.
type fallbackRow struct {
	price  float64
	name   string
	sector string
}

var fallbackTable = map[string]fallbackRow{
	"AAPL":  {price: 228.0, name: "Apple Inc.", sector: "Technology"},
	"MSFT":  {price: 447.0, name: "Microsoft Corporation", sector: "Technology"},
	"GOOGL": {price: 186.0, name: "Alphabet Inc.", sector: "Technology"},
	"AMZN":  {price: 218.0, name: "Amazon.com Inc.", sector: "Consumer Discretionary"},
	"NVDA":  {price: 135.0, name: "NVIDIA Corporation", sector: "Technology"},
	"META":  {price: 595.0, name: "Meta Platforms Inc.", sector: "Technology"},
	"TSLA":  {price: 335.0, name: "Tesla Inc.", sector: "Consumer Discretionary"},
	"BRK.B": {price: 465.0, name: "Berkshire Hathaway Inc.", sector: "Financial Services"},
	"JPM":   {price: 245.0, name: "JPMorgan Chase & Co.", sector: "Financial Services"},
	"V":     {price: 315.0, name: "Visa Inc.", sector: "Financial Services"},
	"JNJ":   {price: 152.0, name: "Johnson & Johnson", sector: "Healthcare"},
	"UNH":   {price: 505.0, name: "UnitedHealth Group Inc.", sector: "Healthcare"},
	"PFE":   {price: 26.0, name: "Pfizer Inc.", sector: "Healthcare"},
	"XOM":   {price: 118.0, name: "Exxon Mobil Corporation", sector: "Energy"},
	"CVX":   {price: 158.0, name: "Chevron Corporation", sector: "Energy"},
	"PG":    {price: 168.0, name: "Procter & Gamble Co.", sector: "Consumer Staples"},
	"KO":    {price: 63.0, name: "The Coca-Cola Company", sector: "Consumer Staples"},
	"WMT":   {price: 92.0, name: "Walmart Inc.", sector: "Consumer Staples"},
	"DIS":   {price: 112.0, name: "The Walt Disney Company", sector: "Communication Services"},
	"NEE":   {price: 72.0, name: "NextEra Energy Inc.", sector: "Utilities"},
	"O":     {price: 57.0, name: "Realty Income Corporation", sector: "Real Estate"},
	"BA":    {price: 178.0, name: "The Boeing Company", sector: "Industrials"},
}

// fallbackQuote returns a synthetic quote from the static table. Change
// fields are zero: with no live reference there is nothing to diff against.
func fallbackQuote(symbol string) (Quote, bool) {
	row, ok := fallbackTable[symbol]
	if !ok {
		return Quote{}, false
	}
	return Quote{
		Symbol:        symbol,
		Price:         row.price,
		PreviousClose: row.price,
		Timestamp:     time.Now(),
		Provenance:    ProvenanceFallback,
	}, true
}

// fallbackSector returns the static table's sector tag for symbol, if known.
func fallbackSector(symbol string) (string, bool) {
	row, ok := fallbackTable[symbol]
	if !ok {
		return "", false
	}
	return row.sector, true
}
