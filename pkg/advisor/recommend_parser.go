package advisor

import (
	"encoding/json"
	"regexp"
	"strings"
)

// parseOutcome tags how candidate extraction went: a clean parse, a partial
// recovery with some objects dropped, or a total failure.
type parseOutcome int

const (
	parseOk parseOutcome = iota
	parsePartial
	parseFailed
)

var reTrailingComma = regexp.MustCompile(`,\s*([}\]])`)

var smartPunctReplacer = strings.NewReplacer(
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"—", "-", // em dash
	"–", "-", // en dash
	"…", "...", // ellipsis
)

// stripControlChars maps raw control characters to spaces. Models emit
// literal tabs and newlines inside string values, which JSON forbids; a
// space keeps the value parseable, and between tokens it is harmless.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 {
			return ' '
		}
		return r
	}, s)
}

// parseCandidates extracts recommendation candidates from raw model output.
// Stage one normalizes the text (code fences, smart quotes, trailing commas,
// bracket span) and tries a strict parse; stage two walks the array and
// recovers every individually-parseable object, dropping the broken ones.
func parseCandidates(raw string) ([]Candidate, int, parseOutcome) {
	cleaned := cleanupModelJSON(raw)
	if cleaned == "" {
		return nil, 0, parseFailed
	}

	if candidates, ok := strictParseCandidates(cleaned); ok {
		candidates = filterHasSymbol(candidates)
		if len(candidates) > 0 {
			return candidates, 0, parseOk
		}
		return nil, 0, parseFailed
	}

	candidates, dropped := recoverCandidates(cleaned)
	if len(candidates) == 0 {
		return nil, dropped, parseFailed
	}
	return candidates, dropped, parsePartial
}

// cleanupModelJSON normalizes model output into a best-effort JSON array:
// strips markdown code fences, clamps to the outermost bracket span,
// replaces smart punctuation with ASCII, maps control characters to spaces,
// and removes trailing commas.
func cleanupModelJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
			if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
				lines = lines[:len(lines)-1]
			}
			trimmed = strings.Join(lines, "\n")
		}
	}

	// Models sometimes wrap the array in an envelope object; prefer the
	// array span when one exists. An opening bracket with no close means
	// the output was truncated: keep the tail so recovery can walk it.
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	switch {
	case start >= 0 && end > start:
		trimmed = trimmed[start : end+1]
	case start >= 0:
		trimmed = trimmed[start:]
	default:
		objStart := strings.Index(trimmed, "{")
		objEnd := strings.LastIndex(trimmed, "}")
		if objStart >= 0 && objEnd > objStart {
			trimmed = trimmed[objStart : objEnd+1]
		}
	}

	trimmed = stripControlChars(trimmed)
	trimmed = smartPunctReplacer.Replace(trimmed)
	trimmed = reTrailingComma.ReplaceAllString(trimmed, "$1")
	return strings.TrimSpace(trimmed)
}

func filterHasSymbol(candidates []Candidate) []Candidate {
	kept := candidates[:0]
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.Symbol) != "" {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func strictParseCandidates(cleaned string) ([]Candidate, bool) {
	var candidates []Candidate
	if err := json.Unmarshal([]byte(cleaned), &candidates); err == nil {
		return candidates, len(candidates) > 0
	}

	// Envelope object with the array under a known key.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return nil, false
	}
	for _, key := range []string{"recommendations", "candidates", "stocks", "results"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &candidates); err == nil {
			return candidates, true
		}
	}
	return nil, false
}

// recoverCandidates scans the text for balanced top-level objects and parses
// each independently. Brace matching is string-aware so braces inside thesis
// text do not break the walk. Returns the recovered candidates and how many
// balanced objects failed to parse.
func recoverCandidates(text string) ([]Candidate, int) {
	var candidates []Candidate
	dropped := 0
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				object := text[start : i+1]
				var candidate Candidate
				if err := json.Unmarshal([]byte(object), &candidate); err != nil || candidate.Symbol == "" {
					dropped++
				} else {
					candidates = append(candidates, candidate)
				}
				start = -1
			}
		}
	}
	// An unterminated object at the tail counts as dropped.
	if depth > 0 && start >= 0 {
		dropped++
	}
	return candidates, dropped
}
