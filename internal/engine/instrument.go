package engine

import (
	"fmt"
	"strings"
)

// Pair length bounds after normalization. The shortest listed pairs are
// 5 characters (e.g. SCUSD); anything past 12 is not a spot pair.
const (
	minPairLen = 5
	maxPairLen = 12
)

// InstrumentRules validates and normalizes trading-pair symbols
type InstrumentRules struct {
	quoteCurrencies []string
}

// NewInstrumentRules creates instrument rules for the supported quote
// currencies (already upper-cased by config)
func NewInstrumentRules(quoteCurrencies []string) InstrumentRules {
	return InstrumentRules{quoteCurrencies: quoteCurrencies}
}

// Normalize upper-cases and validates a raw symbol, returning the
// normalized pair. A valid pair has a non-empty base asset followed by a
// supported quote currency.
func (r InstrumentRules) Normalize(raw string) (string, error) {
	pair := strings.ToUpper(strings.TrimSpace(raw))

	if len(pair) < minPairLen || len(pair) > maxPairLen {
		return "", fmt.Errorf("%w: instrument %q must be %d-%d characters", ErrInvalidInput, raw, minPairLen, maxPairLen)
	}

	for _, ch := range pair {
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return "", fmt.Errorf("%w: instrument %q contains invalid characters", ErrInvalidInput, raw)
		}
	}

	if _, ok := r.splitQuote(pair); !ok {
		return "", fmt.Errorf("%w: instrument %q must end with a supported quote currency (%s)",
			ErrInvalidInput, raw, strings.Join(r.quoteCurrencies, ", "))
	}

	return pair, nil
}

// BaseAsset returns the base asset of a normalized pair, e.g. XBT for
// XBTUSD. Falls back to the whole pair when no quote suffix matches.
func (r InstrumentRules) BaseAsset(pair string) string {
	if base, ok := r.splitQuote(pair); ok {
		return base
	}
	return pair
}

// splitQuote strips the longest matching quote suffix and returns the base
func (r InstrumentRules) splitQuote(pair string) (string, bool) {
	base := ""
	matched := false
	for _, quote := range r.quoteCurrencies {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			candidate := strings.TrimSuffix(pair, quote)
			if !matched || len(candidate) < len(base) {
				base = candidate
				matched = true
			}
		}
	}
	return base, matched
}
