package forward

import (
	"strings"
	"unicode"
)

// ApplyFilters runs the pure filter/transform engine: given trimmed inbound
// text and task settings it returns the ordered, deduplicated list of lines
// to forward. An empty result means forward nothing.
//
// raw_text short-circuits every other filter. The non-raw filters fire
// independently and their results are unioned; dedup keeps first-occurrence
// order. Prefix/suffix concatenation is applied to every surviving line with
// no separator, regardless of the add_prefix_suffix flag (matching the
// observed behavior of the settings menu this engine was built against).
func ApplyFilters(text string, s Settings) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var results []string

	if s.Filters.RawText {
		results = append(results, text)
	} else {
		tokens := strings.Fields(text)
		hasDigit := containsDigit(text)
		hasLetter := containsLetter(text)

		if s.Filters.NumbersOnly && hasDigit {
			results = append(results, text)
		}
		if s.Filters.AlphabetsOnly && hasLetter && !hasDigit {
			results = append(results, text)
		}
		if s.Filters.RemovedAlphabetic && hasLetter {
			for _, tok := range tokens {
				if allLetters(tok) {
					results = append(results, tok)
				}
			}
		}
		if s.Filters.RemovedNumeric && hasDigit {
			for _, tok := range tokens {
				if allDigits(tok) {
					results = append(results, tok)
				}
			}
		}
	}

	if len(results) == 0 {
		return nil
	}

	// Dedup preserving first occurrence order.
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	if s.Prefix != "" || s.Suffix != "" {
		for i, line := range out {
			out[i] = s.Prefix + line + s.Suffix
		}
	}
	return out
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func containsLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func allLetters(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
