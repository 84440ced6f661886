package model

import (
	"strings"
	"unicode"
)

// corporateSuffixes are dropped from the end of cleaned merchant names.
var corporateSuffixes = []string{
	" Llc",
	" Inc",
	" Corp",
	" Corporation",
	" Company",
	" Co",
	" Ltd",
	" Limited",
}

// merchantStopWords never contribute to merchant similarity.
var merchantStopWords = map[string]bool{
	"the":      true,
	"and":      true,
	"of":       true,
	"inc":      true,
	"llc":      true,
	"co":       true,
	"corp":     true,
	"ltd":      true,
	"store":    true,
	"pos":      true,
	"purchase": true,
}

// CleanMerchantName standardizes merchant names by removing store numbers,
// transaction ids and corporate suffixes and normalizing case.
// The same rules apply to every source so names compare across sources.
func CleanMerchantName(name string) string {
	words := strings.Fields(strings.ToLower(name))

	kept := words[:0]
	for _, word := range words {
		if strings.HasPrefix(word, "#") && isAllDigits(strings.TrimPrefix(word, "#")) {
			continue
		}
		kept = append(kept, word)
	}
	words = kept

	// Trailing reference numbers like "MERCHANT 123456789" or "STORE 0042"
	for len(words) > 1 {
		last := words[len(words)-1]
		if len(last) >= 3 && isAllDigits(last) {
			words = words[:len(words)-1]
			continue
		}
		break
	}

	for i, word := range words {
		runes := []rune(word)
		for j, r := range runes {
			if unicode.IsLetter(r) {
				runes[j] = unicode.ToUpper(r)
				break
			}
		}
		words[i] = string(runes)
	}
	name = strings.Join(words, " ")

	// Keep removing suffixes until none are found (handles multiple suffixes)
	changed := true
	for changed {
		changed = false
		for _, suffix := range corporateSuffixes {
			if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
				name = strings.TrimSuffix(name, suffix)
				name = strings.TrimRight(name, " ,.")
				changed = true
			}
		}
	}

	return strings.TrimSpace(name)
}

// MerchantTokens splits a merchant name into comparable tokens: lower case,
// apostrophes removed, punctuation split, digits and stop words dropped.
func MerchantTokens(name string) []string {
	name = strings.ToLower(name)
	name = strings.NewReplacer("'", "", "’", "", "`", "").Replace(name)

	fields := strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if isAllDigits(field) || merchantStopWords[field] || seen[field] {
			continue
		}
		seen[field] = true
		tokens = append(tokens, field)
	}
	return tokens
}

// MerchantKey returns the normalized lookup key used for categorization history.
func MerchantKey(name string) string {
	return strings.Join(MerchantTokens(name), " ")
}

// TokenOverlap returns the overlap coefficient |A∩B| / min(|A|,|B|) of two
// merchant names. Either name having no tokens yields 0.
func TokenOverlap(a, b string) float64 {
	ta, tb := MerchantTokens(a), MerchantTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	set := make(map[string]bool, len(ta))
	for _, token := range ta {
		set[token] = true
	}

	shared := 0
	for _, token := range tb {
		if set[token] {
			shared++
		}
	}

	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	return float64(shared) / float64(smaller)
}

// isAllDigits checks if a string contains only digits.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
