package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/shopspring/decimal"
)

const number = `\d{1,3}(?:,\d{3})+(?:\.\d{1,3})?|\d+(?:\.\d{1,3})?`

var (
	symbolAmountRe   = regexp.MustCompile(`([$€£¥])\s?(` + number + `)`)
	codeAmountRe     = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|JPY|CAD|AUD|CHF|NZD|MXN)\s?(` + number + `)`)
	labelledAmountRe = regexp.MustCompile(`(?i)\b(?:total|amount|charged|paid)\b[^0-9$€£¥\n]{0,24}(?:[$€£¥]\s?)?(` + number + `)`)
	bareDecimalRe    = regexp.MustCompile(`(?:^|[^\d.,])(\d{1,3}(?:,\d{3})+\.\d{2}|\d+\.\d{2})(?:$|[^\d])`)
	currencyCodeRe   = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|CAD|AUD|CHF|NZD|MXN)\b`)

	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	usDateRe    = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4}|\d{2})\b`)
	monthDateRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2}),?\s+(\d{4})\b`)

	cardLastFourRe = regexp.MustCompile(`(?i)(?:card\s+ending\s+in\s+|card\s+\*+|\*+)(\d{4})\b`)
	numericLineRe  = regexp.MustCompile(`^[\d\s\-().,:/#*]+$`)
)

var symbolCurrencies = []struct {
	symbol string
	code   string
}{
	{symbol: "€", code: "EUR"},
	{symbol: "£", code: "GBP"},
	{symbol: "¥", code: "JPY"},
}

// dollarCurrencies share the "$" symbol; a user whose default is one of them
// keeps it when a text only shows "$".
var dollarCurrencies = map[string]bool{
	"USD": true,
	"CAD": true,
	"AUD": true,
	"NZD": true,
	"MXN": true,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

func parseNumber(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// labelledAmount returns the last amount introduced by a total/amount label.
func labelledAmount(text string) (decimal.Decimal, bool) {
	matches := labelledAmountRe.FindAllStringSubmatch(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if d, ok := parseNumber(matches[i][1]); ok && d.IsPositive() {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

// currencyAmounts returns every amount written with a currency symbol or
// code, in text order.
func currencyAmounts(text string) []decimal.Decimal {
	type hit struct {
		amount decimal.Decimal
		pos    int
	}
	var hits []hit
	for _, m := range symbolAmountRe.FindAllStringSubmatchIndex(text, -1) {
		if d, ok := parseNumber(text[m[4]:m[5]]); ok {
			hits = append(hits, hit{amount: d, pos: m[0]})
		}
	}
	for _, m := range codeAmountRe.FindAllStringSubmatchIndex(text, -1) {
		if d, ok := parseNumber(text[m[4]:m[5]]); ok {
			hits = append(hits, hit{amount: d, pos: m[0]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	out := make([]decimal.Decimal, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.amount)
	}
	return out
}

// bareDecimals returns amounts written as n.nn without a symbol.
func bareDecimals(text string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, m := range bareDecimalRe.FindAllStringSubmatch(text, -1) {
		if d, ok := parseNumber(m[1]); ok {
			out = append(out, d)
		}
	}
	return out
}

// lastAmount picks a total the way receipts print it: a labelled total
// wins, then the last currency amount, then the last bare decimal. guessed
// is true unless a label was found.
func lastAmount(text string) (amount decimal.Decimal, guessed, ok bool) {
	if d, found := labelledAmount(text); found {
		return d, false, true
	}
	if amounts := currencyAmounts(text); len(amounts) > 0 {
		return amounts[len(amounts)-1], true, true
	}
	if amounts := bareDecimals(text); len(amounts) > 0 {
		return amounts[len(amounts)-1], true, true
	}
	return decimal.Decimal{}, true, false
}

// largestAmount returns the largest amount in text, which for short
// notifications is the charge rather than a balance fragment or fee.
func largestAmount(text string) (amount decimal.Decimal, guessed, ok bool) {
	candidates := currencyAmounts(text)
	if len(candidates) == 0 {
		candidates = bareDecimals(text)
	}
	if len(candidates) == 0 {
		return decimal.Decimal{}, true, false
	}
	best := candidates[0]
	for _, d := range candidates[1:] {
		if d.GreaterThan(best) {
			best = d
		}
	}
	_, labelled := labelledAmount(text)
	return best, !labelled, true
}

// detectCurrency returns the currency named in text, else fallback.
// Explicit ISO codes win over symbols.
func detectCurrency(text, fallback string) string {
	fallback = model.NormalizeCurrency(fallback, "")
	if m := currencyCodeRe.FindStringSubmatch(strings.ToUpper(text)); m != nil {
		return m[1]
	}
	// The first symbol written wins.
	code, first := "", -1
	for _, sc := range symbolCurrencies {
		if i := strings.Index(text, sc.symbol); i >= 0 && (first < 0 || i < first) {
			code, first = sc.code, i
		}
	}
	if code != "" {
		return code
	}
	if strings.Contains(text, "$") && !dollarCurrencies[fallback] {
		return "USD"
	}
	return fallback
}

// findDate returns the first date written in text, at midnight UTC.
func findDate(text string) (time.Time, bool) {
	type found struct {
		t   time.Time
		pos int
	}
	var best *found
	consider := func(t time.Time, pos int) {
		if best == nil || pos < best.pos {
			best = &found{t: t, pos: pos}
		}
	}

	if m := isoDateRe.FindStringSubmatchIndex(text); m != nil {
		if t, ok := makeDate(text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]]); ok {
			consider(t, m[0])
		}
	}
	if m := usDateRe.FindStringSubmatchIndex(text); m != nil {
		if t, ok := makeDate(text[m[6]:m[7]], text[m[2]:m[3]], text[m[4]:m[5]]); ok {
			consider(t, m[0])
		}
	}
	if m := monthDateRe.FindStringSubmatchIndex(text); m != nil {
		month := months[strings.ToLower(text[m[2]:m[3]])]
		if t, ok := makeDate(text[m[6]:m[7]], strconv.Itoa(int(month)), text[m[4]:m[5]]); ok {
			consider(t, m[0])
		}
	}

	if best == nil {
		return time.Time{}, false
	}
	return best.t, true
}

func makeDate(year, month, day string) (time.Time, bool) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return time.Time{}, false
	}
	if len(year) == 2 {
		y += 2000
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		// 02/30 rolled into March.
		return time.Time{}, false
	}
	return t, true
}

// CardLastFour returns the last four digits of a card mentioned in text.
func CardLastFour(text string) string {
	if m := cardLastFourRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// containsAny reports whether lower-cased text contains any keyword as a word.
func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if containsWord(lower, k) {
			return true
		}
	}
	return false
}

// containsWord reports whether word appears in text bounded by non-letters.
func containsWord(text, word string) bool {
	for offset := 0; ; {
		i := strings.Index(text[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		if (start == 0 || !isLetter(text[start-1])) && (end == len(text) || !isLetter(text[end])) {
			return true
		}
		offset = start + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// firstTextLine returns the first line of the first five that is not just
// numbers or punctuation, the usual place of a merchant on a printed receipt.
func firstTextLine(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) > 3 && !numericLineRe.MatchString(line) {
			return line
		}
	}
	return ""
}
