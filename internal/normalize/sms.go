package normalize

import (
	"regexp"
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

var smsReceiptKeywords = []string{"receipt", "purchase", "transaction", "payment", "charged", "paid", "spent"}

// smsMerchantPatterns are tried in order; the first capture longer than two
// characters names the merchant.
var smsMerchantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bat\s+([A-Za-z][A-Za-z'&\s]*?)(?:\s+on\b|\s+for\b|\s*[$€£¥#*]|\s*[.,;!]|\s+\d|$)`),
	regexp.MustCompile(`(?i)\bfrom\s+([A-Za-z][A-Za-z'&\s]*?)(?:\s+on\b|\s+for\b|\s*[$€£¥#*]|\s*[.,;!]|\s+\d|$)`),
	regexp.MustCompile(`(?i)^([A-Za-z][A-Za-z'&\s]*?)\s+charged\b`),
}

// SMSAdapter reads a receipt notification text message.
type SMSAdapter struct{}

// Kind implements Adapter.
func (SMSAdapter) Kind() model.SourceKind { return model.SourceSMS }

// Normalize implements Adapter.
func (SMSAdapter) Normalize(raw model.RawEvidence, defaults Defaults) (model.Evidence, error) {
	text := strings.TrimSpace(raw.Text)
	e := base(raw, text)

	if applyStructured(&e, raw.Fields, defaults) {
		return e, nil
	}
	if text == "" {
		return e, common.NewParseError("empty message", common.ErrEmptyPayload)
	}
	if !containsAny(text, smsReceiptKeywords) {
		return e, common.NewParseError("message is not a receipt", common.ErrNotReceipt)
	}

	amount, amountGuessed, ok := largestAmount(text)
	if !ok {
		return e, common.NewParseError("no amount in message", common.ErrNoAmount)
	}
	e.Currency = detectCurrency(text, defaults.Currency)
	e.Amount = model.DecimalPtr(model.RoundToMinor(amount, e.Currency))

	if merchant := smsMerchant(text); merchant != "" {
		e.MerchantName = model.CleanMerchantName(merchant)
	}

	g := guesses{amount: amountGuessed, merchant: true}
	if t, ok := findDate(text); ok {
		e.OccurredAt = &t
	} else {
		e.OccurredAt = messageDay(raw.ReceivedAt)
		g.date = true
	}
	e.Confidence = g.confidence()
	return e, nil
}

func smsMerchant(text string) string {
	for _, re := range smsMerchantPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if merchant := strings.TrimSpace(m[1]); len(merchant) > 2 {
			return merchant
		}
	}
	return ""
}
