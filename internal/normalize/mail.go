package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

var mailReceiptKeywords = []string{"receipt", "invoice", "purchase", "order", "payment", "transaction"}

// knownSenders maps a fragment of the From header to the merchant it mails for.
var knownSenders = []struct {
	fragment string
	merchant string
}{
	{"amazon", "Amazon"},
	{"uber", "Uber"},
	{"lyft", "Lyft"},
	{"paypal", "PayPal"},
}

var senderDomainRe = regexp.MustCompile(`@([^.>\s]+)`)

// MailAdapter reads the text of an emailed receipt.
type MailAdapter struct{}

// Kind implements Adapter.
func (MailAdapter) Kind() model.SourceKind { return model.SourceMail }

// Normalize implements Adapter.
func (MailAdapter) Normalize(raw model.RawEvidence, defaults Defaults) (model.Evidence, error) {
	body := strings.TrimSpace(raw.Text)
	text := strings.TrimSpace(raw.Subject + "\n" + body)
	e := base(raw, text)

	if applyStructured(&e, raw.Fields, defaults) {
		if e.OccurredAt == nil {
			e.OccurredAt = messageDay(raw.ReceivedAt)
		}
		return e, nil
	}
	if text == "" {
		return e, common.NewParseError("empty message", common.ErrEmptyPayload)
	}
	if !containsAny(text, mailReceiptKeywords) {
		return e, common.NewParseError("message is not a receipt", common.ErrNotReceipt)
	}

	amount, amountGuessed, ok := lastAmount(text)
	if !ok {
		return e, common.NewParseError("no amount in message", common.ErrNoAmount)
	}
	e.Currency = detectCurrency(text, defaults.Currency)
	e.Amount = model.DecimalPtr(model.RoundToMinor(amount, e.Currency))

	merchant, merchantGuessed := senderMerchant(raw.Sender)
	e.MerchantName = model.CleanMerchantName(merchant)
	e.OccurredAt = messageDay(raw.ReceivedAt)

	e.Confidence = guesses{amount: amountGuessed, merchant: merchantGuessed}.confidence()
	return e, nil
}

// senderMerchant names the merchant behind a From header. guessed is false
// only for senders in the known list.
func senderMerchant(sender string) (merchant string, guessed bool) {
	lower := strings.ToLower(sender)
	for _, s := range knownSenders {
		if strings.Contains(lower, s.fragment) {
			return s.merchant, false
		}
	}
	if m := senderDomainRe.FindStringSubmatch(lower); m != nil {
		return m[1], true
	}
	return "", true
}

func messageDay(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return &day
}
