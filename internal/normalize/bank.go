package normalize

import (
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

// BankAdapter normalizes bank-feed lines, which always arrive structured.
type BankAdapter struct{}

// Kind implements Adapter.
func (BankAdapter) Kind() model.SourceKind { return model.SourceBank }

// Normalize implements Adapter.
func (BankAdapter) Normalize(raw model.RawEvidence, defaults Defaults) (model.Evidence, error) {
	text := strings.TrimSpace(raw.Text)
	e := base(raw, text)

	if !applyStructured(&e, raw.Fields, defaults) {
		return e, common.NewParseError("bank line without amount", common.ErrNoAmount)
	}
	if e.MerchantName == "" {
		e.MerchantName = model.CleanMerchantName(text)
	}
	return e, nil
}

// NormalizeTransaction runs a bank transaction through the bank adapter so
// its merchant, currency and amount follow the same rules as receipts.
// The posting time is truncated to its UTC day.
func NormalizeTransaction(txn *model.Transaction, defaults Defaults) error {
	merchant := txn.MerchantName
	if merchant == "" {
		merchant = txn.Name
	}
	occurred := txn.OccurredAt
	amount := txn.Amount

	e, err := BankAdapter{}.Normalize(model.RawEvidence{
		Kind:       model.SourceBank,
		UserID:     txn.UserID,
		ExternalID: txn.ProviderID,
		Text:       txn.Name,
		Fields: &model.StructuredFields{
			Amount:       &amount,
			OccurredAt:   &occurred,
			MerchantName: merchant,
			Currency:     txn.Currency,
		},
	}, defaults)
	if err != nil {
		return err
	}

	txn.MerchantName = e.MerchantName
	txn.Currency = e.Currency
	txn.Amount = *e.Amount
	if day := messageDay(*e.OccurredAt); day != nil {
		txn.OccurredAt = *day
	}
	return nil
}
