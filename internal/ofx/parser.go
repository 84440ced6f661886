// Package ofx reads bank and credit card statements exported as OFX or QFX
// files.
package ofx

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"
)

var (
	severityRe = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	openTagRe  = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

var merchantPrefixes = []string{
	"POS PURCHASE ",
	"PURCHASE AUTHORIZED ON ",
	"DEBIT CARD PURCHASE ",
	"ACH DEBIT ",
	"CHECK CARD ",
	"VISA PURCHASE ",
	"MC PURCHASE ",
	"DEBIT PURCHASE ",
}

var genericDescriptions = map[string]bool{
	"DEBIT":           true,
	"CREDIT":          true,
	"PURCHASE":        true,
	"PAYMENT":         true,
	"POS TRANSACTION": true,
	"CARD PURCHASE":   true,
}

// Parser converts OFX statements into transactions.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{logger: slog.Default().With("component", "ofx")}
}

// preprocess fixes formatting issues banks commonly ship.
func preprocess(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityRe.ReplaceAllStringFunc(content, strings.ToUpper)
	return openTagRe.ReplaceAllString(content, "$1>")
}

// Parse reads every bank and credit card statement in r. Provider ids are
// the FITID qualified by the statement's account so one file may carry
// several accounts.
func (p *Parser) Parse(r io.Reader) ([]model.Transaction, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}

	resp, err := ofxgo.ParseResponse(strings.NewReader(preprocess(string(content))))
	if err != nil {
		return nil, common.NewParseError("the statement file is not valid OFX", err)
	}

	var txns []model.Transaction
	for _, msg := range resp.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		txns = append(txns, p.convertAll(stmt.BankTranList.Transactions, string(stmt.BankAcctFrom.AcctID), currencyCode(stmt.CurDef))...)
	}
	for _, msg := range resp.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		txns = append(txns, p.convertAll(stmt.BankTranList.Transactions, string(stmt.CCAcctFrom.AcctID), currencyCode(stmt.CurDef))...)
	}

	p.logger.Debug("parsed OFX file", "transactions", len(txns), "bank_statements", len(resp.Bank), "cc_statements", len(resp.CreditCard))
	return txns, nil
}

func (p *Parser) convertAll(list []ofxgo.Transaction, accountID, currency string) []model.Transaction {
	out := make([]model.Transaction, 0, len(list))
	for _, tx := range list {
		txn, err := convert(tx, accountID, currency)
		if err != nil {
			p.logger.Warn("skipping statement line", "fitid", tx.FiTID, "error", err)
			continue
		}
		out = append(out, txn)
	}
	return out
}

// convert maps one statement line. OFX amounts are negative for money
// leaving the account.
func convert(tx ofxgo.Transaction, accountID, currency string) (model.Transaction, error) {
	signed, err := decimal.NewFromString(tx.TrnAmt.FloatString(4))
	if err != nil {
		return model.Transaction{}, fmt.Errorf("bad amount: %w", err)
	}
	if tx.DtPosted.IsZero() {
		return model.Transaction{}, fmt.Errorf("missing posting date")
	}
	if tx.Currency != nil {
		if code := currencyCode(tx.Currency.CurSym); code != "" {
			currency = code
		}
	}

	amount, direction := model.SignedToAbsolute(signed, false)
	return model.Transaction{
		ProviderID:   accountID + ":" + string(tx.FiTID),
		OccurredAt:   tx.DtPosted.Time,
		Amount:       amount,
		Type:         direction,
		Currency:     currency,
		Name:         strings.TrimSpace(string(tx.Name)),
		MerchantName: extractMerchantName(tx),
	}, nil
}

func currencyCode(c ofxgo.CurrSymbol) string {
	if ok, _ := c.Valid(); !ok {
		return ""
	}
	return c.String()
}

// extractMerchantName picks the cleanest merchant text a line carries.
func extractMerchantName(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return string(tx.Payee.Name)
	}

	name := strings.TrimSpace(string(tx.Name))
	if tx.Memo != "" && genericDescriptions[strings.ToUpper(name)] {
		name = strings.TrimSpace(string(tx.Memo))
	}

	upper := strings.ToUpper(name)
	for _, prefix := range merchantPrefixes {
		if strings.HasPrefix(upper, prefix) {
			name = name[len(prefix):]
			break
		}
	}

	// Leading "MM/DD " posting dates.
	if len(name) > 5 && name[2] == '/' && name[5] == ' ' {
		name = strings.TrimSpace(name[6:])
	}
	return name
}
