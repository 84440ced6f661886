package ofx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBankOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>123456789
<ACCTID>1234567890
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101120000[0:GMT]
<DTEND>20240131120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240115120000[0:GMT]
<TRNAMT>-25.50
<FITID>2024011501
<NAME>STARBUCKS STORE #1234
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240120120000[0:GMT]
<TRNAMT>-125.00
<FITID>2024012001
<NAME>Whole Foods Market
</STMTTRN>
<STMTTRN>
<TRNTYPE>CHECK
<DTPOSTED>20240125120000[0:GMT]
<TRNAMT>-500.00
<FITID>2024012501
<CHECKNUM>1234
<NAME>CHECK #1234
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>1000.00
<DTASOF>20240131120000[0:GMT]
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

const sampleCreditCardOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<CREDITCARDMSGSRSV1>
<CCSTMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<CCSTMTRS>
<CURDEF>USD
<CCACCTFROM>
<ACCTID>4111111111111111
</CCACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101120000[0:GMT]
<DTEND>20240131120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240110120000[0:GMT]
<TRNAMT>-45.99
<FITID>CC2024011001
<NAME>AMAZON.COM*RT4Y7HG2
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240115120000[0:GMT]
<TRNAMT>-15.00
<FITID>CC2024011501
<NAME>NETFLIX.COM
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>-500.00
<DTASOF>20240131120000[0:GMT]
</LEDGERBAL>
</CCSTMTRS>
</CCSTMTTRNRS>
</CREDITCARDMSGSRSV1>
</OFX>`

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		providers []string
		wantErr   bool
	}{
		{
			name:      "bank statement",
			data:      sampleBankOFX,
			providers: []string{"1234567890:2024011501", "1234567890:2024012001", "1234567890:2024012501"},
		},
		{
			name:      "credit card statement",
			data:      sampleCreditCardOFX,
			providers: []string{"4111111111111111:CC2024011001", "4111111111111111:CC2024011501"},
		},
		{
			name:      "leading blank lines",
			data:      "\n\n  " + sampleBankOFX,
			providers: []string{"1234567890:2024011501", "1234567890:2024012001", "1234567890:2024012501"},
		},
		{name: "not OFX", data: "date,amount\n2024-01-01,5.00\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txns, err := NewParser().Parse(strings.NewReader(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, common.ClassParse, common.Classify(err))
				return
			}
			require.NoError(t, err)
			var providers []string
			for _, txn := range txns {
				providers = append(providers, txn.ProviderID)
			}
			assert.Equal(t, tt.providers, providers)
		})
	}
}

func TestParse_BankLine(t *testing.T) {
	txns, err := NewParser().Parse(strings.NewReader(sampleBankOFX))
	require.NoError(t, err)
	require.Len(t, txns, 3)

	coffee := txns[0]
	assert.Equal(t, "STARBUCKS STORE #1234", coffee.Name)
	assert.Equal(t, "STARBUCKS STORE #1234", coffee.MerchantName)
	assert.True(t, coffee.Amount.Equal(decimal.RequireFromString("25.50")))
	assert.Equal(t, model.TransactionDebit, coffee.Type)
	assert.Equal(t, "USD", coffee.Currency)
	assert.Equal(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), coffee.OccurredAt.UTC())
}

func TestExtractMerchantName(t *testing.T) {
	tests := []struct {
		name     string
		tx       ofxgo.Transaction
		expected string
	}{
		{name: "remove POS prefix", tx: ofxgo.Transaction{Name: "POS PURCHASE STARBUCKS"}, expected: "STARBUCKS"},
		{name: "remove DEBIT CARD prefix", tx: ofxgo.Transaction{Name: "DEBIT CARD PURCHASE WHOLE FOODS"}, expected: "WHOLE FOODS"},
		{name: "posting date prefix", tx: ofxgo.Transaction{Name: "01/15 SHELL OIL"}, expected: "SHELL OIL"},
		{name: "keep clean name", tx: ofxgo.Transaction{Name: "NETFLIX.COM"}, expected: "NETFLIX.COM"},
		{name: "trim whitespace", tx: ofxgo.Transaction{Name: "  AMAZON.COM  "}, expected: "AMAZON.COM"},
		{name: "memo replaces generic name", tx: ofxgo.Transaction{Name: "PURCHASE", Memo: "CORNER BAKERY"}, expected: "CORNER BAKERY"},
		{name: "payee wins", tx: ofxgo.Transaction{Name: "SQ *BLUE BOTTLE", Payee: &ofxgo.Payee{Name: "Blue Bottle"}}, expected: "Blue Bottle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractMerchantName(tt.tx))
		})
	}
}

func writeStatement(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestFileFeed(t *testing.T) {
	dir := t.TempDir()
	writeStatement(t, dir, "checking.ofx", sampleBankOFX)
	writeStatement(t, dir, "card.QFX", sampleCreditCardOFX)
	writeStatement(t, dir, "notes.txt", "not a statement")
	feed := NewFileFeed(nil)
	ctx := context.Background()

	page, err := feed.SyncTransactions(ctx, dir, "")
	require.NoError(t, err)
	assert.Len(t, page.Added, 5)
	assert.False(t, page.HasMore)
	assert.Equal(t, "2024-01-25", page.NextCursor)

	t.Run("cursor rereads its own day", func(t *testing.T) {
		page, err := feed.SyncTransactions(ctx, dir, "2024-01-20")
		require.NoError(t, err)
		require.Len(t, page.Added, 2)
		assert.Equal(t, "1234567890:2024012001", page.Added[0].ProviderID)
		assert.Equal(t, "2024-01-25", page.NextCursor)
	})

	t.Run("nothing new keeps the cursor", func(t *testing.T) {
		page, err := feed.SyncTransactions(ctx, dir, "2024-02-01")
		require.NoError(t, err)
		assert.Empty(t, page.Added)
		assert.Equal(t, "2024-02-01", page.NextCursor)
	})

	t.Run("single file", func(t *testing.T) {
		page, err := feed.SyncTransactions(ctx, filepath.Join(dir, "card.QFX"), "")
		require.NoError(t, err)
		assert.Len(t, page.Added, 2)
	})

	t.Run("missing path is a configuration error", func(t *testing.T) {
		_, err := feed.SyncTransactions(ctx, filepath.Join(dir, "gone"), "")
		assert.Equal(t, common.ClassConfiguration, common.Classify(err))
	})

	t.Run("corrupt file is unreadable", func(t *testing.T) {
		bad := writeStatement(t, t.TempDir(), "bad.ofx", "garbage")
		_, err := feed.SyncTransactions(ctx, bad, "")
		assert.Equal(t, common.ClassParse, common.Classify(err))
	})
}

func TestPreprocess(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "severity case", input: "<SEVERITY>Info</SEVERITY>", expected: "<SEVERITY>INFO</SEVERITY>"},
		{name: "unclosed tag", input: "<STMTTRN\n<TRNTYPE>DEBIT", expected: "<STMTTRN>\n<TRNTYPE>DEBIT"},
		{name: "leading whitespace", input: "\r\n\t OFXHEADER:100", expected: "OFXHEADER:100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, preprocess(tt.input))
		})
	}
}
