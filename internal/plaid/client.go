// Package plaid syncs bank transactions from the Plaid API.
package plaid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/shopspring/decimal"
)

// pageSize is Plaid's maximum transactions/sync page.
const pageSize = int32(500)

// Config holds Plaid API configuration.
type Config struct {
	ClientID    string
	Secret      string
	Environment string // sandbox or production
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return common.NewConfigurationError("plaid client ID is required", common.ErrMissingConfig)
	}
	if c.Secret == "" {
		return common.NewConfigurationError("plaid secret is required", common.ErrMissingConfig)
	}
	switch c.Environment {
	case "sandbox", "production":
		return nil
	case "":
		return common.NewConfigurationError("plaid environment is required", common.ErrMissingConfig)
	}
	return common.NewConfigurationError(fmt.Sprintf("invalid Plaid environment %q: must be sandbox or production", c.Environment), common.ErrInvalidConfig)
}

// Client implements service.BankFeed. The account ref of a Plaid source
// account is the item's access token.
type Client struct {
	api    API
	logger *slog.Logger
}

var _ service.BankFeed = (*Client)(nil)

// NewClient creates a client for the configured environment.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)
	switch cfg.Environment {
	case "sandbox":
		configuration.UseEnvironment(plaid.Sandbox)
	case "production":
		configuration.UseEnvironment(plaid.Production)
	}

	return NewClientWithAPI(&apiClient{client: plaid.NewAPIClient(configuration)}), nil
}

// NewClientWithAPI creates a client over api.
func NewClientWithAPI(api API) *Client {
	return &Client{api: api, logger: slog.Default().With("component", "plaid")}
}

// SyncTransactions implements service.BankFeed. It returns one page of
// changes after cursor; an empty cursor starts from the item's history.
func (c *Client) SyncTransactions(ctx context.Context, accessToken, cursor string) (service.BankSync, error) {
	request := plaid.NewTransactionsSyncRequest(accessToken)
	request.SetCount(pageSize)
	if cursor != "" {
		request.SetCursor(cursor)
	}

	resp, err := c.api.TransactionsSync(ctx, *request)
	if err != nil {
		return service.BankSync{}, classify(err)
	}

	page := service.BankSync{
		NextCursor: resp.GetNextCursor(),
		HasMore:    resp.GetHasMore(),
		Added:      c.mapAll(resp.GetAdded()),
		Modified:   c.mapAll(resp.GetModified()),
	}
	for _, removed := range resp.GetRemoved() {
		page.Removed = append(page.Removed, removed.GetTransactionId())
	}

	c.logger.Debug("fetched transaction page",
		"added", len(page.Added), "modified", len(page.Modified), "removed", len(page.Removed),
		"has_more", page.HasMore)
	return page, nil
}

// ExchangePublicToken exchanges a public token from Link for an access
// token and item id.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (accessToken, itemID string, err error) {
	resp, err := c.api.ItemPublicTokenExchange(ctx, *plaid.NewItemPublicTokenExchangeRequest(publicToken))
	if err != nil {
		return "", "", classify(err)
	}
	return resp.GetAccessToken(), resp.GetItemId(), nil
}

// CreateLinkToken creates a Link token for a user to connect a bank.
func (c *Client) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	request := plaid.NewLinkTokenCreateRequest(
		"spendlot",
		"en",
		[]plaid.CountryCode{plaid.COUNTRYCODE_US},
		plaid.LinkTokenCreateRequestUser{ClientUserId: userID},
	)
	request.SetProducts([]plaid.Products{plaid.PRODUCTS_TRANSACTIONS})

	resp, err := c.api.LinkTokenCreate(ctx, *request)
	if err != nil {
		return "", classify(err)
	}
	return resp.GetLinkToken(), nil
}

func (c *Client) mapAll(pts []plaid.Transaction) []model.Transaction {
	out := make([]model.Transaction, 0, len(pts))
	for _, pt := range pts {
		txn, err := mapTransaction(pt)
		if err != nil {
			c.logger.Warn("skipping transaction", "transaction_id", pt.GetTransactionId(), "error", err)
			continue
		}
		out = append(out, txn)
	}
	return out
}

// mapTransaction converts a Plaid transaction. Plaid amounts are positive
// for money leaving the account.
func mapTransaction(pt plaid.Transaction) (model.Transaction, error) {
	date, err := time.Parse(time.DateOnly, pt.GetDate())
	if err != nil {
		return model.Transaction{}, fmt.Errorf("bad date %q: %w", pt.GetDate(), err)
	}

	currency := pt.GetIsoCurrencyCode()
	if currency == "" {
		currency = pt.GetUnofficialCurrencyCode()
	}

	amount, direction := model.SignedToAbsolute(decimal.NewFromFloat(pt.GetAmount()), true)
	return model.Transaction{
		ProviderID:           pt.GetTransactionId(),
		OccurredAt:           date,
		Amount:               amount,
		Type:                 direction,
		Currency:             currency,
		Name:                 pt.GetName(),
		MerchantName:         pt.GetMerchantName(),
		Pending:              pt.GetPending(),
		PendingTransactionID: pt.GetPendingTransactionId(),
	}, nil
}

// classify sorts a Plaid failure for the orchestrator.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pe, convErr := plaid.ToPlaidError(err)
	if convErr != nil || pe.ErrorCode == "" {
		return common.NewProviderError(model.ProviderPlaid, fmt.Errorf("%w: %v", common.ErrProviderUnavailable, err))
	}
	return classifyPlaidError(pe)
}

func classifyPlaidError(pe plaid.PlaidError) error {
	detail := fmt.Errorf("%s: %s", pe.ErrorCode, pe.ErrorMessage)
	switch pe.ErrorCode {
	case "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION":
		// Restart from the stored cursor.
		return &common.ConflictError{Entity: "plaid sync", ID: pe.ErrorCode, Err: detail}
	case "ITEM_LOGIN_REQUIRED", "INVALID_ACCESS_TOKEN", "ITEM_NOT_FOUND", "INVALID_API_KEYS", "ACCESS_NOT_GRANTED":
		return common.NewConfigurationError("plaid item needs attention", detail)
	}
	switch string(pe.ErrorType) {
	case "RATE_LIMIT_EXCEEDED":
		return common.NewProviderError(model.ProviderPlaid, fmt.Errorf("%w: %v", common.ErrRateLimit, detail))
	case "INVALID_REQUEST", "INVALID_INPUT":
		return common.NewConfigurationError("plaid rejected the request", detail)
	}
	return common.NewProviderError(model.ProviderPlaid, fmt.Errorf("%w: %v", common.ErrProviderUnavailable, detail))
}
