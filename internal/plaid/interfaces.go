package plaid

import (
	"context"

	"github.com/plaid/plaid-go/v20/plaid"
)

// API is the part of the Plaid API the client calls.
type API interface {
	TransactionsSync(ctx context.Context, request plaid.TransactionsSyncRequest) (plaid.TransactionsSyncResponse, error)
	ItemPublicTokenExchange(ctx context.Context, request plaid.ItemPublicTokenExchangeRequest) (plaid.ItemPublicTokenExchangeResponse, error)
	LinkTokenCreate(ctx context.Context, request plaid.LinkTokenCreateRequest) (plaid.LinkTokenCreateResponse, error)
}

// apiClient adapts the generated client to API.
type apiClient struct {
	client *plaid.APIClient
}

func (a *apiClient) TransactionsSync(ctx context.Context, request plaid.TransactionsSyncRequest) (plaid.TransactionsSyncResponse, error) {
	resp, _, err := a.client.PlaidApi.TransactionsSync(ctx).TransactionsSyncRequest(request).Execute()
	return resp, err
}

func (a *apiClient) ItemPublicTokenExchange(ctx context.Context, request plaid.ItemPublicTokenExchangeRequest) (plaid.ItemPublicTokenExchangeResponse, error) {
	resp, _, err := a.client.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(request).Execute()
	return resp, err
}

func (a *apiClient) LinkTokenCreate(ctx context.Context, request plaid.LinkTokenCreateRequest) (plaid.LinkTokenCreateResponse, error) {
	resp, _, err := a.client.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(request).Execute()
	return resp, err
}
