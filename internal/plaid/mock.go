package plaid

import (
	"context"
	"sync"

	"github.com/plaid/plaid-go/v20/plaid"
)

// MockAPI is an API with overridable hooks and call tracking.
type MockAPI struct {
	TransactionsSyncFn        func(ctx context.Context, request plaid.TransactionsSyncRequest) (plaid.TransactionsSyncResponse, error)
	ItemPublicTokenExchangeFn func(ctx context.Context, request plaid.ItemPublicTokenExchangeRequest) (plaid.ItemPublicTokenExchangeResponse, error)
	LinkTokenCreateFn         func(ctx context.Context, request plaid.LinkTokenCreateRequest) (plaid.LinkTokenCreateResponse, error)

	SyncCalls []plaid.TransactionsSyncRequest
	mu        sync.Mutex
}

var _ API = (*MockAPI)(nil)

// TransactionsSync implements API.
func (m *MockAPI) TransactionsSync(ctx context.Context, request plaid.TransactionsSyncRequest) (plaid.TransactionsSyncResponse, error) {
	m.mu.Lock()
	m.SyncCalls = append(m.SyncCalls, request)
	m.mu.Unlock()
	if m.TransactionsSyncFn != nil {
		return m.TransactionsSyncFn(ctx, request)
	}
	return plaid.TransactionsSyncResponse{}, nil
}

// ItemPublicTokenExchange implements API.
func (m *MockAPI) ItemPublicTokenExchange(ctx context.Context, request plaid.ItemPublicTokenExchangeRequest) (plaid.ItemPublicTokenExchangeResponse, error) {
	if m.ItemPublicTokenExchangeFn != nil {
		return m.ItemPublicTokenExchangeFn(ctx, request)
	}
	return plaid.ItemPublicTokenExchangeResponse{}, nil
}

// LinkTokenCreate implements API.
func (m *MockAPI) LinkTokenCreate(ctx context.Context, request plaid.LinkTokenCreateRequest) (plaid.LinkTokenCreateResponse, error) {
	if m.LinkTokenCreateFn != nil {
		return m.LinkTokenCreateFn(ctx, request)
	}
	return plaid.LinkTokenCreateResponse{}, nil
}
