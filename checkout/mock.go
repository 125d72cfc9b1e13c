package checkout

import (
	"context"
	"strings"
	"sync"

	"github.com/warp/rent-ledger/billing"
)

// MockProvider hands out fake session ids and URLs under BaseURL.
// Requests are recorded for inspection in tests.
type MockProvider struct {
	BaseURL string

	mu       sync.Mutex
	requests []billing.CheckoutRequest
}

func NewMockProvider(baseURL string) *MockProvider {
	return &MockProvider{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (m *MockProvider) CreateSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	id := "cs_mock_" + req.Link.ID
	return &billing.CheckoutSession{
		ID:  id,
		URL: m.BaseURL + "/checkout/" + id,
	}, nil
}

func (m *MockProvider) Requests() []billing.CheckoutRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.CheckoutRequest(nil), m.requests...)
}
