package billing

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/kuitang/compass/internal/obs"
)

// MockService implements BillingService when Stripe is not configured.
// It records webhook payloads instead of verifying them.
type MockService struct {
	logger *slog.Logger

	mu       sync.Mutex
	webhooks int
}

// NewMockService creates a mock billing service.
func NewMockService() *MockService {
	logger := obs.Pkg("billing")
	logger.Info("using mock billing service")
	return &MockService{logger: logger}
}

// IsMock returns true for mock service.
func (m *MockService) IsMock() bool { return true }

// CreateCheckoutSession returns a fake checkout URL.
func (m *MockService) CreateCheckoutSession(ctx context.Context, orgID int64, email, baseURL string) (string, error) {
	m.logger.Info("mock checkout session", "organization_id", orgID)
	return baseURL + "/billing/success?mock_org=" + strconv.FormatInt(orgID, 10), nil
}

// CreatePortalSession returns a mock URL.
func (m *MockService) CreatePortalSession(ctx context.Context, orgID int64, returnURL string) (string, error) {
	m.logger.Info("mock portal session", "organization_id", orgID)
	return returnURL + "?mock_portal=true", nil
}

// HandleWebhook is a no-op in mock mode.
func (m *MockService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	m.mu.Lock()
	m.webhooks++
	m.mu.Unlock()
	m.logger.Debug("mock webhook ignored", "bytes", len(payload))
	return nil
}

// Webhooks returns how many webhook calls the mock has received.
func (m *MockService) Webhooks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhooks
}
