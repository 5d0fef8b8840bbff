package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/kuitang/compass/internal/errs"
	"github.com/kuitang/compass/internal/obs"
	"github.com/kuitang/compass/internal/storage"
)

// BillingService defines the billing operations interface.
type BillingService interface {
	CreateCheckoutSession(ctx context.Context, orgID int64, email, baseURL string) (checkoutURL string, err error)
	CreatePortalSession(ctx context.Context, orgID int64, returnURL string) (portalURL string, err error)
	HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error
	IsMock() bool
}

// Config holds Stripe billing configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// PriceID is the recurring price organizations subscribe to.
	PriceID string
}

// Service implements BillingService with real Stripe API calls.
type Service struct {
	config Config
	store  *storage.Store
	logger *slog.Logger
}

// NewService creates a real Stripe billing service.
func NewService(cfg Config, store *storage.Store) *Service {
	// Set the global Stripe API key
	stripe.Key = cfg.SecretKey
	logger := obs.Pkg("billing")
	logger.Info("stripe billing initialized")
	return &Service{
		config: cfg,
		store:  store,
		logger: logger,
	}
}

// IsMock returns false for real service.
func (s *Service) IsMock() bool { return false }

// CreateCheckoutSession creates a hosted Stripe Checkout session for an
// organization's subscription and returns its URL. The organization id
// travels as the client reference so the completion webhook can find it.
func (s *Service) CreateCheckoutSession(ctx context.Context, orgID int64, email, baseURL string) (string, error) {
	if s.config.PriceID == "" {
		return "", errs.New(errs.FailedPrecondition, "billing price is not configured")
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.config.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(strconv.FormatInt(org.ID, 10)),
		SuccessURL:        stripe.String(baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(baseURL + "/billing/cancel"),
	}
	params.Context = ctx
	switch {
	case org.StripeCustomerID != "":
		params.Customer = stripe.String(org.StripeCustomerID)
	case email != "":
		params.CustomerEmail = stripe.String(email)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "create checkout session", fmt.Errorf("create checkout session: %w", err))
	}
	s.logger.Info("checkout session created", "organization_id", org.ID, "session_id", sess.ID)
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe Customer Portal session for an
// organization that already has a Stripe customer.
func (s *Service) CreatePortalSession(ctx context.Context, orgID int64, returnURL string) (string, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org.StripeCustomerID == "" {
		return "", errs.New(errs.FailedPrecondition, "organization has no billing account")
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(org.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "create portal session", fmt.Errorf("create portal session: %w", err))
	}
	return sess.URL, nil
}
