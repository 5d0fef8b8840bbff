package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/kuitang/compass/internal/errs"
)

// ErrInvalidSignature is returned for payloads that fail Stripe signature verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Subscription statuses written by the webhook handlers when the event itself
// carries none.
const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
)

// HandleWebhook processes a Stripe webhook event.
// It verifies the signature, claims the event id, and routes to the
// appropriate handler. A handler failure releases the claim so Stripe's
// retry is processed again.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.config.WebhookSecret)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid webhook signature",
			fmt.Errorf("verify webhook signature: %w: %w", ErrInvalidSignature, err))
	}

	first, err := s.store.MarkWebhookEventProcessed(ctx, event.ID, string(event.Type))
	if err != nil {
		return fmt.Errorf("check webhook idempotency: %w", err)
	}
	if !first {
		s.logger.Info("webhook event already processed", "event_id", event.ID)
		return nil
	}

	if err := s.route(ctx, event); err != nil {
		if ferr := s.store.ForgetWebhookEvent(ctx, event.ID); ferr != nil {
			s.logger.Error("failed to release webhook event", "event_id", event.ID, "error", ferr)
		}
		return fmt.Errorf("handle %s: %w", event.Type, err)
	}
	return nil
}

func (s *Service) route(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	default:
		s.logger.Debug("unhandled webhook event type", "type", event.Type)
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var checkoutSession stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}

	customerID := ""
	if checkoutSession.Customer != nil {
		customerID = checkoutSession.Customer.ID
	}
	subscriptionID := ""
	if checkoutSession.Subscription != nil {
		subscriptionID = checkoutSession.Subscription.ID
	}

	orgID, err := strconv.ParseInt(checkoutSession.ClientReferenceID, 10, 64)
	if err != nil {
		s.logger.Warn("checkout completed without organization reference",
			"session_id", checkoutSession.ID, "client_reference_id", checkoutSession.ClientReferenceID)
		return nil
	}

	if err := s.store.UpdateStripeSubscription(ctx, orgID, customerID, subscriptionID, StatusActive); err != nil {
		if errs.CodeOf(err) == errs.NotFound {
			s.logger.Warn("checkout completed for unknown organization", "organization_id", orgID)
			return nil
		}
		return fmt.Errorf("update organization subscription (checkout completed): %w", err)
	}
	s.logger.Info("checkout completed", "organization_id", orgID, "customer", customerID, "subscription", subscriptionID)
	return nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}
	return s.setStatus(ctx, customerOf(sub.Customer), string(sub.Status))
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}
	return s.setStatus(ctx, customerOf(sub.Customer), StatusCanceled)
}

func (s *Service) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}
	return s.setStatus(ctx, customerOf(invoice.Customer), StatusPastDue)
}

// setStatus updates the organization billed to customerID. Events for
// customers no organization owns are logged and dropped.
func (s *Service) setStatus(ctx context.Context, customerID, status string) error {
	if customerID == "" || status == "" {
		return nil
	}
	err := s.store.UpdateStripeSubscriptionStatus(ctx, customerID, status)
	if errs.CodeOf(err) == errs.NotFound {
		s.logger.Info("no organization for stripe customer, skipping", "customer", customerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	s.logger.Info("subscription status updated", "customer", customerID, "status", status)
	return nil
}

func customerOf(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
