package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kuitang/compass/internal/db"
)

const organizationColumns = `organization_id, organization_name, organization_industry, stripe_customer_id,
	stripe_subscription_id, stripe_subscription_status, has_governance_channel, contextstore_github_repo, created_at`

func scanOrganization(row scanner) (*Organization, error) {
	var (
		o                                               Organization
		industry, customer, subscription, status, repo sql.NullString
		createdAt                                       sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.Name, &industry, &customer, &subscription, &status,
		&o.HasGovernanceChannel, &repo, &createdAt); err != nil {
		return nil, err
	}
	o.Industry = industry.String
	o.StripeCustomerID = customer.String
	o.StripeSubscriptionID = subscription.String
	o.StripeSubscriptionStatus = status.String
	o.ContextStoreRepo = repo.String
	o.CreatedAt = createdAt.Time.UTC()
	return &o, nil
}

// CreateOrganization creates a tenant.
func (s *Store) CreateOrganization(ctx context.Context, name, industry string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("organization name is required")
	}
	id, err := db.InsertReturningID(ctx, s.db, "organization_id",
		`INSERT INTO organizations (organization_name, organization_industry) VALUES (?, ?)`,
		name, nullString(industry))
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}
	s.logger.Info("organization created", "organization_id", id)
	return s.GetOrganization(ctx, id)
}

// GetOrganization returns an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	o, err := scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE organization_id = ?`, id))
	if isNoRows(err) {
		return nil, notFound("organization %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization %d: %w", id, err)
	}
	return o, nil
}

// GetOrganizationByStripeCustomer returns the organization billed to a Stripe customer.
func (s *Store) GetOrganizationByStripeCustomer(ctx context.Context, customerID string) (*Organization, error) {
	o, err := scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE stripe_customer_id = ?`, customerID))
	if isNoRows(err) {
		return nil, notFound("no organization for stripe customer %q", customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization by stripe customer: %w", err)
	}
	return o, nil
}

// ListOrganizations returns every organization ordered by id.
func (s *Store) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+organizationColumns+` FROM organizations ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	orgs, err := rowsOf(rows, scanOrganization)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

func (s *Store) updateOrganization(ctx context.Context, id int64, set string, args ...any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE organizations SET `+set+` WHERE organization_id = ?`, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update organization %d: %w", id, err)
	}
	return expectRow(res, notFound("organization %d not found", id))
}

// UpdateOrganizationIndustry sets or clears the industry.
func (s *Store) UpdateOrganizationIndustry(ctx context.Context, id int64, industry string) error {
	return s.updateOrganization(ctx, id, `organization_industry = ?`, nullString(industry))
}

// UpdateStripeSubscription records the Stripe customer, subscription and its status.
func (s *Store) UpdateStripeSubscription(ctx context.Context, id int64, customerID, subscriptionID, status string) error {
	return s.updateOrganization(ctx, id,
		`stripe_customer_id = ?, stripe_subscription_id = ?, stripe_subscription_status = ?`,
		nullString(customerID), nullString(subscriptionID), nullString(status))
}

// UpdateStripeSubscriptionStatus sets the subscription status of the
// organization billed to customerID.
func (s *Store) UpdateStripeSubscriptionStatus(ctx context.Context, customerID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET stripe_subscription_status = ? WHERE stripe_customer_id = ?`,
		nullString(status), customerID)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return expectRow(res, notFound("no organization for stripe customer %q", customerID))
}

// SetGovernanceChannel records whether the organization has a governance channel.
func (s *Store) SetGovernanceChannel(ctx context.Context, id int64, enabled bool) error {
	return s.updateOrganization(ctx, id, `has_governance_channel = ?`, enabled)
}

// SetContextStoreRepo sets or clears the organization's context-store repository.
func (s *Store) SetContextStoreRepo(ctx context.Context, id int64, repo string) error {
	return s.updateOrganization(ctx, id, `contextstore_github_repo = ?`, nullString(repo))
}

// DeleteOrganization removes an organization. Its connections, bots, DEK and
// every other owned row go with it.
func (s *Store) DeleteOrganization(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE organization_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization %d: %w", id, err)
	}
	if err := expectRow(res, notFound("organization %d not found", id)); err != nil {
		return err
	}
	s.logger.Info("organization deleted", "organization_id", id)
	return nil
}
