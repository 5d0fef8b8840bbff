package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kuitang/compass/internal/db"
	"github.com/kuitang/compass/internal/errs"
)

const orgUserColumns = `id, organization_id, slack_user_id, email, is_org_admin, created_at`

func scanOrgUser(row scanner) (*OrgUser, error) {
	var (
		u         OrgUser
		email     sql.NullString
		createdAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.SlackUserID, &email, &u.IsOrgAdmin, &createdAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.CreatedAt = createdAt.Time.UTC()
	return &u, nil
}

// AddOrgUser records a Slack user as a member of an organization. Adding the
// same Slack user twice fails with the driver's unique-constraint error.
func (s *Store) AddOrgUser(ctx context.Context, orgID int64, slackUserID, email string, isAdmin bool) (*OrgUser, error) {
	slackUserID = strings.TrimSpace(slackUserID)
	if slackUserID == "" {
		return nil, invalid("slack user id is required")
	}
	if _, err := db.InsertReturningID(ctx, s.db, "id",
		`INSERT INTO org_users (organization_id, slack_user_id, email, is_org_admin) VALUES (?, ?, ?, ?)`,
		orgID, slackUserID, nullString(email), isAdmin); err != nil {
		return nil, fmt.Errorf("failed to add org user: %w", err)
	}
	return s.GetOrgUser(ctx, orgID, slackUserID)
}

// GetOrgUser returns a member by Slack user id.
func (s *Store) GetOrgUser(ctx context.Context, orgID int64, slackUserID string) (*OrgUser, error) {
	u, err := scanOrgUser(s.db.QueryRowContext(ctx,
		`SELECT `+orgUserColumns+` FROM org_users WHERE organization_id = ? AND slack_user_id = ?`, orgID, slackUserID))
	if isNoRows(err) {
		return nil, notFound("org user %q not found", slackUserID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get org user: %w", err)
	}
	return u, nil
}

// ListOrgUsers returns an organization's members, admins first.
func (s *Store) ListOrgUsers(ctx context.Context, orgID int64) ([]*OrgUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgUserColumns+` FROM org_users WHERE organization_id = ?
		ORDER BY is_org_admin DESC, slack_user_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list org users: %w", err)
	}
	users, err := rowsOf(rows, scanOrgUser)
	if err != nil {
		return nil, fmt.Errorf("failed to list org users: %w", err)
	}
	return users, nil
}

// SetOrgAdmin grants or revokes admin rights.
func (s *Store) SetOrgAdmin(ctx context.Context, orgID int64, slackUserID string, isAdmin bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE org_users SET is_org_admin = ? WHERE organization_id = ? AND slack_user_id = ?`,
		isAdmin, orgID, slackUserID)
	if err != nil {
		return fmt.Errorf("failed to update org user: %w", err)
	}
	return expectRow(res, notFound("org user %q not found", slackUserID))
}

// RemoveOrgUser deletes a member.
func (s *Store) RemoveOrgUser(ctx context.Context, orgID int64, slackUserID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM org_users WHERE organization_id = ? AND slack_user_id = ?`, orgID, slackUserID)
	if err != nil {
		return fmt.Errorf("failed to remove org user: %w", err)
	}
	return expectRow(res, notFound("org user %q not found", slackUserID))
}

const referralColumns = `id, token, organization_id, max_uses, uses, expires_at, created_at`

func scanReferral(row scanner) (*ReferralToken, error) {
	var (
		r                    ReferralToken
		orgID, maxUses       sql.NullInt64
		expiresAt, createdAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Token, &orgID, &maxUses, &r.Uses, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	r.OrganizationID = int64Ptr(orgID)
	r.MaxUses = int64Ptr(maxUses)
	r.ExpiresAt = timePtr(expiresAt)
	r.CreatedAt = createdAt.Time.UTC()
	return &r, nil
}

// CreateReferralToken issues a new random token.
func (s *Store) CreateReferralToken(ctx context.Context, p ReferralTokenParams) (*ReferralToken, error) {
	if p.MaxUses != nil && *p.MaxUses <= 0 {
		return nil, invalid("max uses must be positive")
	}
	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO referral_tokens (token, organization_id, max_uses, expires_at) VALUES (?, ?, ?, ?)`,
		token, nullInt64(p.OrganizationID), nullInt64(p.MaxUses), nullTime(p.ExpiresAt)); err != nil {
		return nil, fmt.Errorf("failed to create referral token: %w", err)
	}
	return s.GetReferralToken(ctx, token)
}

// GetReferralToken looks a token up without redeeming it.
func (s *Store) GetReferralToken(ctx context.Context, token string) (*ReferralToken, error) {
	r, err := scanReferral(s.db.QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM referral_tokens WHERE token = ?`, token))
	if isNoRows(err) {
		return nil, notFound("referral token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral token: %w", err)
	}
	return r, nil
}

// RedeemReferralToken spends one use of a token. The use count is checked
// and incremented in a single statement, so concurrent redemptions never
// exceed max uses.
func (s *Store) RedeemReferralToken(ctx context.Context, token string) (*ReferralToken, error) {
	r, err := s.GetReferralToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if r.ExpiresAt != nil && !s.now().Before(*r.ExpiresAt) {
		return nil, errs.Wrap(errs.FailedPrecondition, "referral token has expired", ErrReferralExpired)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE referral_tokens SET uses = uses + 1 WHERE id = ? AND (max_uses IS NULL OR uses < max_uses)`, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to redeem referral token: %w", err)
	}
	if err := expectRow(res, errs.Wrap(errs.FailedPrecondition, "referral token has no uses left", ErrReferralExhausted)); err != nil {
		return nil, err
	}
	return s.GetReferralToken(ctx, token)
}
