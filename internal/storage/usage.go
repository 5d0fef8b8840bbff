package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kuitang/compass/internal/db"
)

// RecordAnswer counts one answer against the current month. bonus marks an
// answer paid for from bonus grants rather than the plan allowance.
func (s *Store) RecordAnswer(ctx context.Context, orgID int64, bonus bool) (*MonthlyUsage, error) {
	now := s.now()
	bonusInc := 0
	if bonus {
		bonusInc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_tracking (organization_id, month, year, answer_count, bonus_answers_used)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (organization_id, year, month) DO UPDATE SET
			answer_count = usage_tracking.answer_count + 1,
			bonus_answers_used = usage_tracking.bonus_answers_used + excluded.bonus_answers_used,
			updated_at = CURRENT_TIMESTAMP`,
		orgID, int(now.Month()), now.Year(), bonusInc)
	if err != nil {
		return nil, fmt.Errorf("failed to record answer for org %d: %w", orgID, err)
	}
	return s.GetMonthlyUsage(ctx, orgID, now.Year(), int(now.Month()))
}

// GetMonthlyUsage returns usage for one month. A month with no answers has
// zero counts rather than a not-found error.
func (s *Store) GetMonthlyUsage(ctx context.Context, orgID int64, year, month int) (*MonthlyUsage, error) {
	if month < 1 || month > 12 {
		return nil, invalid("month must be between 1 and 12, got %d", month)
	}
	u := MonthlyUsage{OrganizationID: orgID, Year: year, Month: month}
	err := s.db.QueryRowContext(ctx,
		`SELECT answer_count, bonus_answers_used FROM usage_tracking
		WHERE organization_id = ? AND year = ? AND month = ?`, orgID, year, month).
		Scan(&u.AnswerCount, &u.BonusAnswersUsed)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("failed to get usage for org %d: %w", orgID, err)
	}
	return &u, nil
}

// ListMonthlyUsage returns every recorded month for an organization, newest first.
func (s *Store) ListMonthlyUsage(ctx context.Context, orgID int64) ([]MonthlyUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id, year, month, answer_count, bonus_answers_used FROM usage_tracking
		WHERE organization_id = ? ORDER BY year DESC, month DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage for org %d: %w", orgID, err)
	}
	return rowsOf(rows, func(r scanner) (MonthlyUsage, error) {
		var u MonthlyUsage
		return u, r.Scan(&u.OrganizationID, &u.Year, &u.Month, &u.AnswerCount, &u.BonusAnswersUsed)
	})
}

// SetPlanLimits creates or replaces an organization's plan limits.
func (s *Store) SetPlanLimits(ctx context.Context, l PlanLimits) error {
	if l.BaseNumAnswers < 0 {
		return invalid("base answers must not be negative")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_limits (organization_id, base_num_answers, allow_overage, overage_price_cents)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			base_num_answers = excluded.base_num_answers,
			allow_overage = excluded.allow_overage,
			overage_price_cents = excluded.overage_price_cents,
			updated_at = CURRENT_TIMESTAMP`,
		l.OrganizationID, l.BaseNumAnswers, l.AllowOverage, nullInt64(l.OveragePriceCents))
	if err != nil {
		return fmt.Errorf("failed to set plan limits for org %d: %w", l.OrganizationID, err)
	}
	return nil
}

// GetPlanLimits returns an organization's plan limits.
func (s *Store) GetPlanLimits(ctx context.Context, orgID int64) (*PlanLimits, error) {
	l := PlanLimits{OrganizationID: orgID}
	var price sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT base_num_answers, allow_overage, overage_price_cents FROM plan_limits WHERE organization_id = ?`, orgID).
		Scan(&l.BaseNumAnswers, &l.AllowOverage, &price)
	if isNoRows(err) {
		return nil, notFound("no plan limits for org %d", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan limits for org %d: %w", orgID, err)
	}
	l.OveragePriceCents = int64Ptr(price)
	return &l, nil
}

// GrantBonusAnswers adds answers on top of the plan allowance.
func (s *Store) GrantBonusAnswers(ctx context.Context, orgID int64, count int, reason string) (*BonusGrant, error) {
	if count <= 0 {
		return nil, invalid("bonus answer count must be positive")
	}
	id, err := db.InsertReturningID(ctx, s.db, "id",
		`INSERT INTO bonus_answer_grants (organization_id, answer_count, reason) VALUES (?, ?, ?)`,
		orgID, count, nullString(reason))
	if err != nil {
		return nil, fmt.Errorf("failed to grant bonus answers to org %d: %w", orgID, err)
	}
	s.logger.Info("bonus answers granted", "organization_id", orgID, "count", count)

	g := BonusGrant{ID: id, OrganizationID: orgID, AnswerCount: count, Reason: strings.TrimSpace(reason)}
	var grantedAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT granted_at FROM bonus_answer_grants WHERE id = ?`, id).Scan(&grantedAt); err != nil {
		return nil, fmt.Errorf("failed to read bonus grant %d: %w", id, err)
	}
	g.GrantedAt = grantedAt.Time.UTC()
	return &g, nil
}

// GetQuota combines plan limits, bonus grants and this month's usage. An
// organization without plan limits has no included answers.
func (s *Store) GetQuota(ctx context.Context, orgID int64) (*Quota, error) {
	var q Quota
	limits, err := s.GetPlanLimits(ctx, orgID)
	switch {
	case err == nil:
		q.Included = limits.BaseNumAnswers
		q.AllowOverage = limits.AllowOverage
	case isNotFound(err):
	default:
		return nil, err
	}

	now := s.now()
	usage, err := s.GetMonthlyUsage(ctx, orgID, now.Year(), int(now.Month()))
	if err != nil {
		return nil, err
	}
	q.Used = usage.AnswerCount - usage.BonusAnswersUsed

	var granted, spent int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(answer_count), 0) FROM bonus_answer_grants WHERE organization_id = ?`, orgID).
		Scan(&granted); err != nil {
		return nil, fmt.Errorf("failed to sum bonus grants for org %d: %w", orgID, err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(bonus_answers_used), 0) FROM usage_tracking WHERE organization_id = ?`, orgID).
		Scan(&spent); err != nil {
		return nil, fmt.Errorf("failed to sum bonus usage for org %d: %w", orgID, err)
	}
	q.BonusRemaining = max(granted-spent, 0)
	return &q, nil
}
