package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// SaveOnboardingState creates or replaces an organization's onboarding state.
func (s *Store) SaveOnboardingState(ctx context.Context, st OnboardingState) error {
	if strings.TrimSpace(st.CurrentStep) == "" {
		return invalid("onboarding step is required")
	}
	var metadata sql.NullString
	if len(st.Metadata) > 0 {
		b, err := json.Marshal(st.Metadata)
		if err != nil {
			return invalid("onboarding metadata is not JSON-serializable: %v", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO onboarding_states (organization_id, current_step, completed, metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			current_step = excluded.current_step,
			completed = excluded.completed,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP`,
		st.OrganizationID, st.CurrentStep, st.Completed, metadata)
	if err != nil {
		return fmt.Errorf("failed to save onboarding state for org %d: %w", st.OrganizationID, err)
	}
	return nil
}

// GetOnboardingState returns an organization's onboarding state.
func (s *Store) GetOnboardingState(ctx context.Context, orgID int64) (*OnboardingState, error) {
	st := OnboardingState{OrganizationID: orgID}
	var (
		metadata  sql.NullString
		updatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT current_step, completed, metadata, updated_at FROM onboarding_states WHERE organization_id = ?`, orgID).
		Scan(&st.CurrentStep, &st.Completed, &metadata, &updatedAt)
	if isNoRows(err) {
		return nil, notFound("no onboarding state for org %d", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get onboarding state for org %d: %w", orgID, err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &st.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt onboarding metadata for org %d: %w", orgID, err)
		}
	}
	st.UpdatedAt = updatedAt.Time.UTC()
	return &st, nil
}

// SetContextStatus records the latest context-store sync status of a bot.
func (s *Store) SetContextStatus(ctx context.Context, orgID int64, botID, status, detail string) error {
	if strings.TrimSpace(status) == "" {
		return invalid("status is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO context_status (organization_id, bot_id, status, detail) VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id, bot_id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			updated_at = CURRENT_TIMESTAMP`,
		orgID, botID, status, nullString(detail))
	if err != nil {
		return fmt.Errorf("failed to set context status for bot %q: %w", botID, err)
	}
	return nil
}

func scanContextStatus(row scanner) (ContextStatus, error) {
	var (
		cs        ContextStatus
		detail    sql.NullString
		updatedAt sql.NullTime
	)
	if err := row.Scan(&cs.OrganizationID, &cs.BotID, &cs.Status, &detail, &updatedAt); err != nil {
		return ContextStatus{}, err
	}
	cs.Detail = detail.String
	cs.UpdatedAt = updatedAt.Time.UTC()
	return cs, nil
}

// GetContextStatus returns a bot's context status.
func (s *Store) GetContextStatus(ctx context.Context, orgID int64, botID string) (*ContextStatus, error) {
	cs, err := scanContextStatus(s.db.QueryRowContext(ctx,
		`SELECT organization_id, bot_id, status, detail, updated_at FROM context_status
		WHERE organization_id = ? AND bot_id = ?`, orgID, botID))
	if isNoRows(err) {
		return nil, notFound("no context status for bot %q", botID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context status for bot %q: %w", botID, err)
	}
	return &cs, nil
}

// ListContextStatuses returns the context status of every bot in an organization.
func (s *Store) ListContextStatuses(ctx context.Context, orgID int64) ([]ContextStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id, bot_id, status, detail, updated_at FROM context_status
		WHERE organization_id = ? ORDER BY bot_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list context statuses: %w", err)
	}
	return rowsOf(rows, scanContextStatus)
}

// MarkWebhookEventProcessed records a webhook event id. It returns false when
// the event was already recorded, so each event is handled at most once.
func (s *Store) MarkWebhookEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_webhook_events (event_id, event_type) VALUES (?, ?)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event %s: %w", eventID, err)
	}
	return n == 1, nil
}

// ForgetWebhookEvent removes a recorded event so a failed handler can be retried.
func (s *Store) ForgetWebhookEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_webhook_events WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to forget webhook event %s: %w", eventID, err)
	}
	return nil
}
