package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/kuitang/compass/internal/db"
)

const botColumns = `id, organization_id, bot_id, channel_name, created_at, updated_at, deleted_at`

func scanBot(row scanner) (*BotInstance, error) {
	var (
		b                    BotInstance
		channel              sql.NullString
		createdAt, updatedAt sql.NullTime
		deletedAt            sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.OrganizationID, &b.BotID, &channel, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	b.ChannelName = channel.String
	b.CreatedAt = createdAt.Time.UTC()
	b.UpdatedAt = updatedAt.Time.UTC()
	b.DeletedAt = timePtr(deletedAt)
	return &b, nil
}

// CreateBotInstance registers a bot. Registering a soft-deleted bot again
// restores it.
func (s *Store) CreateBotInstance(ctx context.Context, orgID int64, botID, channelName string) (*BotInstance, error) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, invalid("bot id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_instances (organization_id, bot_id, channel_name) VALUES (?, ?, ?)
		ON CONFLICT (organization_id, bot_id) DO UPDATE SET
			channel_name = excluded.channel_name,
			deleted_at = NULL,
			updated_at = CURRENT_TIMESTAMP`,
		orgID, botID, nullString(channelName))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot instance %q: %w", botID, err)
	}
	return s.GetBotInstance(ctx, orgID, botID)
}

// GetBotInstance returns an active bot.
func (s *Store) GetBotInstance(ctx context.Context, orgID int64, botID string) (*BotInstance, error) {
	b, err := scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bot_instances WHERE organization_id = ? AND bot_id = ? AND deleted_at IS NULL`,
		orgID, botID))
	if isNoRows(err) {
		return nil, notFound("bot %q not found", botID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot instance %q: %w", botID, err)
	}
	return b, nil
}

// ListActiveBotInstances returns an organization's bots that are not soft-deleted.
func (s *Store) ListActiveBotInstances(ctx context.Context, orgID int64) ([]*BotInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bot_instances WHERE organization_id = ? AND deleted_at IS NULL ORDER BY bot_id`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot instances: %w", err)
	}
	bots, err := rowsOf(rows, scanBot)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot instances: %w", err)
	}
	return bots, nil
}

// SoftDeleteBotInstance marks a bot deleted. Its connection mappings are kept
// so that re-registering the bot restores them.
func (s *Store) SoftDeleteBotInstance(ctx context.Context, orgID int64, botID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_instances SET deleted_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE organization_id = ? AND bot_id = ? AND deleted_at IS NULL`,
		s.now(), orgID, botID)
	if err != nil {
		return fmt.Errorf("failed to delete bot instance %q: %w", botID, err)
	}
	if err := expectRow(res, notFound("bot %q not found", botID)); err != nil {
		return err
	}
	s.logger.Info("bot instance deleted", "organization_id", orgID, "bot_id", botID)
	return nil
}

// ReconcileBotConnections makes the bot's mapped connection names exactly
// names. Duplicates in names collapse; the change is applied in one
// transaction, so readers see either the old set or the new one.
//
// Concurrent reconciles of the same bot serialize: PostgreSQL takes a
// transaction-scoped advisory lock on (org, bot), and on SQLite the first
// statement is the DELETE, so the write lock is held before anything is read.
func (s *Store) ReconcileBotConnections(ctx context.Context, orgID int64, botID string, names []string) error {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return invalid("connection name is required")
		}
		want[n] = struct{}{}
	}
	keep := make([]string, 0, len(want))
	for n := range want {
		keep = append(keep, n)
	}
	sort.Strings(keep)

	var added, removed int64
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		if tx.Dialect().IsPostgres() {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`,
				fmt.Sprintf("bot_to_connections:%d:%s", orgID, botID)); err != nil {
				return fmt.Errorf("failed to lock connections of bot %q: %w", botID, err)
			}
		}

		query := `DELETE FROM bot_to_connections WHERE organization_id = ? AND bot_id = ?`
		args := []any{orgID, botID}
		if len(keep) > 0 {
			query += ` AND connection_name NOT IN (?` + strings.Repeat(", ?", len(keep)-1) + `)`
			for _, n := range keep {
				args = append(args, n)
			}
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to unmap connections from bot %q: %w", botID, err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to unmap connections from bot %q: %w", botID, err)
		}

		for _, n := range keep {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO bot_to_connections (organization_id, bot_id, connection_name) VALUES (?, ?, ?)
				ON CONFLICT (organization_id, bot_id, connection_name) DO NOTHING`,
				orgID, botID, n)
			if err != nil {
				return fmt.Errorf("failed to map %q to bot %q: %w", n, botID, err)
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to map %q to bot %q: %w", n, botID, err)
			}
			added += inserted
		}
		return nil
	})
	if err != nil {
		return err
	}
	if added+removed > 0 {
		s.logger.Info("bot connections reconciled", "organization_id", orgID, "bot_id", botID,
			"added", added, "removed", removed)
	}
	return nil
}

func botConnectionNames(ctx context.Context, q db.Queryer, orgID int64, botID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT connection_name FROM bot_to_connections WHERE organization_id = ? AND bot_id = ?
		ORDER BY connection_name`, orgID, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections of bot %q: %w", botID, err)
	}
	names, err := rowsOf(rows, func(r scanner) (string, error) {
		var n string
		return n, r.Scan(&n)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list connections of bot %q: %w", botID, err)
	}
	return names, nil
}

// GetBotConnections returns the connection names mapped to a bot, sorted.
func (s *Store) GetBotConnections(ctx context.Context, orgID int64, botID string) ([]string, error) {
	names, err := botConnectionNames(ctx, s.db, orgID, botID)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// GetBotConnectionsWithDetails returns the decrypted connections mapped to a
// bot. Mapped names with no matching connection are returned in missing.
func (s *Store) GetBotConnectionsWithDetails(ctx context.Context, orgID int64, botID string) (conns []*Connection, missing []string, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixed("c", connectionColumns)+` FROM bot_to_connections m
		JOIN connections c ON c.organization_id = m.organization_id AND c.connection_name = m.connection_name
		WHERE m.organization_id = ? AND m.bot_id = ?
		ORDER BY c.connection_name`, orgID, botID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list connections of bot %q: %w", botID, err)
	}
	raw, err := rowsOf(rows, scanConnectionRow)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list connections of bot %q: %w", botID, err)
	}
	found := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		c, err := s.resolve(ctx, r)
		if err != nil {
			return nil, nil, err
		}
		conns = append(conns, c)
		found[c.Name] = struct{}{}
	}

	names, err := botConnectionNames(ctx, s.db, orgID, botID)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range names {
		if _, ok := found[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return conns, missing, nil
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
