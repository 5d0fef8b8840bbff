package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/kuitang/compass/internal/db"
)

// IsTemplatedURL reports whether a connection URL contains secret-manager
// interpolation syntax. Such URLs are stored as written so the interpolation
// can run at connect time.
func IsTemplatedURL(url string) bool {
	return strings.Contains(url, "{{") || strings.Contains(url, "${")
}

const connectionColumns = `id, organization_id, connection_name, url, encrypted_url, additional_sql_dialect,
	init_sql, data_documentation_contextstore_github_repo, created_at, updated_at`

// connectionRow is a connections row before its URL is resolved.
type connectionRow struct {
	Connection
	plainURL     string
	encryptedURL []byte
}

func scanConnectionRow(row scanner) (connectionRow, error) {
	var (
		c                         connectionRow
		dialect, initSQL, docRepo sql.NullString
		createdAt, updatedAt      sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.plainURL, &c.encryptedURL,
		&dialect, &initSQL, &docRepo, &createdAt, &updatedAt); err != nil {
		return connectionRow{}, err
	}
	c.AdditionalSQLDialect = dialect.String
	c.InitSQL = initSQL.String
	c.DataDocumentationRepo = docRepo.String
	c.CreatedAt = createdAt.Time.UTC()
	c.UpdatedAt = updatedAt.Time.UTC()
	return c, nil
}

// resolve fills in the plaintext URL. encrypted_url wins whenever it is set;
// a row that fails to decrypt is an error, never a silent fallback to url.
func (s *Store) resolve(ctx context.Context, c connectionRow) (*Connection, error) {
	out := c.Connection
	if c.encryptedURL == nil {
		out.URL = c.plainURL
		return &out, nil
	}
	if s.keys == nil {
		return nil, fmt.Errorf("connection %q of org %d is encrypted but no key manager is configured", c.Name, c.OrganizationID)
	}
	url, err := s.keys.DecryptConnectionURL(ctx, c.OrganizationID, c.encryptedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt connection %q of org %d: %w", c.Name, c.OrganizationID, err)
	}
	out.URL = url
	out.Encrypted = true
	return &out, nil
}

// sealURL decides how a URL is persisted: (url, NULL) for plaintext storage,
// ("", ciphertext) when encrypted.
func (s *Store) sealURL(ctx context.Context, orgID int64, url string) (string, []byte, error) {
	if !s.encrypt || IsTemplatedURL(url) {
		return url, nil, nil
	}
	ct, err := s.keys.EncryptConnectionURL(ctx, orgID, url)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt connection URL for org %d: %w", orgID, err)
	}
	return "", ct, nil
}

func validateConnection(p ConnectionParams) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("connection name is required")
	}
	if strings.TrimSpace(p.URL) == "" {
		return invalid("connection URL is required")
	}
	return nil
}

// AddConnection creates a connection. A duplicate name within the organization
// fails with the driver's unique-constraint error (see db.IsUniqueViolation).
func (s *Store) AddConnection(ctx context.Context, orgID int64, p ConnectionParams) (*Connection, error) {
	if err := validateConnection(p); err != nil {
		return nil, err
	}
	plain, sealed, err := s.sealURL(ctx, orgID, p.URL)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connections (organization_id, connection_name, url, encrypted_url, additional_sql_dialect,
			init_sql, data_documentation_contextstore_github_repo)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		orgID, p.Name, plain, nullBytes(sealed), nullString(p.AdditionalSQLDialect), nullString(p.InitSQL),
		nullString(p.DataDocumentationRepo))
	if err != nil {
		return nil, fmt.Errorf("failed to add connection %q: %w", p.Name, err)
	}
	s.logger.Info("connection added", "organization_id", orgID, "connection", p.Name, "encrypted", sealed != nil)
	return s.GetConnection(ctx, orgID, p.Name)
}

// UpsertConnection creates the connection or replaces every field of the
// existing one with the same name.
func (s *Store) UpsertConnection(ctx context.Context, orgID int64, p ConnectionParams) (*Connection, error) {
	if err := validateConnection(p); err != nil {
		return nil, err
	}
	plain, sealed, err := s.sealURL(ctx, orgID, p.URL)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connections (organization_id, connection_name, url, encrypted_url, additional_sql_dialect,
			init_sql, data_documentation_contextstore_github_repo)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, connection_name) DO UPDATE SET
			url = excluded.url,
			encrypted_url = excluded.encrypted_url,
			additional_sql_dialect = excluded.additional_sql_dialect,
			init_sql = excluded.init_sql,
			data_documentation_contextstore_github_repo = excluded.data_documentation_contextstore_github_repo,
			updated_at = CURRENT_TIMESTAMP`,
		orgID, p.Name, plain, nullBytes(sealed), nullString(p.AdditionalSQLDialect), nullString(p.InitSQL),
		nullString(p.DataDocumentationRepo))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection %q: %w", p.Name, err)
	}
	s.logger.Info("connection saved", "organization_id", orgID, "connection", p.Name, "encrypted", sealed != nil)
	return s.GetConnection(ctx, orgID, p.Name)
}

// UpdateConnection replaces the fields of an existing connection named name.
// p.Name may differ from name to rename it.
func (s *Store) UpdateConnection(ctx context.Context, orgID int64, name string, p ConnectionParams) (*Connection, error) {
	if err := validateConnection(p); err != nil {
		return nil, err
	}
	plain, sealed, err := s.sealURL(ctx, orgID, p.URL)
	if err != nil {
		return nil, err
	}
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE connections SET connection_name = ?, url = ?, encrypted_url = ?, additional_sql_dialect = ?,
				init_sql = ?, data_documentation_contextstore_github_repo = ?, updated_at = CURRENT_TIMESTAMP
			WHERE organization_id = ? AND connection_name = ?`,
			p.Name, plain, nullBytes(sealed), nullString(p.AdditionalSQLDialect), nullString(p.InitSQL),
			nullString(p.DataDocumentationRepo), orgID, name)
		if err != nil {
			return fmt.Errorf("failed to update connection %q: %w", name, err)
		}
		if err := expectRow(res, notFound("connection %q not found", name)); err != nil {
			return err
		}
		if p.Name == name {
			return nil
		}
		// Bot mappings follow a rename.
		if _, err := tx.ExecContext(ctx,
			`UPDATE bot_to_connections SET connection_name = ?, updated_at = CURRENT_TIMESTAMP
			WHERE organization_id = ? AND connection_name = ?`, p.Name, orgID, name); err != nil {
			return fmt.Errorf("failed to rename mappings of connection %q: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConnection(ctx, orgID, p.Name)
}

// GetConnection returns one connection with its URL decrypted.
func (s *Store) GetConnection(ctx context.Context, orgID int64, name string) (*Connection, error) {
	row, err := scanConnectionRow(s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE organization_id = ? AND connection_name = ?`, orgID, name))
	if isNoRows(err) {
		return nil, notFound("connection %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection %q: %w", name, err)
	}
	return s.resolve(ctx, row)
}

// ListConnections returns an organization's connections ordered by name.
func (s *Store) ListConnections(ctx context.Context, orgID int64) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE organization_id = ? ORDER BY connection_name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	raw, err := rowsOf(rows, scanConnectionRow)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	out := make([]*Connection, 0, len(raw))
	for _, r := range raw {
		c, err := s.resolve(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteConnection removes a connection and every bot mapping to it.
func (s *Store) DeleteConnection(ctx context.Context, orgID int64, name string) error {
	return s.db.WithTx(ctx, func(tx *db.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM connections WHERE organization_id = ? AND connection_name = ?`, orgID, name)
		if err != nil {
			return fmt.Errorf("failed to delete connection %q: %w", name, err)
		}
		if err := expectRow(res, notFound("connection %q not found", name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bot_to_connections WHERE organization_id = ? AND connection_name = ?`, orgID, name); err != nil {
			return fmt.Errorf("failed to unmap connection %q: %w", name, err)
		}
		return nil
	})
}

// GetOrganizationConnectionsWithDetails returns every connection of one
// organization, decrypted, with the ids of the active bots mapped to it.
// Rows of other organizations are never read.
func (s *Store) GetOrganizationConnectionsWithDetails(ctx context.Context, orgID int64) ([]*ConnectionDetails, error) {
	conns, err := s.ListConnections(ctx, orgID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.connection_name, m.bot_id FROM bot_to_connections m
		JOIN bot_instances b ON b.organization_id = m.organization_id AND b.bot_id = m.bot_id
		WHERE m.organization_id = ? AND b.deleted_at IS NULL`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot mappings: %w", err)
	}
	type mapping struct{ conn, bot string }
	mappings, err := rowsOf(rows, func(r scanner) (mapping, error) {
		var m mapping
		return m, r.Scan(&m.conn, &m.bot)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bot mappings: %w", err)
	}
	bots := make(map[string][]string)
	for _, m := range mappings {
		bots[m.conn] = append(bots[m.conn], m.bot)
	}

	out := make([]*ConnectionDetails, 0, len(conns))
	for _, c := range conns {
		ids := bots[c.Name]
		sort.Strings(ids)
		if ids == nil {
			ids = []string{}
		}
		out = append(out, &ConnectionDetails{Connection: *c, BotIDs: ids})
	}
	return out, nil
}

// EncryptPlaintextConnectionURLs moves plaintext URLs into encrypted_url for
// every row that has none, skipping templated URLs. Rows encrypted concurrently
// by another writer are left alone. It returns how many rows it encrypted.
func (s *Store) EncryptPlaintextConnectionURLs(ctx context.Context) (int, error) {
	if s.keys == nil {
		return 0, fmt.Errorf("encrypt connection URLs: no key manager configured")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, url FROM connections WHERE encrypted_url IS NULL AND url <> '' ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("failed to list plaintext connections: %w", err)
	}
	type pending struct {
		id, orgID int64
		url       string
	}
	todo, err := rowsOf(rows, func(r scanner) (pending, error) {
		var p pending
		return p, r.Scan(&p.id, &p.orgID, &p.url)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list plaintext connections: %w", err)
	}

	encrypted := 0
	for _, p := range todo {
		if IsTemplatedURL(p.url) {
			continue
		}
		ct, err := s.keys.EncryptConnectionURL(ctx, p.orgID, p.url)
		if err != nil {
			return encrypted, fmt.Errorf("failed to encrypt connection %d: %w", p.id, err)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE connections SET encrypted_url = ?, url = '', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND encrypted_url IS NULL`, ct, p.id)
		if err != nil {
			return encrypted, fmt.Errorf("failed to store encrypted connection %d: %w", p.id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			encrypted++
		}
	}
	if encrypted > 0 {
		s.logger.Info("connection urls encrypted", "count", encrypted)
	}
	return encrypted, nil
}
