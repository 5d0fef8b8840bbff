package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EncryptedDEK is one organization's KEK-wrapped data encryption key.
type EncryptedDEK struct {
	OrganizationID int64
	EncryptedDEK   []byte
	KEKVersion     int
}

// GetEncryptedDEK returns the wrapped DEK of an organization, or ErrNotFound.
func (d *DB) GetEncryptedDEK(ctx context.Context, orgID int64) (*EncryptedDEK, error) {
	row := d.QueryRowContext(ctx,
		`SELECT organization_id, encrypted_dek, kek_version FROM encrypted_deks WHERE organization_id = ?`, orgID)
	var dek EncryptedDEK
	if err := row.Scan(&dek.OrganizationID, &dek.EncryptedDEK, &dek.KEKVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get encrypted dek for org %d: %w", orgID, err)
	}
	return &dek, nil
}

// InsertEncryptedDEKIfAbsent stores a wrapped DEK unless the organization
// already has one. It reports whether this call's row was the one stored; a
// concurrent writer that lost the race gets false and must re-read.
func (d *DB) InsertEncryptedDEKIfAbsent(ctx context.Context, orgID int64, wrapped []byte, kekVersion int) (bool, error) {
	res, err := d.ExecContext(ctx,
		`INSERT INTO encrypted_deks (organization_id, encrypted_dek, kek_version) VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO NOTHING`, orgID, wrapped, kekVersion)
	if err != nil {
		return false, fmt.Errorf("insert encrypted dek for org %d: %w", orgID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert encrypted dek for org %d: %w", orgID, err)
	}
	return n == 1, nil
}

// RestoreEncryptedDEK stores an escrowed DEK for an organization that still
// exists and has no DEK row. It reports whether a row was written; entries for
// deleted organizations and organizations that already have a DEK are skipped.
func (d *DB) RestoreEncryptedDEK(ctx context.Context, orgID int64, wrapped []byte, kekVersion int) (bool, error) {
	query := fmt.Sprintf(`INSERT INTO encrypted_deks (organization_id, encrypted_dek, kek_version)
		SELECT CAST(? AS %s), CAST(? AS %s), CAST(? AS INTEGER)
		WHERE EXISTS (SELECT 1 FROM organizations WHERE organization_id = ?)
		ON CONFLICT (organization_id) DO NOTHING`, d.dialect.BigInt(), d.dialect.Blob())
	res, err := d.ExecContext(ctx, query, orgID, wrapped, kekVersion, orgID)
	if err != nil {
		return false, fmt.Errorf("restore encrypted dek for org %d: %w", orgID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("restore encrypted dek for org %d: %w", orgID, err)
	}
	return n == 1, nil
}

// UpdateEncryptedDEK replaces the wrapped form of an existing DEK, e.g. after a
// KEK rotation. The DEK itself does not change.
func (d *DB) UpdateEncryptedDEK(ctx context.Context, orgID int64, wrapped []byte, kekVersion int) error {
	res, err := d.ExecContext(ctx,
		`UPDATE encrypted_deks SET encrypted_dek = ?, kek_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE organization_id = ?`, wrapped, kekVersion, orgID)
	if err != nil {
		return fmt.Errorf("update encrypted dek for org %d: %w", orgID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update encrypted dek for org %d: %w", orgID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEncryptedDEKs returns every wrapped DEK ordered by organization.
func (d *DB) ListEncryptedDEKs(ctx context.Context) ([]EncryptedDEK, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT organization_id, encrypted_dek, kek_version FROM encrypted_deks ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("list encrypted deks: %w", err)
	}
	defer rows.Close()

	var out []EncryptedDEK
	for rows.Next() {
		var dek EncryptedDEK
		if err := rows.Scan(&dek.OrganizationID, &dek.EncryptedDEK, &dek.KEKVersion); err != nil {
			return nil, fmt.Errorf("scan encrypted dek: %w", err)
		}
		out = append(out, dek)
	}
	return out, rows.Err()
}

// CountEncryptedDEKs returns how many DEK rows an organization has (0 or 1).
func (d *DB) CountEncryptedDEKs(ctx context.Context, orgID int64) (int, error) {
	var n int
	if err := d.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM encrypted_deks WHERE organization_id = ?`, orgID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count encrypted deks for org %d: %w", orgID, err)
	}
	return n, nil
}
