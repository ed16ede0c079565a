package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kapella-hub/ngs-worker/internal/domain/configversion"
)

func scanConfigVersion(row interface{ Scan(...any) error }) (*configversion.Version, error) {
	var v configversion.Version
	var contentJSON []byte
	var notes sql.NullString

	err := row.Scan(&v.ID, &v.ConfigType, &v.ContentHash, &contentJSON, &v.CreatedBy, &notes, &v.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	v.Notes = notes.String
	if err := json.Unmarshal(contentJSON, &v.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return &v, nil
}

const configVersionColumns = `id, config_type, content_hash, content, created_by, notes, is_active`

// FindByHash looks up an existing version by its content hash, so Save can
// reuse it instead of inserting a duplicate.
func (s *PostgresStore) FindByHash(ctx context.Context, configType, contentHash string) (*configversion.Version, error) {
	query := `SELECT ` + configVersionColumns + ` FROM config_versions WHERE config_type = $1 AND content_hash = $2`
	return scanConfigVersion(s.db.QueryRowContext(ctx, query, configType, contentHash))
}

// DeactivateActive clears is_active on the current active version for a
// config type, stamping deactivated_at.
func (s *PostgresStore) DeactivateActive(ctx context.Context, configType string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE config_versions SET is_active = FALSE, deactivated_at = NOW()
		WHERE config_type = $1 AND is_active
	`, configType)
	return err
}

// Insert stores a new content-addressed version, returning its id.
func (s *PostgresStore) Insert(ctx context.Context, v configversion.Version) (int64, error) {
	contentJSON, err := json.Marshal(v.Content)
	if err != nil {
		return 0, fmt.Errorf("marshal content: %w", err)
	}
	query := `
		INSERT INTO config_versions (config_type, content_hash, content, created_by, notes, is_active, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $6 THEN NOW() ELSE NULL END)
		RETURNING id
	`
	var id int64
	err = s.db.QueryRowContext(ctx, query, v.ConfigType, v.ContentHash, contentJSON, v.CreatedBy, nullableString(v.Notes), v.IsActive).Scan(&id)
	return id, err
}

// ActivateByID marks one version active and stamps activated_at.
func (s *PostgresStore) ActivateByID(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE config_versions SET is_active = TRUE, activated_at = NOW(), deactivated_at = NULL WHERE id = $1
	`, id)
	return err
}

// GetByID retrieves a version by primary key.
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*configversion.Version, error) {
	query := `SELECT ` + configVersionColumns + ` FROM config_versions WHERE id = $1`
	return scanConfigVersion(s.db.QueryRowContext(ctx, query, id))
}

// GetActive retrieves the currently active version for a config type.
func (s *PostgresStore) GetActive(ctx context.Context, configType string) (*configversion.Version, error) {
	query := `SELECT ` + configVersionColumns + ` FROM config_versions WHERE config_type = $1 AND is_active`
	return scanConfigVersion(s.db.QueryRowContext(ctx, query, configType))
}

// History returns up to limit versions for a config type, newest first.
func (s *PostgresStore) History(ctx context.Context, configType string, limit int) ([]configversion.Version, error) {
	query := `
		SELECT ` + configVersionColumns + `
		FROM config_versions
		WHERE config_type = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, configType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]configversion.Version, 0)
	for rows.Next() {
		v, err := scanConfigVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}
