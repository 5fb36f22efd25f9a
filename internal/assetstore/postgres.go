package assetstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/shared/postgresql"
)

//go:embed schema.sql
var schema string

const columns = `
	id, name, mime_type, file_type, bytes, is_active, is_public,
	metadata, variations, created_at, updated_at
`

// Postgres stores assets in a table with jsonb metadata and variations
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store
func NewPostgres(pg *postgresql.Client, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// EnsureSchema creates the assets table if missing
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, asset *domain.Asset) error {
	query := `
		INSERT INTO assets (
			id, name, mime_type, file_type, bytes, is_active, is_public,
			metadata, variations, created_at, updated_at
		) VALUES (
			:id, :name, :mime_type, :file_type, :bytes, :is_active, :is_public,
			:metadata, :variations, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, asset); err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}

	s.logger.Info("Asset created",
		slog.String("asset_id", asset.ID),
		slog.String("mime_type", asset.MimeType),
	)

	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.Asset, error) {
	query := `SELECT ` + columns + ` FROM assets WHERE id = $1`
	return s.getOne(ctx, "get", query, id)
}

func (s *Postgres) List(ctx context.Context, filter ListFilter) ([]domain.Asset, error) {
	query := `SELECT ` + columns + ` FROM assets WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.MimeType != "" {
		query += fmt.Sprintf(" AND mime_type = $%d", argIdx)
		args = append(args, filter.MimeType)
		argIdx++
	}

	if filter.FileType != "" {
		query += fmt.Sprintf(" AND file_type = $%d", argIdx)
		args = append(args, filter.FileType)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// one extra row tells the caller there is a next page
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var assets []domain.Asset
	if err := s.db.SelectContext(ctx, &assets, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	return assets, nil
}

// UpdateMetadata replaces the original's metadata only
func (s *Postgres) UpdateMetadata(ctx context.Context, id string, meta domain.Metadata) (*domain.Asset, error) {
	query := `
		UPDATE assets
		SET metadata = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING ` + columns

	return s.getOne(ctx, "update metadata of", query, meta, id)
}

// UpdateVariation sets variations.<variation> without touching siblings
func (s *Postgres) UpdateVariation(ctx context.Context, id, variation string, data domain.Metadata) (*domain.Asset, error) {
	query := `
		UPDATE assets
		SET variations = jsonb_set(COALESCE(variations, '{}'::jsonb), ARRAY[$1::text], $2::jsonb, true),
		    updated_at = NOW()
		WHERE id = $3
		RETURNING ` + columns

	return s.getOne(ctx, "update variation of", query, variation, data, id)
}

// SetPublic moves the record between tiers; a public asset is active
func (s *Postgres) SetPublic(ctx context.Context, id string, public bool) (*domain.Asset, error) {
	query := `
		UPDATE assets
		SET is_public = $1, is_active = is_active OR $1, updated_at = NOW()
		WHERE id = $2
		RETURNING ` + columns

	asset, err := s.getOne(ctx, "set public on", query, public, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Asset tier updated",
		slog.String("asset_id", id),
		slog.Bool("public", public),
	)

	return asset, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrAssetNotFound
	}

	s.logger.Info("Asset deleted", slog.String("asset_id", id))
	return nil
}

func (s *Postgres) getOne(ctx context.Context, op, query string, args ...interface{}) (*domain.Asset, error) {
	var asset domain.Asset
	err := s.db.GetContext(ctx, &asset, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to %s asset: %w", op, err)
	}
	return &asset, nil
}
