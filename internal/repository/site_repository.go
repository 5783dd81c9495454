package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/biosurvey/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const siteColumns = `id, project_id, code, name, created_at, updated_at`

// siteKeyColumns whitelists the natural key fields that may be interpolated
// into lookups.
var siteKeyColumns = map[string]string{
	domain.SiteKeyCode: "code",
	domain.SiteKeyName: "name",
}

// siteRepository implements SiteRepository interface
type siteRepository struct {
	db DBTX
}

// NewSiteRepository creates a new site repository
func NewSiteRepository(db DBTX) SiteRepository {
	return &siteRepository{db: db}
}

// FindByKey looks a site up by its natural key within a project
func (r *siteRepository) FindByKey(ctx context.Context, projectID int64, keyField, value string) (*domain.Site, error) {
	column, ok := siteKeyColumns[domain.NormalizeSiteKey(keyField)]
	if !ok {
		return nil, fmt.Errorf("unsupported site key field %q", keyField)
	}

	row := r.db.QueryRow(
		ctx,
		`SELECT `+siteColumns+`
		 FROM sites
		 WHERE project_id = $1 AND `+column+` = $2
		 ORDER BY id
		 LIMIT 1`,
		projectID,
		value,
	)
	site, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find site: %w", err)
	}
	return &site, nil
}

// CreateOrGet inserts a site. Sites carrying a code converge on one row per
// (project, code) through the sites_project_code_key unique index.
func (r *siteRepository) CreateOrGet(ctx context.Context, site domain.Site) (domain.Site, bool, error) {
	code := nullableText(site.Code)

	row := r.db.QueryRow(
		ctx,
		`INSERT INTO sites (project_id, code, name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, code) WHERE code IS NOT NULL DO NOTHING
		 RETURNING `+siteColumns,
		site.ProjectID,
		code,
		site.Name,
	)
	created, err := scanSite(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Site{}, false, fmt.Errorf("failed to create site: %w", err)
	}

	existing, err := r.FindByKey(ctx, site.ProjectID, domain.SiteKeyCode, site.Code)
	if err != nil {
		return domain.Site{}, false, err
	}
	if existing == nil {
		return domain.Site{}, false, fmt.Errorf("site %q conflicted but could not be fetched", site.Code)
	}
	return *existing, false, nil
}

// GetByIDs retrieves multiple sites by their IDs.
func (r *siteRepository) GetByIDs(ctx context.Context, ids []int64) ([]domain.Site, error) {
	if len(ids) == 0 {
		return []domain.Site{}, nil
	}

	rows, err := r.db.Query(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get sites by IDs: %w", err)
	}
	return collectSites(rows)
}

// ListByProject retrieves the sites of a project
func (r *siteRepository) ListByProject(ctx context.Context, projectID int64) ([]domain.Site, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT `+siteColumns+` FROM sites WHERE project_id = $1 ORDER BY id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return collectSites(rows)
}

// Count returns the number of sites
func (r *siteRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM sites`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sites: %w", err)
	}
	return count, nil
}

func collectSites(rows pgx.Rows) ([]domain.Site, error) {
	defer rows.Close()

	sites := []domain.Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sites: %w", err)
	}
	return sites, nil
}

func scanSite(row pgx.Row) (domain.Site, error) {
	var (
		site domain.Site
		code pgtype.Text
	)
	if err := row.Scan(
		&site.ID,
		&site.ProjectID,
		&code,
		&site.Name,
		&site.CreatedAt,
		&site.UpdatedAt,
	); err != nil {
		return domain.Site{}, err
	}
	if code.Valid {
		site.Code = code.String
	}
	return site, nil
}

func nullableText(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}
