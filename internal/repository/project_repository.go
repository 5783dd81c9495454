package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/biosurvey/internal/domain"

	"github.com/jackc/pgx/v5"
)

const projectColumns = `id, title, code, timezone, created_at, updated_at`

// projectRepository implements ProjectRepository interface
type projectRepository struct {
	db DBTX
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db DBTX) ProjectRepository {
	return &projectRepository{db: db}
}

// Create creates a new project
func (r *projectRepository) Create(ctx context.Context, project domain.Project) (domain.Project, error) {
	row := r.db.QueryRow(
		ctx,
		`INSERT INTO projects (title, code, timezone)
		 VALUES ($1, $2, $3)
		 RETURNING `+projectColumns,
		project.Title,
		project.Code,
		project.Timezone,
	)
	created, err := scanProject(row)
	if err != nil {
		return domain.Project{}, fmt.Errorf("failed to create project: %w", err)
	}
	return created, nil
}

// GetByID retrieves a project by ID
func (r *projectRepository) GetByID(ctx context.Context, id int64) (domain.Project, error) {
	row := r.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	project, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Project{}, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// List retrieves all projects
func (r *projectRepository) List(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.db.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []domain.Project{}
	for rows.Next() {
		project, scanErr := scanProject(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan project: %w", scanErr)
		}
		projects = append(projects, project)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", rowsErr)
	}
	return projects, nil
}

// Count returns the number of projects
func (r *projectRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM projects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return count, nil
}

func scanProject(row pgx.Row) (domain.Project, error) {
	var project domain.Project
	err := row.Scan(
		&project.ID,
		&project.Title,
		&project.Code,
		&project.Timezone,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	return project, err
}
