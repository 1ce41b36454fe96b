package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository is the read side of the module registry.
type Repository interface {
	ListModules(ctx context.Context) ([]Module, error)
	ListModulesByTenant(ctx context.Context, tenantID string) ([]Module, error)
	GetModule(ctx context.Context, id string) (*Module, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed module registry reader.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const moduleColumns = `id, tenant_id, name, customer, country, city, created_at, updated_at`

// ListModules returns every module ordered by creation time then ID.
func (r *SQLiteRepository) ListModules(ctx context.Context) ([]Module, error) {
	const query = `SELECT ` + moduleColumns + ` FROM modules ORDER BY created_at, id`
	return r.queryModules(ctx, query)
}

// ListModulesByTenant returns the modules owned by tenantID.
func (r *SQLiteRepository) ListModulesByTenant(ctx context.Context, tenantID string) ([]Module, error) {
	const query = `SELECT ` + moduleColumns + ` FROM modules WHERE tenant_id = ? ORDER BY created_at, id`
	return r.queryModules(ctx, query, tenantID)
}

// GetModule returns a single module by ID.
func (r *SQLiteRepository) GetModule(ctx context.Context, id string) (*Module, error) {
	const query = `SELECT ` + moduleColumns + ` FROM modules WHERE id = ?`
	m, err := scanModule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
		}
		return nil, fmt.Errorf("getting module %s: %w", id, err)
	}
	return m, nil
}

func (r *SQLiteRepository) queryModules(ctx context.Context, query string, args ...any) ([]Module, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating module rows: %w", err)
	}
	return modules, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanModule(s scanner) (*Module, error) {
	var m Module
	var createdAt, updatedAt string
	if err := s.Scan(&m.ID, &m.TenantID, &m.Name, &m.Customer, &m.Country, &m.City, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// parseTime parses an ISO 8601 timestamp from SQLite. Zero time is returned
// for anything unparseable.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
