package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sharebox/apishim/domain"
)

var _ domain.ResolutionRepository = (*Repository)(nil)

// ErrNoResolution is returned when no base URL was recorded yet
var ErrNoResolution = errors.New("no base url resolution recorded")

type dbResolution struct {
	BaseURL       string       `db:"base_url"`
	BackendOrigin string       `db:"backend_origin"`
	ResolvedAt    sql.NullTime `db:"resolved_at"`
}

// RecordResolution stores the base URL and backend origin in the 'app' table.
func (repo *Repository) RecordResolution(baseURL, backendOrigin string) error {
	query := `UPDATE app SET base_url = ?, backend_origin = ?, resolved_at = ?`
	_, err := repo.dbConn.Exec(query, baseURL, backendOrigin, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording resolution %s : %w", baseURL, err)
	}
	return nil
}

// LastResolution returns the recorded resolution.
func (repo *Repository) LastResolution() (*domain.Resolution, error) {
	var row dbResolution
	query := `SELECT base_url, backend_origin, resolved_at FROM app LIMIT 1`

	err := repo.dbConn.Get(&row, query)
	if err != nil {
		return nil, fmt.Errorf("getting resolution : %w", err)
	}

	if !row.ResolvedAt.Valid {
		return nil, ErrNoResolution
	}

	return &domain.Resolution{
		BaseURL:       row.BaseURL,
		BackendOrigin: row.BackendOrigin,
		ResolvedAt:    row.ResolvedAt.Time,
	}, nil
}
