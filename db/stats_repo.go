package db

import (
	"fmt"

	"github.com/sharebox/apishim/domain"
)

var _ domain.StatsRepository = (*Repository)(nil)

// CountExchanges returns the total number of journaled exchanges.
func (repo *Repository) CountExchanges() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM exchange`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting exchange count: %w", err)
	}

	return count, nil
}

// CountRewritten returns the number of exchanges whose URL was rewritten.
func (repo *Repository) CountRewritten() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM exchange WHERE rewritten = 1`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting rewritten count: %w", err)
	}

	return count, nil
}

// CountFailed returns the number of exchanges answered with a 4xx or 5xx status.
func (repo *Repository) CountFailed() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM exchange WHERE status_code >= 400`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting failed count: %w", err)
	}

	return count, nil
}
