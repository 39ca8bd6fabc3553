package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upUpstreamHost, downUpstreamHost)
}

// upUpstreamHost adds the upstream_host column and fills it from the stored URLs.
// Parsing happens in Go because SQLite has no URL functions.
func upUpstreamHost(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE exchange ADD COLUMN upstream_host TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return fmt.Errorf("adding upstream_host column : %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, url FROM exchange")
	if err != nil {
		return fmt.Errorf("getting all rows : %w", err)
	}

	hosts := make(map[string]string)
	for rows.Next() {
		var id, rawURL string
		if err := rows.Scan(&id, &rawURL); err != nil {
			rows.Close()
			return fmt.Errorf("scanning row : %w", err)
		}
		if u, err := url.Parse(rawURL); err == nil {
			hosts[id] = u.Host
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating rows : %w", err)
	}
	rows.Close()

	for id, host := range hosts {
		_, err := tx.ExecContext(ctx, "UPDATE exchange SET upstream_host = ? WHERE id = ?", host, id)
		if err != nil {
			return fmt.Errorf("updating row %s : %w", id, err)
		}
	}

	_, err = tx.ExecContext(ctx, `CREATE INDEX idx_exchange_upstream_host ON exchange (upstream_host)`)
	if err != nil {
		return fmt.Errorf("creating upstream_host index : %w", err)
	}
	return nil
}

func downUpstreamHost(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_exchange_upstream_host`); err != nil {
		return fmt.Errorf("dropping upstream_host index : %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE exchange DROP COLUMN upstream_host`); err != nil {
		return fmt.Errorf("dropping upstream_host column : %w", err)
	}
	return nil
}
