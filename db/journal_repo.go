package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sharebox/apishim/domain"
)

var _ domain.JournalRepository = (*Repository)(nil)

var (
	// ErrExchangeNotFound is returned when no exchange exists for an ID
	ErrExchangeNotFound = errors.New("exchange not found")
)

// dbExchange is a complete exchange row. Response columns carry database defaults
// until the response is written, responded_at stays NULL.
type dbExchange struct {
	// Request
	ID           uuid.UUID `db:"id"`
	Method       string    `db:"method"`
	OriginalURL  string    `db:"original_url"`
	URL          string    `db:"url"`
	UpstreamHost string    `db:"upstream_host"`
	Rewritten    bool      `db:"rewritten"`
	RequestRaw   []byte    `db:"request_raw"`
	RequestedAt  time.Time `db:"requested_at"`

	// Response
	Status      string       `db:"status"`
	StatusCode  int          `db:"status_code"`
	ResponseRaw []byte       `db:"response_raw"`
	ContentType string       `db:"content_type"`
	Length      string       `db:"length"`
	RespondedAt sql.NullTime `db:"responded_at"`

	// Common
	Metadata Metadata `db:"metadata"`
}

// dbExchangeSummary is an exchange row without the raw columns.
type dbExchangeSummary struct {
	ID           uuid.UUID    `db:"id"`
	Method       string       `db:"method"`
	OriginalURL  string       `db:"original_url"`
	URL          string       `db:"url"`
	UpstreamHost string       `db:"upstream_host"`
	Rewritten    bool         `db:"rewritten"`
	RequestedAt  time.Time    `db:"requested_at"`
	Status       string       `db:"status"`
	StatusCode   int          `db:"status_code"`
	ContentType  string       `db:"content_type"`
	Length       string       `db:"length"`
	RespondedAt  sql.NullTime `db:"responded_at"`
}

// upstreamHost extracts the host:port a URL points at, or an empty string if it has none.
func upstreamHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func fromDomainExchangeRequest(req *domain.ExchangeRequest) *dbExchange {
	return &dbExchange{
		ID:           req.ID,
		Method:       req.Method,
		OriginalURL:  req.OriginalURL,
		URL:          req.URL,
		UpstreamHost: upstreamHost(req.URL),
		Rewritten:    req.Rewritten,
		RequestRaw:   req.Raw,
		RequestedAt:  req.RequestedAt,
		Metadata:     Metadata(req.Metadata),
	}
}

func fromDomainExchangeResponse(res *domain.ExchangeResponse) *dbExchange {
	return &dbExchange{
		ID:          res.ID,
		Status:      res.Status,
		StatusCode:  res.StatusCode,
		ResponseRaw: res.Raw,
		ContentType: res.ContentType,
		Length:      res.Length,
		RespondedAt: sql.NullTime{
			Time:  res.RespondedAt,
			Valid: !res.RespondedAt.IsZero(),
		},
		Metadata: Metadata(res.Metadata),
	}
}

func toDomainExchange(row *dbExchange) *domain.Exchange {
	exchange := &domain.Exchange{
		Request: domain.ExchangeRequest{
			ID:          row.ID,
			Method:      row.Method,
			OriginalURL: row.OriginalURL,
			URL:         row.URL,
			Rewritten:   row.Rewritten,
			Raw:         row.RequestRaw,
			Metadata:    map[string]any(row.Metadata),
			RequestedAt: row.RequestedAt,
		},
		Response: domain.ExchangeResponse{
			ID:          row.ID,
			Status:      row.Status,
			StatusCode:  row.StatusCode,
			ContentType: row.ContentType,
			Length:      row.Length,
			Raw:         row.ResponseRaw,
			Metadata:    map[string]any(row.Metadata),
		},
		Metadata: map[string]any(row.Metadata),
	}
	if row.RespondedAt.Valid {
		exchange.Response.RespondedAt = row.RespondedAt.Time
	}
	return exchange
}

func toDomainExchangeSummary(row *dbExchangeSummary) *domain.ExchangeSummary {
	summary := &domain.ExchangeSummary{
		ID:           row.ID,
		Method:       row.Method,
		OriginalURL:  row.OriginalURL,
		URL:          row.URL,
		UpstreamHost: row.UpstreamHost,
		Rewritten:    row.Rewritten,
		Status:       row.Status,
		StatusCode:   row.StatusCode,
		ContentType:  row.ContentType,
		Length:       row.Length,
		RequestedAt:  row.RequestedAt,
	}
	if row.RespondedAt.Valid {
		summary.RespondedAt = row.RespondedAt.Time
	}
	return summary
}

// InsertRequest inserts the request half of an exchange.
func (repo *Repository) InsertRequest(req *domain.ExchangeRequest) error {
	row := fromDomainExchangeRequest(req)
	query := `INSERT INTO exchange(id, method, original_url, url, upstream_host, rewritten, request_raw, requested_at, metadata)
			  VALUES(:id, :method, :original_url, :url, :upstream_host, :rewritten, :request_raw, :requested_at, :metadata)`
	_, err := repo.dbConn.NamedExec(query, row)
	if err != nil {
		return fmt.Errorf("inserting request %s : %w", req.ID, err)
	}
	return nil
}

// InsertResponse writes the response half into the exchange row with the same ID.
// Response metadata is merged over the request metadata.
func (repo *Repository) InsertResponse(res *domain.ExchangeResponse) error {
	row := fromDomainExchangeResponse(res)
	query := `UPDATE exchange SET
				status = :status,
				status_code = :status_code,
				response_raw = :response_raw,
				content_type = :content_type,
				length = :length,
				responded_at = :responded_at,
				metadata = json_patch(metadata, :metadata)
			  WHERE id = :id`
	result, err := repo.dbConn.NamedExec(query, row)
	if err != nil {
		return fmt.Errorf("inserting response %s : %w", res.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected for response %s : %w", res.ID, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w : %s", ErrExchangeNotFound, res.ID)
	}
	return nil
}

// GetExchange returns the full exchange for id.
func (repo *Repository) GetExchange(id uuid.UUID) (*domain.Exchange, error) {
	var row dbExchange
	query := `SELECT id, method, original_url, url, upstream_host, rewritten, request_raw, requested_at,
			  status, status_code, response_raw, content_type, length, responded_at, metadata
			  FROM exchange
			  WHERE id = ?`

	err := repo.dbConn.Get(&row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w : %s", ErrExchangeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting exchange %s : %w", id, err)
	}

	return toDomainExchange(&row), nil
}

// GetExchangeSummaries returns the newest exchanges first. IDs are v7 UUIDs, so they
// break ties between exchanges received in the same instant.
func (repo *Repository) GetExchangeSummaries(limit int) ([]*domain.ExchangeSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []*dbExchangeSummary
	query := `SELECT id, method, original_url, url, upstream_host, rewritten, requested_at,
			  status, status_code, content_type, length, responded_at
			  FROM exchange
			  ORDER BY requested_at DESC, id DESC
			  LIMIT ?`

	err := repo.dbConn.Select(&rows, query, limit)
	if err != nil {
		return nil, fmt.Errorf("getting exchange summaries : %w", err)
	}

	summaries := make([]*domain.ExchangeSummary, len(rows))
	for i, row := range rows {
		summaries[i] = toDomainExchangeSummary(row)
	}
	return summaries, nil
}

// DeleteExchanges removes the whole journal. Logs keep their entries with the
// exchange reference cleared.
func (repo *Repository) DeleteExchanges() (int, error) {
	result, err := repo.dbConn.Exec(`DELETE FROM exchange`)
	if err != nil {
		return 0, fmt.Errorf("deleting exchanges : %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking deleted exchanges : %w", err)
	}
	return int(rowsAffected), nil
}
