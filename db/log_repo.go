package db

import (
	"database/sql"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/sharebox/apishim/domain"
)

var _ domain.LogRepository = (*Repository)(nil)

// unjournaledRequestKey holds the exchange ID of a log entry whose exchange is not in the journal
const unjournaledRequestKey = "request_id"

const selectLogs = `SELECT id, timestamp, level, message, context, request_id FROM logs`

// logRow is a row of the logs table
type logRow struct {
	ID        uuid.UUID      `db:"id"`
	Timestamp time.Time      `db:"timestamp"`
	Level     string         `db:"level"`
	Message   string         `db:"message"`
	Context   Metadata       `db:"context"`
	RequestID sql.NullString `db:"request_id"`
}

func newLogRow(log *domain.Log) *logRow {
	row := &logRow{
		ID:        log.ID,
		Timestamp: log.Timestamp,
		Level:     log.Level,
		Message:   log.Message,
		Context:   Metadata(log.Context),
	}
	if log.RequestID != nil {
		row.RequestID = sql.NullString{String: log.RequestID.String(), Valid: true}
	}
	return row
}

func (row *logRow) toDomain() *domain.Log {
	log := &domain.Log{
		ID:        row.ID,
		Timestamp: row.Timestamp,
		Level:     row.Level,
		Message:   row.Message,
		Context:   map[string]any(row.Context),
	}
	if row.RequestID.Valid {
		if id, err := uuid.Parse(row.RequestID.String); err == nil {
			log.RequestID = &id
		}
	}
	return log
}

// InsertLog saves a log entry. Entries for exchanges that never made it to the journal
// (out of scope, or failed before being written) keep the exchange ID in their context
// under "request_id" instead of referencing it.
func (repo *Repository) InsertLog(log *domain.Log) error {
	row := newLogRow(log)

	if row.RequestID.Valid {
		var journaled bool
		err := repo.dbConn.Get(&journaled, `SELECT EXISTS (SELECT 1 FROM exchange WHERE id = ?)`, row.RequestID.String)
		if err != nil {
			return fmt.Errorf("looking up exchange %s : %w", row.RequestID.String, err)
		}
		if !journaled {
			context := make(Metadata, len(row.Context)+1)
			maps.Copy(context, row.Context)
			context[unjournaledRequestKey] = row.RequestID.String
			row.Context = context
			row.RequestID = sql.NullString{}
		}
	}

	query := `INSERT INTO logs (id, level, timestamp, message, context, request_id)
	          VALUES (:id, :level, :timestamp, :message, :context, :request_id)`
	if _, err := repo.dbConn.NamedExec(query, row); err != nil {
		return fmt.Errorf("inserting log %s : %w", log.ID, err)
	}
	return nil
}

// GetLogs retrieves all log entries, oldest first.
func (repo *Repository) GetLogs() ([]*domain.Log, error) {
	return repo.selectLogs(selectLogs + ` ORDER BY timestamp ASC, id ASC`)
}

// GetExchangeLogs retrieves the entries written for requestID, oldest first.
func (repo *Repository) GetExchangeLogs(requestID uuid.UUID) ([]*domain.Log, error) {
	return repo.selectLogs(selectLogs+` WHERE request_id = ? ORDER BY timestamp ASC, id ASC`, requestID.String())
}

func (repo *Repository) selectLogs(query string, args ...any) ([]*domain.Log, error) {
	var rows []*logRow
	if err := repo.dbConn.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("fetching logs : %w", err)
	}
	logs := make([]*domain.Log, len(rows))
	for i, row := range rows {
		logs[i] = row.toDomain()
	}
	return logs, nil
}
