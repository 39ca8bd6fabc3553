package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository defines the interface for managing application logs.
type LogRepository interface {
	// InsertLog saves a new log entry to the repository.
	InsertLog(log *Log) error
	// GetLogs retrieves all log entries from the repository, oldest first.
	GetLogs() ([]*Log, error)
	// GetExchangeLogs retrieves the entries written for one exchange, oldest first.
	GetExchangeLogs(requestID uuid.UUID) ([]*Log, error)
}

// Log represents a single log entry written by the shim.
type Log struct {
	ID        uuid.UUID      // Unique identifier for the log entry.
	Timestamp time.Time      // The time at which the log entry was created.
	Level     string         // The severity level of the log (DEBUG, INFO, WARN, ERROR).
	Message   string         // The main content of the log message.
	Context   map[string]any // Additional key-value data.
	RequestID *uuid.UUID     // An optional ID of the exchange the entry belongs to.
}
