package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RawField holds a raw HTTP request or response.
//
// By default []byte is marshalled to base64, RawField marshals the bytes as a string instead.
type RawField []byte

// MarshalJSON implements the json.Marshaler interface.
func (r RawField) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}

	return json.Marshal(string(r))
}

// JournalRepository holds the exchange related repository methods.
type JournalRepository interface {
	// InsertRequest inserts the request half of an exchange.
	InsertRequest(req *ExchangeRequest) error

	// InsertResponse completes the exchange with the same ID.
	// It returns an error if the request was never inserted.
	InsertResponse(res *ExchangeResponse) error

	// GetExchange returns the full exchange, including the raw request and response.
	// Exchanges without a response carry Status "N/A" and StatusCode -1.
	GetExchange(id uuid.UUID) (*Exchange, error)

	// GetExchangeSummaries returns the latest exchanges, newest first, without raw data.
	// A limit of zero or less returns every exchange.
	GetExchangeSummaries(limit int) ([]*ExchangeSummary, error)

	// DeleteExchanges removes every exchange and returns how many were removed.
	DeleteExchanges() (int, error)
}

// ExchangeRequest is the request half of a journaled exchange.
type ExchangeRequest struct {
	ID          uuid.UUID      // Unique identifier, shared with the response
	Method      string         // HTTP method
	OriginalURL string         // URL as the client sent it
	URL         string         // URL the request was forwarded to
	Rewritten   bool           // Whether the rewriter changed the URL
	Raw         RawField       // Complete raw HTTP request as forwarded
	Metadata    map[string]any // Additional data such as the prettified body
	RequestedAt time.Time      // When the shim received the request
}

// ExchangeResponse is the response half of a journaled exchange.
type ExchangeResponse struct {
	ID          uuid.UUID      // Identifier of the matching request
	Status      string         // HTTP status text (e.g. "200 OK")
	StatusCode  int            // HTTP status code
	ContentType string         // Parsed media type
	Length      string         // Content-Length as reported upstream
	Raw         RawField       // Complete raw HTTP response, body decoded when possible
	Metadata    map[string]any // Additional data such as the prettified body
	RespondedAt time.Time      // When the response arrived
}

// Exchange is a complete request / response pair.
type Exchange struct {
	Request  ExchangeRequest
	Response ExchangeResponse
	Metadata map[string]any // Combined metadata
}

// ExchangeSummary describes an exchange without the raw data.
type ExchangeSummary struct {
	ID           uuid.UUID `json:"id"`
	Method       string    `json:"method"`
	OriginalURL  string    `json:"original_url"`
	URL          string    `json:"url"`
	UpstreamHost string    `json:"upstream_host"`
	Rewritten    bool      `json:"rewritten"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	ContentType  string    `json:"content_type"`
	Length       string    `json:"length"`
	RequestedAt  time.Time `json:"requested_at"`
	RespondedAt  time.Time `json:"responded_at"`
}
