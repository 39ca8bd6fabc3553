// Package core provides the request context helpers and log options shared by the shim
// and its modifier pipeline.
package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDKey is the context key for the exchange ID (uuid.UUID). The same ID is shared between the request and response
	RequestIDKey contextKey = "RequestID"
	// MetadataKey is the context key for the exchange metadata (map[string]any)
	MetadataKey contextKey = "Metadata"
	// OriginalURLKey is the context key for the URL the client asked for before rewriting (string)
	OriginalURLKey contextKey = "OriginalURL"
	// SkipKey is the context key for the flag (bool) that keeps the exchange out of the journal
	SkipKey contextKey = "Skip"
	// RequestTimeKey is the context key for the request timestamp (time.Time)
	RequestTimeKey contextKey = "RequestTime"
	// ResponseTimeKey is the context key for the response timestamp (time.Time)
	ResponseTimeKey contextKey = "ResponseTime"
)

// ContextWithRequestID returns a new request with a request ID in the context
func ContextWithRequestID(req *http.Request, requestID uuid.UUID) *http.Request {
	ctx := context.WithValue(req.Context(), RequestIDKey, requestID)
	return req.WithContext(ctx)
}

// RequestIDFromContext returns the request ID from the context if it exists
func RequestIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(RequestIDKey).(uuid.UUID)
	return id, ok
}

// ContextWithMetadata returns a new request with metadata in the context
func ContextWithMetadata(req *http.Request, metadata map[string]any) *http.Request {
	ctx := context.WithValue(req.Context(), MetadataKey, metadata)
	return req.WithContext(ctx)
}

// MetadataFromContext returns the metadata from the context if it exists
func MetadataFromContext(ctx context.Context) (map[string]any, bool) {
	metadata, ok := ctx.Value(MetadataKey).(map[string]any)
	return metadata, ok
}

// ContextWithOriginalURL returns a new request carrying the URL as the client sent it
func ContextWithOriginalURL(req *http.Request, originalURL string) *http.Request {
	ctx := context.WithValue(req.Context(), OriginalURLKey, originalURL)
	return req.WithContext(ctx)
}

// OriginalURLFromContext returns the URL as the client sent it if it exists
func OriginalURLFromContext(ctx context.Context) (string, bool) {
	originalURL, ok := ctx.Value(OriginalURLKey).(string)
	return originalURL, ok
}

// ContextWithRequestTime returns a new request with the request time in the context
func ContextWithRequestTime(req *http.Request, requestTime time.Time) *http.Request {
	ctx := context.WithValue(req.Context(), RequestTimeKey, requestTime)
	return req.WithContext(ctx)
}

// RequestTimeFromContext returns the request time from the context if it exists
func RequestTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(RequestTimeKey).(time.Time)
	return timestamp, ok
}

// ContextWithResponseTime returns a new request with the response time in the context
func ContextWithResponseTime(req *http.Request, responseTime time.Time) *http.Request {
	ctx := context.WithValue(req.Context(), ResponseTimeKey, responseTime)
	return req.WithContext(ctx)
}

// ResponseTimeFromContext returns the response time from the context if it exists
func ResponseTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(ResponseTimeKey).(time.Time)
	return timestamp, ok
}

// ContextWithSkipFlag returns a new request with the skip flag in the context
func ContextWithSkipFlag(req *http.Request, skip bool) *http.Request {
	ctx := context.WithValue(req.Context(), SkipKey, skip)
	return req.WithContext(ctx)
}

// SkipFlagFromContext returns the value of the skip flag from the context if it exists
func SkipFlagFromContext(ctx context.Context) (bool, bool) {
	skip, ok := ctx.Value(SkipKey).(bool)
	return skip, ok
}
