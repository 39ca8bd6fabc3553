package core

import (
	"github.com/google/uuid"
	"github.com/sharebox/apishim/domain"
)

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithRequestID is an option to associate a log entry with an exchange ID.
func LogWithRequestID(id uuid.UUID) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.RequestID = &id
		return nil
	}
}
