package domain

import "time"

// ResolutionRepository stores the base URL the shim resolved at startup, so the journal
// can be read later with the configuration that produced it.
type ResolutionRepository interface {
	// RecordResolution saves the resolved base URL and backend origin.
	RecordResolution(baseURL, backendOrigin string) error
	// LastResolution returns the most recently recorded resolution.
	// It returns an error if nothing has been recorded yet.
	LastResolution() (*Resolution, error)
}

// Resolution is the effective API location for a run of the shim.
type Resolution struct {
	BaseURL       string    `json:"base_url"`
	BackendOrigin string    `json:"backend_origin"`
	ResolvedAt    time.Time `json:"resolved_at"`
}
