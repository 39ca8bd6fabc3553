package domain

// StatsRepository defines the interface for counting journal entries.
type StatsRepository interface {
	// CountExchanges returns the total number of journaled exchanges.
	CountExchanges() (int, error)
	// CountRewritten returns the number of exchanges whose URL was rewritten.
	CountRewritten() (int, error)
	// CountFailed returns the number of exchanges answered with a status code of 400 or above.
	CountFailed() (int, error)
}

// Stats is a snapshot of the journal counters.
type Stats struct {
	Exchanges int `json:"exchanges"`
	Rewritten int `json:"rewritten"`
	Failed    int `json:"failed"`
}
