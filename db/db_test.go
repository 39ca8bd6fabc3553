package db

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sharebox/apishim/domain"
)

func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tempFile, err := os.CreateTemp(t.TempDir(), "test_*.db")
	if err != nil {
		t.Fatalf("os.CreateTemp() failed: %v", err)
	}
	tempFile.Close()

	dbConn, err := New(tempFile.Name())
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}

	repo := NewJournalRepo(dbConn)

	teardown := func() {
		repo.Close()
		os.Remove(tempFile.Name())
	}

	return repo, teardown
}

func testRequest(t *testing.T, repo *Repository, rewritten bool, metadata map[string]any) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("creating uuid: %v", err)
	}

	if metadata == nil {
		metadata = make(map[string]any)
	}

	originalURL := "https://api.sharebox.app/api/donations"
	if rewritten {
		originalURL = "http://localhost:3001/donations"
	}

	req := &domain.ExchangeRequest{
		ID:          id,
		Method:      "GET",
		OriginalURL: originalURL,
		URL:         "https://api.sharebox.app/api/donations",
		Rewritten:   rewritten,
		Raw:         []byte("GET /api/donations HTTP/1.1\r\nHost: api.sharebox.app\r\n\r\n"),
		Metadata:    metadata,
		RequestedAt: time.Now().UTC(),
	}

	err = repo.InsertRequest(req)
	if err != nil {
		t.Fatalf("inserting request: %v", err)
	}
	return id
}

func insertTestResponse(t *testing.T, repo *Repository, reqID uuid.UUID, statusCode int, metadata map[string]any) *domain.ExchangeResponse {
	t.Helper()

	if metadata == nil {
		metadata = make(map[string]any)
	}

	rawResp := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n[]")

	resp := &domain.ExchangeResponse{
		ID:          reqID,
		Status:      "200 OK",
		StatusCode:  statusCode,
		ContentType: "application/json",
		Length:      "2",
		Raw:         rawResp,
		Metadata:    metadata,
		RespondedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	err := repo.InsertResponse(resp)
	if err != nil {
		t.Fatalf("inserting response: %v", err)
	}
	return resp
}

func TestNew(t *testing.T) {
	t.Run("should apply migrations on a fresh database", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		var version int64
		err := repo.dbConn.Get(&version, `SELECT MAX(version_id) FROM goose_db_version`)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if version != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", version)
		}
	})

	t.Run("should reopen an existing database without reapplying migrations", func(t *testing.T) {
		path := t.TempDir() + "/journal.db"

		first, err := New(path)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		first.Close()

		second, err := New(path)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer second.Close()
	})
}
