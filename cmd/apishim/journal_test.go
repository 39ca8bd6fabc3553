package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sharebox/apishim/db"
	"github.com/sharebox/apishim/domain"
)

const (
	seededRawRequest  = "GET /api/users/42 HTTP/1.1\r\nHost: api.example.com\r\n\r\n"
	seededRawResponse = "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"id\":42}"
)

// seedJournal writes one rewritten exchange, a startup log and an error log for the
// exchange into the journal of the config dir dir
func seedJournal(t *testing.T, dir string) uuid.UUID {
	t.Helper()

	dbConn, err := db.New(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("opening journal : %v", err)
	}
	repo := db.NewJournalRepo(dbConn)
	defer repo.Close()

	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("creating uuid : %v", err)
	}
	at := time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)

	if err := repo.InsertRequest(&domain.ExchangeRequest{
		ID:          id,
		Method:      "GET",
		OriginalURL: "http://localhost:3001/users/42",
		URL:         "https://api.example.com/api/users/42",
		Rewritten:   true,
		Raw:         domain.RawField(seededRawRequest),
		Metadata:    map[string]any{},
		RequestedAt: at,
	}); err != nil {
		t.Fatalf("inserting request : %v", err)
	}
	if err := repo.InsertResponse(&domain.ExchangeResponse{
		ID:          id,
		Status:      "200 OK",
		StatusCode:  200,
		ContentType: "application/json",
		Length:      "9",
		Raw:         domain.RawField(seededRawResponse),
		Metadata:    map[string]any{},
		RespondedAt: at.Add(time.Second),
	}); err != nil {
		t.Fatalf("inserting response : %v", err)
	}

	for _, log := range []*domain.Log{
		{ID: uuid.New(), Timestamp: at.Add(-time.Second), Level: "INFO", Message: "apishim started on 127.0.0.1:8080"},
		{ID: uuid.New(), Timestamp: at.Add(2 * time.Second), Level: "ERROR", Message: "running response pipeline : boom", RequestID: &id},
	} {
		if err := repo.InsertLog(log); err != nil {
			t.Fatalf("inserting log : %v", err)
		}
	}
	return id
}

func TestJournalCmd(t *testing.T) {
	dir := t.TempDir()
	id := seedJournal(t, dir)

	t.Run("table", func(t *testing.T) {
		got, err := runCmdIn(t, dir, "journal")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		lines := strings.Split(strings.TrimSpace(got), "\n")
		if len(lines) != 2 {
			t.Fatalf("\nwanted:\nheader and one exchange\ngot:\n%s", got)
		}
		if fields := strings.Fields(lines[0]); strings.Join(fields, " ") != "ID METHOD STATUS REWRITTEN URL ORIGINAL" {
			t.Fatalf("\nwanted:\nID METHOD STATUS REWRITTEN URL ORIGINAL\ngot:\n%s", lines[0])
		}
		want := []string{id.String(), "GET", "200", "true", "https://api.example.com/api/users/42", "http://localhost:3001/users/42"}
		if fields := strings.Fields(lines[1]); strings.Join(fields, " ") != strings.Join(want, " ") {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, fields)
		}
	})

	t.Run("json", func(t *testing.T) {
		got, err := runCmdIn(t, dir, "journal", "--json", "-n", "5")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		var summaries []domain.ExchangeSummary
		if err := json.Unmarshal([]byte(got), &summaries); err != nil {
			t.Fatalf("decoding output : %v\n%s", err, got)
		}
		if len(summaries) != 1 || summaries[0].ID != id || summaries[0].UpstreamHost != "api.example.com" {
			t.Fatalf("\nwanted:\nexchange %s on api.example.com\ngot:\n%+v", id, summaries)
		}
	})

	t.Run("show carries the exchange logs", func(t *testing.T) {
		got, err := runCmdIn(t, dir, "journal", "show", id.String())
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		var shown struct {
			Request struct {
				URL         string
				OriginalURL string
				Raw         string
			}
			Response struct {
				StatusCode int
			}
			Logs []struct {
				Level   string
				Message string
			} `json:"logs"`
		}
		if err := json.Unmarshal([]byte(got), &shown); err != nil {
			t.Fatalf("decoding output : %v\n%s", err, got)
		}
		if shown.Request.URL != "https://api.example.com/api/users/42" || shown.Request.OriginalURL != "http://localhost:3001/users/42" {
			t.Fatalf("\nwanted:\nrewritten exchange\ngot:\n%+v", shown.Request)
		}
		if shown.Request.Raw != seededRawRequest {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", seededRawRequest, shown.Request.Raw)
		}
		if shown.Response.StatusCode != 200 {
			t.Fatalf("\nwanted:\n200\ngot:\n%d", shown.Response.StatusCode)
		}
		if len(shown.Logs) != 1 || shown.Logs[0].Level != "ERROR" {
			t.Fatalf("\nwanted:\nthe error log of the exchange\ngot:\n%+v", shown.Logs)
		}
	})

	t.Run("show raw", func(t *testing.T) {
		got, err := runCmdIn(t, dir, "journal", "show", id.String(), "--raw")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !strings.HasPrefix(got, seededRawRequest+"\n\n"+seededRawResponse+"\n") {
			t.Fatalf("\nwanted:\nraw request then raw response\ngot:\n%q", got)
		}
		if !strings.Contains(got, "ERROR running response pipeline : boom request_id="+id.String()) {
			t.Fatalf("\nwanted:\nthe error log of the exchange\ngot:\n%q", got)
		}
	})

	t.Run("show needs a valid id", func(t *testing.T) {
		if _, err := runCmdIn(t, dir, "journal", "show", "not-an-id"); err == nil {
			t.Fatal("wanted an error but got nil")
		}
		if _, err := runCmdIn(t, dir, "journal", "show", uuid.NewString()); err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})
}

// logLines returns the printed entries without their timestamps
func logLines(t *testing.T, out string) []string {
	t.Helper()
	var lines []string
	for _, line := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		stamp, rest, ok := strings.Cut(line, " ")
		if !ok {
			t.Fatalf("\nwanted:\ntimestamp then entry\ngot:\n%s", line)
		}
		if _, err := time.Parse(time.RFC3339, stamp); err != nil {
			t.Fatalf("\nwanted:\nRFC3339 timestamp\ngot:\n%s", stamp)
		}
		lines = append(lines, rest)
	}
	return lines
}

func TestLogsCmd(t *testing.T) {
	dir := t.TempDir()
	id := seedJournal(t, dir)

	t.Run("every entry oldest first", func(t *testing.T) {
		got, err := runCmdIn(t, dir, "logs")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		want := []string{
			"INFO  apishim started on 127.0.0.1:8080",
			"ERROR running response pipeline : boom request_id=" + id.String(),
		}
		if lines := logLines(t, got); !slices.Equal(lines, want) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, lines)
		}
	})

	t.Run("entries of one exchange", func(t *testing.T) {
		got, err := runCmdIn(t, dir, "logs", "--request", id.String())
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		want := []string{"ERROR running response pipeline : boom request_id=" + id.String()}
		if lines := logLines(t, got); !slices.Equal(lines, want) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, lines)
		}
	})

	t.Run("invalid exchange id", func(t *testing.T) {
		if _, err := runCmdIn(t, dir, "logs", "--request", "nope"); err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})
}

func TestJournalClearCmd(t *testing.T) {
	dir := t.TempDir()
	seedJournal(t, dir)

	got, err := runCmdIn(t, dir, "journal", "clear")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if got != "deleted 1 exchanges\n" {
		t.Fatalf("\nwanted:\ndeleted 1 exchanges\ngot:\n%s", got)
	}

	got, err = runCmdIn(t, dir, "stats")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if got != "exchanges: 0\nrewritten: 0\nfailed: 0\n" {
		t.Fatalf("\nwanted:\nempty journal\ngot:\n%s", got)
	}

	// Logs survive with the exchange reference cleared
	got, err = runCmdIn(t, dir, "logs")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	want := []string{
		"INFO  apishim started on 127.0.0.1:8080",
		"ERROR running response pipeline : boom",
	}
	if lines := logLines(t, got); !slices.Equal(lines, want) {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, lines)
	}
}

func TestServeCmd(t *testing.T) {
	dir := t.TempDir()

	// Shutdown is already requested, serve records the resolution and stops
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runCmdContext(t, ctx, dir,
		"--api-base-url", "https://api.example.com/api",
		"serve", "--listen-address", "127.0.0.1", "--listen-port", "0",
	)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	got, err := runCmdIn(t, dir, "resolve", "--last")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if !strings.HasPrefix(got, "base_url: https://api.example.com/api\nbackend_origin: https://api.example.com\nresolved_at: ") {
		t.Fatalf("\nwanted:\nrecorded resolution\ngot:\n%s", got)
	}
}
