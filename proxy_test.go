package apishim

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/sharebox/apishim/db"
	"github.com/sharebox/apishim/domain"
)

type servedShim struct {
	shim   *Shim
	repo   *db.Repository
	client *http.Client
}

// newServedShim serves a shim with the default pipelines and a SQLite journal on a free port.
// The returned client sends every request through it.
func newServedShim(t *testing.T, baseURL string) *servedShim {
	t.Helper()

	dbConn, err := db.New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("opening journal : %v", err)
	}
	repo := db.NewJournalRepo(dbConn)
	t.Cleanup(func() { repo.Close() })

	shim, err := New(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithRewriter(newTestRewriter(t, baseURL)),
		WithRepo(repo),
		WithUpstream(&http.Transport{}),
		WithDefaultModifiers(),
	)
	if err != nil {
		t.Fatalf("creating shim : %v", err)
	}

	listener, err := shim.GetListener("127.0.0.1", "0")
	if err != nil {
		t.Fatalf("getting listener : %v", err)
	}
	go shim.Serve(listener)

	proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(shim.Addr, shim.Port)}
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	t.Cleanup(func() {
		transport.CloseIdleConnections()
		shim.Close()
	})

	return &servedShim{
		shim:   shim,
		repo:   repo,
		client: &http.Client{Transport: transport},
	}
}

func (s *servedShim) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	res, err := s.client.Get(target)
	if err != nil {
		t.Fatalf("sending %s through the shim : %v", target, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading body : %v", err)
	}
	return res, string(body)
}

// flush stops the shim so every queued journal item is written
func (s *servedShim) flush() {
	s.client.CloseIdleConnections()
	s.shim.Close()
}

func TestShim_Serve(t *testing.T) {
	t.Run("legacy requests are rewritten and journaled", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
		}))
		defer upstream.Close()

		served := newServedShim(t, upstream.URL+"/api")

		res, body := served.get(t, "http://localhost:3001/users/42")
		if res.StatusCode != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, res.StatusCode)
		}
		if body != `{"path":"/api/users/42"}` {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", `{"path":"/api/users/42"}`, body)
		}

		served.flush()

		summaries, err := served.repo.GetExchangeSummaries(0)
		if err != nil {
			t.Fatalf("reading journal : %v", err)
		}
		if len(summaries) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(summaries))
		}

		got := summaries[0]
		if got.OriginalURL != "http://localhost:3001/users/42" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "http://localhost:3001/users/42", got.OriginalURL)
		}
		if got.URL != upstream.URL+"/api/users/42" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", upstream.URL+"/api/users/42", got.URL)
		}
		if !got.Rewritten {
			t.Fatalf("\nwanted:\n%t\ngot:\n%t", true, got.Rewritten)
		}
		if got.StatusCode != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, got.StatusCode)
		}
		if got.ContentType != "application/json" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "application/json", got.ContentType)
		}

		stats, err := CollectStats(served.repo)
		if err != nil {
			t.Fatalf("collecting stats : %v", err)
		}
		want := domain.Stats{Exchanges: 1, Rewritten: 1, Failed: 0}
		if *stats != want {
			t.Fatalf("\nwanted:\n%+v\ngot:\n%+v", want, *stats)
		}

		logs, err := served.repo.GetLogs()
		if err != nil {
			t.Fatalf("reading logs : %v", err)
		}
		if len(logs) == 0 || logs[0].Level != "INFO" {
			t.Fatalf("\nwanted:\nstartup log\ngot:\n%v", logs)
		}
	})

	t.Run("out of scope requests are forwarded but not journaled", func(t *testing.T) {
		upstream := newEchoServer(t)
		served := newServedShim(t, upstream.URL+"/api")
		if err := served.shim.Scope.AddRule(`/health$`, "url", true); err != nil {
			t.Fatalf("adding rule : %v", err)
		}

		_, body := served.get(t, "http://localhost:3001/health")
		if body != "GET /api/health" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "GET /api/health", body)
		}

		served.flush()

		count, err := served.repo.CountExchanges()
		if err != nil {
			t.Fatalf("counting exchanges : %v", err)
		}
		if count != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", count)
		}
	})

	t.Run("the status host reports the effective configuration", func(t *testing.T) {
		upstream := newEchoServer(t)
		served := newServedShim(t, upstream.URL+"/api")

		res, body := served.get(t, "http://"+StatusHost+"/")
		if res.StatusCode != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, res.StatusCode)
		}

		var report StatusReport
		if err := json.Unmarshal([]byte(body), &report); err != nil {
			t.Fatalf("decoding status %q : %v", body, err)
		}
		if report.BaseURL != upstream.URL+"/api" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", upstream.URL+"/api", report.BaseURL)
		}
		if report.BackendOrigin != upstream.URL {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", upstream.URL, report.BackendOrigin)
		}
		if report.Listener != net.JoinHostPort(served.shim.Addr, served.shim.Port) {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", net.JoinHostPort(served.shim.Addr, served.shim.Port), report.Listener)
		}
		if report.Stats == nil {
			t.Fatal("expected journal counters in the status")
		}
	})

	t.Run("requests to the shim itself are not forwarded", func(t *testing.T) {
		upstream := newEchoServer(t)
		served := newServedShim(t, upstream.URL+"/api")

		target := "http://" + net.JoinHostPort(served.shim.Addr, served.shim.Port) + "/loop"
		res, body := served.get(t, target)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, res.StatusCode)
		}
		if body != "" {
			t.Fatalf("\nwanted:\nempty body\ngot:\n%s", body)
		}
	})
}

func TestShim_Close(t *testing.T) {
	shim, err := New(WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("creating shim : %v", err)
	}

	shim.Close()
	shim.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening : %v", err)
	}
	defer listener.Close()

	if err := shim.Serve(listener); err == nil {
		t.Fatal("wanted an error but got nil")
	}
}

func TestGetListener(t *testing.T) {
	shim, err := New(WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("creating shim : %v", err)
	}

	listener, err := shim.GetListener("127.0.0.1", "0")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	defer listener.Close()

	_, port, _ := net.SplitHostPort(listener.Addr().String())
	if shim.Port != port || shim.Port == "0" {
		t.Fatalf("\nwanted:\n%s\ngot:\n%s", port, shim.Port)
	}
	if shim.Addr != "127.0.0.1" {
		t.Fatalf("\nwanted:\n%s\ngot:\n%s", "127.0.0.1", shim.Addr)
	}
}
