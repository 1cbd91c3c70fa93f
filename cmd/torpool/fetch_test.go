package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/torpool/internal/circuit"
	"github.com/nao1215/torpool/internal/fault"
	"github.com/nao1215/torpool/internal/tor"
	"github.com/nao1215/torpool/internal/tor/tortest"
)

// fetchOutput is the part of the JSON fetch report the tests look at.
type fetchOutput struct {
	Target    string `json:"target"`
	Title     string `json:"title"`
	Bytes     int64  `json:"bytes"`
	SessionID string `json:"sessionId"`
	Requests  int    `json:"requests"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Blocked   int    `json:"blocked"`
	Rotations uint64 `json:"rotations"`
	Circuits  []struct {
		Identity   string `json:"identity"`
		Operations uint64 `json:"operations"`
	} `json:"circuits"`
}

func decodeFetch(t *testing.T, data string) fetchOutput {
	t.Helper()

	var out fetchOutput
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, data)
	}
	return out
}

func TestFetchCmd(t *testing.T) {
	t.Parallel()

	t.Run("fetches through every circuit", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int64
		const body = `<html><head><title>Pool Test</title></head><body>ok</body></html>`
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, body)
		}))
		defer srv.Close()

		path, _ := writeTestConfig(t, "")
		stdout, stderr, err := runCLI(t,
			[]string{"fetch", "--config", path, "-r", "4", "--json", "--metrics-addr", "127.0.0.1:0", srv.URL + "/"},
			fakeTor(t, tortest.ModeServe))
		if err != nil {
			t.Fatalf("unexpected error: %v\nstderr: %s", err, stderr)
		}

		out := decodeFetch(t, stdout)
		if out.Requests != 4 || out.Succeeded != 4 || out.Failed != 0 {
			t.Errorf("unexpected outcome %+v", out)
		}
		if out.Title != "Pool Test" || out.Bytes != 4*int64(len(body)) {
			t.Errorf("unexpected page summary title=%q bytes=%d", out.Title, out.Bytes)
		}
		if hits.Load() != 4 {
			t.Errorf("server saw %d requests, expected 4", hits.Load())
		}
		if len(out.Circuits) != 2 {
			t.Fatalf("expected 2 circuits, got %d", len(out.Circuits))
		}
		for _, c := range out.Circuits {
			if c.Operations != 2 {
				t.Errorf("%s ran %d operations, expected 2", c.Identity, c.Operations)
			}
		}
		if out.SessionID == "" {
			t.Error("expected a journal session id")
		}
	})

	t.Run("blocked requests rotate and fail", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "denied", http.StatusForbidden)
		}))
		defer srv.Close()

		path, _ := writeTestConfig(t, "")
		stdout, stderr, err := runCLI(t,
			[]string{"fetch", "--config", path, "-r", "3", "--json", "--no-journal", srv.URL},
			fakeTor(t, tortest.ModeServe))
		if !errors.Is(err, errAllRequestsFailed) {
			t.Fatalf("expected errAllRequestsFailed, got %v\nstderr: %s", err, stderr)
		}

		out := decodeFetch(t, stdout)
		if out.Requests != 3 || out.Failed != 3 || out.Blocked != 3 {
			t.Errorf("unexpected outcome %+v", out)
		}
		// Two attempts per request, one rotation per blocked attempt.
		if out.Rotations != 6 {
			t.Errorf("expected 6 rotations, got %d", out.Rotations)
		}
		if out.SessionID != "" {
			t.Errorf("expected no session id without a journal, got %q", out.SessionID)
		}
	})

	t.Run("writes a markdown report file", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}))
		defer srv.Close()

		path, _ := writeTestConfig(t, "")
		reportPath := filepath.Join(t.TempDir(), "reports", "fetch.md")
		stdout, stderr, err := runCLI(t,
			[]string{"fetch", "--config", path, "-r", "1", "-m", "-o", reportPath, "--no-journal", srv.URL},
			fakeTor(t, tortest.ModeServe))
		if err != nil {
			t.Fatalf("unexpected error: %v\nstderr: %s", err, stderr)
		}
		if stdout != "" {
			t.Errorf("expected nothing on stdout, got %q", stdout)
		}
		data, err := os.ReadFile(reportPath)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "# torpool Fetch Report") {
			t.Errorf("unexpected report:\n%s", data)
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		t.Parallel()

		path, _ := writeTestConfig(t, "")
		_, _, err := runCLI(t, []string{"fetch", "--config", path, "ftp://example.com/"})
		if !errors.Is(err, tor.ErrInvalidTarget) {
			t.Errorf("expected ErrInvalidTarget, got %v", err)
		}
	})

	t.Run("invalid request count", func(t *testing.T) {
		t.Parallel()

		path, _ := writeTestConfig(t, "")
		if _, _, err := runCLI(t, []string{"fetch", "--config", path, "-r", "0", "http://example.com/"}); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("json and markdown are exclusive", func(t *testing.T) {
		t.Parallel()

		path, _ := writeTestConfig(t, "")
		if _, _, err := runCLI(t, []string{"fetch", "--config", path, "-j", "-m", "http://example.com/"}); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("daemon that never starts", func(t *testing.T) {
		t.Parallel()

		path, _ := writeTestConfig(t, "")
		_, _, err := runCLI(t,
			[]string{"fetch", "--config", path, "--no-journal", "--startup-timeout", "300ms", "http://example.com/"},
			fakeTor(t, tortest.ModeHang))
		if !errors.Is(err, fault.KindProcessStartupTimeout) {
			t.Errorf("expected ProcessStartupTimeout, got %v", err)
		}
	})
}

func newTestEndpoint(t *testing.T, proxyPort int) *circuit.Endpoint {
	t.Helper()

	ep, err := circuit.NewEndpoint("circuit_000", tor.PortPair{Proxy: proxyPort}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ep.Close)
	return ep
}

func TestFetchOnceStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		wantCode int
	}{
		{name: "ok", status: http.StatusOK, wantCode: 0},
		{name: "no content", status: http.StatusNoContent, wantCode: 0},
		{name: "forbidden", status: http.StatusForbidden, wantCode: http.StatusForbidden},
		{name: "server error", status: http.StatusInternalServerError, wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			socks := tortest.NewSOCKSServer(t)
			ep := newTestEndpoint(t, socks.Port())

			_, err := fetchOnce(t.Context(), ep, srv.URL)
			if tt.wantCode == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			var se interface{ StatusCode() int }
			if !errors.As(err, &se) || se.StatusCode() != tt.wantCode {
				t.Errorf("expected status %d, got %v", tt.wantCode, err)
			}
		})
	}
}
