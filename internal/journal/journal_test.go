package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/torpool/internal/circuit"
)

// setupTestJournal opens a journal in a temporary directory.
func setupTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// TestOpen tests journal opening and creation.
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates journal in new directory", func(t *testing.T) {
		t.Parallel()

		dir := filepath.Join(t.TempDir(), "newdir", "subdir")
		j, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open journal: %v", err)
		}
		defer j.Close()

		if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
			t.Errorf("journal file was not created: %v", err)
		}
		if j.Path() != filepath.Join(dir, FileName) {
			t.Errorf("unexpected path %q", j.Path())
		}
	})

	t.Run("CreateIfNotExists=false fails for missing journal", func(t *testing.T) {
		t.Parallel()

		_, err := Open(t.TempDir(), Options{CreateIfNotExists: false})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("reopens an existing journal", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		j, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		rec, err := j.StartSession(context.Background(), SessionInfo{Command: "fetch", Circuits: 1, MaxQueries: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := rec.Finish(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := j.Close(); err != nil {
			t.Fatal(err)
		}

		reopened, err := Open(dir, Options{CreateIfNotExists: false})
		if err != nil {
			t.Fatalf("failed to reopen journal: %v", err)
		}
		defer reopened.Close()

		sessions, err := reopened.Sessions(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(sessions) != 1 {
			t.Errorf("expected 1 session, got %d", len(sessions))
		}
	})
}

// TestSessionLifecycle tests that a recorder stores counts and rotations.
func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	j := setupTestJournal(t)
	ctx := context.Background()

	info := SessionInfo{
		Command:     "fetch",
		Circuits:    3,
		MaxQueries:  15,
		DaemonPID:   4242,
		ProxyPort:   41000,
		ControlPort: 41001,
	}
	rec, err := j.StartSession(ctx, info)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := uuid.Parse(rec.SessionID()); err != nil {
		t.Errorf("session id %q is not a UUID: %v", rec.SessionID(), err)
	}

	rec.OperationDone("circuit_000", time.Millisecond, nil)
	rec.OperationDone("circuit_001", time.Millisecond, nil)
	rec.OperationDone("circuit_002", time.Millisecond, errors.New("HTTP 403"))
	rec.IdentityRotated("circuit_002", circuit.ReasonBlocked, nil)
	rec.IdentityRotated("circuit_000", circuit.ReasonThreshold, errors.New("552 Unrecognized signal"))

	if err := rec.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := rec.Finish(ctx); err != nil {
		t.Fatalf("second Finish: %v", err)
	}

	sessions, err := j.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.ID != rec.SessionID() || s.SessionInfo != info {
		t.Errorf("unexpected session %+v", s)
	}
	if s.Operations != 3 || s.Failures != 1 || s.Rotations != 1 {
		t.Errorf("unexpected counters ops=%d failures=%d rotations=%d", s.Operations, s.Failures, s.Rotations)
	}
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() || s.Duration() < 0 {
		t.Errorf("unexpected timestamps %v - %v", s.StartedAt, s.EndedAt)
	}

	rotations, err := j.Rotations(ctx, s.ID)
	if err != nil {
		t.Fatalf("Rotations: %v", err)
	}
	if len(rotations) != 2 {
		t.Fatalf("expected 2 rotations, got %d", len(rotations))
	}
	if rotations[0].Circuit != "circuit_002" || rotations[0].Reason != "blocked" || rotations[0].Error != "" {
		t.Errorf("unexpected first rotation %+v", rotations[0])
	}
	if rotations[1].Reason != "threshold" || rotations[1].Error != "552 Unrecognized signal" {
		t.Errorf("unexpected second rotation %+v", rotations[1])
	}
}

// TestRecorderSetDaemon tests filling in the daemon after the session started.
func TestRecorderSetDaemon(t *testing.T) {
	t.Parallel()

	j := setupTestJournal(t)
	ctx := context.Background()

	rec, err := j.StartSession(ctx, SessionInfo{Command: "check", Circuits: 1, MaxQueries: 15})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := rec.SetDaemon(ctx, 777, 41000, 41001); err != nil {
		t.Fatalf("SetDaemon: %v", err)
	}
	if err := rec.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	sessions, err := j.Sessions(ctx, 1)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	want := SessionInfo{Command: "check", Circuits: 1, MaxQueries: 15, DaemonPID: 777, ProxyPort: 41000, ControlPort: 41001}
	if sessions[0].SessionInfo != want {
		t.Errorf("unexpected session info %+v", sessions[0].SessionInfo)
	}
}

// TestRecorderAfterFinish tests that late events are dropped, not written.
func TestRecorderAfterFinish(t *testing.T) {
	t.Parallel()

	j := setupTestJournal(t)
	ctx := context.Background()

	rec, err := j.StartSession(ctx, SessionInfo{Command: "fetch", Circuits: 1, MaxQueries: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	rec.IdentityRotated("circuit_000", circuit.ReasonThreshold, nil)
	if rec.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", rec.Dropped())
	}
	rotations, err := j.Rotations(ctx, rec.SessionID())
	if err != nil {
		t.Fatal(err)
	}
	if len(rotations) != 0 {
		t.Errorf("expected no stored rotations, got %d", len(rotations))
	}
}

// TestSessionsOrderAndLimit tests newest-first ordering and the limit.
func TestSessionsOrderAndLimit(t *testing.T) {
	t.Parallel()

	j := setupTestJournal(t)
	ctx := context.Background()

	var ids []string
	for _, cmd := range []string{"fetch", "check", "fetch"} {
		rec, err := j.StartSession(ctx, SessionInfo{Command: cmd, Circuits: 1, MaxQueries: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := rec.Finish(ctx); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.SessionID())
		time.Sleep(2 * time.Millisecond)
	}

	sessions, err := j.Sessions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != ids[2] || sessions[1].ID != ids[1] {
		t.Errorf("sessions not newest first: %s, %s", sessions[0].ID, sessions[1].ID)
	}

	all, err := j.Sessions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 sessions, got %d", len(all))
	}
}

// TestParseTimestamp tests the accepted timestamp formats.
func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		wantZero bool
	}{
		{name: "RFC3339Nano", input: "2026-10-15T10:30:00.123456789Z"},
		{name: "RFC3339", input: "2026-10-15T10:30:00Z"},
		{name: "SQLite datetime", input: "2026-10-15 10:30:00"},
		{name: "garbage", input: "yesterday", wantZero: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := parseTimestamp(tt.input); got.IsZero() != tt.wantZero {
				t.Errorf("parseTimestamp(%q) = %v", tt.input, got)
			}
		})
	}
}
