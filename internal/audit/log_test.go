package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"impactsurvey.org/internal/obs"
)

type recordingStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	panic   bool
}

func (s *recordingStore) Insert(_ context.Context, entry *Entry) error {
	if s.panic {
		panic("boom")
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := obs.SetLogger(obs.NewLogger(&buf, slog.LevelDebug))
	t.Cleanup(func() { obs.SetLogger(prev) })
	return &buf
}

func TestRecordFillsDefaults(t *testing.T) {
	buf := captureLogs(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &recordingStore{}
	logger := NewLogger(store, WithClock(func() time.Time { return now }))

	ctx := WithRequestID(context.Background(), "req-123")
	logger.Record(ctx, Entry{
		ActorID:    "user-42",
		Action:     ActionLoginSuccess,
		Identifier: "user@example.com",
		Success:    true,
		IP:         "10.0.0.1",
		UserAgent:  "test-agent",
	})

	if len(store.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(store.entries))
	}
	got := store.entries[0]
	if got.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected timestamp %v", got.CreatedAt)
	}
	if got.RequestID != "req-123" {
		t.Fatalf("unexpected request id %q", got.RequestID)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if line["type"] != "audit" || line["event"] != ActionLoginSuccess {
		t.Fatalf("unexpected audit line: %v", line)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	buf := captureLogs(t)
	logger := NewLogger(&recordingStore{err: errors.New("db down")}, WithEcho(false))

	logger.Record(context.Background(), Entry{Action: ActionLogout})

	if !strings.Contains(buf.String(), "audit write failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

func TestRecordRecoversFromStorePanic(t *testing.T) {
	captureLogs(t)
	logger := NewLogger(&recordingStore{panic: true}, WithEcho(false))
	logger.Record(context.Background(), Entry{Action: ActionLogout})
}

func TestRecordDropsEntryWithoutAction(t *testing.T) {
	captureLogs(t)
	store := &recordingStore{}
	NewLogger(store).Record(context.Background(), Entry{Action: "  "})
	if len(store.entries) != 0 {
		t.Fatalf("expected entry to be dropped")
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var logger *Logger
	logger.Record(context.Background(), Entry{Action: ActionLogout})
}
