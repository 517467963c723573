package flowmonitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nero-labs/kiro-relay/internal/events"
	"github.com/nero-labs/kiro-relay/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeArchiver struct {
	stored map[string][]byte
}

func (a *fakeArchiver) Store(ctx context.Context, key string, data []byte) (string, error) {
	if a.stored == nil {
		a.stored = make(map[string][]byte)
	}
	a.stored[key] = data
	return key, nil
}

func TestRecordPersistsLogAndPublishes(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(10)
	_, ch, _ := bus.Subscribe()

	sink := NewSink(s, bus, nil, 1<<20)
	sink.Record(context.Background(), Flow{
		IdentityID:   "id-1",
		Dialect:      "anthropic",
		Model:        "claude-sonnet-4-5-20250929",
		State:        StateCompleted,
		InputTokens:  10,
		OutputTokens: 20,
		CostUSD:      0.001,
		StatusCode:   200,
		Duration:     250 * time.Millisecond,
	})

	logs, total, err := s.QueryRequestLogs(context.Background(), store.RequestLogQuery{IdentityID: "id-1"})
	if err != nil {
		t.Fatalf("query request logs: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Fatalf("expected 1 request log, got total=%d len=%d", total, len(logs))
	}
	if logs[0].Status != string(StateCompleted) {
		t.Errorf("status = %q, want %q", logs[0].Status, StateCompleted)
	}

	select {
	case e := <-ch:
		if e.Type != events.EventRequest || e.IdentityID != "id-1" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a published event")
	}
}

func TestRecordArchivesOversizedBody(t *testing.T) {
	s := newTestStore(t)
	archiver := &fakeArchiver{}
	sink := NewSink(s, nil, archiver, 4)

	sink.Record(context.Background(), Flow{
		IdentityID: "id-2",
		Dialect:    "openai_chat",
		State:      StateCompleted,
		RawBody:    []byte("this body exceeds the threshold"),
	})

	logs, _, err := s.QueryRequestLogs(context.Background(), store.RequestLogQuery{IdentityID: "id-2"})
	if err != nil {
		t.Fatalf("query request logs: %v", err)
	}
	if len(logs) != 1 || logs[0].ArchiveKey == "" {
		t.Fatalf("expected an archived body with a key, got %+v", logs)
	}
	if _, ok := archiver.stored[logs[0].ArchiveKey]; !ok {
		t.Errorf("archiver did not receive key %q", logs[0].ArchiveKey)
	}
}

func TestRecordSkipsArchiveWhenUnderThreshold(t *testing.T) {
	s := newTestStore(t)
	archiver := &fakeArchiver{}
	sink := NewSink(s, nil, archiver, 1<<20)

	sink.Record(context.Background(), Flow{
		IdentityID: "id-3",
		State:      StateCompleted,
		RawBody:    []byte("small"),
	})

	logs, _, err := s.QueryRequestLogs(context.Background(), store.RequestLogQuery{IdentityID: "id-3"})
	if err != nil {
		t.Fatalf("query request logs: %v", err)
	}
	if len(logs) != 1 || logs[0].ArchiveKey != "" {
		t.Fatalf("expected no archive key, got %+v", logs)
	}
	if len(archiver.stored) != 0 {
		t.Errorf("archiver should not have been called")
	}
}
