package journal

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openTestStore(t *testing.T, buffer int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"), buffer)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunFlushesOnCancel(t *testing.T) {
	s := openTestStore(t, 16)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	want := []Event{
		{Time: at, Kind: RoomOpened, Room: "0011223344556677"},
		{Time: at.Add(time.Second), Kind: RendezvousWaiting, Room: "0011223344556677", Detail: "203.0.113.7:40000"},
		{Time: at.Add(2 * time.Second), Kind: RendezvousMatched, Room: "0011223344556677"},
	}
	for _, e := range want {
		s.Record(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := s.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Event{}, "ID")); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}
	for i, e := range got {
		if e.ID != int64(i+1) {
			t.Fatalf("event %d has id %d", i, e.ID)
		}
	}

	limited, err := s.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List(2): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("List(2) returned %d events", len(limited))
	}
}

func TestRunWritesWhileRunning(t *testing.T) {
	s := openTestStore(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Record(Event{Kind: RoomDropped, Room: "aa"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		events, err := s.List(context.Background(), 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(events) == 1 {
			if events[0].Kind != RoomDropped || events[0].Time.IsZero() {
				t.Fatalf("unexpected event: %+v", events[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event was not written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRecordDropsWhenFull(t *testing.T) {
	s := openTestStore(t, 1)
	s.Record(Event{Kind: RoomOpened})
	s.Record(Event{Kind: RoomOpened})
	s.Record(Event{Kind: RoomOpened})
	if got := s.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestExportYAML(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out, err := ExportYAML([]Event{
		{ID: 1, Time: at, Kind: RendezvousRejected, Room: "beef", Detail: "room idle too long"},
	})
	if err != nil {
		t.Fatalf("ExportYAML: %v", err)
	}
	text := string(out)
	for _, want := range []string{"events:", "kind: rendezvous_rejected", "room: beef", "detail: room idle too long"} {
		if !strings.Contains(text, want) {
			t.Fatalf("export missing %q:\n%s", want, text)
		}
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(Event{Kind: RoomOpened})
}
