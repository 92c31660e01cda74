package journal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
)

func TestMemStore_RecentAndCapacity(t *testing.T) {
	t.Parallel()
	s := journal.NewMemStore(3)
	ctx := t.Context()
	for i, a := range []journal.Action{journal.ActionUtterance, journal.ActionText, journal.ActionAudio, journal.ActionPlayback} {
		_ = s.Append(ctx, journal.Entry{SessionID: "a", Action: a, Content: string(rune('0' + i))})
	}
	_ = s.Append(ctx, journal.Entry{SessionID: "b", Action: journal.ActionError})

	got, _ := s.Recent(ctx, "a", 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (oldest evicted)", len(got))
	}
	if got[0].Action != journal.ActionText || got[2].Action != journal.ActionPlayback {
		t.Errorf("entries = %+v", got)
	}

	got, _ = s.Recent(ctx, "a", 2)
	if len(got) != 2 || got[1].Content != "3" {
		t.Errorf("Recent(limit 2) = %+v", got)
	}

	if got, _ := s.Recent(ctx, "missing", 5); len(got) != 0 {
		t.Errorf("unknown session returned %d entries", len(got))
	}
}

// blockingStore blocks every Append until release is closed.
type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	got     []journal.Entry
	err     error
}

func (s *blockingStore) Append(ctx context.Context, e journal.Entry) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return s.err
}

func (s *blockingStore) Recent(context.Context, string, int) ([]journal.Entry, error) {
	return nil, nil
}

func (s *blockingStore) entries() []journal.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]journal.Entry(nil), s.got...)
}

func TestRecorder_WritesInOrder(t *testing.T) {
	t.Parallel()
	store := journal.NewMemStore(0)
	r := journal.NewRecorder(store)

	for _, a := range []journal.Action{journal.ActionUtterance, journal.ActionText, journal.ActionAudio} {
		if !r.Record(journal.Entry{SessionID: "s", Action: a}) {
			t.Fatalf("Record(%s) dropped", a)
		}
	}
	if err := r.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, _ := store.Recent(t.Context(), "s", 0)
	if len(got) != 3 {
		t.Fatalf("stored %d entries, want 3", len(got))
	}
	for i, want := range []journal.Action{journal.ActionUtterance, journal.ActionText, journal.ActionAudio} {
		if got[i].Action != want {
			t.Errorf("entry %d = %s, want %s", i, got[i].Action, want)
		}
		if got[i].At.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}

	if r.Record(journal.Entry{SessionID: "s"}) {
		t.Error("Record after Close should drop")
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	store := &blockingStore{release: make(chan struct{})}
	r := journal.NewRecorder(store, journal.WithQueueSize(1), journal.WithMetrics(m))

	// The writer takes the first entry and blocks in Append; the second fills
	// the queue.
	r.Record(journal.Entry{SessionID: "s", Content: "1"})
	deadline := time.Now().Add(2 * time.Second)
	for !r.Record(journal.Entry{SessionID: "s", Content: "2"}) {
		if time.Now().After(deadline) {
			t.Fatal("queue never drained the first entry")
		}
		time.Sleep(time.Millisecond)
	}
	if r.Record(journal.Entry{SessionID: "s", Content: "3"}) {
		t.Fatal("Record into a full queue should drop")
	}

	close(store.release)
	if err := r.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(store.entries()); n != 2 {
		t.Errorf("stored %d entries, want 2", n)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxlink.journal.dropped" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				dropped += dp.Value
			}
		}
	}
	if dropped < 1 {
		t.Errorf("voxlink.journal.dropped = %d, want >= 1", dropped)
	}
}

func TestRecorder_StoreErrorsAreAbsorbed(t *testing.T) {
	t.Parallel()
	store := &blockingStore{release: make(chan struct{}), err: errors.New("disk full")}
	close(store.release)
	r := journal.NewRecorder(store)
	r.Record(journal.Entry{SessionID: "s"})
	r.Record(journal.Entry{SessionID: "s"})
	if err := r.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(store.entries()); n != 2 {
		t.Errorf("writer stopped after an error: %d entries", n)
	}
}

func TestRecorder_BreakerSkipsDeadStore(t *testing.T) {
	t.Parallel()
	store := &blockingStore{release: make(chan struct{}), err: errors.New("connection refused")}
	close(store.release)
	clk := clock.NewFake(time.Unix(0, 0))
	br := resilience.New(resilience.Config{Name: "journal", MaxFailures: 2, Cooldown: time.Minute, Clock: clk})
	r := journal.NewRecorder(store, journal.WithBreaker(br))

	for range 5 {
		r.Record(journal.Entry{SessionID: "s"})
	}
	if err := r.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(store.entries()); n != 2 {
		t.Errorf("store saw %d writes, want 2 before the breaker opened", n)
	}
	if err := r.Check(t.Context()); err == nil {
		t.Error("Check = nil with an open breaker")
	}

	clk.Advance(time.Minute)
	if err := r.Check(t.Context()); err != nil {
		t.Errorf("Check after cooldown: %v", err)
	}
}
