package metadata

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/insight-chat/internal/query"
)

type fakeLoader struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (f *fakeLoader) FetchMetadata(context.Context) (*query.Metadata, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &query.Metadata{
		Schema:    map[string]any{"events": map[string]any{"event_name": "STRING"}},
		TableList: []string{"events"},
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(loader Loader) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCache(loader, Config{TTL: time.Minute, MaxStaleness: time.Hour}, nil)
	c.now = clock.Now
	return c, clock
}

func TestCacheServesWithinTTL(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{}
	c, clock := newTestCache(loader)

	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background()); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}

	clock.Advance(2 * time.Minute)
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("loader calls after TTL = %d, want 2", got)
	}
}

func TestCacheFallsBackToPreviousSnapshot(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{}
	c, clock := newTestCache(loader)
	first, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	loader.err = errors.New("service down")
	clock.Advance(2 * time.Minute)
	got, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("expected stale snapshot, got error %v", err)
	}
	if got != first {
		t.Fatal("expected previous snapshot")
	}
}

func TestCacheUnavailableWithoutSnapshot(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(&fakeLoader{err: errors.New("boom")})
	if _, err := c.Get(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !c.Stale() {
		t.Fatal("empty cache should be stale")
	}
}

func TestCacheCollapsesConcurrentRefresh(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{delay: 50 * time.Millisecond}
	c, _ := newTestCache(loader)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background()); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
}

func TestCacheStaleness(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(&fakeLoader{})
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Stale() {
		t.Fatal("fresh snapshot reported stale")
	}
	clock.Advance(2 * time.Hour)
	if !c.Stale() {
		t.Fatal("old snapshot not reported stale")
	}
}

func TestSnapshotSummary(t *testing.T) {
	t.Parallel()

	s := &Snapshot{
		Schema:    map[string]any{"events": map[string]any{"event_name": "STRING"}},
		TableList: []string{"events", "users"},
		Examples:  []string{"SELECT COUNT(*) FROM events"},
	}
	sum := s.Summary()
	for _, want := range []string{"Tables: events, users", `"event_name":"STRING"`, "Example: SELECT COUNT(*)"} {
		if !strings.Contains(sum, want) {
			t.Errorf("summary missing %q:\n%s", want, sum)
		}
	}
	var nilSnap *Snapshot
	if nilSnap.SchemaJSON() != "{}" || nilSnap.Summary() != "" {
		t.Error("nil snapshot should render empty")
	}
}
