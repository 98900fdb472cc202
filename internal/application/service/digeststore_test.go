package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"featflow/internal/application/port"
	"featflow/internal/observability"
)

type mockDigestRepo struct {
	mu         sync.Mutex
	records    map[string][]byte
	loadErr    error
	saveErrFor map[string]error
}

func newMockDigestRepo() *mockDigestRepo {
	return &mockDigestRepo{records: make(map[string][]byte)}
}

func (m *mockDigestRepo) Load(ctx context.Context, tokenID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	b, ok := m.records[tokenID]
	if !ok {
		return nil, port.ErrNotFound
	}
	return b, nil
}

func (m *mockDigestRepo) Save(ctx context.Context, tokenID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveErrFor[tokenID]; err != nil {
		return err
	}
	m.records[tokenID] = snapshot
	return nil
}

func (m *mockDigestRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockDigestRepo) has(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[tokenID]
	return ok
}

func newTestStore(t *testing.T, repo port.DigestRepository, cacheSize int) (*DigestStore, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics("test")
	s, err := NewDigestStore(repo, metrics, 100, cacheSize)
	if err != nil {
		t.Fatalf("NewDigestStore: %v", err)
	}
	return s, metrics
}

func TestLazyCreateAndQueries(t *testing.T) {
	s, _ := newTestStore(t, newMockDigestRepo(), 0)
	ctx := context.Background()

	// empty digest: queries report missing, not zero and not an error
	if _, ok, err := s.Percentile(ctx, "tok", 50); err != nil || ok {
		t.Fatalf("percentile on empty: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.PercentileRank(ctx, "tok", 5); err != nil || ok {
		t.Fatalf("percentileRank on empty: ok=%v err=%v", ok, err)
	}
	vals, ok, err := s.Percentiles(ctx, "tok", []float64{10, 50, 90})
	if err != nil || ok {
		t.Fatalf("percentiles on empty: ok=%v err=%v", ok, err)
	}
	for _, v := range vals {
		if v != 0 {
			t.Fatalf("percentiles on empty returned %v", vals)
		}
	}

	for i := 1; i <= 100; i++ {
		if err := s.Push(ctx, "tok", float64(i), 1); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	n, err := s.Size(ctx, "tok")
	if err != nil || n != 100 {
		t.Fatalf("size = %d, err=%v, want 100", n, err)
	}
	v, ok, err := s.Percentile(ctx, "tok", 50)
	if err != nil || !ok {
		t.Fatalf("percentile: ok=%v err=%v", ok, err)
	}
	if v < 40 || v > 60 {
		t.Errorf("median of 1..100 = %v, expected near 50", v)
	}
}

func TestCorruptSnapshotRecovered(t *testing.T) {
	repo := newMockDigestRepo()
	repo.records["tok"] = []byte("{not json")
	s, metrics := newTestStore(t, repo, 0)
	ctx := context.Background()

	// must not raise; token behaves like a fresh digest
	if _, ok, err := s.Percentile(ctx, "tok", 50); err != nil || ok {
		t.Fatalf("corrupt snapshot leaked: ok=%v err=%v", ok, err)
	}
	if err := s.Push(ctx, "tok", 5, 1); err != nil {
		t.Fatalf("push after corrupt load: %v", err)
	}
	if n, _ := s.Size(ctx, "tok"); n != 1 {
		t.Fatalf("size = %d, want 1", n)
	}
	if got := testutil.ToFloat64(metrics.CorruptSnapshots); got != 1 {
		t.Errorf("corrupt snapshot counter = %v, want 1", got)
	}
}

func TestCorruptCentroidsRecovered(t *testing.T) {
	repo := newMockDigestRepo()
	// parses as JSON but violates the weight invariant
	repo.records["tok"] = []byte(`{"centroids":[{"mean":1,"n":0}],"compression":100}`)
	s, metrics := newTestStore(t, repo, 0)

	if n, err := s.Size(context.Background(), "tok"); err != nil || n != 0 {
		t.Fatalf("size = %d, err=%v, want fresh empty digest", n, err)
	}
	if got := testutil.ToFloat64(metrics.CorruptSnapshots); got != 1 {
		t.Errorf("corrupt snapshot counter = %v, want 1", got)
	}
}

func TestTransientLoadErrorPropagates(t *testing.T) {
	repo := newMockDigestRepo()
	repo.loadErr = errors.New("connection refused")
	s, _ := newTestStore(t, repo, 0)

	if err := s.Push(context.Background(), "tok", 1, 1); err == nil {
		t.Fatal("transient store error was swallowed")
	}
}

func TestPersistAllWritesDistinctRecords(t *testing.T) {
	repo := newMockDigestRepo()
	s, _ := newTestStore(t, repo, 0)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_ = s.Push(ctx, "tok-a", float64(i), 1)
		_ = s.Push(ctx, "tok-b", float64(i)*2, 1)
	}
	if err := s.PersistAll(ctx); err != nil {
		t.Fatalf("persistAll: %v", err)
	}
	if repo.count() != 2 {
		t.Fatalf("repo holds %d records, want 2", repo.count())
	}

	// each record independently reloads into an equivalent digest
	reloaded, _ := newTestStore(t, repo, 0)
	for _, tok := range []string{"tok-a", "tok-b"} {
		for _, p := range []float64{1, 50, 99} {
			want, _, _ := s.Percentile(ctx, tok, p)
			got, ok, err := reloaded.Percentile(ctx, tok, p)
			if err != nil || !ok {
				t.Fatalf("reload %s: ok=%v err=%v", tok, ok, err)
			}
			if math.Abs(got-want) > math.Abs(want)*0.05+1e-9 {
				t.Errorf("%s percentile(%v): reloaded %v, original %v", tok, p, got, want)
			}
		}
		n1, _ := s.Size(ctx, tok)
		n2, _ := reloaded.Size(ctx, tok)
		if n1 != n2 {
			t.Errorf("%s size drifted across persist: %d vs %d", tok, n1, n2)
		}
	}
}

func TestPersistAllSurvivesSingleFailure(t *testing.T) {
	repo := newMockDigestRepo()
	repo.saveErrFor = map[string]error{"tok-a": errors.New("write refused")}
	s, _ := newTestStore(t, repo, 0)
	ctx := context.Background()

	_ = s.Push(ctx, "tok-a", 1, 1)
	_ = s.Push(ctx, "tok-b", 2, 1)

	if err := s.PersistAll(ctx); err == nil {
		t.Fatal("expected persistAll to report the failed token")
	}
	// the failing token did not block the healthy one in the same pass
	if !repo.has("tok-b") {
		t.Fatal("healthy token not persisted alongside the failure")
	}
	if repo.has("tok-a") {
		t.Fatal("failing token wrote a record")
	}

	// failure cleared: the next pass completes
	repo.mu.Lock()
	repo.saveErrFor = nil
	repo.mu.Unlock()
	if err := s.PersistAll(ctx); err != nil {
		t.Fatalf("persistAll after recovery: %v", err)
	}
	if repo.count() != 2 {
		t.Fatalf("repo holds %d records, want 2", repo.count())
	}
}

func TestPersistNoopWhenNotCached(t *testing.T) {
	repo := newMockDigestRepo()
	s, _ := newTestStore(t, repo, 0)

	if err := s.Persist(context.Background(), "unseen"); err != nil {
		t.Fatalf("persist of uncached token: %v", err)
	}
	if repo.count() != 0 {
		t.Fatal("persist of uncached token wrote a record")
	}
}

func TestClearEvictsMemoryOnly(t *testing.T) {
	repo := newMockDigestRepo()
	s, _ := newTestStore(t, repo, 0)
	ctx := context.Background()

	_ = s.Push(ctx, "tok", 10, 1)
	_ = s.Push(ctx, "tok", 20, 1)
	if err := s.Persist(ctx, "tok"); err != nil {
		t.Fatalf("persist: %v", err)
	}
	persisted := string(repo.records["tok"])

	_ = s.Push(ctx, "tok", 30, 1) // unpersisted delta
	s.Clear("tok")

	if len(s.CachedTokens()) != 0 {
		t.Fatal("clear left the token cached")
	}
	if string(repo.records["tok"]) != persisted {
		t.Fatal("clear touched the durable record")
	}

	// reload comes from the durable copy; the unpersisted delta is gone
	if n, _ := s.Size(ctx, "tok"); n != 2 {
		t.Fatalf("reloaded size = %d, want 2", n)
	}
}

func TestClearAllEvictsEverything(t *testing.T) {
	repo := newMockDigestRepo()
	s, _ := newTestStore(t, repo, 0)
	ctx := context.Background()

	_ = s.Push(ctx, "tok-a", 1, 1)
	_ = s.Push(ctx, "tok-b", 2, 1)
	s.ClearAll()

	if len(s.CachedTokens()) != 0 {
		t.Fatal("clearAll left tokens cached")
	}
	if repo.count() != 0 {
		t.Fatal("clearAll wrote durable records")
	}
}

// Clearing one token must not swallow the persist-on-evict of another token
// squeezed out of the cache at the same moment.
func TestUnrelatedClearDoesNotSuppressEvictionPersist(t *testing.T) {
	repo := newMockDigestRepo()
	s, _ := newTestStore(t, repo, 1)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Clear("other")
			}
		}
	}()

	// each load past the first evicts the previous token
	const tokens = 10
	for i := 0; i < tokens; i++ {
		if err := s.Push(ctx, fmt.Sprintf("t%d", i), float64(i+1), 1); err != nil {
			t.Fatalf("push t%d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		persisted := 0
		for i := 0; i < tokens-1; i++ {
			if repo.has(fmt.Sprintf("t%d", i)) {
				persisted++
			}
		}
		if persisted == tokens-1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d evicted digests persisted", persisted, tokens-1)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLRUEvictionPersists(t *testing.T) {
	repo := newMockDigestRepo()
	s, metrics := newTestStore(t, repo, 1)
	ctx := context.Background()

	_ = s.Push(ctx, "tok-a", 1, 1)
	_ = s.Push(ctx, "tok-b", 2, 1) // evicts tok-a

	deadline := time.Now().Add(2 * time.Second)
	for !repo.has("tok-a") {
		if time.Now().After(deadline) {
			t.Fatal("evicted digest was never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(metrics.DigestsEvicted); got != 1 {
		t.Errorf("eviction counter = %v, want 1", got)
	}
}
