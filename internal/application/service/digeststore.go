package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"featflow/internal/application/port"
	"featflow/internal/observability"
	"featflow/internal/quantile"
)

const (
	defaultDigestCacheSize = 4096
	evictPersistTimeout    = 5 * time.Second
	persistAllParallelism  = 8
)

type digestEntry struct {
	mu  sync.Mutex
	dig *quantile.Digest
}

// DigestStore owns one streaming quantile digest per token. Digests are
// created lazily: cache hit, else load from the durable store, else a fresh
// digest at the configured compression. A malformed durable snapshot never
// fails a load; it is counted, logged, and replaced by a fresh digest.
//
// The in-memory cache is LRU-bounded; a digest evicted under capacity
// pressure is persisted in the background so its history survives. Explicit
// Clear only drops the in-memory copy.
type DigestStore struct {
	repo        port.DigestRepository
	metrics     *observability.Metrics
	compression int

	cache     *lru.Cache[string, *digestEntry]
	loadLocks [64]sync.Mutex

	clearMu     sync.Mutex
	clearing    map[string]struct{} // tokens mid-Clear; their eviction skips persist
	clearingAll bool
}

// NewDigestStore builds a store bounded to cacheSize in-memory digests.
// Non-positive arguments fall back to defaults.
func NewDigestStore(repo port.DigestRepository, metrics *observability.Metrics, compression, cacheSize int) (*DigestStore, error) {
	if compression <= 0 {
		compression = quantile.DefaultCompression
	}
	if cacheSize <= 0 {
		cacheSize = defaultDigestCacheSize
	}
	s := &DigestStore{
		repo:        repo,
		metrics:     metrics,
		compression: compression,
		clearing:    make(map[string]struct{}),
	}
	cache, err := lru.NewWithEvict(cacheSize, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("digest cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Push merges one trade-size observation into the token's digest.
func (s *DigestStore) Push(ctx context.Context, tokenID string, value float64, weight int64) error {
	e, err := s.getOrCreate(ctx, tokenID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.dig.Push(value, weight)
	e.mu.Unlock()
	return nil
}

// Percentile returns the approximate value at percentile p for the token.
// ok is false iff the digest holds no observations.
func (s *DigestStore) Percentile(ctx context.Context, tokenID string, p float64) (value float64, ok bool, err error) {
	e, err := s.getOrCreate(ctx, tokenID)
	if err != nil {
		return 0, false, err
	}
	e.mu.Lock()
	value, ok = e.dig.Percentile(p)
	e.mu.Unlock()
	return value, ok, nil
}

// PercentileRank returns the approximate percentile of the distribution at
// or below value. ok is false iff the digest holds no observations.
func (s *DigestStore) PercentileRank(ctx context.Context, tokenID string, value float64) (rank float64, ok bool, err error) {
	e, err := s.getOrCreate(ctx, tokenID)
	if err != nil {
		return 0, false, err
	}
	e.mu.Lock()
	rank, ok = e.dig.PercentileRank(value)
	e.mu.Unlock()
	return rank, ok, nil
}

// Percentiles is the batched form of Percentile over one consistent view of
// the digest. ok is false, and values are zeros, iff the digest is empty.
func (s *DigestStore) Percentiles(ctx context.Context, tokenID string, ps []float64) (values []float64, ok bool, err error) {
	e, err := s.getOrCreate(ctx, tokenID)
	if err != nil {
		return nil, false, err
	}
	values = make([]float64, len(ps))
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range ps {
		v, any := e.dig.Percentile(p)
		if !any {
			return values, false, nil
		}
		values[i] = v
	}
	return values, true, nil
}

// Size returns the number of observations merged into the token's digest.
func (s *DigestStore) Size(ctx context.Context, tokenID string) (int64, error) {
	e, err := s.getOrCreate(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	n := e.dig.Size()
	e.mu.Unlock()
	return n, nil
}

// Persist serializes the cached digest to the durable store. It is a no-op
// when the token is not cached.
func (s *DigestStore) Persist(ctx context.Context, tokenID string) error {
	e, hit := s.cache.Get(tokenID)
	if !hit {
		return nil
	}
	return s.persistEntry(ctx, tokenID, e)
}

// PersistAll persists every cached token. Tokens persist concurrently and a
// failure for one token does not block the others; the first error is
// returned after all attempts finish.
func (s *DigestStore) PersistAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(persistAllParallelism)
	for _, tokenID := range s.cache.Keys() {
		tokenID := tokenID
		g.Go(func() error {
			if err := s.Persist(ctx, tokenID); err != nil {
				log.Error().Err(err).Str("token", tokenID).Msg("digest persist failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Clear evicts the in-memory digest for a token without touching the
// durable copy. A concurrent capacity eviction of any other token still
// persists as usual.
func (s *DigestStore) Clear(tokenID string) {
	s.clearMu.Lock()
	s.clearing[tokenID] = struct{}{}
	s.clearMu.Unlock()
	defer func() {
		s.clearMu.Lock()
		delete(s.clearing, tokenID)
		s.clearMu.Unlock()
	}()
	s.cache.Remove(tokenID)
}

// ClearAll evicts every in-memory digest without touching durable copies.
func (s *DigestStore) ClearAll() {
	s.clearMu.Lock()
	s.clearingAll = true
	s.clearMu.Unlock()
	defer func() {
		s.clearMu.Lock()
		s.clearingAll = false
		s.clearMu.Unlock()
	}()
	s.cache.Purge()
}

// CachedTokens lists tokens currently held in memory, oldest first.
func (s *DigestStore) CachedTokens() []string {
	return s.cache.Keys()
}

func (s *DigestStore) persistEntry(ctx context.Context, tokenID string, e *digestEntry) error {
	e.mu.Lock()
	snap := e.dig.Snapshot()
	e.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode digest %s: %w", tokenID, err)
	}
	if err := s.repo.Save(ctx, tokenID, payload); err != nil {
		return fmt.Errorf("save digest %s: %w", tokenID, err)
	}
	s.metrics.DigestsPersisted.Inc()
	return nil
}

// getOrCreate resolves the cache -> durable store -> fresh-default chain.
// Only transient store errors propagate; absence and corruption do not.
func (s *DigestStore) getOrCreate(ctx context.Context, tokenID string) (*digestEntry, error) {
	if e, hit := s.cache.Get(tokenID); hit {
		return e, nil
	}

	l := s.loadLock(tokenID)
	l.Lock()
	defer l.Unlock()
	if e, hit := s.cache.Get(tokenID); hit {
		return e, nil
	}

	dig, err := s.loadOrFresh(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	e := &digestEntry{dig: dig}
	s.cache.Add(tokenID, e)
	return e, nil
}

func (s *DigestStore) loadOrFresh(ctx context.Context, tokenID string) (*quantile.Digest, error) {
	payload, err := s.repo.Load(ctx, tokenID)
	if errors.Is(err, port.ErrNotFound) {
		return quantile.New(s.compression), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load digest %s: %w", tokenID, err)
	}

	var snap quantile.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return s.corruptFallback(tokenID, err), nil
	}
	dig, err := quantile.FromSnapshot(snap)
	if err != nil {
		return s.corruptFallback(tokenID, err), nil
	}
	return dig, nil
}

// corruptFallback substitutes a fresh digest for an unreadable snapshot.
// This silently discards the token's accumulated history, so it is counted.
func (s *DigestStore) corruptFallback(tokenID string, cause error) *quantile.Digest {
	s.metrics.CorruptSnapshots.Inc()
	log.Warn().Err(cause).Str("token", tokenID).Msg("corrupt digest snapshot, starting fresh")
	return quantile.New(s.compression)
}

// onEvict runs when the LRU drops an entry under capacity pressure; the
// evicted digest is persisted so its history is not lost. Explicit Clear
// suppresses the write.
func (s *DigestStore) onEvict(tokenID string, e *digestEntry) {
	s.clearMu.Lock()
	_, beingCleared := s.clearing[tokenID]
	beingCleared = beingCleared || s.clearingAll
	s.clearMu.Unlock()
	if beingCleared {
		return
	}
	s.metrics.DigestsEvicted.Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), evictPersistTimeout)
		defer cancel()
		if err := s.persistEntry(ctx, tokenID, e); err != nil {
			log.Error().Err(err).Str("token", tokenID).Msg("persist on evict failed")
		}
	}()
}

func (s *DigestStore) loadLock(tokenID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tokenID))
	return &s.loadLocks[h.Sum32()%uint32(len(s.loadLocks))]
}
