package fwdproxy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CacheStore maps absolute URLs to raw origin responses kept as blob files in
// dir. The index is the only state shared between connections; mu guards it
// and every write of it. An index entry exists only while its blob exists.
type CacheStore struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	index   map[string]IndexEntry
	backend indexBackend

	now func() time.Time
}

// OpenCacheStore creates dir if needed and loads the index with the given
// backend (IndexJSON, IndexLevelDB or IndexSQLite).
func OpenCacheStore(dir, backend string, log zerolog.Logger) (*CacheStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	log = log.With().Str("component", "cache").Logger()
	b, err := openIndexBackend(backend, dir, log)
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", backend, err)
	}
	idx, err := b.load()
	if err != nil {
		_ = b.close()
		return nil, fmt.Errorf("load %s index: %w", backend, err)
	}
	log.Info().Str("dir", dir).Str("index", backend).Int("entries", len(idx)).Msg("Cache opened")
	return &CacheStore{
		dir:     dir,
		log:     log,
		index:   idx,
		backend: b,
		now:     time.Now,
	}, nil
}

func (s *CacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.close()
}

func contentHash(urlKey string) string {
	sum := sha256.Sum256([]byte(urlKey))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for urlKey. A lookup whose blob has gone
// missing drops the index entry and reports a miss.
func (s *CacheStore) Get(urlKey string) (CachedEntry, bool) {
	s.mu.Lock()
	ent, ok := s.index[urlKey]
	s.mu.Unlock()
	if !ok {
		return CachedEntry{}, false
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, ent.Filename))
	if errors.Is(err, fs.ErrNotExist) {
		s.evict(urlKey, ent.Filename)
		return CachedEntry{}, false
	}
	if err != nil {
		s.log.Error().Err(err).Str("url", urlKey).Msg("Could not read cached response")
		return CachedEntry{}, false
	}
	return CachedEntry{
		URLKey:       urlKey,
		ContentHash:  ent.Filename,
		RawResponse:  raw,
		ETag:         ent.ETag,
		LastModified: ent.LastModified,
		StoredAt:     ent.StoredAt,
	}, true
}

// evict removes urlKey unless a concurrent Put already replaced its entry.
func (s *CacheStore) evict(urlKey, filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.index[urlKey]
	if !ok || cur.Filename != filename {
		return
	}
	if _, err := os.Stat(filepath.Join(s.dir, filename)); err == nil {
		// re-created between our read and the lock
		return
	}
	delete(s.index, urlKey)
	s.log.Warn().Str("url", urlKey).Msg("Cached blob missing, entry evicted")
	if err := s.backend.save(s.index); err != nil {
		s.log.Error().Err(err).Msg("Could not persist cache index")
	}
}

// Put stores raw under urlKey when IsCacheable allows it. A non-cacheable
// response is not an error.
func (s *CacheStore) Put(urlKey string, raw []byte) error {
	status, h, _, err := splitResponse(raw)
	if err != nil {
		return nil
	}
	if !IsCacheable(h, status) {
		return nil
	}

	filename := contentHash(urlKey)
	if err := writeFileAtomic(filepath.Join(s.dir, filename), raw); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[urlKey] = IndexEntry{
		Filename:     filename,
		StoredAt:     s.now(),
		ETag:         h.Get("ETag"),
		LastModified: h.Get("Last-Modified"),
	}
	if err := s.backend.save(s.index); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	s.log.Debug().Str("url", urlKey).Str("blob", filename).Msg("Cached")
	return nil
}

// IsCacheable allows only 200 responses that are not marked no-store,
// no-cache or private and that carry a validator to revalidate with.
func IsCacheable(h Header, status int) bool {
	if status != 200 {
		return false
	}
	cc := strings.ToLower(h.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") || strings.Contains(cc, "private") {
		return false
	}
	return h.Has("ETag") || h.Has("Last-Modified")
}

// Clear empties the index and removes every blob. Files owned by the index
// backend are kept.
func (s *CacheStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = map[string]IndexEntry{}
	if err := s.backend.save(s.index); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, de := range dirents {
		if !de.Type().IsRegular() || s.backend.owns(de.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.log.Info().Msg("Cache cleared")
	return errors.Join(errs...)
}

// Entries returns a snapshot of the index sorted by URL.
func (s *CacheStore) Entries() []CachedEntry {
	s.mu.Lock()
	out := make([]CachedEntry, 0, len(s.index))
	for url, ent := range s.index {
		out = append(out, CachedEntry{
			URLKey:       url,
			ContentHash:  ent.Filename,
			ETag:         ent.ETag,
			LastModified: ent.LastModified,
			StoredAt:     ent.StoredAt,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URLKey < out[j].URLKey })
	return out
}

func (s *CacheStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}
