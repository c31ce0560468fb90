// Package imagecache keeps remotely sourced images on local disk, bounded by
// total size and entry age.
//
// A Manager owns one cache directory and one metadata snapshot. Metadata maps
// a cache key (derived from the source URL) to the size and write time of the
// file stored under that key. Every mutation persists the whole snapshot
// before returning.
package imagecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Floewmp/RopeAcess-Portfolio/internal/blob"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/kv"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/lock"
)

// MetadataKey is the kv key the metadata snapshot is stored under.
const MetadataKey = "image_cache_metadata"

const (
	DefaultMaxSize int64 = 100 * 1024 * 1024
	DefaultMaxAge        = 7 * 24 * time.Hour
)

type Options struct {
	Dir     string // cache directory, one file per key
	LockDir string // per-key lock files; must not be Dir
	Store   kv.Store

	// Client fetches http(s) sources. nil means http.DefaultClient.
	Client *http.Client

	MaxSize      int64
	MaxAge       time.Duration
	BufferSizeKB int
	KeyScheme    KeyScheme

	Now func() time.Time
}

type Stats struct {
	TotalSize   int64 `json:"totalSize"`
	EntryCount  int   `json:"entryCount"`
	MaxSize     int64 `json:"maxSize"`
	LastCleanup int64 `json:"lastCleanup"`
}

type Manager struct {
	blobs  *blob.Store
	locks  *lock.FileLock
	store  kv.Store
	scheme KeyScheme
	now    func() time.Time

	maxSize int64
	maxAge  time.Duration

	mu          sync.Mutex
	initialized bool
	metadata    *Metadata
	writing     map[string]int // keys with a copy in flight
}

func New(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if opts.LockDir == "" {
		opts.LockDir = opts.Dir + ".locks"
	}
	if opts.LockDir == opts.Dir {
		return nil, fmt.Errorf("lock directory must differ from cache directory")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.KeyScheme == "" {
		opts.KeyScheme = KeySanitized
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		blobs:    blob.New(opts.Dir, opts.Client, opts.BufferSizeKB),
		locks:    lock.NewFileLock(opts.LockDir),
		store:    opts.Store,
		scheme:   opts.KeyScheme,
		now:      opts.Now,
		maxSize:  opts.MaxSize,
		maxAge:   opts.MaxAge,
		metadata: NewMetadata(opts.Now()),
		writing:  make(map[string]int),
	}, nil
}

func (m *Manager) GenerateCacheKey(url string) string {
	return GenerateKey(m.scheme, url)
}

// Initialize prepares the cache directory, loads the persisted metadata,
// removes files that metadata does not know about, and evicts expired
// entries. Only the first successful call does any work.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureInitializedLocked(ctx)
}

func (m *Manager) ensureInitializedLocked(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	if err := m.blobs.Mkdir(); err != nil {
		return err
	}

	m.loadMetadataLocked(ctx)
	m.sweepStrayLocked()
	m.cleanupLocked(ctx)

	m.initialized = true
	return nil
}

func (m *Manager) loadMetadataLocked(ctx context.Context) {
	m.metadata = NewMetadata(m.now())

	data, ok, err := m.store.Get(ctx, MetadataKey)
	if err != nil {
		log.Printf("[CACHE ERROR] failed to load cache metadata: %v", err)
		return
	}
	if !ok {
		return
	}

	metadata, err := UnmarshalMetadata(data, m.now())
	if err != nil {
		log.Printf("[CACHE ERROR] discarding unreadable cache metadata: %v", err)
		return
	}
	m.metadata = metadata
}

func (m *Manager) saveLocked(ctx context.Context) {
	data, err := json.Marshal(m.metadata)
	if err != nil {
		log.Printf("[CACHE ERROR] failed to encode cache metadata: %v", err)
		return
	}
	if err := m.store.Set(ctx, MetadataKey, data); err != nil {
		log.Printf("[CACHE ERROR] failed to save cache metadata: %v", err)
	}
}

// sweepStrayLocked removes files left behind by a crash between a completed
// copy and the metadata write, and abandoned temp files.
func (m *Manager) sweepStrayLocked() {
	names, err := m.blobs.List()
	if err != nil {
		log.Printf("[CACHE ERROR] failed to list cache directory: %v", err)
		return
	}

	removed := 0
	for _, name := range names {
		if !blob.IsTemp(name) && m.metadata.Has(name) {
			continue
		}
		if err := m.blobs.Delete(name); err != nil {
			log.Printf("[CACHE ERROR] failed to remove stray file %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("[CACHE SWEEP] removed %d stray files", removed)
	}
}

// GetCachedImage returns the local path for url. A missing entry, a missing
// backing file, an expired entry, or any lookup error is a miss. Missing
// files and expired entries are dropped from metadata.
func (m *Manager) GetCachedImage(ctx context.Context, url string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureInitializedLocked(ctx); err != nil {
		log.Printf("[CACHE ERROR] %s: %v", url, err)
		return "", false
	}

	key := m.GenerateCacheKey(url)
	entry, ok := m.metadata.Get(key)
	if !ok {
		return "", false
	}

	info, err := m.blobs.Stat(key)
	if err != nil {
		log.Printf("[CACHE ERROR] failed to stat %s: %v", key, err)
		return "", false
	}
	if !info.Exists {
		m.metadata.Remove(key)
		m.saveLocked(ctx)
		return "", false
	}

	if entry.Age(m.now()) > m.maxAge {
		m.evictLocked(key)
		m.saveLocked(ctx)
		return "", false
	}

	return m.blobs.Path(key), true
}

// CacheImage copies the resource at sourceURI into the cache under the key
// for url and returns the cached path. A failed copy is always returned to
// the caller, who should keep using sourceURI.
func (m *Manager) CacheImage(ctx context.Context, url, sourceURI string) (string, error) {
	m.mu.Lock()
	if err := m.ensureInitializedLocked(ctx); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("failed to initialize image cache: %w", err)
	}
	m.ensureCacheSpaceLocked(ctx)
	m.mu.Unlock()

	key := m.GenerateCacheKey(url)

	unlock, err := m.locks.Lock(key)
	if err != nil {
		return "", err
	}
	defer unlock()

	m.mu.Lock()
	m.writing[key]++
	m.mu.Unlock()

	size, err := m.blobs.Copy(ctx, sourceURI, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.doneWritingLocked(key)
	if err != nil {
		m.evictLocked(key)
		m.saveLocked(ctx)
		return "", fmt.Errorf("failed to cache image: %w", err)
	}

	m.metadata.Add(key, size, m.now().UnixMilli())
	m.saveLocked(ctx)

	return m.blobs.Path(key), nil
}

// RemoveCachedImage drops url from the cache. Removing an uncached url is a
// no-op.
func (m *Manager) RemoveCachedImage(ctx context.Context, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureInitializedLocked(ctx); err != nil {
		log.Printf("[CACHE ERROR] %s: %v", url, err)
		return
	}

	m.evictLocked(m.GenerateCacheKey(url))
	m.saveLocked(ctx)
}

// evictLocked deletes the file for key and its metadata entry. The entry is
// dropped even when the delete fails so that size accounting stays bounded;
// the file is then swept by the next Initialize.
//
// The file of a key with a copy in flight belongs to that copy, so only the
// stale entry is dropped.
func (m *Manager) evictLocked(key string) {
	if m.writing[key] > 0 {
		m.metadata.Remove(key)
		return
	}
	if err := m.blobs.Delete(key); err != nil {
		log.Printf("[CACHE ERROR] failed to remove cached file %s: %v", key, err)
	}
	m.metadata.Remove(key)
}

func (m *Manager) doneWritingLocked(key string) {
	if m.writing[key]--; m.writing[key] <= 0 {
		delete(m.writing, key)
	}
}

// EnsureCacheSpace evicts the oldest entries once the cache is over its
// size limit, until it is at or under 80% of the limit.
func (m *Manager) EnsureCacheSpace(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureInitializedLocked(ctx); err != nil {
		log.Printf("[CACHE ERROR] %v", err)
		return
	}
	m.ensureCacheSpaceLocked(ctx)
}

func (m *Manager) ensureCacheSpaceLocked(ctx context.Context) {
	if m.metadata.TotalSize() <= m.maxSize {
		return
	}

	before := m.metadata.TotalSize()
	target := m.maxSize * 4 / 5
	evicted := 0
	for _, entry := range m.metadata.Entries() {
		if m.metadata.TotalSize() <= target {
			break
		}
		m.evictLocked(entry.Key)
		evicted++
	}
	m.saveLocked(ctx)

	log.Printf("[CACHE EVICT] %d entries, %s -> %s (max %s)",
		evicted,
		humanize.IBytes(uint64(before)),
		humanize.IBytes(uint64(m.metadata.TotalSize())),
		humanize.IBytes(uint64(m.maxSize)))
}

// Cleanup evicts every entry older than the maximum age.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureInitializedLocked(ctx); err != nil {
		log.Printf("[CACHE ERROR] %v", err)
		return
	}
	m.cleanupLocked(ctx)
}

func (m *Manager) cleanupLocked(ctx context.Context) {
	now := m.now()
	expired := 0
	for _, entry := range m.metadata.Entries() {
		if entry.Age(now) > m.maxAge {
			m.evictLocked(entry.Key)
			expired++
		}
	}
	m.metadata.SetLastCleanup(now)
	m.saveLocked(ctx)

	if expired > 0 {
		log.Printf("[CACHE CLEANUP] expired %d entries", expired)
	}
}

// ClearCache removes every cached file and resets the metadata.
func (m *Manager) ClearCache(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.blobs.Reset(); err != nil {
		return err
	}
	m.metadata.Clear()
	m.saveLocked(ctx)
	return nil
}

func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureInitializedLocked(ctx); err != nil {
		log.Printf("[CACHE ERROR] %v", err)
	}

	return Stats{
		TotalSize:   m.metadata.TotalSize(),
		EntryCount:  m.metadata.Len(),
		MaxSize:     m.maxSize,
		LastCleanup: m.metadata.LastCleanup(),
	}
}

// Close persists the metadata and returns the Manager to its uninitialized
// state. The next operation initializes it again.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil
	}
	m.saveLocked(ctx)
	m.initialized = false
	return nil
}
