package imagecache

import (
	"encoding/json"
	"sort"
	"time"
)

type CacheEntry struct {
	Key       string `json:"-"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"` // epoch ms
}

func (e CacheEntry) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.Timestamp) * time.Millisecond
}

// Metadata indexes cached files. TotalSize always equals the sum of the
// entry sizes.
type Metadata struct {
	entries     map[string]CacheEntry
	totalSize   int64
	lastCleanup int64
}

type metadataJSON struct {
	Entries     map[string]CacheEntry `json:"entries"`
	TotalSize   int64                 `json:"totalSize"`
	LastCleanup int64                 `json:"lastCleanup"`
}

func NewMetadata(now time.Time) *Metadata {
	return &Metadata{
		entries:     make(map[string]CacheEntry),
		lastCleanup: now.UnixMilli(),
	}
}

// Add registers an entry, replacing any previous entry with the same key.
func (m *Metadata) Add(key string, size, timestamp int64) {
	m.Remove(key)
	m.entries[key] = CacheEntry{Key: key, Size: size, Timestamp: timestamp}
	m.totalSize += size
}

func (m *Metadata) Remove(key string) {
	if entry, ok := m.entries[key]; ok {
		m.totalSize -= entry.Size
		delete(m.entries, key)
	}
}

func (m *Metadata) Get(key string) (CacheEntry, bool) {
	entry, ok := m.entries[key]
	return entry, ok
}

func (m *Metadata) Has(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Entries returns all entries oldest first; equal timestamps are ordered
// by key.
func (m *Metadata) Entries() []CacheEntry {
	out := make([]CacheEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (m *Metadata) Len() int { return len(m.entries) }

func (m *Metadata) TotalSize() int64 { return m.totalSize }

func (m *Metadata) LastCleanup() int64 { return m.lastCleanup }

func (m *Metadata) SetLastCleanup(now time.Time) {
	m.lastCleanup = now.UnixMilli()
}

func (m *Metadata) Clear() {
	m.entries = make(map[string]CacheEntry)
	m.totalSize = 0
}

func (m *Metadata) MarshalJSON() ([]byte, error) {
	entries := m.entries
	if entries == nil {
		entries = map[string]CacheEntry{}
	}
	return json.Marshal(metadataJSON{
		Entries:     entries,
		TotalSize:   m.totalSize,
		LastCleanup: m.lastCleanup,
	})
}

// UnmarshalMetadata decodes a persisted snapshot. A stored totalSize that
// disagrees with the entries is replaced by their sum. A zero lastCleanup
// becomes now.
func UnmarshalMetadata(data []byte, now time.Time) (*Metadata, error) {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	m := NewMetadata(now)
	for key, entry := range raw.Entries {
		if entry.Size < 0 {
			continue
		}
		m.Add(key, entry.Size, entry.Timestamp)
	}
	if raw.LastCleanup != 0 {
		m.lastCleanup = raw.LastCleanup
	}
	return m, nil
}
