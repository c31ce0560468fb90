package imagecache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sumSizes(m *Metadata) int64 {
	var total int64
	for _, e := range m.Entries() {
		total += e.Size
	}
	return total
}

func TestMetadata_AddRemove(t *testing.T) {
	m := NewMetadata(time.UnixMilli(1000))

	m.Add("test-key", 1024, 5)
	require.EqualValues(t, 1024, m.TotalSize())
	require.Equal(t, 1, m.Len())

	m.Remove("test-key")
	require.EqualValues(t, 0, m.TotalSize())
	require.Equal(t, 0, m.Len())

	m.Remove("test-key")
	require.EqualValues(t, 0, m.TotalSize())
}

func TestMetadata_AddReplacesExistingKey(t *testing.T) {
	m := NewMetadata(time.Now())

	m.Add("k", 100, 1)
	m.Add("k", 40, 2)
	m.Add("other", 10, 3)

	require.EqualValues(t, 50, m.TotalSize())
	require.Equal(t, sumSizes(m), m.TotalSize())

	entry, ok := m.Get("k")
	require.True(t, ok)
	require.EqualValues(t, 40, entry.Size)
	require.EqualValues(t, 2, entry.Timestamp)
}

func TestMetadata_EntriesOldestFirstTieByKey(t *testing.T) {
	m := NewMetadata(time.Now())
	m.Add("c", 1, 20)
	m.Add("b", 1, 10)
	m.Add("a", 1, 20)

	var keys []string
	for _, e := range m.Entries() {
		keys = append(keys, e.Key)
	}
	require.Equal(t, []string{"b", "a", "c"}, keys)
}

func TestMetadata_RoundTrip(t *testing.T) {
	m := NewMetadata(time.UnixMilli(42))
	m.Add("one", 1024, 100)
	m.Add("two", 2048, 200)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	restored, err := UnmarshalMetadata(data, time.UnixMilli(99))
	require.NoError(t, err)

	require.Equal(t, m.TotalSize(), restored.TotalSize())
	require.Equal(t, m.Entries(), restored.Entries())
	require.EqualValues(t, 42, restored.LastCleanup())
}

func TestMetadata_PersistedShape(t *testing.T) {
	m := NewMetadata(time.UnixMilli(7))
	m.Add("k", 3, 5)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.JSONEq(t, `{"entries":{"k":{"size":3,"timestamp":5}},"totalSize":3,"lastCleanup":7}`, string(data))

	empty, err := json.Marshal(NewMetadata(time.UnixMilli(7)))
	require.NoError(t, err)
	require.JSONEq(t, `{"entries":{},"totalSize":0,"lastCleanup":7}`, string(empty))
}

func TestUnmarshalMetadata_RecomputesTotalSize(t *testing.T) {
	data := []byte(`{"entries":{"a":{"size":10,"timestamp":1},"b":{"size":5,"timestamp":2}},"totalSize":999}`)

	m, err := UnmarshalMetadata(data, time.UnixMilli(123))
	require.NoError(t, err)
	require.EqualValues(t, 15, m.TotalSize())
	require.EqualValues(t, 123, m.LastCleanup())
}

func TestUnmarshalMetadata_Invalid(t *testing.T) {
	_, err := UnmarshalMetadata([]byte("{not json"), time.Now())
	require.Error(t, err)
}
