package session

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Record is one logged job session.
type Record struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Employer  string   `json:"employer"`
	Location  string   `json:"location"`
	Methods   string   `json:"methods"`
	Coworkers string   `json:"coworkers"`
	Notes     string   `json:"notes"`
	Height    Number   `json:"height"`
	Hours     Number   `json:"hours"`
	Photos    []string `json:"photos"` // local paths or remote URLs
	Coords    *Coords  `json:"coords,omitempty"`

	StartedAt    int64 `json:"startedAt"`              // epoch ms
	LastModified int64 `json:"lastModified,omitempty"` // epoch ms, set by edits only
}

type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Number is a float that also decodes from a numeric JSON string. Older
// session files stored height and hours as the raw form text; text that does
// not parse decodes as 0.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*n = 0
			return nil
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func (r Record) clone() Record {
	if r.Photos != nil {
		r.Photos = append([]string{}, r.Photos...)
	}
	if r.Coords != nil {
		c := *r.Coords
		r.Coords = &c
	}
	return r
}

func cloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.clone()
	}
	return out
}

// sortRecords orders records newest StartedAt first, keeping the existing
// order for equal values.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt > records[j].StartedAt
	})
}

// Merge folds remote into local. A remote record with an unknown id is
// appended; a remote record with a known id replaces the local one only
// when its LastModified is strictly greater. local is not modified.
//
// A record that was never edited has LastModified 0, so an edited remote
// copy replaces an unedited local one.
func Merge(local, remote []Record) []Record {
	merged := cloneAll(local)
	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.ID] = i
	}

	for _, r := range remote {
		i, ok := index[r.ID]
		if !ok {
			index[r.ID] = len(merged)
			merged = append(merged, r.clone())
			continue
		}
		if r.LastModified > merged[i].LastModified {
			merged[i] = r.clone()
		}
	}
	return merged
}
