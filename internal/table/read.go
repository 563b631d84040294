package table

import (
	"sort"

	"github.com/litetable/litetable-stream/internal/storage"
	"github.com/tidwall/match"
)

// Get returns the published entry for key. Absent and deleted keys both report false.
func (t *Table) Get(key string) (storage.Entry, bool) {
	e, ok := t.published(key)
	if !ok || e.Tombstone {
		return storage.Entry{}, false
	}
	return e, true
}

// Len returns the number of live keys.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mutex.RLock()
		for _, e := range s.entries {
			if !e.Tombstone {
				n++
			}
		}
		s.mutex.RUnlock()
	}
	return n
}

// Tombstones returns the number of deleted keys the table still remembers.
func (t *Table) Tombstones() int {
	n := 0
	for _, s := range t.shards {
		s.mutex.RLock()
		for _, e := range s.entries {
			if e.Tombstone {
				n++
			}
		}
		s.mutex.RUnlock()
	}
	return n
}

// Scan returns the live entries whose key matches a glob pattern (* and ?), sorted by key.
// Every shard is read, one at a time.
func (t *Table) Scan(pattern string) []storage.Entry {
	var out []storage.Entry
	for _, s := range t.shards {
		s.mutex.RLock()
		for k, e := range s.entries {
			if e.Tombstone || !match.Match(k, pattern) {
				continue
			}
			out = append(out, e)
		}
		s.mutex.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
