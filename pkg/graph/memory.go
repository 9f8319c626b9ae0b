package graph

// DefaultMemoryLimit bounds the short-term memory carried in run state.
const DefaultMemoryLimit = 50

// MemoryEntry is one key/value pair of agent working memory.
type MemoryEntry struct {
	Key   string `json:"key" msgpack:"key"`
	Value string `json:"value" msgpack:"value"`
}

// Memory is a bounded key/value store with least-recently-used eviction.
// Entries are ordered oldest to most recently used so snapshots restore the
// recency order exactly. The zero value is usable and unbounded until a
// limit is set.
type Memory struct {
	Limit   int           `json:"limit" msgpack:"limit"`
	Entries []MemoryEntry `json:"entries,omitempty" msgpack:"entries"`
}

// NewMemory returns an empty memory bounded to limit entries.
func NewMemory(limit int) Memory {
	return Memory{Limit: limit}
}

// Put inserts or updates a key and marks it most recently used. When the
// bound is exceeded the least recently used entry is evicted.
func (m *Memory) Put(key, value string) {
	for i, e := range m.Entries {
		if e.Key == key {
			m.Entries = append(m.Entries[:i], m.Entries[i+1:]...)
			break
		}
	}
	m.Entries = append(m.Entries, MemoryEntry{Key: key, Value: value})
	if m.Limit > 0 && len(m.Entries) > m.Limit {
		m.Entries = m.Entries[len(m.Entries)-m.Limit:]
	}
}

// Get returns the value for key and marks it most recently used.
func (m *Memory) Get(key string) (string, bool) {
	for i, e := range m.Entries {
		if e.Key == key {
			m.Entries = append(m.Entries[:i], m.Entries[i+1:]...)
			m.Entries = append(m.Entries, e)
			return e.Value, true
		}
	}
	return "", false
}

// Peek returns the value for key without touching recency.
func (m *Memory) Peek(key string) (string, bool) {
	for _, e := range m.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Len reports the number of stored entries.
func (m *Memory) Len() int { return len(m.Entries) }

// Prune drops the least recently used entries until at most limit remain and
// records the new bound.
func (m *Memory) Prune(limit int) {
	m.Limit = limit
	if limit > 0 && len(m.Entries) > limit {
		m.Entries = m.Entries[len(m.Entries)-limit:]
	}
}

func (m Memory) clone() Memory {
	m.Entries = append([]MemoryEntry(nil), m.Entries...)
	return m
}
