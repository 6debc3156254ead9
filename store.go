package chatsync

import (
	"slices"
	"sync"
	"time"
)

// MessageStore is the ordered in-memory message sequence of the open room.
//
// Entries are kept sorted by creation time. Entries with equal timestamps
// keep their arrival order. Keys are unique: appending a key that is already
// present does nothing.
//
// Readers may call any method concurrently; the session serialises writers.
type MessageStore struct {
	mu      sync.RWMutex
	entries []Entry
	keys    map[string]struct{}
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{keys: make(map[string]struct{})}
}

// Append inserts e in order. It reports false when the key is already present
// or empty.
func (s *MessageStore) Append(e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.Key()
	if key == "" {
		return false
	}
	if _, ok := s.keys[key]; ok {
		return false
	}
	at := e.Msg().CreatedAt
	// Upper bound: first entry strictly after at, so ties land after
	// everything that arrived earlier.
	i, _ := slices.BinarySearchFunc(s.entries, at, func(x Entry, t time.Time) int {
		if x.Msg().CreatedAt.After(t) {
			return 1
		}
		return -1
	})
	s.entries = slices.Insert(s.entries, i, e)
	s.keys[key] = struct{}{}
	return true
}

// Replace swaps the pending entry tempID for its confirmed counterpart in
// place. It reports false when tempID is unknown or the confirmed id is
// already present.
func (s *MessageStore) Replace(tempID string, confirmed ConfirmedMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if confirmed.ID == "" {
		return false
	}
	if _, dup := s.keys[confirmed.ID]; dup {
		return false
	}
	i := s.indexLocked(tempID)
	if i < 0 {
		return false
	}
	s.entries[i] = confirmed
	delete(s.keys, tempID)
	s.keys[confirmed.ID] = struct{}{}
	s.sortLocked()
	return true
}

// Update rewrites the confirmed message with the given id. fn receives the
// current message and returns the new one; returning false leaves the entry
// untouched. Pending entries cannot be updated.
func (s *MessageStore) Update(id string, fn func(Message) (Message, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	c, ok := s.entries[i].(ConfirmedMessage)
	if !ok {
		return false
	}
	next, changed := fn(c.Message)
	if !changed {
		return false
	}
	next.ID = id
	moved := !next.CreatedAt.Equal(c.CreatedAt)
	s.entries[i] = ConfirmedMessage{Message: next}
	if moved {
		s.sortLocked()
	}
	return true
}

// Remove deletes the entry with the given key.
func (s *MessageStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(key)
	if i < 0 {
		return false
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	delete(s.keys, key)
	return true
}

// Reset clears the store.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.keys = make(map[string]struct{})
}

// Has reports whether key is present.
func (s *MessageStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Get returns the entry with the given key.
func (s *MessageStore) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(key)
	if i < 0 {
		return nil, false
	}
	return s.entries[i], true
}

// FindPending returns the first pending entry matching pred.
func (s *MessageStore) FindPending(pred func(PendingSend) bool) (PendingSend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if p, ok := e.(PendingSend); ok && pred(p) {
			return p, true
		}
	}
	return PendingSend{}, false
}

// Snapshot returns a copy of the sequence in display order.
func (s *MessageStore) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MessageStore) indexLocked(key string) int {
	if _, ok := s.keys[key]; !ok {
		return -1
	}
	return slices.IndexFunc(s.entries, func(e Entry) bool { return e.Key() == key })
}

func (s *MessageStore) sortLocked() {
	slices.SortStableFunc(s.entries, func(a, b Entry) int {
		return a.Msg().CreatedAt.Compare(b.Msg().CreatedAt)
	})
}
