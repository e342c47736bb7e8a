package session

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// History is an append-only log of submitted command text. Appending the
// same text as the last entry is a no-op.
type History struct {
	mu      sync.Mutex
	entries []string
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Size returns the number of entries.
func (h *History) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Get returns the entry at index.
func (h *History) Get(index int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.entries) {
		err := errors.Wrapf(ErrIndexOutOfRange, "index %d, size %d", index, len(h.entries))
		return "", errors.Mark(err, ErrNotFound)
	}
	return h.entries[index], nil
}

// Add appends entry unless it equals the current last entry. It reports
// whether the entry was stored.
func (h *History) Add(entry string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 && h.entries[n-1] == entry {
		return false
	}
	h.entries = append(h.entries, entry)
	return true
}

// Entries returns a copy of all entries, oldest first.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}
