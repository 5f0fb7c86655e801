package engine

import (
	"sync"
	"time"
)

// TurnEntry is one stabilized turn kept for diagnostics.
type TurnEntry struct {
	Seq  int       `json:"seq"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Transcript keeps a bounded history of turn text. It has its own lock
// because HTTP handlers read it while the loop appends.
type Transcript struct {
	mu      sync.RWMutex
	entries []TurnEntry
	max     int
	seq     int
}

// NewTranscript creates a transcript holding up to max turns. Oldest
// entries are dropped when the limit is exceeded.
func NewTranscript(max int) *Transcript {
	if max <= 0 {
		max = 50
	}
	return &Transcript{max: max}
}

// Append records a turn.
func (t *Transcript) Append(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	t.entries = append(t.entries, TurnEntry{Seq: t.seq, Text: text, At: time.Now()})
	if len(t.entries) > t.max {
		t.entries = t.entries[len(t.entries)-t.max:]
	}
}

// Entries returns a copy of the recorded turns, oldest first.
func (t *Transcript) Entries() []TurnEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TurnEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Reset clears the transcript. Called when a new session starts.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
	t.seq = 0
}
