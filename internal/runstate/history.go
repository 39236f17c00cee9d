package runstate

import "github.com/xiaot623/roundtable/internal/domain"

// History is the bounded, ordered context window of prior outputs, newest last.
type History struct {
	window  int
	entries []domain.HistoryEntry
}

// NewHistory creates a history capped at window entries. A window <= 0
// keeps every entry.
func NewHistory(window int) *History {
	return &History{window: window, entries: []domain.HistoryEntry{}}
}

// Append adds an entry and drops the oldest entries beyond the window.
func (h *History) Append(e domain.HistoryEntry) {
	h.entries = append(h.entries, e)
	if h.window > 0 && len(h.entries) > h.window {
		drop := len(h.entries) - h.window
		h.entries = append([]domain.HistoryEntry{}, h.entries[drop:]...)
	}
}

// Rollback removes the n most recent entries and returns how many were
// removed. The history never goes below zero entries.
func (h *History) Rollback(n int) int {
	if n <= 0 {
		return 0
	}
	if n > len(h.entries) {
		n = len(h.entries)
	}
	h.entries = h.entries[:len(h.entries)-n]
	return n
}

// Len returns the number of entries.
func (h *History) Len() int {
	return len(h.entries)
}

// Window returns the configured cap.
func (h *History) Window() int {
	return h.window
}

// Entries returns a copy of every entry, oldest first.
func (h *History) Entries() []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Tail returns a copy of the last n entries.
func (h *History) Tail(n int) []domain.HistoryEntry {
	if n <= 0 || n >= len(h.entries) {
		return h.Entries()
	}
	out := make([]domain.HistoryEntry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// replace installs entries verbatim, bypassing the window. Used by resume.
func (h *History) replace(entries []domain.HistoryEntry) {
	h.entries = make([]domain.HistoryEntry, len(entries))
	copy(h.entries, entries)
}
