package main

// historyCapacity bounds both the back and the forward sequence.
const historyCapacity = 20

// history is a bounded most-recent-first sequence of directory snapshots.
// Pushing onto a full history evicts the oldest entry.
type history struct {
	entries []ViewState
	maxSize int
}

func newHistory(maxSize int) *history {
	return &history{
		entries: make([]ViewState, 0, maxSize),
		maxSize: maxSize,
	}
}

func (h *history) len() int { return len(h.entries) }

// front returns the most recent entry.
func (h *history) front() (ViewState, bool) {
	if len(h.entries) == 0 {
		return ViewState{}, false
	}
	return h.entries[0], true
}

func (h *history) pushFront(entry ViewState) {
	if len(h.entries) >= h.maxSize {
		h.entries = h.entries[:h.maxSize-1]
	}
	h.entries = append(h.entries, ViewState{})
	copy(h.entries[1:], h.entries)
	h.entries[0] = entry
}

func (h *history) popFront() (ViewState, bool) {
	if len(h.entries) == 0 {
		return ViewState{}, false
	}
	entry := h.entries[0]
	h.entries = append(h.entries[:0], h.entries[1:]...)
	return entry, true
}

func (h *history) clear() {
	h.entries = h.entries[:0]
}

// snapshot returns a copy of the entries, most recent first.
func (h *history) snapshot() []ViewState {
	out := make([]ViewState, len(h.entries))
	copy(out, h.entries)
	return out
}

// restore replaces the entries with a previous snapshot.
func (h *history) restore(entries []ViewState) {
	h.entries = append(h.entries[:0], entries...)
}
