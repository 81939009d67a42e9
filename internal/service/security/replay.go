package security

const replayWindowSize = 1024

// replayWindow remembers the most recent accepted sequences of one sender.
// Sequences may arrive out of order (two transports), so anything not yet seen
// above the eviction floor is accepted.
type replayWindow struct {
	highest uint64
	floor   uint64
	seen    map[uint64]struct{}
	order   []uint64
}

func newReplayWindow() *replayWindow {
	return &replayWindow{seen: make(map[uint64]struct{})}
}

func (w *replayWindow) fresh(seq uint64) bool {
	if seq <= w.floor {
		return false
	}
	_, dup := w.seen[seq]
	return !dup
}

func (w *replayWindow) accept(seq uint64) {
	w.seen[seq] = struct{}{}
	w.order = append(w.order, seq)
	if seq > w.highest {
		w.highest = seq
	}
	for len(w.order) > replayWindowSize {
		old := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, old)
		if old > w.floor {
			w.floor = old
		}
	}
}
