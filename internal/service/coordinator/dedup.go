package coordinator

import (
	"sync"

	"github.com/golang-collections/collections/queue"
)

const (
	DefaultDedupCapacity = 8192
	// maxSeqsPerMessage bounds the resend copies remembered per message.
	maxSeqsPerMessage = 16
)

type seenKey struct {
	messageID string
	sender    string
}

// seenSet remembers the sequences of every accepted copy of each message,
// forgetting the oldest messages beyond capacity.
type seenSet struct {
	mu       sync.Mutex
	capacity int
	seqs     map[seenKey][]uint64
	order    *queue.Queue
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &seenSet{
		capacity: capacity,
		seqs:     make(map[seenKey][]uint64),
		order:    queue.New(),
	}
}

// lookup reports whether the message was accepted before and whether seq is
// one of the copies already accepted.
func (s *seenSet) lookup(k seenKey, seq uint64) (known, sameCopy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs, ok := s.seqs[k]
	if !ok {
		return false, false
	}
	for _, v := range seqs {
		if v == seq {
			return true, true
		}
	}
	return true, false
}

func (s *seenSet) add(k seenKey, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seqs, ok := s.seqs[k]; ok {
		seqs = append(seqs, seq)
		if len(seqs) > maxSeqsPerMessage {
			seqs = seqs[len(seqs)-maxSeqsPerMessage:]
		}
		s.seqs[k] = seqs
		return
	}
	s.seqs[k] = []uint64{seq}
	s.order.Enqueue(k)
	for s.order.Len() > s.capacity {
		old := s.order.Dequeue().(seenKey)
		delete(s.seqs, old)
	}
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}
