package mesh

import (
	"github.com/dkeye/studio/internal/domain"
	"github.com/pion/webrtc/v4"
)

type queuedCandidate struct {
	from      domain.Address
	candidate webrtc.ICECandidateInit
}

// candidateQueue holds remote candidates that arrived before the remote
// description, in arrival order.
type candidateQueue struct {
	items []queuedCandidate
}

func (q *candidateQueue) push(from domain.Address, c webrtc.ICECandidateInit) {
	q.items = append(q.items, queuedCandidate{from: from, candidate: c})
}

func (q *candidateQueue) len() int { return len(q.items) }

// drain returns candidates sent from addr in arrival order and empties the
// queue. Candidates from any other address are discarded.
func (q *candidateQueue) drain(addr domain.Address) (out []webrtc.ICECandidateInit, dropped int) {
	for _, it := range q.items {
		if it.from != addr {
			dropped++
			continue
		}
		out = append(out, it.candidate)
	}
	q.items = nil
	return out, dropped
}

func (q *candidateQueue) clear() { q.items = nil }
