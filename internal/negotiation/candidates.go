package negotiation

import (
	"fmt"
	"strings"

	"carecall/native/internal/domain"

	"github.com/pion/ice/v4"
)

// candidateKey identifies a candidate by its transport-level fields, so the
// same path sent twice with different priority or attribute order collapses
// to one key. Unparseable candidates fall back to their raw text.
func candidateKey(c domain.ICECandidate) string {
	raw := strings.TrimSpace(c.Candidate)
	if raw == "" {
		return "eoc|" + c.SDPMid
	}

	parsed, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	if err != nil {
		return "raw|" + c.SDPMid + "|" + raw
	}
	return fmt.Sprintf("%s|%s|%d|%s|%s|%d|%s",
		c.SDPMid,
		parsed.Foundation(),
		parsed.Component(),
		parsed.NetworkType(),
		parsed.Address(),
		parsed.Port(),
		parsed.Type(),
	)
}

// candidateQueue holds remote candidates until a remote description exists
// and remembers every identity it has seen.
type candidateQueue struct {
	pending []domain.ICECandidate
	seen    map[string]struct{}
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{seen: make(map[string]struct{})}
}

// admit reports whether c is new.
func (q *candidateQueue) admit(c domain.ICECandidate) bool {
	key := candidateKey(c)
	if _, ok := q.seen[key]; ok {
		return false
	}
	q.seen[key] = struct{}{}
	return true
}

func (q *candidateQueue) push(c domain.ICECandidate) {
	q.pending = append(q.pending, c)
}

// drain returns the queued candidates in arrival order and empties the queue.
func (q *candidateQueue) drain() []domain.ICECandidate {
	out := q.pending
	q.pending = nil
	return out
}

func (q *candidateQueue) len() int {
	return len(q.pending)
}
