package enrichment

import (
	"time"

	"mailtrail/internal/ledger"
)

// State is where a candidate is in the enrichment lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateEnriching  State = "enriching"
	StateEnriched   State = "enriched"
	StateUnresolved State = "unresolved"
)

// Candidate is one bounced event awaiting a reason.
type Candidate struct {
	Ref       ledger.EventRef `json:"ref"`
	State     State           `json:"state"`
	Attempts  int             `json:"attempts"`
	Reason    string          `json:"reason,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (c *Candidate) ready(now time.Time, cooldown time.Duration) bool {
	switch c.State {
	case StatePending:
		return true
	case StateUnresolved:
		return now.Sub(c.UpdatedAt) >= cooldown
	}
	return false
}

// lookupCandidate, track and evict expect w.mu to be held.
func (w *Worker) lookupCandidate(ref ledger.EventRef) *Candidate {
	return w.candidates[ref.String()]
}

func (w *Worker) track(ref ledger.EventRef) *Candidate {
	c := &Candidate{Ref: ref, State: StatePending, UpdatedAt: w.now()}
	w.candidates[ref.String()] = c
	return c
}

// evict drops settled candidates once their cooldown has passed. The ledger
// keeps the durable state, so a ref that is polled again starts fresh.
func (w *Worker) evict(now time.Time) {
	for key, c := range w.candidates {
		if c.State != StateEnriched && c.State != StateUnresolved {
			continue
		}
		if now.Sub(c.UpdatedAt) >= w.opts.UnresolvedCooldown {
			delete(w.candidates, key)
		}
	}
}
