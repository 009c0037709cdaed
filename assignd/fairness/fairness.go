// Package fairness computes rolling-window workload balance and the
// consecutive-DR policy signals used by candidate scoring.
package fairness

import (
	"time"

	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/store"
)

// Window is the rolling look-back interval ending at the booking start.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowEndingAt builds the fairness window for a booking start.
func WindowEndingAt(end time.Time, days int) Window {
	return Window{Start: end.AddDate(0, 0, -days), End: end}
}

// Snapshot is the memoized fairness state for one candidate set. It is
// built once per engine invocation and never cached across passes.
type Snapshot struct {
	Window   Window
	Counters map[string]store.FairnessCounter
	Mean     float64

	// joinerBoost is the dynamic-pool adjustment applied to interpreters
	// with no record inside the window.
	joinerBoost float64
	newJoiners  map[string]bool

	// drSuffix is the length of the leading run of the global DR history
	// held by each interpreter. Only the holder of the most recent DR can
	// have a non-zero suffix.
	drSuffix map[string]int
	lastDR   *store.GlobalDR
}

// Build assembles a snapshot for the candidate set. counters must cover the
// window [w.Start, w.End); history is the roster-wide DR sequence newest
// first; lastDR may be nil when no DR happened inside the window.
func Build(w Window, candidates []string, counters map[string]store.FairnessCounter, history []store.GlobalDRAssignment, lastDR *store.GlobalDR, pol *policy.Policy) *Snapshot {
	s := &Snapshot{
		Window:     w,
		Counters:   counters,
		newJoiners: make(map[string]bool),
		drSuffix:   make(map[string]int),
		lastDR:     lastDR,
	}

	existing, joined := 0, 0
	total := 0
	for _, emp := range candidates {
		c, ok := counters[emp]
		if !ok || (c.Assignments == 0 && c.Minutes == 0 && c.LastAssignedAt == nil) {
			joined++
			s.newJoiners[emp] = true
			continue
		}
		existing++
		total += c.Assignments
	}
	if n := existing + joined; n > 0 {
		s.Mean = float64(total) / float64(n)
	}
	s.joinerBoost = 1 + float64(joined)/float64(max(1, existing))

	// Walk the global DR sequence newest first; the suffix belongs to the
	// single interpreter holding the head of the sequence.
	for _, h := range history {
		if !pol.DRLegacyPRSharesBucket && h.DRType == store.DRTypeLegacyPR {
			continue
		}
		if len(s.drSuffix) == 0 {
			s.drSuffix[h.EmpCode] = 1
			continue
		}
		if _, ok := s.drSuffix[h.EmpCode]; ok && len(s.drSuffix) == 1 {
			s.drSuffix[h.EmpCode]++
			continue
		}
		break
	}

	return s
}

// Score returns the fairness contribution for a candidate: (mean - count)
// divided by max(1, mean), clamped to [-1, 1]. New joiners are multiplied
// by the dynamic-pool adjustment before clamping.
func (s *Snapshot) Score(emp string) float64 {
	count := float64(s.Counters[emp].Assignments)
	denom := s.Mean
	if denom < 1 {
		denom = 1
	}
	v := (s.Mean - count) / denom
	if s.newJoiners[emp] {
		v *= s.joinerBoost
	}
	return clamp(v, -1, 1)
}

// ConsecutiveDR returns the candidate's suffix length in the global DR
// sequence. Zero for everyone except the holder of the most recent DR.
func (s *Snapshot) ConsecutiveDR(emp string) int {
	return s.drSuffix[emp]
}

// Blocked reports whether the candidate is hard-blocked from DR meetings:
// they took the most recent DR and their run has reached the configured
// maximum. Blocked candidates remain usable as a fallback tier.
func (s *Snapshot) Blocked(emp string, pol *policy.Policy) bool {
	if s.lastDR == nil || s.lastDR.EmpCode != emp {
		return false
	}
	return s.drSuffix[emp] >= pol.DRConsecutiveMaxRun
}

// DRPenalty returns the consecutive-DR score contribution in [-1, 0]: zero
// for a clean candidate, growing with the suffix until the block threshold
// saturates it at -1.
func (s *Snapshot) DRPenalty(emp string, pol *policy.Policy) float64 {
	suffix := s.drSuffix[emp]
	if suffix == 0 {
		return 0
	}
	full := float64(pol.DRConsecutiveMaxRun) * pol.DRConsecutivePenaltyHours
	if full <= 0 {
		return -1
	}
	v := float64(suffix) * pol.DRConsecutivePenaltyHours / full
	return -clamp(v, 0, 1)
}

// Recency returns how recently the candidate was assigned, normalized to
// [0, 1]: 1 for an assignment at the window end, decaying linearly to 0 at
// the window start. Scoring negates it.
func (s *Snapshot) Recency(emp string) float64 {
	c, ok := s.Counters[emp]
	if !ok || c.LastAssignedAt == nil {
		return 0
	}
	span := s.Window.End.Sub(s.Window.Start)
	if span <= 0 {
		return 0
	}
	age := s.Window.End.Sub(*c.LastAssignedAt)
	if age < 0 {
		age = 0
	}
	return clamp(1-float64(age)/float64(span), 0, 1)
}

// TieBreak orders two candidates for equal scores: lower assignment count
// first, then lower assigned minutes, then lexicographic emp code.
func (s *Snapshot) TieBreak(a, b string) bool {
	ca, cb := s.Counters[a], s.Counters[b]
	if ca.Assignments != cb.Assignments {
		return ca.Assignments < cb.Assignments
	}
	if ca.Minutes != cb.Minutes {
		return ca.Minutes < cb.Minutes
	}
	return a < b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
