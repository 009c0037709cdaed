// Package engine selects and commits one interpreter per booking. The
// procedure is deterministic given a policy snapshot, candidate set,
// fairness snapshot and wall time; all blocking is delegated to the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirateb/assignd/assignd/audit"
	"github.com/sirateb/assignd/assignd/conflict"
	"github.com/sirateb/assignd/assignd/fairness"
	"github.com/sirateb/assignd/assignd/observability"
	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/store"
)

// Outcome is the terminal state of one engine invocation.
type Outcome string

const (
	OutcomeAssigned    Outcome = "assigned"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeAlreadyDone Outcome = "already_done"
	OutcomeSkipped     Outcome = "skipped"
)

// ErrNoCandidates marks an escalation: the candidate set was empty after
// filtering, or every candidate lost the commit race.
var ErrNoCandidates = errors.New("engine: no assignable candidates")

// Result reports what the engine did with a booking.
type Result struct {
	Outcome Outcome
	Chosen  string
	Record  *store.DecisionRecord
}

// Engine orchestrates candidate filtering, scoring and the conflict-safe
// commit for single bookings.
type Engine struct {
	store    store.Store
	policies *policy.Source
	clock    policy.Clock
	audit    *audit.Logger
}

// New creates an engine. The audit logger receives one decision record per
// invocation regardless of outcome.
func New(st store.Store, policies *policy.Source, clock policy.Clock, auditLog *audit.Logger) *Engine {
	return &Engine{store: st, policies: policies, clock: clock, audit: auditLog}
}

// Assign runs the full procedure for one booking id. The batch id ties the
// decision record to the scheduler pass that claimed the booking.
func (e *Engine) Assign(ctx context.Context, bookingID int64, batchID string) (*Result, error) {
	started := e.clock.Now()
	pol := e.policies.Load()

	rec := &store.DecisionRecord{
		BookingID:  bookingID,
		BatchID:    batchID,
		Mode:       string(pol.Mode),
		PolicyHash: pol.Hash(),
		Timestamp:  started,
	}
	defer func() {
		rec.DurationMs = time.Since(started).Milliseconds()
		e.audit.Decision(rec)
	}()

	b, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		rec.Escalated = true
		rec.Reason = "not_found"
		return nil, err
	}

	if b.Status == store.StatusCancel {
		rec.Reason = "cancelled"
		observability.Decisions.WithLabelValues(string(OutcomeSkipped)).Inc()
		return &Result{Outcome: OutcomeSkipped, Record: rec}, nil
	}
	if b.Status != store.StatusWaiting || b.InterpreterEmpCode != nil {
		rec.Reason = "already_committed"
		observability.Decisions.WithLabelValues(string(OutcomeAlreadyDone)).Inc()
		return &Result{Outcome: OutcomeAlreadyDone, Record: rec}, nil
	}

	cands, snap, err := e.buildCandidates(ctx, b, pol)
	if err != nil {
		rec.Escalated = true
		rec.Reason = "store_error"
		return nil, err
	}
	observability.CandidatesConsidered.Observe(float64(len(cands)))

	ranked := scoreCandidates(cands, snap, pol.Weights)
	rec.Candidates = candidateLines(cands, ranked)

	// Commit best-first; a lost race removes the loser and falls through
	// to the next candidate, at most once per candidate.
	usedFallback := false
	for _, c := range ranked {
		err := e.store.CommitAssignment(ctx, b.BookingID, c.emp, b.Version, pol.AdjacencyBuffer())
		switch {
		case err == nil:
			chosen := c.emp
			rec.Chosen = &chosen
			if c.reason == "dr_fallback" {
				usedFallback = true
			}
			if usedFallback {
				rec.Reason = "dr_fallback"
				observability.DRFallbacks.Inc()
			}
			observability.Decisions.WithLabelValues(string(OutcomeAssigned)).Inc()
			return &Result{Outcome: OutcomeAssigned, Chosen: chosen, Record: rec}, nil
		case errors.Is(err, store.ErrConflict):
			observability.CommitConflicts.Inc()
			markConflict(rec.Candidates, c.emp)
			continue
		case errors.Is(err, store.ErrAlreadyCommitted):
			rec.Reason = "already_committed"
			observability.Decisions.WithLabelValues(string(OutcomeAlreadyDone)).Inc()
			return &Result{Outcome: OutcomeAlreadyDone, Record: rec}, nil
		default:
			rec.Escalated = true
			rec.Reason = "commit_error"
			return nil, fmt.Errorf("commit booking %d to %s: %w", b.BookingID, c.emp, err)
		}
	}

	rec.Escalated = true
	if rec.Reason == "" {
		rec.Reason = "no_candidates"
	}
	observability.Decisions.WithLabelValues(string(OutcomeEscalated)).Inc()
	return &Result{Outcome: OutcomeEscalated, Record: rec}, ErrNoCandidates
}

// buildCandidates loads the scoped roster, applies the conflict detector
// and the DR hard-block, and computes the per-candidate score inputs.
func (e *Engine) buildCandidates(ctx context.Context, b *store.Booking, pol *policy.Policy) ([]*candidate, *fairness.Snapshot, error) {
	now := e.clock.Now()

	empCodes, err := e.store.ListCandidateInterpreters(ctx, b.BookingID)
	if err != nil {
		return nil, nil, fmt.Errorf("list candidates: %w", err)
	}
	sort.Strings(empCodes)

	window := fairness.WindowEndingAt(b.TimeStart, pol.FairnessWindowDays)
	counters, err := e.store.FairnessCounters(ctx, empCodes, window.Start, window.End)
	if err != nil {
		return nil, nil, fmt.Errorf("fairness counters: %w", err)
	}

	var history []store.GlobalDRAssignment
	var lastDR *store.GlobalDR
	if b.IsDR() {
		// Enough history to establish the longest possible suffix.
		limit := pol.DRConsecutiveMaxRun*4 + 8
		history, err = e.store.RecentGlobalDRAssignments(ctx, now, window.Start, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("dr history: %w", err)
		}
		lastDR, err = e.store.LastGlobalDRBefore(ctx, now, window.Start)
		if err != nil {
			return nil, nil, fmt.Errorf("last global dr: %w", err)
		}
	}
	snap := fairness.Build(window, empCodes, counters, history, lastDR, pol)

	buffer := pol.AdjacencyBuffer()
	cands := make([]*candidate, 0, len(empCodes))
	var blockedDR []*candidate
	for _, emp := range empCodes {
		c := &candidate{emp: emp}
		cands = append(cands, c)

		// Availability: hard conflicts disqualify before scoring.
		probeStart := b.TimeStart.Add(-buffer)
		probeEnd := b.TimeEnd.Add(buffer)
		existing, err := e.store.OverlappingBookings(ctx, emp, probeStart, probeEnd)
		if err != nil {
			return nil, nil, fmt.Errorf("overlap check %s: %w", emp, err)
		}
		violations := conflict.Detect(spansOf(existing, b.BookingID), b.TimeStart, b.TimeEnd, buffer)
		if conflict.HasHard(violations) {
			c.disqualified = true
			c.reason = worstKind(violations)
			continue
		}

		c.fairness = snap.Score(emp)
		c.recency = snap.Recency(emp)
		c.language = e.languageMatch(ctx, b, emp)
		if b.SelectedInterpreter != nil && *b.SelectedInterpreter == emp {
			c.hint = selectedHintBonus
		}

		if b.IsDR() {
			c.consecutiveDR = snap.ConsecutiveDR(emp)
			c.drPolicy = snap.DRPenalty(emp, pol)
			if snap.Blocked(emp, pol) {
				c.blocked = true
				c.disqualified = true
				c.reason = "dr_blocked"
				blockedDR = append(blockedDR, c)
			}
		}
	}

	// Fallback tier: when the DR block empties the candidate set, blocked
	// interpreters come back in with the penalty floored.
	if len(blockedDR) > 0 && allDisqualified(cands) {
		for _, c := range blockedDR {
			c.disqualified = false
			c.drPolicy = -1
			c.reason = "dr_fallback"
		}
	}

	return cands, snap, nil
}

// languageMatch returns 1 for a declared match, 0.5 for an interpreter
// with no declared languages, and 1 when the booking requests none.
func (e *Engine) languageMatch(ctx context.Context, b *store.Booking, emp string) float64 {
	if b.LanguageCode == "" {
		return 1
	}
	in, err := e.store.GetInterpreter(ctx, emp)
	if err != nil || len(in.Languages) == 0 {
		return 0.5
	}
	if in.HasLanguage(b.LanguageCode) {
		return 1
	}
	// Scoped out by ListCandidateInterpreters in practice.
	return 0
}

func spansOf(bookings []*store.Booking, exclude int64) []conflict.Span {
	var spans []conflict.Span
	for _, b := range bookings {
		if b.BookingID == exclude || b.Status == store.StatusCancel {
			continue
		}
		spans = append(spans, conflict.Span{ID: b.BookingID, Start: b.TimeStart, End: b.TimeEnd})
	}
	return spans
}

func worstKind(violations []conflict.Violation) string {
	worst := conflict.None
	for _, v := range violations {
		if v.Hard && v.Kind > worst {
			worst = v.Kind
		}
	}
	return worst.String()
}

func allDisqualified(cands []*candidate) bool {
	for _, c := range cands {
		if !c.disqualified {
			return false
		}
	}
	return true
}

// candidateLines renders the decision-record candidate rows. Ranked order
// is kept for eligible candidates; disqualified ones follow with their
// reason flags.
func candidateLines(all []*candidate, ranked []*candidate) []store.CandidateScore {
	lines := make([]store.CandidateScore, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, c := range ranked {
		lines = append(lines, lineOf(c))
		seen[c.emp] = true
	}
	for _, c := range all {
		if !seen[c.emp] {
			lines = append(lines, lineOf(c))
		}
	}
	return lines
}

func lineOf(c *candidate) store.CandidateScore {
	return store.CandidateScore{
		EmpCode:       c.emp,
		Score:         c.score,
		Fairness:      c.fairness,
		ConsecutiveDR: c.consecutiveDR,
		Blocked:       c.blocked,
		Reason:        c.reason,
	}
}

func markConflict(lines []store.CandidateScore, emp string) {
	for i := range lines {
		if lines[i].EmpCode == emp {
			lines[i].Reason = "commit_conflict"
			return
		}
	}
}
