// Package pool defers non-urgent bookings until their decision window and
// feeds the scheduler ready batches. The decision window doubles as the
// booking's auto-assign due time, so the store's due query and the pool
// agree by construction.
package pool

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/sirateb/assignd/assignd/observability"
	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/store"
)

// hardDeadline is how close to the meeting start a decision may be pushed.
const hardDeadline = time.Hour

// urgentTier marks bookings processed ahead of everything else in a batch.
const urgentTier = 24 * time.Hour

// Deduper short-circuits duplicate Schedule calls. Optional; the store's
// pool status remains the authority.
type Deduper interface {
	FirstSchedule(ctx context.Context, bookingID int64) bool
}

// Manager owns pool state transitions for bookings.
type Manager struct {
	store    store.Store
	policies *policy.Source
	clock    policy.Clock
	dedup    Deduper
}

// NewManager creates a pool manager. dedup may be nil.
func NewManager(st store.Store, policies *policy.Source, clock policy.Clock, dedup Deduper) *Manager {
	return &Manager{store: st, policies: policies, clock: clock, dedup: dedup}
}

// Schedule enqueues a booking. Calling it twice produces one pool entry.
func (m *Manager) Schedule(ctx context.Context, bookingID int64) error {
	if m.dedup != nil && !m.dedup.FirstSchedule(ctx, bookingID) {
		return nil
	}

	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Kind != store.KindInterpreter || b.Status != store.StatusWaiting || b.InterpreterEmpCode != nil {
		return nil
	}
	if b.PoolStatus == store.PoolWaiting || b.PoolStatus == store.PoolProcessing {
		return nil
	}

	pol := m.policies.Load()
	now := m.clock.Now()
	window := DecisionWindow(pol, b, now)
	if err := m.store.UpdatePoolEntry(ctx, bookingID, store.PoolWaiting, window, string(pol.Mode), b.AutoAssignAttempts); err != nil {
		return fmt.Errorf("enqueue booking %d: %w", bookingID, err)
	}
	log.Printf("pool: booking %d queued, decision window %s (mode %s)", bookingID, window.Format(time.RFC3339), pol.Mode)
	return nil
}

// DecisionWindow computes when a booking becomes eligible under the given
// policy: max(now, timeStart - readiness), never later than one hour
// before the meeting.
func DecisionWindow(pol *policy.Policy, b *store.Booking, now time.Time) time.Time {
	readiness := readinessFor(pol, b, now)

	w := b.TimeStart.Add(-readiness)
	if w.Before(now) {
		w = now
	}
	if hard := b.TimeStart.Add(-hardDeadline); w.After(hard) {
		w = hard
	}
	if w.Before(now) {
		w = now
	}
	return w
}

// readinessFor maps mode and urgency to the lead time before timeStart at
// which the booking becomes ready.
func readinessFor(pol *policy.Policy, b *store.Booking, now time.Time) time.Duration {
	t := pol.ThresholdFor(string(b.MeetingType))
	urgent := isUrgent(t, b, now)

	days := func(d int) time.Duration { return time.Duration(d) * 24 * time.Hour }

	switch pol.Mode {
	case policy.ModeUrgent:
		if urgent {
			// Assign immediately on enqueue.
			return b.TimeStart.Sub(now)
		}
		return days(min(t.GeneralDays, t.UrgentDays+1))
	case policy.ModeBalance, policy.ModeCustom:
		if urgent {
			return days(t.UrgentDays)
		}
		return days(t.GeneralDays)
	default: // NORMAL
		if urgent {
			return 24 * time.Hour
		}
		return days(t.GeneralDays)
	}
}

func isUrgent(t policy.Threshold, b *store.Booking, now time.Time) bool {
	return b.TimeStart.Sub(now) <= time.Duration(t.UrgentDays)*24*time.Hour
}

// Refresh lazily recomputes decision windows for waiting entries whose
// window was computed under a different mode. Called at the top of each
// scheduler pass.
func (m *Manager) Refresh(ctx context.Context) error {
	pol := m.policies.Load()
	now := m.clock.Now()

	entries, err := m.store.ListPoolEntries(ctx, store.PoolWaiting)
	if err != nil {
		return err
	}
	for _, b := range entries {
		if b.PoolMode == string(pol.Mode) {
			continue
		}
		window := DecisionWindow(pol, b, now)
		if err := m.store.UpdatePoolEntry(ctx, b.BookingID, store.PoolWaiting, window, string(pol.Mode), b.AutoAssignAttempts); err != nil {
			return err
		}
	}
	m.updateDepth(ctx)
	return nil
}

// OrderBatch sorts one tick's due bookings into processing order:
// descending urgency tier (meetings within 24h first), then ascending
// start time, then id for determinism.
func OrderBatch(bookings []*store.Booking, now time.Time) {
	sort.SliceStable(bookings, func(i, j int) bool {
		ui := bookings[i].TimeStart.Sub(now) <= urgentTier
		uj := bookings[j].TimeStart.Sub(now) <= urgentTier
		if ui != uj {
			return ui
		}
		if !bookings[i].TimeStart.Equal(bookings[j].TimeStart) {
			return bookings[i].TimeStart.Before(bookings[j].TimeStart)
		}
		return bookings[i].BookingID < bookings[j].BookingID
	})
}

// MarkProcessing moves a claimed entry to processing.
func (m *Manager) MarkProcessing(ctx context.Context, b *store.Booking) error {
	return m.store.UpdatePoolEntry(ctx, b.BookingID, store.PoolProcessing, time.Time{}, "", b.AutoAssignAttempts)
}

// Complete removes a successfully assigned booking from the pool.
func (m *Manager) Complete(ctx context.Context, bookingID int64, attempts int) error {
	return m.store.UpdatePoolEntry(ctx, bookingID, store.PoolNone, time.Time{}, "", attempts)
}

// Retire removes a skipped booking (cancelled meanwhile, already
// committed) from the pool without marking it failed.
func (m *Manager) Retire(ctx context.Context, bookingID int64, attempts int) error {
	return m.store.UpdatePoolEntry(ctx, bookingID, store.PoolNone, time.Time{}, "", attempts)
}

// Fail handles a no-candidate or all-conflicted attempt: back off and
// requeue, or surface the booking for manual assignment once attempts are
// exhausted. Returns true when the entry moved to failed.
func (m *Manager) Fail(ctx context.Context, b *store.Booking) (bool, error) {
	pol := m.policies.Load()
	attempts := b.AutoAssignAttempts + 1

	if attempts >= pol.MaxAttempts {
		observability.PoolFailed.Inc()
		log.Printf("pool: booking %d failed after %d attempts, surfacing for manual assignment", b.BookingID, attempts)
		return true, m.store.UpdatePoolEntry(ctx, b.BookingID, store.PoolFailed, time.Time{}, "", attempts)
	}

	backoff := Backoff(pol.BackoffBase(), pol.BackoffMax(), attempts)
	next := m.clock.Now().Add(backoff)
	observability.PoolRetries.Inc()
	log.Printf("pool: booking %d attempt %d failed, retrying at %s", b.BookingID, attempts, next.Format(time.RFC3339))
	return false, m.store.UpdatePoolEntry(ctx, b.BookingID, store.PoolWaiting, next, "", attempts)
}

// Backoff returns min(maxBackoff, base * 2^attempts) for attempts >= 1.
func Backoff(base, maxBackoff time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (m *Manager) updateDepth(ctx context.Context) {
	for _, st := range []store.PoolStatus{store.PoolWaiting, store.PoolProcessing, store.PoolFailed} {
		entries, err := m.store.ListPoolEntries(ctx, st)
		if err != nil {
			return
		}
		observability.PoolDepth.WithLabelValues(string(st)).Set(float64(len(entries)))
	}
}
