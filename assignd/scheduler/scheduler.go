// Package scheduler drives assignment passes on an interval timer and at
// configured daily times. Multiple instances may run against one store;
// the atomic booking claim is the only serialization point between them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sirateb/assignd/assignd/audit"
	"github.com/sirateb/assignd/assignd/engine"
	"github.com/sirateb/assignd/assignd/observability"
	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/pool"
	"github.com/sirateb/assignd/assignd/store"
)

// Reason identifies what triggered a pass.
type Reason string

const (
	ReasonInterval Reason = "interval"
	ReasonDaily    Reason = "daily"
	ReasonManual   Reason = "manual"
)

// Status reports the scheduler lifecycle for the control endpoints.
type Status struct {
	Running    bool   `json:"running"`
	InstanceID string `json:"instance_id"`
}

// PassStats summarizes one pass.
type PassStats struct {
	Reason     Reason        `json:"reason"`
	BatchID    string        `json:"batch_id"`
	StaleReset int           `json:"stale_reset"`
	Found      int           `json:"found"`
	Claimed    int           `json:"claimed"`
	Assigned   int           `json:"assigned"`
	Escalated  int           `json:"escalated"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// Scheduler owns the interval and daily loops for one process.
type Scheduler struct {
	store    store.Store
	engine   *engine.Engine
	pool     *pool.Manager
	policies *policy.Source
	clock    policy.Clock
	audit    *audit.Logger

	instanceID string

	// limiter throttles claim-and-assign iterations so a large backlog
	// cannot saturate the store.
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// passMu serializes passes within this instance; overlapping timers
	// queue up instead of racing each other.
	passMu sync.Mutex
}

// New creates a scheduler. The instance id is stamped on claims and
// decision batches.
func New(st store.Store, eng *engine.Engine, pm *pool.Manager, policies *policy.Source, clock policy.Clock, auditLog *audit.Logger) *Scheduler {
	hostname, _ := os.Hostname()
	return &Scheduler{
		store:      st,
		engine:     eng,
		pool:       pm,
		policies:   policies,
		clock:      clock,
		audit:      auditLog,
		instanceID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		limiter:    rate.NewLimiter(rate.Limit(20), 5),
	}
}

// InstanceID returns the id this scheduler claims bookings with.
func (s *Scheduler) InstanceID() string { return s.instanceID }

// Start launches the interval and daily loops. The policy snapshot was
// validated when the source was built; a scheduler never starts on an
// invalid policy.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	observability.SchedulerRunning.Set(1)
	log.Printf("scheduler %s: starting (poll %v, daily %v)", s.instanceID,
		s.policies.Load().PollInterval(), s.policies.Load().DailyRunTimes)

	s.wg.Add(2)
	go s.intervalLoop(runCtx)
	go s.dailyLoop(runCtx)
	return nil
}

// Stop halts the loops and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	observability.SchedulerRunning.Set(0)
	log.Printf("scheduler %s: stopped", s.instanceID)
}

// Status reports whether the loops are active.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, InstanceID: s.instanceID}
}

func (s *Scheduler) intervalLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		// Re-read the interval every iteration so a policy update takes
		// effect at the next tick.
		interval := s.policies.Load().PollInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if _, err := s.RunPassNow(ctx, ReasonInterval); err != nil {
				log.Printf("scheduler %s: interval pass: %v", s.instanceID, err)
			}
		}
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		pol := s.policies.Load()
		next := NextDailyRun(s.clock.Now(), pol.DailyRunTimes, pol.Location())
		if next.IsZero() {
			// No daily times configured; re-check after a while in case
			// a policy update adds some.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Hour):
			}
			continue
		}
		// Waits are computed against the injected clock so tests can pin
		// time without the loop spinning.
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(s.clock.Now())):
			if _, err := s.RunPassNow(ctx, ReasonDaily); err != nil {
				log.Printf("scheduler %s: daily pass: %v", s.instanceID, err)
			}
		}
	}
}

// NextDailyRun computes the next HH:MM trigger strictly after now in the
// given fixed-offset location. Zero when no times are configured.
func NextDailyRun(now time.Time, times []string, loc *time.Location) time.Time {
	var best time.Time
	local := now.In(loc)
	for _, hm := range times {
		var h, m int
		if _, err := fmt.Sscanf(hm, "%d:%d", &h, &m); err != nil {
			continue
		}
		t := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
		if !t.After(local) {
			t = t.AddDate(0, 0, 1)
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	if best.IsZero() {
		return time.Time{}
	}
	return best.UTC()
}

// RunPassNow executes one pass immediately. Safe to call from the admin
// endpoint while the loops are running.
func (s *Scheduler) RunPassNow(ctx context.Context, reason Reason) (PassStats, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.pass(ctx, reason)
}

func (s *Scheduler) pass(ctx context.Context, reason Reason) (PassStats, error) {
	pol := s.policies.Load()
	now := s.clock.Now()
	stats := PassStats{Reason: reason, BatchID: uuid.NewString()}
	started := time.Now()
	defer func() {
		stats.Duration = time.Since(started)
		observability.PassDuration.WithLabelValues(string(reason)).Observe(stats.Duration.Seconds())
	}()

	passCtx, cancel := context.WithTimeout(ctx, pol.PassSoftDeadline())
	defer cancel()

	if err := s.pool.Refresh(passCtx); err != nil {
		return stats, fmt.Errorf("pool refresh: %w", err)
	}

	reset, err := s.store.ResetStaleLocks(passCtx, now.Add(-pol.StaleLockTTL()))
	if err != nil {
		return stats, fmt.Errorf("reset stale locks: %w", err)
	}
	stats.StaleReset = reset
	if reset > 0 {
		observability.StaleLocksReset.Add(float64(reset))
		log.Printf("scheduler %s: reset %d stale locks", s.instanceID, reset)
	}

	ids, err := s.store.FindDueBookings(passCtx, now, pol.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("find due bookings: %w", err)
	}
	stats.Found = len(ids)
	observability.PassBookings.Observe(float64(len(ids)))

	// Load and order the batch: urgent tier first, then start time.
	var batch []*store.Booking
	for _, id := range ids {
		b, err := s.store.GetBooking(passCtx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return stats, fmt.Errorf("load booking %d: %w", id, err)
		}
		batch = append(batch, b)
	}
	pool.OrderBatch(batch, now)

	for _, b := range batch {
		if passCtx.Err() != nil {
			// Soft deadline hit; the remainder stays pending for the
			// next pass.
			log.Printf("scheduler %s: pass deadline reached, %s", s.instanceID, reason)
			break
		}
		if err := s.limiter.Wait(passCtx); err != nil {
			break
		}

		claimed, err := s.store.ClaimBooking(passCtx, b.BookingID, s.instanceID, s.clock.Now())
		if err != nil {
			return stats, fmt.Errorf("claim booking %d: %w", b.BookingID, err)
		}
		if !claimed {
			// Another instance got there first.
			observability.ClaimResults.WithLabelValues("lost").Inc()
			continue
		}
		observability.ClaimResults.WithLabelValues("won").Inc()
		stats.Claimed++

		stop := s.processClaimed(passCtx, b, stats.BatchID, &stats)
		if stop {
			break
		}
	}
	return stats, nil
}

// processClaimed runs the engine for one claimed booking and always
// releases the claim, whatever the exit path. It returns true when the
// pass should stop (unexpected failure).
func (s *Scheduler) processClaimed(ctx context.Context, b *store.Booking, batchID string, stats *PassStats) (stop bool) {
	next := store.AutoPending
	incrementAttempts := false
	defer func() {
		// Commit-path failures never leave a booking in processing.
		if err := s.store.ReleaseBooking(ctx, b.BookingID, next, incrementAttempts); err != nil {
			log.Printf("scheduler %s: release booking %d: %v", s.instanceID, b.BookingID, err)
		}
	}()

	if err := s.pool.MarkProcessing(ctx, b); err != nil {
		log.Printf("scheduler %s: mark processing %d: %v", s.instanceID, b.BookingID, err)
	}

	res, err := s.engine.Assign(ctx, b.BookingID, batchID)
	switch {
	case err == nil:
		switch res.Outcome {
		case engine.OutcomeAssigned:
			next = store.AutoDone
			stats.Assigned++
			if perr := s.pool.Complete(ctx, b.BookingID, b.AutoAssignAttempts); perr != nil {
				log.Printf("scheduler %s: pool complete %d: %v", s.instanceID, b.BookingID, perr)
			}
		case engine.OutcomeAlreadyDone:
			next = store.AutoDone
			stats.Skipped++
			_ = s.pool.Retire(ctx, b.BookingID, b.AutoAssignAttempts)
		default: // skipped (cancelled meanwhile, policy refusal)
			next = store.AutoSkipped
			stats.Skipped++
			_ = s.pool.Retire(ctx, b.BookingID, b.AutoAssignAttempts)
		}
		return false

	case errors.Is(err, engine.ErrNoCandidates):
		stats.Escalated++
		exhausted, perr := s.pool.Fail(ctx, b)
		if perr != nil {
			log.Printf("scheduler %s: pool fail %d: %v", s.instanceID, b.BookingID, perr)
		}
		if exhausted {
			next = store.AutoSkipped
		} else {
			// Attempts were advanced by the pool; the new decision
			// window is the retry time.
			next = store.AutoPending
		}
		return false

	case errors.Is(err, store.ErrNotFound):
		next = store.AutoSkipped
		stats.Skipped++
		return false

	case errors.Is(err, store.ErrVersionConflict):
		// External edit raced us; retry next pass.
		next = store.AutoPending
		incrementAttempts = true
		return false

	default:
		// Transient store failure or an invariant violation. Record it,
		// return the booking to pending and stop this pass.
		observability.Decisions.WithLabelValues("error").Inc()
		s.audit.Error(&store.ErrorRecord{
			CorrelationID: uuid.NewString(),
			Stage:         "assign",
			Message:       err.Error(),
			BookingID:     b.BookingID,
			Snapshot: map[string]string{
				"instance": s.instanceID,
				"batch":    batchID,
				"reason":   string(stats.Reason),
			},
			Timestamp: s.clock.Now(),
		})
		next = store.AutoPending
		incrementAttempts = true
		log.Printf("scheduler %s: booking %d failed, stopping pass: %v", s.instanceID, b.BookingID, err)
		return true
	}
}
