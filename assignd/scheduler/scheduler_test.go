package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/sirateb/assignd/assignd/audit"
	"github.com/sirateb/assignd/assignd/engine"
	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/pool"
	"github.com/sirateb/assignd/assignd/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

var passNow = time.Date(2025, 2, 9, 12, 0, 0, 0, time.UTC)

type rig struct {
	store *store.MemoryStore
	sched *Scheduler
	clock *fakeClock
}

func newRig(t *testing.T, pol *policy.Policy) *rig {
	t.Helper()
	src, err := policy.NewSource(pol)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	clock := &fakeClock{now: passNow}
	auditLog := audit.NewLogger(st, 256)
	pm := pool.NewManager(st, src, clock, nil)
	eng := engine.New(st, src, clock, auditLog)
	return &rig{
		store: st,
		sched: New(st, eng, pm, src, clock, auditLog),
		clock: clock,
	}
}

func (r *rig) addInterpreter(t *testing.T, code string) {
	t.Helper()
	err := r.store.UpsertInterpreter(context.Background(), &store.Interpreter{
		EmpCode: code, Name: "Interpreter " + code, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// dueBooking creates a booking already due at the pass time.
func (r *rig) dueBooking(t *testing.T) *store.Booking {
	t.Helper()
	b := &store.Booking{
		TimeStart:    passNow.Add(26 * time.Hour),
		TimeEnd:      passNow.Add(27 * time.Hour),
		MeetingType:  store.MeetingGeneral,
		OwnerEmpCode: "OWNER",
		OwnerGroup:   "HQ",
		MeetingRoom:  "R101",
		AutoAssignAt: passNow,
	}
	if err := r.store.CreateBooking(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPassAssignsDueBooking(t *testing.T) {
	r := newRig(t, policy.Default())
	r.addInterpreter(t, "A")
	b := r.dueBooking(t)

	stats, err := r.sched.RunPassNow(context.Background(), ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Found != 1 || stats.Claimed != 1 || stats.Assigned != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	got, _ := r.store.GetBooking(context.Background(), b.BookingID)
	if got.Status != store.StatusApprove || got.InterpreterEmpCode == nil {
		t.Fatalf("booking not committed: %+v", got)
	}
	if got.AutoAssignStatus != store.AutoDone {
		t.Fatalf("auto assign status: got %s", got.AutoAssignStatus)
	}
	if got.AutoAssignLockedBy != nil {
		t.Fatal("lock must be released after the pass")
	}
	if got.PoolStatus != store.PoolNone {
		t.Fatalf("pool status after commit: got %s", got.PoolStatus)
	}
}

func TestPassIsIdempotent(t *testing.T) {
	r := newRig(t, policy.Default())
	r.addInterpreter(t, "A")
	b := r.dueBooking(t)

	if _, err := r.sched.RunPassNow(context.Background(), ReasonManual); err != nil {
		t.Fatal(err)
	}
	stats, err := r.sched.RunPassNow(context.Background(), ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Found != 0 {
		t.Fatalf("second pass must find nothing, got %+v", stats)
	}

	got, _ := r.store.GetBooking(context.Background(), b.BookingID)
	if got.Version != 2 {
		t.Fatalf("exactly one commit expected, version %d", got.Version)
	}
}

func TestTwoSchedulersSingleCommit(t *testing.T) {
	pol := policy.Default()
	src, err := policy.NewSource(pol)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	clock := &fakeClock{now: passNow}
	auditLog := audit.NewLogger(st, 256)

	newSched := func() *Scheduler {
		pm := pool.NewManager(st, src, clock, nil)
		eng := engine.New(st, src, clock, auditLog)
		return New(st, eng, pm, src, clock, auditLog)
	}
	s1, s2 := newSched(), newSched()
	if s1.InstanceID() == s2.InstanceID() {
		t.Fatal("instances must have distinct ids")
	}

	ctx := context.Background()
	st.UpsertInterpreter(ctx, &store.Interpreter{EmpCode: "A", IsActive: true})
	b := &store.Booking{
		TimeStart:    passNow.Add(26 * time.Hour),
		TimeEnd:      passNow.Add(27 * time.Hour),
		MeetingType:  store.MeetingGeneral,
		OwnerEmpCode: "OWNER",
		OwnerGroup:   "HQ",
		MeetingRoom:  "R101",
		AutoAssignAt: passNow,
	}
	st.CreateBooking(ctx, b)

	if _, err := s1.RunPassNow(ctx, ReasonInterval); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.RunPassNow(ctx, ReasonInterval); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetBooking(ctx, b.BookingID)
	if got.Version != 2 {
		t.Fatalf("exactly one commit expected across instances, version %d", got.Version)
	}
	if err := auditLog.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(st.DecisionLogs()); n != 1 {
		t.Fatalf("decision log must be singular, got %d entries", n)
	}
}

func TestClaimLostIsCounted(t *testing.T) {
	r := newRig(t, policy.Default())
	r.addInterpreter(t, "A")
	b := r.dueBooking(t)
	ctx := context.Background()

	// Another instance wins the claim between the due query and ours. The
	// store CAS admits exactly one winner.
	won, err := r.store.ClaimBooking(ctx, b.BookingID, "other-instance", passNow)
	if err != nil || !won {
		t.Fatalf("setup claim: %v %v", won, err)
	}
	won, err = r.store.ClaimBooking(ctx, b.BookingID, r.sched.InstanceID(), passNow)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("second claim must lose")
	}

	got, _ := r.store.GetBooking(ctx, b.BookingID)
	if *got.AutoAssignLockedBy != "other-instance" {
		t.Fatalf("lock holder: got %s", *got.AutoAssignLockedBy)
	}
}

func TestStaleLockRecovery(t *testing.T) {
	r := newRig(t, policy.Default())
	r.addInterpreter(t, "A")
	b := r.dueBooking(t)
	ctx := context.Background()

	// A crashed instance left the booking processing 20 minutes ago.
	crashedAt := passNow.Add(-20 * time.Minute)
	won, err := r.store.ClaimBooking(ctx, b.BookingID, "crashed-instance", crashedAt)
	if err != nil || !won {
		t.Fatalf("setup claim: %v %v", won, err)
	}

	// TTL is 15 minutes; the next pass resets the lock and processes the
	// booking to a terminal state.
	stats, err := r.sched.RunPassNow(ctx, ReasonInterval)
	if err != nil {
		t.Fatal(err)
	}
	if stats.StaleReset != 1 {
		t.Fatalf("stale reset: got %d", stats.StaleReset)
	}
	if stats.Assigned != 1 {
		t.Fatalf("recovered booking must be assigned, stats %+v", stats)
	}

	got, _ := r.store.GetBooking(ctx, b.BookingID)
	if got.Status != store.StatusApprove || got.AutoAssignStatus != store.AutoDone {
		t.Fatalf("after recovery: %+v", got)
	}
	if got.AutoAssignAttempts != 1 {
		t.Fatalf("reclaimed stale lock counts as an attempt, got %d", got.AutoAssignAttempts)
	}
}

func TestFreshLockNotReset(t *testing.T) {
	r := newRig(t, policy.Default())
	r.addInterpreter(t, "A")
	b := r.dueBooking(t)
	ctx := context.Background()

	// Locked 5 minutes ago, well inside the 15 minute TTL.
	if _, err := r.store.ClaimBooking(ctx, b.BookingID, "busy-instance", passNow.Add(-5*time.Minute)); err != nil {
		t.Fatal(err)
	}

	stats, err := r.sched.RunPassNow(ctx, ReasonInterval)
	if err != nil {
		t.Fatal(err)
	}
	if stats.StaleReset != 0 || stats.Claimed != 0 {
		t.Fatalf("fresh lock must be left alone, stats %+v", stats)
	}
	got, _ := r.store.GetBooking(ctx, b.BookingID)
	if *got.AutoAssignLockedBy != "busy-instance" {
		t.Fatal("lock holder must be unchanged")
	}
}

func TestEscalationBacksOffAndRetries(t *testing.T) {
	r := newRig(t, policy.Default())
	// No interpreters: every attempt escalates.
	b := r.dueBooking(t)
	ctx := context.Background()

	stats, err := r.sched.RunPassNow(ctx, ReasonInterval)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Escalated != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	got, _ := r.store.GetBooking(ctx, b.BookingID)
	if got.AutoAssignStatus != store.AutoPending {
		t.Fatalf("escalated booking must return to pending, got %s", got.AutoAssignStatus)
	}
	if got.AutoAssignAttempts != 1 {
		t.Fatalf("attempts: got %d", got.AutoAssignAttempts)
	}
	if !got.AutoAssignAt.After(passNow) {
		t.Fatal("retry must be pushed into the future by the backoff")
	}

	// A pass before the retry time skips it.
	stats, err = r.sched.RunPassNow(ctx, ReasonInterval)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Found != 0 {
		t.Fatalf("booking must not be due before its backoff, stats %+v", stats)
	}

	// After the backoff the pass retries it.
	r.clock.now = got.AutoAssignAt.Add(time.Minute)
	stats, err = r.sched.RunPassNow(ctx, ReasonInterval)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Found != 1 || stats.Escalated != 1 {
		t.Fatalf("retry pass stats: %+v", stats)
	}
}

func TestExhaustionMovesToFailed(t *testing.T) {
	pol := policy.Default()
	pol.MaxAttempts = 2
	r := newRig(t, pol)
	b := r.dueBooking(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, _ := r.store.GetBooking(ctx, b.BookingID)
		r.clock.now = got.AutoAssignAt.Add(time.Minute)
		if _, err := r.sched.RunPassNow(ctx, ReasonInterval); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := r.store.GetBooking(ctx, b.BookingID)
	if got.PoolStatus != store.PoolFailed {
		t.Fatalf("pool status: got %s", got.PoolStatus)
	}
	if got.AutoAssignStatus != store.AutoSkipped {
		t.Fatalf("exhausted booking must leave the due set, got %s", got.AutoAssignStatus)
	}

	// No further passes pick it up.
	r.clock.now = r.clock.now.Add(24 * time.Hour)
	stats, err := r.sched.RunPassNow(ctx, ReasonInterval)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Found != 0 {
		t.Fatalf("failed booking must stay out of passes, stats %+v", stats)
	}
}

func TestCancelledBookingRetired(t *testing.T) {
	r := newRig(t, policy.Default())
	r.addInterpreter(t, "A")
	b := r.dueBooking(t)
	ctx := context.Background()

	if err := r.store.CancelBooking(ctx, b.BookingID); err != nil {
		t.Fatal(err)
	}
	stats, err := r.sched.RunPassNow(ctx, ReasonInterval)
	if err != nil {
		t.Fatal(err)
	}
	// Cancelled bookings fail the due predicate already; nothing to do.
	if stats.Found != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestNextDailyRun(t *testing.T) {
	bangkok := time.FixedZone("Asia/Bangkok", 7*3600)
	// 12:00 UTC is 19:00 in Bangkok; both run times have passed, so the
	// next trigger is 08:00 tomorrow local.
	next := NextDailyRun(passNow, []string{"08:00", "17:00"}, bangkok)
	want := time.Date(2025, 2, 10, 1, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next daily: got %s, want %s", next, want)
	}

	// 00:30 UTC is 07:30 local; 08:00 today is still ahead.
	morning := time.Date(2025, 2, 9, 0, 30, 0, 0, time.UTC)
	next = NextDailyRun(morning, []string{"08:00", "17:00"}, bangkok)
	want = time.Date(2025, 2, 9, 1, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("morning next daily: got %s, want %s", next, want)
	}

	if !NextDailyRun(passNow, nil, bangkok).IsZero() {
		t.Fatal("no configured times must yield zero")
	}
}

func TestStartStop(t *testing.T) {
	r := newRig(t, policy.Default())
	ctx := context.Background()

	if err := r.sched.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.sched.Start(ctx); err == nil {
		t.Fatal("double start must fail")
	}
	if st := r.sched.Status(); !st.Running {
		t.Fatal("status must report running")
	}
	r.sched.Stop()
	if st := r.sched.Status(); st.Running {
		t.Fatal("status must report stopped")
	}
	// Stop is idempotent.
	r.sched.Stop()
}
