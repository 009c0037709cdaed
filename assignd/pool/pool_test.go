package pool

import (
	"context"
	"testing"
	"time"

	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

var now = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func booking(startIn time.Duration, mt store.MeetingType) *store.Booking {
	return &store.Booking{
		TimeStart:    now.Add(startIn),
		TimeEnd:      now.Add(startIn + time.Hour),
		MeetingType:  mt,
		OwnerEmpCode: "OWNER",
		OwnerGroup:   "HQ",
		MeetingRoom:  "R101",
	}
}

func TestDecisionWindowByMode(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		name    string
		mode    policy.Mode
		general int // GeneralDays override for the General row
		startIn time.Duration
		want    time.Duration // window offset from now
	}{
		// BALANCE with a 14-day threshold defers a 30-day-out booking to
		// timeStart - 14d.
		{"balance defers", policy.ModeBalance, 14, 30 * day, 16 * day},
		// NORMAL processes urgent bookings a day ahead.
		{"normal urgent", policy.ModeNormal, 30, 2 * day, 1 * day},
		// NORMAL non-urgent with the window already open starts now.
		{"normal general due", policy.ModeNormal, 30, 10 * day, 0},
		// URGENT assigns urgent bookings immediately.
		{"urgent immediate", policy.ModeUrgent, 30, 2 * day, 0},
	}

	for _, tc := range cases {
		pol := policy.Default()
		pol.Mode = tc.mode
		tr := pol.Thresholds["General"]
		tr.GeneralDays = tc.general
		pol.Thresholds["General"] = tr

		b := booking(tc.startIn, store.MeetingGeneral)
		got := DecisionWindow(pol, b, now)
		if want := now.Add(tc.want); !got.Equal(want) {
			t.Errorf("%s: got %s, want %s", tc.name, got, want)
		}
	}
}

func TestDecisionWindowHardDeadline(t *testing.T) {
	pol := policy.Default()
	pol.Mode = policy.ModeUrgent
	// Meeting in 30 minutes: the 1-hour cap would push the window before
	// now, which floors back to now.
	b := booking(30*time.Minute, store.MeetingGeneral)
	if got := DecisionWindow(pol, b, now); !got.Equal(now) {
		t.Errorf("imminent meeting: got %s, want now", got)
	}

	// Meeting exactly at the urgency boundary still respects the cap.
	b = booking(72*time.Hour, store.MeetingGeneral)
	got := DecisionWindow(pol, b, now)
	if got.After(b.TimeStart.Add(-time.Hour)) {
		t.Errorf("window %s breaches the hard deadline", got)
	}
}

func newManager(t *testing.T, pol *policy.Policy) (*Manager, *store.MemoryStore, *fakeClock) {
	t.Helper()
	src, err := policy.NewSource(pol)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	clock := &fakeClock{now: now}
	return NewManager(st, src, clock, nil), st, clock
}

func TestScheduleSetsPoolEntry(t *testing.T) {
	pol := policy.Default()
	pol.Mode = policy.ModeBalance
	tr := pol.Thresholds["General"]
	tr.GeneralDays = 14
	pol.Thresholds["General"] = tr

	m, st, _ := newManager(t, pol)
	ctx := context.Background()

	b := booking(30*24*time.Hour, store.MeetingGeneral)
	if err := st.CreateBooking(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := m.Schedule(ctx, b.BookingID); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetBooking(ctx, b.BookingID)
	if got.PoolStatus != store.PoolWaiting {
		t.Fatalf("pool status: got %s", got.PoolStatus)
	}
	want := b.TimeStart.Add(-14 * 24 * time.Hour)
	if got.DecisionWindowTime == nil || !got.DecisionWindowTime.Equal(want) {
		t.Fatalf("decision window: got %v, want %s", got.DecisionWindowTime, want)
	}
	// The due time follows the window, so passes before it skip the
	// booking.
	if !got.AutoAssignAt.Equal(want) {
		t.Fatalf("auto assign at: got %s, want %s", got.AutoAssignAt, want)
	}
	if got.PoolMode != string(policy.ModeBalance) {
		t.Fatalf("pool mode: got %q", got.PoolMode)
	}

	ids, _ := st.FindDueBookings(ctx, now, 50)
	if len(ids) != 0 {
		t.Fatalf("booking must not be due yet, got %v", ids)
	}
	ids, _ = st.FindDueBookings(ctx, want, 50)
	if len(ids) != 1 {
		t.Fatalf("booking must be due at its window, got %v", ids)
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	m, st, _ := newManager(t, policy.Default())
	ctx := context.Background()

	b := booking(10*24*time.Hour, store.MeetingGeneral)
	st.CreateBooking(ctx, b)

	if err := m.Schedule(ctx, b.BookingID); err != nil {
		t.Fatal(err)
	}
	first, _ := st.GetBooking(ctx, b.BookingID)
	if err := m.Schedule(ctx, b.BookingID); err != nil {
		t.Fatal(err)
	}
	second, _ := st.GetBooking(ctx, b.BookingID)

	if !first.AutoAssignAt.Equal(second.AutoAssignAt) || first.PoolStatus != second.PoolStatus {
		t.Fatal("second Schedule must be a no-op")
	}
}

func TestScheduleSkipsNonEligible(t *testing.T) {
	m, st, _ := newManager(t, policy.Default())
	ctx := context.Background()

	room := booking(24*time.Hour, store.MeetingGeneral)
	room.Kind = store.KindRoom
	st.CreateBooking(ctx, room)

	emp := "A"
	committed := booking(24*time.Hour, store.MeetingGeneral)
	committed.Status = store.StatusApprove
	committed.InterpreterEmpCode = &emp
	st.CreateBooking(ctx, committed)

	for _, id := range []int64{room.BookingID, committed.BookingID} {
		if err := m.Schedule(ctx, id); err != nil {
			t.Fatal(err)
		}
		got, _ := st.GetBooking(ctx, id)
		if got.PoolStatus != store.PoolNone {
			t.Errorf("booking %d must stay out of the pool, got %s", id, got.PoolStatus)
		}
	}
}

func TestRefreshRecomputesOnModeChange(t *testing.T) {
	pol := policy.Default()
	pol.Mode = policy.ModeNormal
	m, st, _ := newManager(t, pol)
	ctx := context.Background()

	b := booking(10*24*time.Hour, store.MeetingGeneral)
	st.CreateBooking(ctx, b)
	m.Schedule(ctx, b.BookingID)
	before, _ := st.GetBooking(ctx, b.BookingID)

	// Switch to BALANCE with a tighter threshold; the waiting entry is
	// recomputed lazily on the next Refresh.
	next := *pol
	next.Mode = policy.ModeBalance
	next.Thresholds = map[string]policy.Threshold{
		"General": {UrgentDays: 3, GeneralDays: 7},
	}
	if err := m.policies.Update(&next); err != nil {
		t.Fatal(err)
	}
	if err := m.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	after, _ := st.GetBooking(ctx, b.BookingID)
	if after.AutoAssignAt.Equal(before.AutoAssignAt) {
		t.Fatal("mode change must recompute the decision window")
	}
	want := b.TimeStart.Add(-7 * 24 * time.Hour)
	if !after.AutoAssignAt.Equal(want) {
		t.Fatalf("recomputed window: got %s, want %s", after.AutoAssignAt, want)
	}
	if after.PoolMode != string(policy.ModeBalance) {
		t.Fatalf("pool mode after refresh: got %q", after.PoolMode)
	}
}

func TestBackoffDoubling(t *testing.T) {
	base := 5 * time.Minute
	maxB := 120 * time.Minute
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, 80 * time.Minute},
		{6, 120 * time.Minute},
		{10, 120 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(base, maxB, tc.attempts); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestFailRetriesThenSurfaces(t *testing.T) {
	pol := policy.Default()
	pol.MaxAttempts = 3
	m, st, clock := newManager(t, pol)
	ctx := context.Background()

	b := booking(48*time.Hour, store.MeetingGeneral)
	st.CreateBooking(ctx, b)
	m.Schedule(ctx, b.BookingID)

	// First failure: retry with backoff.
	cur, _ := st.GetBooking(ctx, b.BookingID)
	exhausted, err := m.Fail(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	if exhausted {
		t.Fatal("first failure must not exhaust")
	}
	cur, _ = st.GetBooking(ctx, b.BookingID)
	if cur.AutoAssignAttempts != 1 || cur.PoolStatus != store.PoolWaiting {
		t.Fatalf("after first failure: %+v", cur)
	}
	if want := clock.now.Add(5 * time.Minute); !cur.AutoAssignAt.Equal(want) {
		t.Fatalf("retry time: got %s, want %s", cur.AutoAssignAt, want)
	}

	// Exhaust the remaining attempts.
	for i := 0; i < 2; i++ {
		cur, _ = st.GetBooking(ctx, b.BookingID)
		exhausted, err = m.Fail(ctx, cur)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !exhausted {
		t.Fatal("third failure must exhaust")
	}
	cur, _ = st.GetBooking(ctx, b.BookingID)
	if cur.PoolStatus != store.PoolFailed || cur.AutoAssignAttempts != 3 {
		t.Fatalf("after exhaustion: %+v", cur)
	}

	failed, _ := st.ListFailedBookings(ctx)
	if len(failed) != 1 || failed[0].BookingID != b.BookingID {
		t.Fatalf("failed surface: got %+v", failed)
	}
}

func TestOrderBatchUrgentFirst(t *testing.T) {
	later := booking(72*time.Hour, store.MeetingGeneral)
	later.BookingID = 1
	urgent := booking(2*time.Hour, store.MeetingGeneral)
	urgent.BookingID = 2
	soon := booking(48*time.Hour, store.MeetingGeneral)
	soon.BookingID = 3

	batch := []*store.Booking{later, soon, urgent}
	OrderBatch(batch, now)

	if batch[0].BookingID != 2 {
		t.Fatalf("urgent booking must lead, got %d", batch[0].BookingID)
	}
	if batch[1].BookingID != 3 || batch[2].BookingID != 1 {
		t.Fatalf("remainder must order by start time, got %d, %d", batch[1].BookingID, batch[2].BookingID)
	}
}

type fakeDedup struct {
	calls int
	allow bool
}

func (d *fakeDedup) FirstSchedule(context.Context, int64) bool {
	d.calls++
	return d.allow
}

func TestDedupShortCircuit(t *testing.T) {
	src, _ := policy.NewSource(policy.Default())
	st := store.NewMemoryStore()
	dedup := &fakeDedup{allow: false}
	m := NewManager(st, src, &fakeClock{now: now}, dedup)
	ctx := context.Background()

	b := booking(24*time.Hour, store.MeetingGeneral)
	st.CreateBooking(ctx, b)

	if err := m.Schedule(ctx, b.BookingID); err != nil {
		t.Fatal(err)
	}
	if dedup.calls != 1 {
		t.Fatalf("dedup calls: got %d", dedup.calls)
	}
	got, _ := st.GetBooking(ctx, b.BookingID)
	if got.PoolStatus != store.PoolNone {
		t.Fatal("duplicate schedule must not touch the pool")
	}
}
