package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirateb/assignd/assignd/conflict"
)

// MemoryStore is the mutex-guarded in-memory Store used by tests and by
// standalone mode. A single lock serializes every operation, which gives
// the commit path the serializable-equivalent guarantee for free.
type MemoryStore struct {
	mu           sync.RWMutex
	bookings     map[int64]*Booking
	interpreters map[string]*Interpreter
	environments map[string]*Environment
	decisions    []*DecisionRecord
	errorLog     []*ErrorRecord
	nextID       int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:     make(map[int64]*Booking),
		interpreters: make(map[string]*Interpreter),
		environments: make(map[string]*Environment),
		nextID:       1,
	}
}

func cloneBooking(b *Booking) *Booking {
	cp := *b
	if b.InterpreterEmpCode != nil {
		v := *b.InterpreterEmpCode
		cp.InterpreterEmpCode = &v
	}
	if b.SelectedInterpreter != nil {
		v := *b.SelectedInterpreter
		cp.SelectedInterpreter = &v
	}
	if b.AutoAssignLockedAt != nil {
		v := *b.AutoAssignLockedAt
		cp.AutoAssignLockedAt = &v
	}
	if b.AutoAssignLockedBy != nil {
		v := *b.AutoAssignLockedBy
		cp.AutoAssignLockedBy = &v
	}
	if b.PoolEntryTime != nil {
		v := *b.PoolEntryTime
		cp.PoolEntryTime = &v
	}
	if b.DecisionWindowTime != nil {
		v := *b.DecisionWindowTime
		cp.DecisionWindowTime = &v
	}
	return &cp
}

// --- Booking Operations ---

func (s *MemoryStore) CreateBooking(_ context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.BookingID == 0 {
		b.BookingID = s.nextID
		s.nextID++
	} else if b.BookingID >= s.nextID {
		s.nextID = b.BookingID + 1
	}
	if b.Kind == "" {
		b.Kind = KindInterpreter
	}
	if b.Status == "" {
		b.Status = StatusWaiting
	}
	if b.AutoAssignStatus == "" {
		b.AutoAssignStatus = AutoPending
	}
	if b.PoolStatus == "" {
		b.PoolStatus = PoolNone
	}
	if b.Version == 0 {
		b.Version = 1
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	s.bookings[b.BookingID] = cloneBooking(b)
	return nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id int64) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (s *MemoryStore) CancelBooking(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = StatusCancel
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindDueBookings(_ context.Context, now time.Time, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Booking
	for _, b := range s.bookings {
		if b.Kind == KindInterpreter &&
			b.Status == StatusWaiting &&
			b.InterpreterEmpCode == nil &&
			b.AutoAssignStatus == AutoPending &&
			!b.AutoAssignAt.After(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AutoAssignAt.Equal(due[j].AutoAssignAt) {
			return due[i].BookingID < due[j].BookingID
		}
		return due[i].AutoAssignAt.Before(due[j].AutoAssignAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]int64, len(due))
	for i, b := range due {
		ids[i] = b.BookingID
	}
	return ids, nil
}

func (s *MemoryStore) ClaimBooking(_ context.Context, id int64, claimerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.AutoAssignStatus != AutoPending || b.AutoAssignLockedBy != nil {
		return false, nil
	}
	b.AutoAssignStatus = AutoProcessing
	t := now
	b.AutoAssignLockedAt = &t
	b.AutoAssignLockedBy = &claimerID
	b.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ResetStaleLocks(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bookings {
		if b.AutoAssignStatus == AutoProcessing &&
			b.AutoAssignLockedAt != nil &&
			b.AutoAssignLockedAt.Before(cutoff) {
			b.AutoAssignStatus = AutoPending
			b.AutoAssignLockedAt = nil
			b.AutoAssignLockedBy = nil
			b.AutoAssignAttempts++
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReleaseBooking(_ context.Context, id int64, next AutoAssignStatus, incrementAttempts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.AutoAssignStatus = next
	b.AutoAssignLockedAt = nil
	b.AutoAssignLockedBy = nil
	if incrementAttempts {
		b.AutoAssignAttempts++
	}
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CommitAssignment(_ context.Context, id int64, empCode string, expectedVersion int, adjacencyBuffer time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusWaiting || b.InterpreterEmpCode != nil {
		return ErrAlreadyCommitted
	}
	if b.Version != expectedVersion {
		return ErrVersionConflict
	}

	// Commit-time conflict recheck under the store lock.
	spans := s.spansForLocked(empCode, id)
	if conflict.HasHard(conflict.Detect(spans, b.TimeStart, b.TimeEnd, adjacencyBuffer)) {
		return ErrConflict
	}

	b.InterpreterEmpCode = &empCode
	b.Status = StatusApprove
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// spansForLocked collects the intervals that can conflict for an
// interpreter: approved bookings plus waiting bookings that already carry a
// committed interpreter. Caller holds the lock.
func (s *MemoryStore) spansForLocked(empCode string, exclude int64) []conflict.Span {
	var spans []conflict.Span
	for _, other := range s.bookings {
		if other.BookingID == exclude || other.Kind != KindInterpreter {
			continue
		}
		if other.InterpreterEmpCode == nil || *other.InterpreterEmpCode != empCode {
			continue
		}
		if other.Status != StatusApprove && other.Status != StatusWaiting {
			continue
		}
		spans = append(spans, conflict.Span{
			ID:    other.BookingID,
			Start: other.TimeStart,
			End:   other.TimeEnd,
		})
	}
	return spans
}

// --- Roster Operations ---

func (s *MemoryStore) GetInterpreter(_ context.Context, empCode string) (*Interpreter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.interpreters[empCode]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	cp.Languages = append([]string(nil), in.Languages...)
	return &cp, nil
}

func (s *MemoryStore) UpsertInterpreter(_ context.Context, in *Interpreter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *in
	cp.Languages = append([]string(nil), in.Languages...)
	now := time.Now().UTC()
	if prev, ok := s.interpreters[in.EmpCode]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.interpreters[in.EmpCode] = &cp
	return nil
}

func (s *MemoryStore) UpsertEnvironment(_ context.Context, env *Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *env
	cp.AdminEmpCodes = append([]string(nil), env.AdminEmpCodes...)
	cp.InterpreterCodes = append([]string(nil), env.InterpreterCodes...)
	cp.DepartmentCenters = append([]string(nil), env.DepartmentCenters...)
	s.environments[env.Name] = &cp
	return nil
}

func (s *MemoryStore) ListEnvironments(_ context.Context) ([]*Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Environment, 0, len(s.environments))
	for _, env := range s.environments {
		cp := *env
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListCandidateInterpreters(_ context.Context, bookingID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, ErrNotFound
	}

	// Environment scope: the environment whose department centers cover
	// the owner group. Without a match every active interpreter is in
	// scope.
	var scope map[string]bool
	for _, env := range s.environments {
		for _, center := range env.DepartmentCenters {
			if center == b.OwnerGroup {
				scope = make(map[string]bool, len(env.InterpreterCodes))
				for _, code := range env.InterpreterCodes {
					scope[code] = true
				}
				break
			}
		}
		if scope != nil {
			break
		}
	}

	var out []string
	for code, in := range s.interpreters {
		if !in.IsActive {
			continue
		}
		if scope != nil && !scope[code] {
			continue
		}
		// Language scope: interpreters declaring other languages but not
		// the requested one are out; interpreters declaring none stay in
		// as "unknown" and are discounted by scoring.
		if b.LanguageCode != "" && len(in.Languages) > 0 && !in.HasLanguage(b.LanguageCode) {
			continue
		}
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// --- Fairness / DR History ---

func (s *MemoryStore) FairnessCounters(_ context.Context, empCodes []string, windowStart, windowEnd time.Time) (map[string]FairnessCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(empCodes))
	for _, code := range empCodes {
		want[code] = true
	}

	out := make(map[string]FairnessCounter, len(empCodes))
	for _, b := range s.bookings {
		if b.Status != StatusApprove || b.InterpreterEmpCode == nil {
			continue
		}
		code := *b.InterpreterEmpCode
		if !want[code] {
			continue
		}
		if b.TimeStart.Before(windowStart) || !b.TimeStart.Before(windowEnd) {
			continue
		}
		c := out[code]
		if c.ByType == nil {
			c.ByType = make(map[MeetingType]int)
		}
		c.Assignments++
		c.Minutes += b.Minutes()
		c.ByType[b.MeetingType]++
		if c.LastAssignedAt == nil || b.TimeStart.After(*c.LastAssignedAt) {
			t := b.TimeStart
			c.LastAssignedAt = &t
		}
		out[code] = c
	}
	return out, nil
}

func (s *MemoryStore) LastDRAssignments(_ context.Context, empCode string, windowStart time.Time) ([]DRAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DRAssignment
	for _, b := range s.bookings {
		if b.Status != StatusApprove || b.InterpreterEmpCode == nil || *b.InterpreterEmpCode != empCode {
			continue
		}
		if b.MeetingType != MeetingDR || b.TimeStart.Before(windowStart) {
			continue
		}
		out = append(out, DRAssignment{BookingID: b.BookingID, Time: b.TimeStart, DRType: b.DRType})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

func (s *MemoryStore) LastGlobalDRBefore(_ context.Context, at time.Time, windowStart time.Time) (*GlobalDR, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *GlobalDR
	for _, b := range s.bookings {
		if b.Status != StatusApprove || b.InterpreterEmpCode == nil || b.MeetingType != MeetingDR {
			continue
		}
		if !b.TimeStart.Before(at) || b.TimeStart.Before(windowStart) {
			continue
		}
		if best == nil || b.TimeStart.After(best.Time) {
			best = &GlobalDR{EmpCode: *b.InterpreterEmpCode, Time: b.TimeStart}
		}
	}
	return best, nil
}

func (s *MemoryStore) RecentGlobalDRAssignments(_ context.Context, at time.Time, windowStart time.Time, limit int) ([]GlobalDRAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GlobalDRAssignment
	for _, b := range s.bookings {
		if b.Status != StatusApprove || b.InterpreterEmpCode == nil || b.MeetingType != MeetingDR {
			continue
		}
		if !b.TimeStart.Before(at) || b.TimeStart.Before(windowStart) {
			continue
		}
		out = append(out, GlobalDRAssignment{
			EmpCode:   *b.InterpreterEmpCode,
			BookingID: b.BookingID,
			Time:      b.TimeStart,
			DRType:    b.DRType,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OverlappingBookings(_ context.Context, empCode string, start, end time.Time) ([]*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Booking
	for _, b := range s.bookings {
		if b.Kind != KindInterpreter || b.InterpreterEmpCode == nil || *b.InterpreterEmpCode != empCode {
			continue
		}
		if b.Status != StatusApprove && b.Status != StatusWaiting {
			continue
		}
		// Touching intervals are included so the caller can apply the
		// adjacency buffer rule.
		if b.TimeEnd.Before(start) || b.TimeStart.After(end) {
			continue
		}
		out = append(out, cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeStart.Before(out[j].TimeStart) })
	return out, nil
}

func (s *MemoryStore) OverlappingRoomBookings(_ context.Context, room string, start, end time.Time) ([]*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Booking
	for _, b := range s.bookings {
		if b.MeetingRoom != room || b.Status == StatusCancel {
			continue
		}
		// Half-open intervals: touching rooms do not clash.
		if !b.TimeStart.Before(end) || !start.Before(b.TimeEnd) {
			continue
		}
		out = append(out, cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeStart.Before(out[j].TimeStart) })
	return out, nil
}

// --- Pool Operations ---

func (s *MemoryStore) ListPoolEntries(_ context.Context, statuses ...PoolStatus) ([]*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[PoolStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Booking
	for _, b := range s.bookings {
		if len(statuses) == 0 || want[b.PoolStatus] {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingID < out[j].BookingID })
	return out, nil
}

func (s *MemoryStore) UpdatePoolEntry(_ context.Context, id int64, status PoolStatus, decisionWindow time.Time, mode string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.PoolStatus = status
	if mode != "" {
		b.PoolMode = mode
	}
	if !decisionWindow.IsZero() {
		t := decisionWindow
		b.DecisionWindowTime = &t
		// The decision window is what makes the booking due.
		b.AutoAssignAt = decisionWindow
	}
	if b.PoolEntryTime == nil && status == PoolWaiting {
		now := time.Now().UTC()
		b.PoolEntryTime = &now
	}
	b.AutoAssignAttempts = attempts
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListFailedBookings(ctx context.Context) ([]*Booking, error) {
	return s.ListPoolEntries(ctx, PoolFailed)
}

// --- Logging ---

func (s *MemoryStore) AppendDecisionLog(_ context.Context, rec *DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Candidates = append([]CandidateScore(nil), rec.Candidates...)
	s.decisions = append(s.decisions, &cp)
	return nil
}

func (s *MemoryStore) AppendErrorLog(_ context.Context, rec *ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.errorLog = append(s.errorLog, &cp)
	return nil
}

// DecisionLogs returns a copy of the decision log, oldest first. Test
// helper; the log itself is append-only.
func (s *MemoryStore) DecisionLogs() []*DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*DecisionRecord(nil), s.decisions...)
}

// ErrorLogs returns a copy of the error log, oldest first.
func (s *MemoryStore) ErrorLogs() []*ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ErrorRecord(nil), s.errorLog...)
}
