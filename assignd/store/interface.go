package store

import (
	"context"
	"time"
)

// Store defines the persistence operations the assignment core consumes.
// It abstracts over Postgres (durable) and the in-memory implementation
// used by tests and standalone mode. All methods must be safe under
// concurrent scheduler instances.
type Store interface {
	// Booking Operations
	CreateBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id int64) (*Booking, error)
	CancelBooking(ctx context.Context, id int64) error

	// FindDueBookings returns ids of bookings that are pending, due at or
	// before now, still waiting, unassigned and of kind INTERPRETER,
	// ordered by auto_assign_at ascending.
	FindDueBookings(ctx context.Context, now time.Time, limit int) ([]int64, error)

	// ClaimBooking atomically transitions (pending, unlocked) to
	// (processing, locked by claimer). Returns true iff the row moved.
	ClaimBooking(ctx context.Context, id int64, claimerID string, now time.Time) (bool, error)

	// ResetStaleLocks returns every processing booking locked before the
	// cutoff to pending, reporting how many rows moved. A reclaimed stale
	// lock counts as a failed attempt.
	ResetStaleLocks(ctx context.Context, cutoff time.Time) (int, error)

	// ReleaseBooking clears the lock and sets the next auto-assign status.
	// next must be one of pending, done, skipped.
	ReleaseBooking(ctx context.Context, id int64, next AutoAssignStatus, incrementAttempts bool) error

	// CommitAssignment writes the chosen interpreter and approves the
	// booking. The overlap recheck runs inside the same transaction (or
	// under the store lock); a losing writer gets ErrConflict. The version
	// check guards against concurrent external edits (ErrVersionConflict).
	CommitAssignment(ctx context.Context, id int64, empCode string, expectedVersion int, adjacencyBuffer time.Duration) error

	// Roster Operations
	GetInterpreter(ctx context.Context, empCode string) (*Interpreter, error)
	UpsertInterpreter(ctx context.Context, in *Interpreter) error
	UpsertEnvironment(ctx context.Context, env *Environment) error
	ListEnvironments(ctx context.Context) ([]*Environment, error)

	// ListCandidateInterpreters returns the emp codes in scope for the
	// booking's owner group: active members of the owning environment,
	// narrowed to the requested language when one is set.
	ListCandidateInterpreters(ctx context.Context, bookingID int64) ([]string, error)

	// Fairness / DR History
	FairnessCounters(ctx context.Context, empCodes []string, windowStart, windowEnd time.Time) (map[string]FairnessCounter, error)
	LastDRAssignments(ctx context.Context, empCode string, windowStart time.Time) ([]DRAssignment, error)
	LastGlobalDRBefore(ctx context.Context, at time.Time, windowStart time.Time) (*GlobalDR, error)

	// RecentGlobalDRAssignments returns the roster-wide DR history before
	// at, newest first, bounded by windowStart and limit.
	RecentGlobalDRAssignments(ctx context.Context, at time.Time, windowStart time.Time, limit int) ([]GlobalDRAssignment, error)

	// OverlappingBookings returns bookings for the interpreter that
	// intersect or touch [start, end), considering approved bookings and
	// waiting bookings that already carry a committed interpreter.
	// Cancelled bookings are never returned.
	OverlappingBookings(ctx context.Context, empCode string, start, end time.Time) ([]*Booking, error)

	// OverlappingRoomBookings returns non-cancelled bookings for the room
	// that strictly overlap [start, end). Used by the intake warning.
	OverlappingRoomBookings(ctx context.Context, room string, start, end time.Time) ([]*Booking, error)

	// Pool Operations
	ListPoolEntries(ctx context.Context, statuses ...PoolStatus) ([]*Booking, error)

	// UpdatePoolEntry writes pool bookkeeping. A non-zero decisionWindow
	// also becomes the booking's auto-assign due time; mode records which
	// policy mode computed the window (empty keeps the stored value).
	UpdatePoolEntry(ctx context.Context, id int64, status PoolStatus, decisionWindow time.Time, mode string, attempts int) error
	ListFailedBookings(ctx context.Context) ([]*Booking, error)

	// Logging (append-only; implementations may buffer)
	AppendDecisionLog(ctx context.Context, rec *DecisionRecord) error
	AppendErrorLog(ctx context.Context, rec *ErrorRecord) error
}
