package store

import (
	"time"
)

// BookingKind separates interpreter requests from room-only requests.
// The assignment core only ever processes KindInterpreter.
type BookingKind string

const (
	KindInterpreter BookingKind = "INTERPRETER"
	KindRoom        BookingKind = "ROOM"
)

// BookingStatus is the externally visible lifecycle of a booking.
type BookingStatus string

const (
	StatusWaiting BookingStatus = "waiting"
	StatusApprove BookingStatus = "approve"
	StatusCancel  BookingStatus = "cancel"
)

// AutoAssignStatus tracks the scheduler-side lifecycle of a booking.
type AutoAssignStatus string

const (
	AutoPending    AutoAssignStatus = "pending"
	AutoProcessing AutoAssignStatus = "processing"
	AutoDone       AutoAssignStatus = "done"
	AutoSkipped    AutoAssignStatus = "skipped"
)

// PoolStatus tracks a booking's position in the deferral pool.
type PoolStatus string

const (
	PoolNone       PoolStatus = "none"
	PoolWaiting    PoolStatus = "waiting"
	PoolProcessing PoolStatus = "processing"
	PoolFailed     PoolStatus = "failed"
)

// MeetingType classifies the meeting a booking belongs to.
type MeetingType string

const (
	MeetingDR        MeetingType = "DR"
	MeetingVIP       MeetingType = "VIP"
	MeetingWeekly    MeetingType = "Weekly"
	MeetingGeneral   MeetingType = "General"
	MeetingUrgent    MeetingType = "Urgent"
	MeetingPresident MeetingType = "President"
	MeetingOther     MeetingType = "Other"
)

// DRType is the sub-type of a DR meeting. PR_PR is a legacy label kept
// distinct from DR_PR; policy decides whether they share a bucket.
type DRType string

const (
	DRTypeI        DRType = "DR_I"
	DRTypeII       DRType = "DR_II"
	DRTypeK        DRType = "DR_k"
	DRTypePR       DRType = "DR_PR"
	DRTypeLegacyPR DRType = "PR_PR"
	DRTypeOther    DRType = "Other"
)

// Booking is an interpreter (or room) request with its scheduling and pool
// bookkeeping. Time is a half-open interval [TimeStart, TimeEnd) in UTC.
type Booking struct {
	BookingID int64         `json:"booking_id" db:"booking_id"`
	Kind      BookingKind   `json:"kind" db:"kind"`
	Status    BookingStatus `json:"status" db:"status"`

	TimeStart time.Time `json:"time_start" db:"time_start"`
	TimeEnd   time.Time `json:"time_end" db:"time_end"`

	MeetingType MeetingType `json:"meeting_type" db:"meeting_type"`
	DRType      DRType      `json:"dr_type,omitempty" db:"dr_type"`
	OtherType   string      `json:"other_type,omitempty" db:"other_type"`

	OwnerEmpCode string `json:"owner_emp_code" db:"owner_emp_code"`
	OwnerGroup   string `json:"owner_group" db:"owner_group"`
	MeetingRoom  string `json:"meeting_room" db:"meeting_room"`
	LanguageCode string `json:"language_code,omitempty" db:"language_code"`

	// InterpreterEmpCode is nil until an assignment is committed.
	// SelectedInterpreter is a creator-supplied hint, never a preselection.
	InterpreterEmpCode  *string `json:"interpreter_emp_code" db:"interpreter_emp_code"`
	SelectedInterpreter *string `json:"selected_interpreter,omitempty" db:"selected_interpreter"`

	AutoAssignAt       time.Time        `json:"auto_assign_at" db:"auto_assign_at"`
	AutoAssignStatus   AutoAssignStatus `json:"auto_assign_status" db:"auto_assign_status"`
	AutoAssignLockedAt *time.Time       `json:"auto_assign_locked_at" db:"auto_assign_locked_at"`
	AutoAssignLockedBy *string          `json:"auto_assign_locked_by" db:"auto_assign_locked_by"`
	AutoAssignAttempts int              `json:"auto_assign_attempts" db:"auto_assign_attempts"`

	PoolStatus         PoolStatus `json:"pool_status" db:"pool_status"`
	PoolEntryTime      *time.Time `json:"pool_entry_time" db:"pool_entry_time"`
	DecisionWindowTime *time.Time `json:"decision_window_time" db:"decision_window_time"`
	PoolMode           string     `json:"pool_mode,omitempty" db:"pool_mode"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsDR reports whether the booking is any DR meeting.
func (b *Booking) IsDR() bool {
	return b.MeetingType == MeetingDR
}

// Minutes returns the booking duration in whole minutes.
func (b *Booking) Minutes() int {
	return int(b.TimeEnd.Sub(b.TimeStart) / time.Minute)
}

// Interpreter is a roster member.
type Interpreter struct {
	EmpCode   string    `json:"emp_code" db:"emp_code"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	Languages []string  `json:"languages" db:"languages"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasLanguage reports whether the interpreter declares the language.
func (i *Interpreter) HasLanguage(code string) bool {
	for _, l := range i.Languages {
		if l == code {
			return true
		}
	}
	return false
}

// Environment groups interpreters, admins and department centers. The core
// treats it purely as the candidate scoping filter.
type Environment struct {
	Name              string   `json:"name" db:"name"`
	AdminEmpCodes     []string `json:"admin_emp_codes" db:"admin_emp_codes"`
	InterpreterCodes  []string `json:"interpreter_codes" db:"interpreter_codes"`
	DepartmentCenters []string `json:"department_centers" db:"department_centers"`
}

// FairnessCounter aggregates one interpreter's load inside a window.
type FairnessCounter struct {
	Assignments    int                 `json:"assignments"`
	Minutes        int                 `json:"minutes"`
	ByType         map[MeetingType]int `json:"by_type"`
	LastAssignedAt *time.Time          `json:"last_assigned_at,omitempty"`
}

// DRAssignment is one historical DR assignment, used by the consecutive
// tracker. Results are ordered newest first.
type DRAssignment struct {
	BookingID int64     `json:"booking_id"`
	Time      time.Time `json:"time"`
	DRType    DRType    `json:"dr_type"`
}

// GlobalDR identifies the interpreter who took the most recent DR meeting
// anywhere in the roster before a given instant.
type GlobalDR struct {
	EmpCode string    `json:"emp_code"`
	Time    time.Time `json:"time"`
}

// GlobalDRAssignment is one entry of the roster-wide DR history, ordered
// newest first. The consecutive-DR tracker walks this sequence.
type GlobalDRAssignment struct {
	EmpCode   string    `json:"emp_code"`
	BookingID int64     `json:"booking_id"`
	Time      time.Time `json:"time"`
	DRType    DRType    `json:"dr_type"`
}

// CandidateScore is the per-candidate line of a decision record.
type CandidateScore struct {
	EmpCode       string  `json:"emp_code"`
	Score         float64 `json:"score"`
	Fairness      float64 `json:"fairness"`
	ConsecutiveDR int     `json:"consecutive_dr"`
	Blocked       bool    `json:"blocked"`
	Reason        string  `json:"reason,omitempty"`
}

// DecisionRecord is one assignment attempt. Records are append-only.
type DecisionRecord struct {
	BookingID  int64            `json:"booking_id"`
	BatchID    string           `json:"batch_id"`
	Mode       string           `json:"mode"`
	PolicyHash string           `json:"policy_hash"`
	Candidates []CandidateScore `json:"candidates"`
	Chosen     *string          `json:"chosen"`
	Escalated  bool             `json:"escalated"`
	Reason     string           `json:"reason,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ErrorRecord is one entry of the error stream.
type ErrorRecord struct {
	CorrelationID string            `json:"correlation_id"`
	Stage         string            `json:"stage"`
	Message       string            `json:"message"`
	BookingID     int64             `json:"booking_id,omitempty"`
	Snapshot      map[string]string `json:"snapshot,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
