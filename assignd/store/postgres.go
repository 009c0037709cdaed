package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sirateb/assignd/assignd/conflict"
)

// PostgresStore implements Store on a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const bookingColumns = `
	booking_id, kind, status, time_start, time_end,
	meeting_type, dr_type, other_type,
	owner_emp_code, owner_group, meeting_room, language_code,
	interpreter_emp_code, selected_interpreter,
	auto_assign_at, auto_assign_status, auto_assign_locked_at, auto_assign_locked_by, auto_assign_attempts,
	pool_status, pool_entry_time, decision_window_time, pool_mode,
	version, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(
		&b.BookingID, &b.Kind, &b.Status, &b.TimeStart, &b.TimeEnd,
		&b.MeetingType, &b.DRType, &b.OtherType,
		&b.OwnerEmpCode, &b.OwnerGroup, &b.MeetingRoom, &b.LanguageCode,
		&b.InterpreterEmpCode, &b.SelectedInterpreter,
		&b.AutoAssignAt, &b.AutoAssignStatus, &b.AutoAssignLockedAt, &b.AutoAssignLockedBy, &b.AutoAssignAttempts,
		&b.PoolStatus, &b.PoolEntryTime, &b.DecisionWindowTime, &b.PoolMode,
		&b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// --- Booking Operations ---

func (s *PostgresStore) CreateBooking(ctx context.Context, b *Booking) error {
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
	query := `
		INSERT INTO bookings (kind, status, time_start, time_end,
			meeting_type, dr_type, other_type,
			owner_emp_code, owner_group, meeting_room, language_code,
			interpreter_emp_code, selected_interpreter,
			auto_assign_at, auto_assign_status, auto_assign_attempts,
			pool_status, pool_mode, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW(), NOW())
		RETURNING booking_id, created_at, updated_at
	`
	return s.pool.QueryRow(ctx, query,
		b.Kind, b.Status, b.TimeStart, b.TimeEnd,
		b.MeetingType, b.DRType, b.OtherType,
		b.OwnerEmpCode, b.OwnerGroup, b.MeetingRoom, b.LanguageCode,
		b.InterpreterEmpCode, b.SelectedInterpreter,
		b.AutoAssignAt, b.AutoAssignStatus, b.AutoAssignAttempts,
		b.PoolStatus, b.PoolMode, b.Version,
	).Scan(&b.BookingID, &b.CreatedAt, &b.UpdatedAt)
}

func (s *PostgresStore) GetBooking(ctx context.Context, id int64) (*Booking, error) {
	query := `SELECT` + bookingColumns + ` FROM bookings WHERE booking_id = $1`
	return scanBooking(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) CancelBooking(ctx context.Context, id int64) error {
	query := `
		UPDATE bookings
		SET status = 'cancel', version = version + 1, updated_at = NOW()
		WHERE booking_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindDueBookings(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	query := `
		SELECT booking_id FROM bookings
		WHERE auto_assign_status = 'pending'
		  AND auto_assign_at <= $1
		  AND status = 'waiting'
		  AND interpreter_emp_code IS NULL
		  AND kind = 'INTERPRETER'
		ORDER BY auto_assign_at ASC, booking_id ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ClaimBooking(ctx context.Context, id int64, claimerID string, now time.Time) (bool, error) {
	// Single conditional update; the row transition is the claim.
	query := `
		UPDATE bookings
		SET auto_assign_status = 'processing',
		    auto_assign_locked_at = $2,
		    auto_assign_locked_by = $3,
		    updated_at = NOW()
		WHERE booking_id = $1
		  AND auto_assign_status = 'pending'
		  AND auto_assign_locked_by IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, now, claimerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ResetStaleLocks(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE bookings
		SET auto_assign_status = 'pending',
		    auto_assign_locked_at = NULL,
		    auto_assign_locked_by = NULL,
		    auto_assign_attempts = auto_assign_attempts + 1,
		    updated_at = NOW()
		WHERE auto_assign_status = 'processing'
		  AND auto_assign_locked_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ReleaseBooking(ctx context.Context, id int64, next AutoAssignStatus, incrementAttempts bool) error {
	query := `
		UPDATE bookings
		SET auto_assign_status = $2,
		    auto_assign_locked_at = NULL,
		    auto_assign_locked_by = NULL,
		    auto_assign_attempts = auto_assign_attempts + $3,
		    updated_at = NOW()
		WHERE booking_id = $1
	`
	inc := 0
	if incrementAttempts {
		inc = 1
	}
	tag, err := s.pool.Exec(ctx, query, id, next, inc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CommitAssignment(ctx context.Context, id int64, empCode string, expectedVersion int, adjacencyBuffer time.Duration) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	b, err := scanBooking(tx.QueryRow(ctx,
		`SELECT`+bookingColumns+` FROM bookings WHERE booking_id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if b.Status != StatusWaiting || b.InterpreterEmpCode != nil {
		return ErrAlreadyCommitted
	}
	if b.Version != expectedVersion {
		return ErrVersionConflict
	}

	// Re-run the detector inside the transaction. Locking the
	// interpreter's rows serializes two writers racing for the same
	// interpreter on overlapping windows.
	rows, err := tx.Query(ctx, `
		SELECT booking_id, time_start, time_end FROM bookings
		WHERE interpreter_emp_code = $1
		  AND booking_id <> $2
		  AND kind = 'INTERPRETER'
		  AND status IN ('approve', 'waiting')
		  AND time_end >= $3 - $5::interval
		  AND time_start <= $4 + $5::interval
		FOR UPDATE
	`, empCode, id, b.TimeStart, b.TimeEnd, adjacencyBuffer)
	if err != nil {
		return err
	}
	var spans []conflict.Span
	for rows.Next() {
		var sp conflict.Span
		if err := rows.Scan(&sp.ID, &sp.Start, &sp.End); err != nil {
			rows.Close()
			return err
		}
		spans = append(spans, sp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if conflict.HasHard(conflict.Detect(spans, b.TimeStart, b.TimeEnd, adjacencyBuffer)) {
		return ErrConflict
	}

	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET interpreter_emp_code = $2,
		    status = 'approve',
		    version = version + 1,
		    updated_at = NOW()
		WHERE booking_id = $1 AND version = $3
	`, id, empCode, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return tx.Commit(ctx)
}

// --- Roster Operations ---

func (s *PostgresStore) GetInterpreter(ctx context.Context, empCode string) (*Interpreter, error) {
	query := `
		SELECT emp_code, name, is_active, languages, created_at, updated_at
		FROM interpreters WHERE emp_code = $1
	`
	var in Interpreter
	err := s.pool.QueryRow(ctx, query, empCode).Scan(
		&in.EmpCode, &in.Name, &in.IsActive, &in.Languages, &in.CreatedAt, &in.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *PostgresStore) UpsertInterpreter(ctx context.Context, in *Interpreter) error {
	query := `
		INSERT INTO interpreters (emp_code, name, is_active, languages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (emp_code) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			languages = EXCLUDED.languages,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, in.EmpCode, in.Name, in.IsActive, in.Languages)
	return err
}

func (s *PostgresStore) UpsertEnvironment(ctx context.Context, env *Environment) error {
	query := `
		INSERT INTO environments (name, admin_emp_codes, interpreter_codes, department_centers)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			admin_emp_codes = EXCLUDED.admin_emp_codes,
			interpreter_codes = EXCLUDED.interpreter_codes,
			department_centers = EXCLUDED.department_centers
	`
	_, err := s.pool.Exec(ctx, query, env.Name, env.AdminEmpCodes, env.InterpreterCodes, env.DepartmentCenters)
	return err
}

func (s *PostgresStore) ListEnvironments(ctx context.Context) ([]*Environment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, admin_emp_codes, interpreter_codes, department_centers
		FROM environments ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*Environment
	for rows.Next() {
		var env Environment
		if err := rows.Scan(&env.Name, &env.AdminEmpCodes, &env.InterpreterCodes, &env.DepartmentCenters); err != nil {
			return nil, err
		}
		envs = append(envs, &env)
	}
	return envs, rows.Err()
}

func (s *PostgresStore) ListCandidateInterpreters(ctx context.Context, bookingID int64) ([]string, error) {
	// Environment scope by owner group; language scope when requested,
	// keeping interpreters with no declared languages in as "unknown".
	query := `
		SELECT i.emp_code
		FROM bookings b
		JOIN interpreters i ON i.is_active
		LEFT JOIN environments e ON b.owner_group = ANY(e.department_centers)
		WHERE b.booking_id = $1
		  AND (e.name IS NULL OR i.emp_code = ANY(e.interpreter_codes))
		  AND (b.language_code = ''
		       OR cardinality(i.languages) = 0
		       OR b.language_code = ANY(i.languages))
		ORDER BY i.emp_code
	`
	rows, err := s.pool.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// --- Fairness / DR History ---

func (s *PostgresStore) FairnessCounters(ctx context.Context, empCodes []string, windowStart, windowEnd time.Time) (map[string]FairnessCounter, error) {
	query := `
		SELECT interpreter_emp_code, meeting_type, COUNT(*),
		       COALESCE(SUM(EXTRACT(EPOCH FROM (time_end - time_start)) / 60), 0)::bigint,
		       MAX(time_start)
		FROM bookings
		WHERE status = 'approve'
		  AND interpreter_emp_code = ANY($1)
		  AND time_start >= $2 AND time_start < $3
		GROUP BY interpreter_emp_code, meeting_type
	`
	rows, err := s.pool.Query(ctx, query, empCodes, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]FairnessCounter, len(empCodes))
	for rows.Next() {
		var (
			code    string
			mt      MeetingType
			count   int
			minutes int64
			last    time.Time
		)
		if err := rows.Scan(&code, &mt, &count, &minutes, &last); err != nil {
			return nil, err
		}
		c := out[code]
		if c.ByType == nil {
			c.ByType = make(map[MeetingType]int)
		}
		c.Assignments += count
		c.Minutes += int(minutes)
		c.ByType[mt] += count
		if c.LastAssignedAt == nil || last.After(*c.LastAssignedAt) {
			t := last
			c.LastAssignedAt = &t
		}
		out[code] = c
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastDRAssignments(ctx context.Context, empCode string, windowStart time.Time) ([]DRAssignment, error) {
	query := `
		SELECT booking_id, time_start, dr_type FROM bookings
		WHERE status = 'approve'
		  AND interpreter_emp_code = $1
		  AND meeting_type = 'DR'
		  AND time_start >= $2
		ORDER BY time_start DESC
	`
	rows, err := s.pool.Query(ctx, query, empCode, windowStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DRAssignment
	for rows.Next() {
		var a DRAssignment
		if err := rows.Scan(&a.BookingID, &a.Time, &a.DRType); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastGlobalDRBefore(ctx context.Context, at time.Time, windowStart time.Time) (*GlobalDR, error) {
	query := `
		SELECT interpreter_emp_code, time_start FROM bookings
		WHERE status = 'approve'
		  AND interpreter_emp_code IS NOT NULL
		  AND meeting_type = 'DR'
		  AND time_start < $1 AND time_start >= $2
		ORDER BY time_start DESC
		LIMIT 1
	`
	var g GlobalDR
	err := s.pool.QueryRow(ctx, query, at, windowStart).Scan(&g.EmpCode, &g.Time)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) RecentGlobalDRAssignments(ctx context.Context, at time.Time, windowStart time.Time, limit int) ([]GlobalDRAssignment, error) {
	query := `
		SELECT interpreter_emp_code, booking_id, time_start, dr_type FROM bookings
		WHERE status = 'approve'
		  AND interpreter_emp_code IS NOT NULL
		  AND meeting_type = 'DR'
		  AND time_start < $1 AND time_start >= $2
		ORDER BY time_start DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, at, windowStart, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GlobalDRAssignment
	for rows.Next() {
		var a GlobalDRAssignment
		if err := rows.Scan(&a.EmpCode, &a.BookingID, &a.Time, &a.DRType); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OverlappingBookings(ctx context.Context, empCode string, start, end time.Time) ([]*Booking, error) {
	query := `SELECT` + bookingColumns + `
		FROM bookings
		WHERE interpreter_emp_code = $1
		  AND kind = 'INTERPRETER'
		  AND status IN ('approve', 'waiting')
		  AND time_end >= $2
		  AND time_start <= $3
		ORDER BY time_start
	`
	rows, err := s.pool.Query(ctx, query, empCode, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OverlappingRoomBookings(ctx context.Context, room string, start, end time.Time) ([]*Booking, error) {
	// Strict overlap on half-open intervals; touching rooms do not clash.
	query := `SELECT` + bookingColumns + `
		FROM bookings
		WHERE meeting_room = $1
		  AND status <> 'cancel'
		  AND time_start < $3
		  AND time_end > $2
		ORDER BY time_start
	`
	rows, err := s.pool.Query(ctx, query, room, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Pool Operations ---

func (s *PostgresStore) ListPoolEntries(ctx context.Context, statuses ...PoolStatus) ([]*Booking, error) {
	query := `SELECT` + bookingColumns + `
		FROM bookings WHERE pool_status = ANY($1) ORDER BY booking_id
	`
	args := make([]string, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePoolEntry(ctx context.Context, id int64, status PoolStatus, decisionWindow time.Time, mode string, attempts int) error {
	query := `
		UPDATE bookings
		SET pool_status = $2,
		    decision_window_time = COALESCE($3, decision_window_time),
		    auto_assign_at = COALESCE($3, auto_assign_at),
		    pool_mode = CASE WHEN $5 = '' THEN pool_mode ELSE $5 END,
		    pool_entry_time = COALESCE(pool_entry_time, CASE WHEN $2 = 'waiting' THEN NOW() END),
		    auto_assign_attempts = $4,
		    updated_at = NOW()
		WHERE booking_id = $1
	`
	var window *time.Time
	if !decisionWindow.IsZero() {
		window = &decisionWindow
	}
	tag, err := s.pool.Exec(ctx, query, id, status, window, attempts, mode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListFailedBookings(ctx context.Context) ([]*Booking, error) {
	return s.ListPoolEntries(ctx, PoolFailed)
}

// --- Logging ---

func (s *PostgresStore) AppendDecisionLog(ctx context.Context, rec *DecisionRecord) error {
	candidates, err := json.Marshal(rec.Candidates)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO decision_logs (booking_id, batch_id, mode, policy_hash, candidates, chosen, escalated, reason, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.pool.Exec(ctx, query,
		rec.BookingID, rec.BatchID, rec.Mode, rec.PolicyHash,
		candidates, rec.Chosen, rec.Escalated, rec.Reason, rec.DurationMs, rec.Timestamp,
	)
	return err
}

func (s *PostgresStore) AppendErrorLog(ctx context.Context, rec *ErrorRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO error_logs (correlation_id, stage, message, booking_id, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.pool.Exec(ctx, query,
		rec.CorrelationID, rec.Stage, rec.Message, rec.BookingID, snapshot, rec.Timestamp,
	)
	return err
}
