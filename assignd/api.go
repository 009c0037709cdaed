package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sirateb/assignd/assignd/observability"
	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/pool"
	"github.com/sirateb/assignd/assignd/scheduler"
	"github.com/sirateb/assignd/assignd/store"
)

// API carries the handlers for the booking intake and scheduler control
// surface.
type API struct {
	store     store.Store
	pool      *pool.Manager
	scheduler *scheduler.Scheduler
	policies  *policy.Source
	clock     policy.Clock

	wsHub    *DecisionHub
	upgrader websocket.Upgrader

	// Storm protection on the intake path.
	intakeLimiter *rate.Limiter
}

// NewAPI wires the handler set.
func NewAPI(st store.Store, pm *pool.Manager, sched *scheduler.Scheduler, policies *policy.Source, clock policy.Clock, hub *DecisionHub) *API {
	return &API{
		store:     st,
		pool:      pm,
		scheduler: sched,
		policies:  policies,
		clock:     clock,
		wsHub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		// Allow 50 creates/sec, burst 100
		intakeLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// writeRateLimitError writes a 429 response with jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, route string) {
	observability.APIRateLimited.WithLabelValues(route).Inc()
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// createBookingRequest is the intake payload. Times are ISO-8601; an end
// of 24:00 is accepted and normalized to next-day 00:00.
type createBookingRequest struct {
	Kind                string  `json:"kind,omitempty"`
	TimeStart           string  `json:"time_start"`
	TimeEnd             string  `json:"time_end"`
	MeetingType         string  `json:"meeting_type"`
	DRType              string  `json:"dr_type,omitempty"`
	OtherType           string  `json:"other_type,omitempty"`
	OwnerEmpCode        string  `json:"owner_emp_code"`
	OwnerGroup          string  `json:"owner_group"`
	MeetingRoom         string  `json:"meeting_room"`
	LanguageCode        string  `json:"language_code,omitempty"`
	SelectedInterpreter *string `json:"selected_interpreter,omitempty"`
	Force               bool    `json:"force,omitempty"`
}

type overlapDetail struct {
	BookingID int64     `json:"booking_id"`
	TimeStart time.Time `json:"time_start"`
	TimeEnd   time.Time `json:"time_end"`
	Owner     string    `json:"owner_emp_code"`
}

// parseBookingTime parses an ISO-8601 timestamp, accepting the 24:00
// convention for interval ends: 2026-01-02T24:00 means 2026-01-03T00:00.
func parseBookingTime(s string) (time.Time, error) {
	rollover := false
	if i := strings.Index(s, "T24:00"); i >= 0 {
		s = s[:i] + "T00:00" + s[i+len("T24:00"):]
		rollover = true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			if rollover {
				t = t.AddDate(0, 0, 1)
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (a *API) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.intakeLimiter.Allow() {
		a.writeRateLimitError(w, "bookings")
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	start, err := parseBookingTime(req.TimeStart)
	if err != nil {
		http.Error(w, "time_start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseBookingTime(req.TimeEnd)
	if err != nil {
		http.Error(w, "time_end: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !start.Before(end) {
		http.Error(w, "time_start must be before time_end", http.StatusBadRequest)
		return
	}
	if req.OwnerEmpCode == "" || req.OwnerGroup == "" || req.MeetingRoom == "" {
		http.Error(w, "owner_emp_code, owner_group and meeting_room are required", http.StatusBadRequest)
		return
	}
	if req.MeetingType == "" {
		http.Error(w, "meeting_type is required", http.StatusBadRequest)
		return
	}

	// Room clash warning; force bypasses it.
	if !req.Force {
		clashes, err := a.store.OverlappingRoomBookings(r.Context(), req.MeetingRoom, start, end)
		if err != nil {
			log.Printf("api: room overlap check failed: %v", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if len(clashes) > 0 {
			details := make([]overlapDetail, 0, len(clashes))
			for _, c := range clashes {
				details = append(details, overlapDetail{
					BookingID: c.BookingID,
					TimeStart: c.TimeStart,
					TimeEnd:   c.TimeEnd,
					Owner:     c.OwnerEmpCode,
				})
			}
			writeJSON(w, http.StatusConflict, map[string]any{
				"code":    "OVERLAP_WARNING",
				"message": "meeting room already booked in this interval",
				"details": details,
			})
			return
		}
	}

	kind := store.KindInterpreter
	if req.Kind != "" {
		kind = store.BookingKind(req.Kind)
	}
	b := &store.Booking{
		Kind:                kind,
		TimeStart:           start,
		TimeEnd:             end,
		MeetingType:         store.MeetingType(req.MeetingType),
		DRType:              store.DRType(req.DRType),
		OtherType:           req.OtherType,
		OwnerEmpCode:        req.OwnerEmpCode,
		OwnerGroup:          req.OwnerGroup,
		MeetingRoom:         req.MeetingRoom,
		LanguageCode:        req.LanguageCode,
		SelectedInterpreter: req.SelectedInterpreter,
		AutoAssignAt:        a.clock.Now(),
	}
	if err := a.store.CreateBooking(r.Context(), b); err != nil {
		log.Printf("api: create booking failed: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if kind == store.KindInterpreter {
		if err := a.pool.Schedule(r.Context(), b.BookingID); err != nil {
			// The booking exists; the next pass picks it up regardless.
			log.Printf("api: pool schedule for booking %d failed: %v", b.BookingID, err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"booking_id": b.BookingID})
}

// handleBookingByID dispatches /bookings/{id} and /bookings/{id}/cancel.
func (a *API) handleBookingByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/bookings/")
	if rest == "failed" {
		a.handleListFailed(w, r)
		return
	}

	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid booking id", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		b, err := a.store.GetBooking(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, b)

	case action == "cancel" && r.Method == http.MethodPost:
		if err := a.store.CancelBooking(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		log.Printf("api: booking %d cancelled", id)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleListFailed surfaces bookings that exhausted auto-assignment and
// need a manual decision.
func (a *API) handleListFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	failed, err := a.store.ListFailedBookings(r.Context())
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": failed, "count": len(failed)})
}

func (a *API) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pol := a.policies.Load()
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler":   a.scheduler.Status(),
		"mode":        pol.Mode,
		"policy_hash": pol.Hash(),
	})
}

func (a *API) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := a.scheduler.RunPassNow(r.Context(), scheduler.ReasonManual)
	if err != nil {
		log.Printf("api: manual pass failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"stats": stats,
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStream upgrades to WebSocket and streams decision records as they
// are produced.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	a.wsHub.Register(conn)

	// Read pump: detect client disconnects and drain control frames.
	go func() {
		defer a.wsHub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (a *API) handleUpsertInterpreter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in store.Interpreter
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if in.EmpCode == "" {
		http.Error(w, "emp_code is required", http.StatusBadRequest)
		return
	}
	if err := a.store.UpsertInterpreter(r.Context(), &in); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUpsertEnvironment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var env store.Environment
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if env.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := a.store.UpsertEnvironment(r.Context(), &env); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdatePolicy hot-swaps the policy snapshot. Validation failures
// leave the running policy untouched.
func (a *API) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	next := *a.policies.Load()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.policies.Update(&next); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("api: policy updated, mode %s, hash %s", next.Mode, next.Hash())
	writeJSON(w, http.StatusOK, map[string]any{"policy_hash": next.Hash()})
}
