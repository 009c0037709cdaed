package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirateb/assignd/assignd/audit"
	"github.com/sirateb/assignd/assignd/engine"
	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/pool"
	"github.com/sirateb/assignd/assignd/scheduler"
	"github.com/sirateb/assignd/assignd/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

var apiNow = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func ctx(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

func newTestAPI(t *testing.T) (*API, *store.MemoryStore) {
	t.Helper()
	src, err := policy.NewSource(policy.Default())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	clock := &fakeClock{now: apiNow}
	auditLog := audit.NewLogger(st, 64)
	pm := pool.NewManager(st, src, clock, nil)
	eng := engine.New(st, src, clock, auditLog)
	sched := scheduler.New(st, eng, pm, src, clock, auditLog)
	return NewAPI(st, pm, sched, src, clock, NewDecisionHub()), st
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func validCreate() createBookingRequest {
	return createBookingRequest{
		TimeStart:    "2025-02-20T09:00:00Z",
		TimeEnd:      "2025-02-20T10:00:00Z",
		MeetingType:  "General",
		OwnerEmpCode: "OWNER",
		OwnerGroup:   "HQ",
		MeetingRoom:  "R101",
	}
}

func TestParseBookingTime(t *testing.T) {
	got, err := parseBookingTime("2025-02-20T09:00:00Z")
	if err != nil || !got.Equal(time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339: %v %v", got, err)
	}

	// 24:00 rolls over to next-day midnight.
	got, err = parseBookingTime("2025-02-20T24:00")
	if err != nil || !got.Equal(time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("24:00: %v %v", got, err)
	}

	if _, err := parseBookingTime("yesterday"); err == nil {
		t.Fatal("garbage must be rejected")
	}
}

func TestCreateBookingEnqueues(t *testing.T) {
	api, st := newTestAPI(t)

	w := postJSON(t, api.handleCreateBooking, "/bookings", validCreate())
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		BookingID int64 `json:"booking_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	b, err := st.GetBooking(ctx(t), resp.BookingID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != store.StatusWaiting || b.Kind != store.KindInterpreter {
		t.Fatalf("created booking: %+v", b)
	}
	if b.PoolStatus != store.PoolWaiting {
		t.Fatalf("booking must be pooled on intake, got %s", b.PoolStatus)
	}
}

func TestCreateBookingValidation(t *testing.T) {
	api, _ := newTestAPI(t)

	bad := validCreate()
	bad.TimeEnd = bad.TimeStart
	if w := postJSON(t, api.handleCreateBooking, "/bookings", bad); w.Code != http.StatusBadRequest {
		t.Errorf("empty interval: got %d", w.Code)
	}

	bad = validCreate()
	bad.MeetingRoom = ""
	if w := postJSON(t, api.handleCreateBooking, "/bookings", bad); w.Code != http.StatusBadRequest {
		t.Errorf("missing room: got %d", w.Code)
	}

	bad = validCreate()
	bad.TimeStart = "soon"
	if w := postJSON(t, api.handleCreateBooking, "/bookings", bad); w.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp: got %d", w.Code)
	}
}

func TestRoomOverlapWarningAndForce(t *testing.T) {
	api, _ := newTestAPI(t)

	if w := postJSON(t, api.handleCreateBooking, "/bookings", validCreate()); w.Code != http.StatusCreated {
		t.Fatalf("first booking: %d", w.Code)
	}

	// Same room, overlapping time: warned, not created.
	second := validCreate()
	second.TimeStart = "2025-02-20T09:30:00Z"
	second.TimeEnd = "2025-02-20T10:30:00Z"
	w := postJSON(t, api.handleCreateBooking, "/bookings", second)
	if w.Code != http.StatusConflict {
		t.Fatalf("overlap: got %d", w.Code)
	}
	var warn struct {
		Code    string          `json:"code"`
		Details []overlapDetail `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &warn); err != nil {
		t.Fatal(err)
	}
	if warn.Code != "OVERLAP_WARNING" || len(warn.Details) != 1 {
		t.Fatalf("warning payload: %s", w.Body.String())
	}

	// Resubmit with force.
	second.Force = true
	if w := postJSON(t, api.handleCreateBooking, "/bookings", second); w.Code != http.StatusCreated {
		t.Fatalf("forced: got %d, body %s", w.Code, w.Body.String())
	}

	// Back-to-back room use needs no force.
	third := validCreate()
	third.TimeStart = "2025-02-20T10:30:00Z"
	third.TimeEnd = "2025-02-20T11:30:00Z"
	if w := postJSON(t, api.handleCreateBooking, "/bookings", third); w.Code != http.StatusCreated {
		t.Fatalf("adjacent room use: got %d", w.Code)
	}
}

func TestCreateBooking2400End(t *testing.T) {
	api, st := newTestAPI(t)

	req := validCreate()
	req.TimeStart = "2025-02-20T23:00:00Z"
	req.TimeEnd = "2025-02-20T24:00"
	w := postJSON(t, api.handleCreateBooking, "/bookings", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("24:00 end: %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		BookingID int64 `json:"booking_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	b, _ := st.GetBooking(ctx(t), resp.BookingID)
	if !b.TimeEnd.Equal(time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("normalized end: got %s", b.TimeEnd)
	}
}

func TestCancelBooking(t *testing.T) {
	api, st := newTestAPI(t)

	w := postJSON(t, api.handleCreateBooking, "/bookings", validCreate())
	var resp struct {
		BookingID int64 `json:"booking_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/bookings/%d/cancel", resp.BookingID), nil)
	rec := httptest.NewRecorder()
	api.handleBookingByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: got %d", rec.Code)
	}

	b, _ := st.GetBooking(ctx(t), resp.BookingID)
	if b.Status != store.StatusCancel {
		t.Fatalf("after cancel: %s", b.Status)
	}

	req = httptest.NewRequest(http.MethodPost, "/bookings/99999/cancel", nil)
	rec = httptest.NewRecorder()
	api.handleBookingByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing: got %d", rec.Code)
	}
}

func TestGetBookingAndFailedSurface(t *testing.T) {
	api, st := newTestAPI(t)

	w := postJSON(t, api.handleCreateBooking, "/bookings", validCreate())
	var resp struct {
		BookingID int64 `json:"booking_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/bookings/%d", resp.BookingID), nil)
	rec := httptest.NewRecorder()
	api.handleBookingByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	// Nothing failed yet.
	req = httptest.NewRequest(http.MethodGet, "/bookings/failed", nil)
	rec = httptest.NewRecorder()
	api.handleBookingByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed list: %d", rec.Code)
	}

	// Mark it failed through the store and read it back.
	st.UpdatePoolEntry(ctx(t), resp.BookingID, store.PoolFailed, time.Time{}, "", 5)
	rec = httptest.NewRecorder()
	api.handleBookingByID(rec, httptest.NewRequest(http.MethodGet, "/bookings/failed", nil))
	var failed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &failed); err != nil {
		t.Fatal(err)
	}
	if failed.Count != 1 {
		t.Fatalf("failed count: %d", failed.Count)
	}
}

func TestUpdatePolicyEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)

	w := postJSON(t, api.handleUpdatePolicy, "/policy", map[string]any{"mode": "BALANCE"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d, body %s", w.Code, w.Body.String())
	}
	if api.policies.Load().Mode != policy.ModeBalance {
		t.Fatal("policy not swapped")
	}

	w = postJSON(t, api.handleUpdatePolicy, "/policy", map[string]any{"mode": "TURBO"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid update: %d", w.Code)
	}
	if api.policies.Load().Mode != policy.ModeBalance {
		t.Fatal("rejected update must keep the active policy")
	}
}
