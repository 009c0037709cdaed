// Package policy holds the process-wide assignment configuration. The
// active policy is an immutable snapshot swapped atomically on update;
// callers in the middle of a pass keep the snapshot they loaded.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mode is a named profile of readiness thresholds and scoring weights.
type Mode string

const (
	ModeNormal  Mode = "NORMAL"
	ModeUrgent  Mode = "URGENT"
	ModeBalance Mode = "BALANCE"
	ModeCustom  Mode = "CUSTOM"
)

// Threshold holds the per-meeting-type urgency boundaries in days before
// the meeting start.
type Threshold struct {
	UrgentDays  int `json:"urgent_days"`
	GeneralDays int `json:"general_days"`
}

// Weights are the scoring coefficients. Each subcomponent is normalized to
// [-1, 1] before weighting.
type Weights struct {
	Availability float64 `json:"availability"`
	Fairness     float64 `json:"fairness"`
	DR           float64 `json:"dr"`
	Recency      float64 `json:"recency"`
	Language     float64 `json:"language"`
}

// Policy is one immutable configuration snapshot.
type Policy struct {
	Mode Mode `json:"mode"`

	FairnessWindowDays int                  `json:"fairness_window_days"`
	Thresholds         map[string]Threshold `json:"thresholds"` // keyed by meeting type

	PollIntervalMinutes int      `json:"poll_interval_minutes"`
	DailyRunTimes       []string `json:"daily_run_times"` // "HH:MM" in Timezone
	Timezone            string   `json:"timezone"`
	UTCOffsetMinutes    int      `json:"utc_offset_minutes"`

	DRConsecutivePenaltyHours float64 `json:"dr_consecutive_penalty_hours"`
	DRConsecutiveMaxRun       int     `json:"dr_consecutive_max_run"`
	DRLegacyPRSharesBucket    bool    `json:"dr_legacy_pr_shares_bucket"`

	Weights Weights `json:"weights"`

	AdjacencyBufferMinutes  int `json:"adjacency_buffer_minutes"`
	StaleLockTTLMinutes     int `json:"stale_lock_ttl_minutes"`
	BatchSize               int `json:"batch_size"`
	MaxAttempts             int `json:"max_attempts"`
	BackoffBaseMinutes      int `json:"backoff_base_minutes"`
	BackoffMaxMinutes       int `json:"backoff_max_minutes"`
	PassSoftDeadlineMinutes int `json:"pass_soft_deadline_minutes"`
}

// Default returns the production defaults. Every value can be overridden
// from the environment, see LoadFromEnv.
func Default() *Policy {
	return &Policy{
		Mode:               ModeNormal,
		FairnessWindowDays: 30,
		Thresholds: map[string]Threshold{
			"DR":        {UrgentDays: 1, GeneralDays: 7},
			"VIP":       {UrgentDays: 1, GeneralDays: 7},
			"Weekly":    {UrgentDays: 1, GeneralDays: 15},
			"General":   {UrgentDays: 3, GeneralDays: 30},
			"Urgent":    {UrgentDays: 1, GeneralDays: 1},
			"President": {UrgentDays: 1, GeneralDays: 7},
			"Other":     {UrgentDays: 3, GeneralDays: 30},
		},
		PollIntervalMinutes:       180,
		DailyRunTimes:             []string{"08:00", "17:00"},
		Timezone:                  "Asia/Bangkok",
		UTCOffsetMinutes:          7 * 60,
		DRConsecutivePenaltyHours: 8,
		DRConsecutiveMaxRun:       3,
		DRLegacyPRSharesBucket:    true,
		Weights: Weights{
			Availability: 1.0,
			Fairness:     1.0,
			DR:           1.0,
			Recency:      0.5,
			Language:     0.5,
		},
		AdjacencyBufferMinutes:  0,
		StaleLockTTLMinutes:     15,
		BatchSize:               50,
		MaxAttempts:             5,
		BackoffBaseMinutes:      5,
		BackoffMaxMinutes:       120,
		PassSoftDeadlineMinutes: 5,
	}
}

// ThresholdFor returns the threshold for a meeting type, falling back to
// the General row for unknown types.
func (p *Policy) ThresholdFor(meetingType string) Threshold {
	if t, ok := p.Thresholds[meetingType]; ok {
		return t
	}
	return p.Thresholds["General"]
}

// Location returns the configured fixed-offset zone.
func (p *Policy) Location() *time.Location {
	if p.UTCOffsetMinutes == 0 {
		return time.UTC
	}
	return time.FixedZone(p.Timezone, p.UTCOffsetMinutes*60)
}

// PollInterval returns the interval between scheduler passes.
func (p *Policy) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMinutes) * time.Minute
}

// StaleLockTTL returns how long a processing lock may live before the next
// pass force-releases it.
func (p *Policy) StaleLockTTL() time.Duration {
	return time.Duration(p.StaleLockTTLMinutes) * time.Minute
}

// AdjacencyBuffer returns the soft-violation buffer around bookings.
func (p *Policy) AdjacencyBuffer() time.Duration {
	return time.Duration(p.AdjacencyBufferMinutes) * time.Minute
}

// BackoffBase and BackoffMax bound the pool retry backoff.
func (p *Policy) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMinutes) * time.Minute
}

func (p *Policy) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxMinutes) * time.Minute
}

// PassSoftDeadline bounds the wall-clock budget of one scheduler pass.
func (p *Policy) PassSoftDeadline() time.Duration {
	return time.Duration(p.PassSoftDeadlineMinutes) * time.Minute
}

// Hash returns a short stable digest of the snapshot, stamped on every
// decision record so logs can be correlated with the policy that produced
// them.
func (p *Policy) Hash() string {
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}

// Validate rejects configurations the scheduler must refuse to start on.
func (p *Policy) Validate() error {
	switch p.Mode {
	case ModeNormal, ModeUrgent, ModeBalance, ModeCustom:
	default:
		return fmt.Errorf("policy: unknown mode %q", p.Mode)
	}
	if p.PollIntervalMinutes <= 0 {
		return errors.New("policy: poll interval must be positive")
	}
	if p.FairnessWindowDays <= 0 {
		return errors.New("policy: fairness window must be positive")
	}
	if p.BatchSize <= 0 {
		return errors.New("policy: batch size must be positive")
	}
	if p.StaleLockTTLMinutes <= 0 {
		return errors.New("policy: stale lock TTL must be positive")
	}
	if p.MaxAttempts <= 0 {
		return errors.New("policy: max attempts must be positive")
	}
	if len(p.Thresholds) == 0 {
		return errors.New("policy: thresholds missing")
	}
	if _, ok := p.Thresholds["General"]; !ok {
		return errors.New("policy: General threshold row required")
	}
	for mt, t := range p.Thresholds {
		if t.UrgentDays <= 0 || t.GeneralDays <= 0 {
			return fmt.Errorf("policy: thresholds for %s must be positive", mt)
		}
	}
	for _, hm := range p.DailyRunTimes {
		if _, _, err := parseHHMM(hm); err != nil {
			return fmt.Errorf("policy: bad daily run time %q: %w", hm, err)
		}
	}
	w := p.Weights
	if w.Availability == 0 && w.Fairness == 0 && w.DR == 0 && w.Recency == 0 && w.Language == 0 {
		return errors.New("policy: all score weights are zero")
	}
	return nil
}

func parseHHMM(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("out of range")
	}
	return h, m, nil
}
