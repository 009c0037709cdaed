package policy

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// fixedOffsets maps the zone ids the deployment actually uses to their
// fixed UTC offsets in minutes. DST zones are unsupported; anything not in
// the table and not of the form UTC±HH[:MM] falls back to UTC.
var fixedOffsets = map[string]int{
	"UTC":            0,
	"Asia/Bangkok":   7 * 60,
	"Asia/Jakarta":   7 * 60,
	"Asia/Singapore": 8 * 60,
	"Asia/Tokyo":     9 * 60,
	"Asia/Kolkata":   5*60 + 30,
	"Asia/Dubai":     4 * 60,
}

// ResolveTimezone returns the fixed offset in minutes for a zone id.
// Unknown zones resolve to UTC with ok=false so the caller can warn.
func ResolveTimezone(id string) (offsetMinutes int, ok bool) {
	if off, found := fixedOffsets[id]; found {
		return off, true
	}
	if rest, found := strings.CutPrefix(id, "UTC"); found && rest != "" {
		sign := 1
		switch rest[0] {
		case '+':
		case '-':
			sign = -1
		default:
			return 0, false
		}
		var h, m int
		if n, err := fmt.Sscanf(rest[1:], "%d:%d", &h, &m); err != nil && n < 1 {
			return 0, false
		}
		if h > 14 || m > 59 {
			return 0, false
		}
		return sign * (h*60 + m), true
	}
	return 0, false
}

// LoadFromEnv builds a policy from the environment on top of the defaults.
// Invalid values keep the default for that key; structural problems are
// caught later by Validate.
func LoadFromEnv() *Policy {
	p := Default()

	if v := os.Getenv("ASSIGN_MODE"); v != "" {
		p.Mode = Mode(strings.ToUpper(v))
	}
	envInt("POLL_INTERVAL_MINUTES", &p.PollIntervalMinutes)
	envInt("FAIRNESS_WINDOW_DAYS", &p.FairnessWindowDays)
	envInt("STALE_LOCK_TTL_MINUTES", &p.StaleLockTTLMinutes)
	envInt("BATCH_SIZE", &p.BatchSize)
	envInt("MAX_ATTEMPTS", &p.MaxAttempts)
	envInt("BACKOFF_BASE_MINUTES", &p.BackoffBaseMinutes)
	envInt("BACKOFF_MAX_MINUTES", &p.BackoffMaxMinutes)
	envInt("PASS_SOFT_DEADLINE_MINUTES", &p.PassSoftDeadlineMinutes)
	envInt("ADJACENCY_BUFFER_MINUTES", &p.AdjacencyBufferMinutes)
	envInt("DR_CONSECUTIVE_MAX_RUN", &p.DRConsecutiveMaxRun)
	envFloat("DR_CONSECUTIVE_PENALTY_HOURS", &p.DRConsecutivePenaltyHours)
	envBool("DR_LEGACY_PR_SHARES_BUCKET", &p.DRLegacyPRSharesBucket)

	envFloat("W_AVAILABILITY", &p.Weights.Availability)
	envFloat("W_FAIRNESS", &p.Weights.Fairness)
	envFloat("W_DR", &p.Weights.DR)
	envFloat("W_RECENCY", &p.Weights.Recency)
	envFloat("W_LANGUAGE", &p.Weights.Language)

	if v := os.Getenv("DAILY_RUN_TIMES"); v != "" {
		var times []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				times = append(times, part)
			}
		}
		p.DailyRunTimes = times
	}

	if v := os.Getenv("TIMEZONE"); v != "" {
		p.Timezone = v
	}
	if off, ok := ResolveTimezone(p.Timezone); ok {
		p.UTCOffsetMinutes = off
	} else {
		log.Printf("policy: unknown timezone %q, falling back to UTC", p.Timezone)
		p.Timezone = "UTC"
		p.UTCOffsetMinutes = 0
	}

	// Per-meeting-type threshold overrides, e.g. THRESHOLD_DR_URGENT_DAYS=2.
	for mt := range p.Thresholds {
		key := strings.ToUpper(mt)
		t := p.Thresholds[mt]
		envInt("THRESHOLD_"+key+"_URGENT_DAYS", &t.UrgentDays)
		envInt("THRESHOLD_"+key+"_GENERAL_DAYS", &t.GeneralDays)
		p.Thresholds[mt] = t
	}

	return p
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("policy: ignoring bad %s=%q", key, v)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			log.Printf("policy: ignoring bad %s=%q", key, v)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			log.Printf("policy: ignoring bad %s=%q", key, v)
		}
	}
}
