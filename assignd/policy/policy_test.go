package policy

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Policy)
		want   string
	}{
		{"bad mode", func(p *Policy) { p.Mode = "TURBO" }, "unknown mode"},
		{"zero poll", func(p *Policy) { p.PollIntervalMinutes = 0 }, "poll interval"},
		{"zero window", func(p *Policy) { p.FairnessWindowDays = 0 }, "fairness window"},
		{"zero batch", func(p *Policy) { p.BatchSize = 0 }, "batch size"},
		{"zero ttl", func(p *Policy) { p.StaleLockTTLMinutes = 0 }, "stale lock"},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }, "max attempts"},
		{"no thresholds", func(p *Policy) { p.Thresholds = nil }, "thresholds missing"},
		{"no general row", func(p *Policy) { delete(p.Thresholds, "General") }, "General threshold"},
		{"bad daily time", func(p *Policy) { p.DailyRunTimes = []string{"25:00"} }, "daily run time"},
		{"all-zero weights", func(p *Policy) { p.Weights = Weights{} }, "weights"},
	}
	for _, tc := range cases {
		p := Default()
		tc.mutate(p)
		err := p.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestThresholdForFallsBack(t *testing.T) {
	p := Default()
	got := p.ThresholdFor("Banquet")
	if got != p.Thresholds["General"] {
		t.Errorf("unknown type must use General row, got %+v", got)
	}
	if p.ThresholdFor("DR") != p.Thresholds["DR"] {
		t.Error("known type must use its own row")
	}
}

func TestHashChangesWithPolicy(t *testing.T) {
	a, b := Default(), Default()
	if a.Hash() != b.Hash() {
		t.Fatal("identical policies must hash equal")
	}
	b.Weights.Fairness = 2
	if a.Hash() == b.Hash() {
		t.Fatal("changed policy must hash differently")
	}
	if len(a.Hash()) != 12 {
		t.Fatalf("hash length: got %d", len(a.Hash()))
	}
}

func TestResolveTimezone(t *testing.T) {
	cases := []struct {
		id     string
		offset int
		ok     bool
	}{
		{"UTC", 0, true},
		{"Asia/Bangkok", 420, true},
		{"Asia/Kolkata", 330, true},
		{"UTC+7", 420, true},
		{"UTC-5", -300, true},
		{"UTC+5:30", 330, true},
		{"Europe/Berlin", 0, false},
		{"UTC+99", 0, false},
	}
	for _, tc := range cases {
		off, ok := ResolveTimezone(tc.id)
		if ok != tc.ok || (ok && off != tc.offset) {
			t.Errorf("%s: got (%d, %v), want (%d, %v)", tc.id, off, ok, tc.offset, tc.ok)
		}
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("ASSIGN_MODE", "balance")
	t.Setenv("POLL_INTERVAL_MINUTES", "60")
	t.Setenv("DAILY_RUN_TIMES", "06:30, 18:30")
	t.Setenv("TIMEZONE", "Asia/Singapore")
	t.Setenv("W_FAIRNESS", "2.5")
	t.Setenv("THRESHOLD_GENERAL_URGENT_DAYS", "5")
	t.Setenv("BATCH_SIZE", "not-a-number")

	p := LoadFromEnv()
	if p.Mode != ModeBalance {
		t.Errorf("mode: got %s", p.Mode)
	}
	if p.PollIntervalMinutes != 60 {
		t.Errorf("poll interval: got %d", p.PollIntervalMinutes)
	}
	if len(p.DailyRunTimes) != 2 || p.DailyRunTimes[1] != "18:30" {
		t.Errorf("daily run times: got %v", p.DailyRunTimes)
	}
	if p.UTCOffsetMinutes != 480 {
		t.Errorf("offset: got %d", p.UTCOffsetMinutes)
	}
	if p.Weights.Fairness != 2.5 {
		t.Errorf("fairness weight: got %v", p.Weights.Fairness)
	}
	if p.Thresholds["General"].UrgentDays != 5 {
		t.Errorf("threshold override: got %+v", p.Thresholds["General"])
	}
	// Bad values keep the default.
	if p.BatchSize != Default().BatchSize {
		t.Errorf("bad BATCH_SIZE must keep default, got %d", p.BatchSize)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("env policy must validate: %v", err)
	}
}

func TestSourceHotSwap(t *testing.T) {
	src, err := NewSource(Default())
	if err != nil {
		t.Fatal(err)
	}
	before := src.Load()

	bad := *Default()
	bad.Mode = "TURBO"
	if err := src.Update(&bad); err == nil {
		t.Fatal("invalid update must be rejected")
	}
	if src.Load() != before {
		t.Fatal("rejected update must keep the active snapshot")
	}

	next := *Default()
	next.Mode = ModeUrgent
	if err := src.Update(&next); err != nil {
		t.Fatal(err)
	}
	if src.Load().Mode != ModeUrgent {
		t.Fatal("accepted update must be visible")
	}
}
