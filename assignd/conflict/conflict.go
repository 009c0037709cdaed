// Package conflict classifies interval collisions between a candidate
// assignment and an interpreter's existing bookings. All intervals are
// half-open [start, end).
package conflict

import (
	"time"
)

// Kind classifies how two intervals relate.
type Kind int

const (
	// None means the intervals are disjoint and not touching.
	None Kind = iota
	// Overlap means a partial intersection.
	Overlap
	// Contained means one interval fully contains the other.
	Contained
	// Adjacent means the intervals touch at exactly one endpoint.
	Adjacent
)

func (k Kind) String() string {
	switch k {
	case Overlap:
		return "OVERLAP"
	case Contained:
		return "CONTAINED"
	case Adjacent:
		return "ADJACENT"
	default:
		return "NONE"
	}
}

// Span is the minimal view of an existing booking the detector needs.
type Span struct {
	ID    int64
	Start time.Time
	End   time.Time
}

// Violation is one collision between the requested interval and a span.
// Hard violations disqualify the candidate; soft ones are informational.
type Violation struct {
	BookingID int64
	Kind      Kind
	Hard      bool
}

// Classify relates the existing interval [aStart, aEnd) to the requested
// interval [bStart, bEnd).
func Classify(aStart, aEnd, bStart, bEnd time.Time) Kind {
	if (!aStart.After(bStart) && !bEnd.After(aEnd)) ||
		(!bStart.After(aStart) && !aEnd.After(bEnd)) {
		return Contained
	}
	if aStart.Before(bEnd) && bStart.Before(aEnd) {
		return Overlap
	}
	if aEnd.Equal(bStart) || bEnd.Equal(aStart) {
		return Adjacent
	}
	return None
}

// Gap returns the distance between two disjoint intervals. Zero for
// adjacency; callers must not pass intersecting intervals.
func Gap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	if !aEnd.After(bStart) {
		return bStart.Sub(aEnd)
	}
	return aStart.Sub(bEnd)
}

// Detect evaluates the requested interval [s, e) against every span and
// returns all violations. Overlap and containment are always hard.
// Adjacency is soft at buffer zero; with a positive buffer any disjoint
// pair closer than the buffer becomes hard.
func Detect(spans []Span, s, e time.Time, buffer time.Duration) []Violation {
	var out []Violation
	for _, sp := range spans {
		kind := Classify(sp.Start, sp.End, s, e)
		switch kind {
		case Overlap, Contained:
			out = append(out, Violation{BookingID: sp.ID, Kind: kind, Hard: true})
		case Adjacent:
			out = append(out, Violation{BookingID: sp.ID, Kind: kind, Hard: buffer > 0})
		case None:
			if buffer > 0 && Gap(sp.Start, sp.End, s, e) < buffer {
				out = append(out, Violation{BookingID: sp.ID, Kind: Adjacent, Hard: true})
			}
		}
	}
	return out
}

// HasHard reports whether any violation disqualifies the candidate.
func HasHard(violations []Violation) bool {
	for _, v := range violations {
		if v.Hard {
			return true
		}
	}
	return false
}
