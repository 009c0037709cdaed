package engine

import (
	"sort"

	"github.com/sirateb/assignd/assignd/fairness"
	"github.com/sirateb/assignd/assignd/policy"
)

// selectedHintBonus is the pre-weight bonus for the creator's suggested
// interpreter. A hint shifts the ranking, it never preselects.
const selectedHintBonus = 0.25

// candidate carries one interpreter through filtering, scoring and commit.
type candidate struct {
	emp string

	fairness float64
	drPolicy float64
	recency  float64
	language float64
	hint     float64
	score    float64

	consecutiveDR int
	blocked       bool
	disqualified  bool
	reason        string
}

// scoreCandidates fills in the weighted totals and returns the eligible
// candidates ranked best first. The ranking is deterministic: equal scores
// fall back to the fairness tie-break (count, minutes, emp code).
func scoreCandidates(cands []*candidate, snap *fairness.Snapshot, w policy.Weights) []*candidate {
	var eligible []*candidate
	for _, c := range cands {
		if c.disqualified {
			continue
		}
		c.score = w.Availability*1.0 +
			w.Fairness*c.fairness +
			w.DR*c.drPolicy +
			w.Recency*(-c.recency) +
			w.Language*c.language +
			c.hint
		eligible = append(eligible, c)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		return snap.TieBreak(eligible[i].emp, eligible[j].emp)
	})
	return eligible
}
