package matching

import (
	"math"
	"sort"

	"leaddispatch/internal/model"
)

// Rank orders scored contractors into the offer queue and assigns rank 1..N.
// Scores within epsilon tie; ties go to the smaller distance, then the lower
// active job count, then the lexicographically smaller contractor id.
func Rank(scored []model.EligibleContractor, epsilon float64) []model.EligibleContractor {
	q := make([]model.EligibleContractor, len(scored))
	copy(q, scored)
	// the epsilon comparison is not transitive, so start from a canonical order
	sort.Slice(q, func(i, j int) bool { return q[i].ContractorID < q[j].ContractorID })
	sort.SliceStable(q, func(i, j int) bool { return before(q[i], q[j], epsilon) })
	for i := range q {
		q[i].Rank = i + 1
	}
	return q
}

func before(a, b model.EligibleContractor, epsilon float64) bool {
	if math.Abs(a.Score.Final-b.Score.Final) > epsilon {
		return a.Score.Final > b.Score.Final
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	if a.ActiveJobs != b.ActiveJobs {
		return a.ActiveJobs < b.ActiveJobs
	}
	return a.ContractorID < b.ContractorID
}

// Plan runs filter, scoring and ranking for one lead.
func Plan(lead model.Lead, contractors []model.Contractor, w Weights, opts FilterOptions, recent map[string]int) ([]model.EligibleContractor, FilterResult) {
	fr := Filter(lead, contractors, opts)
	if fr.NoEligibleContractors() {
		return nil, fr
	}
	return Rank(ScoreAll(lead, fr.Eligible, w, recent), w.TieEpsilon), fr
}
