package matching

import (
	"math"

	"leaddispatch/internal/model"
)

// ScoreAll fills the Score of every eligible contractor:
//
//	final = base + kpiBonus + proximityBonus - loadBalancing
//
// recent maps contractor id to assignments inside the trailing window; it may be nil.
func ScoreAll(lead model.Lead, eligible []model.EligibleContractor, w Weights, recent map[string]int) []model.EligibleContractor {
	out := make([]model.EligibleContractor, len(eligible))
	copy(out, eligible)
	avg := cohortAverage(out)
	for i := range out {
		out[i].RecentAssignments = recent[out[i].ContractorID]
		out[i].Score = score(lead, out[i], w, avg)
	}
	return out
}

func score(lead model.Lead, ec model.EligibleContractor, w Weights, cohortAvg float64) model.Score {
	s := model.Score{Base: w.BaseScore}
	mult := clamp(ec.KPIBonusMultiplier, w.MinMultiplier, w.MaxMultiplier)
	s.KPIBonus = (mult - 1) * w.BaseScore
	s.ProximityBonus = ProximityBonus(ec.DistanceKm, w.ProximityCap*w.proximityFactor(lead.Priority), w.ProximityWeight)
	s.LoadBalancing = LoadAdjustment(ec.LeadSharePct, cohortAvg, ec.RecentAssignments, w)
	s.Final = s.Base + s.KPIBonus + s.ProximityBonus - s.LoadBalancing
	return s
}

// ProximityBonus is strictly decreasing in distance until it floors at zero.
func ProximityBonus(distanceKm, maxBonus, weightPerKm float64) float64 {
	return math.Max(0, maxBonus-distanceKm*weightPerKm)
}

// LoadAdjustment is the amount subtracted for over-served contractors. It is
// negative (a boost) for contractors below the cohort under the proportional
// and linear policies.
func LoadAdjustment(sharePct, cohortAvg float64, recent int, w Weights) float64 {
	lb := w.LoadBalancing
	adj := 0.0
	switch lb.Policy {
	case PolicyLinear:
		adj = lb.Weight * (sharePct - cohortAvg)
	case PolicyThreshold:
		switch {
		case sharePct > lb.MaxSharePct:
			adj = lb.Penalty
		case sharePct < lb.MaxSharePct/2:
			adj = -lb.Boost
		}
	default:
		if cohortAvg > 0 {
			adj = lb.Weight * w.BaseScore * (sharePct/cohortAvg - 1)
		}
	}
	if lb.MaxAdjustment > 0 {
		adj = clamp(adj, -lb.MaxAdjustment, lb.MaxAdjustment)
	}
	if recent > 0 {
		adj += math.Min(lb.RecentCap, lb.RecentWeight*float64(recent))
	}
	return adj
}

func cohortAverage(ecs []model.EligibleContractor) float64 {
	if len(ecs) == 0 {
		return 0
	}
	sum := 0.0
	for _, ec := range ecs {
		sum += ec.LeadSharePct
	}
	return sum / float64(len(ecs))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
