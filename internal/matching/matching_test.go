package matching

import (
	"math"
	"reflect"
	"testing"

	"leaddispatch/internal/geo"
	"leaddispatch/internal/model"
)

var sydney = geo.Coordinates{Lat: -33.8688, Lng: 151.2093}

// north returns a point km kilometres due north of p.
func north(p geo.Coordinates, km float64) geo.Coordinates {
	return geo.Coordinates{Lat: p.Lat + km/(geo.EarthRadiusKm*math.Pi/180), Lng: p.Lng}
}

func contractor(id string, km float64, kpi float64, current, max int) model.Contractor {
	return model.Contractor{
		ID:                id,
		ServiceArea:       model.ServiceArea{Center: north(sydney, km), PrimaryRadiusKm: 10, MaxRadiusKm: 30},
		ServiceTypes:      []string{"water_damage"},
		Availability:      model.Available,
		MaxActiveJobs:     max,
		CurrentActiveJobs: current,
		KPIScore:          kpi,
		LeadSharePct:      10,
	}
}

func waterLead() model.Lead {
	return model.Lead{ID: "L1", Location: sydney, ServiceType: "water_damage", Priority: model.PriorityHigh}
}

func TestFilterRules(t *testing.T) {
	off := contractor("off", 1, 80, 0, 5)
	off.Availability = model.OffDuty
	full := contractor("full", 1, 80, 5, 5)
	far := contractor("far", 40, 80, 0, 5)
	fire := contractor("fire", 1, 80, 0, 5)
	fire.ServiceTypes = []string{"fire_damage"}
	ok := contractor("ok", 3, 80, 1, 5)

	res := Filter(waterLead(), []model.Contractor{off, full, far, fire, ok}, FilterOptions{})
	if len(res.Eligible) != 1 || res.Eligible[0].ContractorID != "ok" {
		t.Fatalf("eligible: %+v", res.Eligible)
	}
	want := map[string]string{"off": RejectUnavailable, "full": RejectAtCapacity, "far": RejectOutOfRange, "fire": RejectServiceType}
	for id, reason := range want {
		if res.Rejected[id] != reason {
			t.Fatalf("%s: got reason %q want %q", id, res.Rejected[id], reason)
		}
	}
	ec := res.Eligible[0]
	if math.Abs(ec.DistanceKm-3) > 0.01 {
		t.Fatalf("distance: got %v", ec.DistanceKm)
	}
	if !ec.WithinPrimaryRadius || ec.DriveSec <= 0 {
		t.Fatalf("derived fields: %+v", ec)
	}
}

func TestFilterNoEligible(t *testing.T) {
	res := Filter(waterLead(), nil, FilterOptions{})
	if !res.NoEligibleContractors() {
		t.Fatalf("expected empty outcome")
	}
	q, fr := Plan(waterLead(), []model.Contractor{contractor("full", 1, 80, 3, 3)}, DefaultWeights(), FilterOptions{}, nil)
	if q != nil || !fr.NoEligibleContractors() {
		t.Fatalf("plan should return empty queue, got %v", q)
	}
}

func TestFilterSaturation(t *testing.T) {
	c := contractor("busy", 1, 80, 4, 5) // 80%
	if res := Filter(waterLead(), []model.Contractor{c}, FilterOptions{MaxUtilizationPct: 80}); res.Rejected["busy"] != RejectSaturated {
		t.Fatalf("expected saturated rejection, got %+v", res)
	}
	if res := Filter(waterLead(), []model.Contractor{c}, FilterOptions{MaxUtilizationPct: 100}); len(res.Eligible) != 1 {
		t.Fatalf("100%% threshold should only apply headroom rule")
	}
}

func TestEligibilityMonotonicInRadius(t *testing.T) {
	lead := waterLead()
	for _, km := range []float64{0.5, 5, 12, 29} {
		for _, r := range []float64{1, 6, 13, 30} {
			c := contractor("c", km, 50, 0, 1)
			c.ServiceArea.PrimaryRadiusKm = 0
			c.ServiceArea.MaxRadiusKm = r
			if len(Filter(lead, []model.Contractor{c}, FilterOptions{}).Eligible) == 0 {
				continue
			}
			for _, wider := range []float64{r + 0.001, r * 2, r + 100} {
				c.ServiceArea.MaxRadiusKm = wider
				if len(Filter(lead, []model.Contractor{c}, FilterOptions{}).Eligible) != 1 {
					t.Fatalf("eligible at %v km radius but not at %v (distance %v)", r, wider, km)
				}
			}
		}
	}
}

func TestScoreComponents(t *testing.T) {
	w := DefaultWeights()
	w.LoadBalancing.Weight = 0
	w.LoadBalancing.RecentWeight = 0
	lead := waterLead()
	lead.Priority = model.PriorityMedium
	ec := model.EligibleContractor{ContractorID: "a", DistanceKm: 5, KPIBonusMultiplier: 1.2}
	got := ScoreAll(lead, []model.EligibleContractor{ec}, w, nil)[0].Score
	if math.Abs(got.KPIBonus-20) > 1e-9 {
		t.Fatalf("kpi bonus: got %v", got.KPIBonus)
	}
	if math.Abs(got.ProximityBonus-15) > 1e-9 {
		t.Fatalf("proximity bonus: got %v", got.ProximityBonus)
	}
	if math.Abs(got.Final-135) > 1e-9 {
		t.Fatalf("final: got %v", got.Final)
	}
}

func TestScoreMultiplierClamped(t *testing.T) {
	w := DefaultWeights()
	lead := waterLead()
	hi := ScoreAll(lead, []model.EligibleContractor{{ContractorID: "a", KPIBonusMultiplier: 9}}, w, nil)[0]
	if math.Abs(hi.Score.KPIBonus-50) > 1e-9 {
		t.Fatalf("max clamp: got %v", hi.Score.KPIBonus)
	}
	lo := ScoreAll(lead, []model.EligibleContractor{{ContractorID: "a", KPIBonusMultiplier: 0.01}}, w, nil)[0]
	if math.Abs(lo.Score.KPIBonus+50) > 1e-9 {
		t.Fatalf("min clamp: got %v", lo.Score.KPIBonus)
	}
}

func TestProximityBonusDecreasingAndFloored(t *testing.T) {
	prev := math.Inf(1)
	for d := 0.0; d < 20; d += 0.5 {
		b := ProximityBonus(d, 20, 1)
		if b >= prev {
			t.Fatalf("not strictly decreasing at %v", d)
		}
		prev = b
	}
	if ProximityBonus(500, 20, 1) != 0 {
		t.Fatalf("bonus must floor at zero")
	}
}

func TestLoadAdjustmentPolicies(t *testing.T) {
	w := DefaultWeights()
	w.LoadBalancing.RecentWeight = 0

	if adj := LoadAdjustment(20, 10, 0, w); adj <= 0 {
		t.Fatalf("proportional over-served should be penalised, got %v", adj)
	}
	if adj := LoadAdjustment(5, 10, 0, w); adj >= 0 {
		t.Fatalf("proportional under-served should be boosted, got %v", adj)
	}
	if adj := LoadAdjustment(10, 0, 0, w); adj != 0 {
		t.Fatalf("zero cohort average: got %v", adj)
	}
	if adj := LoadAdjustment(1000, 1, 0, w); adj != w.LoadBalancing.MaxAdjustment {
		t.Fatalf("clamp: got %v", adj)
	}

	w.LoadBalancing.Policy = PolicyLinear
	w.LoadBalancing.Weight = 0.5
	if adj := LoadAdjustment(30, 10, 0, w); adj != 10 {
		t.Fatalf("linear: got %v", adj)
	}

	w.LoadBalancing.Policy = PolicyThreshold
	if adj := LoadAdjustment(31, 0, 0, w); adj != 20 {
		t.Fatalf("threshold penalty: got %v", adj)
	}
	if adj := LoadAdjustment(10, 0, 0, w); adj != -10 {
		t.Fatalf("threshold boost: got %v", adj)
	}
	if adj := LoadAdjustment(20, 0, 0, w); adj != 0 {
		t.Fatalf("threshold neutral: got %v", adj)
	}

	w.LoadBalancing.RecentWeight = 2
	if adj := LoadAdjustment(20, 0, 50, w); adj != w.LoadBalancing.RecentCap {
		t.Fatalf("recent cap: got %v", adj)
	}
}

func TestLoadBalancingBreaksMonopoly(t *testing.T) {
	w := DefaultWeights()
	lead := waterLead()
	top := model.EligibleContractor{ContractorID: "top", DistanceKm: 2, KPIBonusMultiplier: 1.1, LeadSharePct: 60}
	other := model.EligibleContractor{ContractorID: "other", DistanceKm: 3, KPIBonusMultiplier: 1.05, LeadSharePct: 5}
	q := Rank(ScoreAll(lead, []model.EligibleContractor{top, other}, w, nil), w.TieEpsilon)
	if q[0].ContractorID != "other" {
		t.Fatalf("over-served contractor should be nudged down: %+v", q)
	}
}

func TestRankTieBreaks(t *testing.T) {
	mk := func(id string, final, dist float64, jobs int) model.EligibleContractor {
		return model.EligibleContractor{ContractorID: id, DistanceKm: dist, ActiveJobs: jobs, Score: model.Score{Final: final}}
	}
	in := []model.EligibleContractor{
		mk("d", 100, 5, 1),
		mk("c", 100, 5, 1),
		mk("b", 100, 5, 0),
		mk("a", 100, 4, 3),
		mk("z", 120, 50, 9),
		mk("y", 100+1e-9, 5, 1),
	}
	got := Rank(in, 1e-6)
	ids := []string{}
	for i, ec := range got {
		ids = append(ids, ec.ContractorID)
		if ec.Rank != i+1 {
			t.Fatalf("rank not sequential: %+v", got)
		}
	}
	want := []string{"z", "a", "b", "c", "d", "y"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("order: got %v want %v", ids, want)
	}
}

func TestRankDeterministic(t *testing.T) {
	contractors := []model.Contractor{
		contractor("c3", 4, 70, 1, 5),
		contractor("c1", 4, 70, 1, 5),
		contractor("c2", 2, 90, 0, 5),
		contractor("c4", 9, 60, 2, 5),
	}
	w := DefaultWeights()
	first, _ := Plan(waterLead(), contractors, w, FilterOptions{}, map[string]int{"c4": 1})
	for i := 0; i < 20; i++ {
		rev := make([]model.Contractor, len(contractors))
		for j := range contractors {
			rev[len(contractors)-1-j] = contractors[j]
		}
		if i%2 == 0 {
			rev = contractors
		}
		next, _ := Plan(waterLead(), rev, w, FilterOptions{}, map[string]int{"c4": 1})
		if !reflect.DeepEqual(first, next) {
			t.Fatalf("non-deterministic queue in iteration %d", i)
		}
	}
}

func TestWaterDamageScenario(t *testing.T) {
	near := contractor("near", 2, 90, 1, 5)
	mid := contractor("mid", 8, 70, 4, 5)
	full := contractor("full", 15, 95, 5, 5)
	q, fr := Plan(waterLead(), []model.Contractor{full, mid, near}, DefaultWeights(), FilterOptions{}, nil)
	if fr.Rejected["full"] != RejectAtCapacity {
		t.Fatalf("15km contractor should be filtered for capacity: %+v", fr.Rejected)
	}
	if len(q) != 2 || q[0].ContractorID != "near" || q[1].ContractorID != "mid" {
		t.Fatalf("queue: %+v", q)
	}
	if q[0].Score.Final <= q[1].Score.Final {
		t.Fatalf("near should outscore mid: %v vs %v", q[0].Score.Final, q[1].Score.Final)
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := DefaultWeights()
	bad.MinMultiplier, bad.MaxMultiplier = 1.5, 0.5
	if bad.Validate() == nil {
		t.Fatalf("inverted multiplier bounds accepted")
	}
	bad = DefaultWeights()
	bad.LoadBalancing.Policy = "random"
	if bad.Validate() == nil {
		t.Fatalf("unknown policy accepted")
	}
}
