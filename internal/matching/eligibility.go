package matching

import (
	"sort"

	"leaddispatch/internal/geo"
	"leaddispatch/internal/model"
)

// Rejection reasons recorded by Filter.
const (
	RejectUnavailable     = "not_available"
	RejectAtCapacity      = "at_capacity"
	RejectSaturated       = "saturated"
	RejectOutOfRange      = "out_of_range"
	RejectServiceType     = "service_type"
	RejectInvalidLocation = "invalid_location"
	// RejectLedgerUnavailable is recorded by the coordinator, not Filter, for
	// contractors whose capacity could not be read.
	RejectLedgerUnavailable = "ledger_unavailable"
)

// FilterOptions carries the non-scoring knobs of the eligibility pass.
type FilterOptions struct {
	// MaxUtilizationPct excludes contractors at or above this utilisation.
	// Zero or >= 100 only applies the plain headroom rule.
	MaxUtilizationPct float64
	SpeedKmh          float64
	EmergencySpeedKmh float64
}

// FilterResult is the eligibility outcome for one lead.
type FilterResult struct {
	Eligible []model.EligibleContractor
	Rejected map[string]string // contractor id -> reason
}

// NoEligibleContractors is the expected empty outcome; it is not a fault.
func (r FilterResult) NoEligibleContractors() bool { return len(r.Eligible) == 0 }

// Filter keeps contractors that are available, have headroom, cover the lead
// location within their max radius and declare the required service type.
// Capacity here is an optimistic pre-check; the ledger re-checks at offer time.
func Filter(lead model.Lead, contractors []model.Contractor, opts FilterOptions) FilterResult {
	res := FilterResult{Rejected: map[string]string{}}
	speed := opts.SpeedKmh
	if lead.Priority == model.PriorityCritical && opts.EmergencySpeedKmh > 0 {
		speed = opts.EmergencySpeedKmh
	}
	for _, c := range contractors {
		if c.Availability != model.Available {
			res.Rejected[c.ID] = RejectUnavailable
			continue
		}
		if c.CurrentActiveJobs >= c.MaxActiveJobs {
			res.Rejected[c.ID] = RejectAtCapacity
			continue
		}
		if opts.MaxUtilizationPct > 0 && opts.MaxUtilizationPct < 100 && c.Utilization() >= opts.MaxUtilizationPct {
			res.Rejected[c.ID] = RejectSaturated
			continue
		}
		if !c.Offers(lead.ServiceType) {
			res.Rejected[c.ID] = RejectServiceType
			continue
		}
		d, err := geo.Distance(c.ServiceArea.Center, lead.Location)
		if err != nil {
			res.Rejected[c.ID] = RejectInvalidLocation
			continue
		}
		if d > c.ServiceArea.MaxRadiusKm {
			res.Rejected[c.ID] = RejectOutOfRange
			continue
		}
		travel := geo.EstimatedTravelTime(d, speed)
		target := c.ServiceArea.ResponseTarget(lead.Priority)
		res.Eligible = append(res.Eligible, model.EligibleContractor{
			ContractorID:         c.ID,
			DistanceKm:           d,
			DriveSec:             int(travel.Seconds()),
			ActiveJobs:           c.CurrentActiveJobs,
			MaxActiveJobs:        c.MaxActiveJobs,
			KPIBonusMultiplier:   kpiMultiplier(c),
			LeadSharePct:         c.LeadSharePct,
			WithinPrimaryRadius:  d <= c.ServiceArea.PrimaryRadiusKm,
			WithinResponseTarget: target == 0 || travel <= target,
		})
	}
	// canonical order so later stages never depend on directory order
	sort.Slice(res.Eligible, func(i, j int) bool { return res.Eligible[i].ContractorID < res.Eligible[j].ContractorID })
	return res
}

// kpiMultiplier prefers the back-office multiplier and otherwise derives one
// from the 0-100 KPI score (50 -> 1.0).
func kpiMultiplier(c model.Contractor) float64 {
	if c.KPIBonusMultiplier > 0 {
		return c.KPIBonusMultiplier
	}
	return 0.5 + c.KPIScore/100
}
