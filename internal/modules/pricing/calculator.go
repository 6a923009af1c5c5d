// README: Pure fare calculator (standard and rental schedules).
package pricing

import (
	"sort"

	"dispatchd/internal/types"
)

const minRentalMinutes = 60.0

type Calculator struct {
	policy SurgePolicy
}

func NewCalculator(policy SurgePolicy) Calculator {
	tiers := append([]LongHaulTier(nil), policy.LongHaul...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].FromKm < tiers[j].FromKm })
	policy.LongHaul = tiers
	if policy.Min <= 0 {
		policy.Min = 1.0
	}
	if policy.Max < policy.Min {
		policy.Max = policy.Min
	}
	return Calculator{policy: policy}
}

// Quote prices a trip. Identical inputs always produce identical output.
func (c Calculator) Quote(m RouteMetrics, p RateProfile, cond Conditions) FareBreakdown {
	m = m.normalized()
	b := c.evaluate(m, p, cond, c.longHaulDiscount(m.DistanceKm))

	// A tier must never make a longer trip cheaper than the tier boundary itself.
	prev := 0.0
	for _, tier := range c.policy.LongHaul {
		if m.DistanceKm < tier.FromKm {
			break
		}
		edge := m
		edge.DistanceKm = tier.FromKm
		if floor := c.evaluate(edge, p, cond, prev).Total; floor > b.Total {
			b.Total = floor
			b.LongHaulFloor = true
		}
		prev = tier.Discount
	}
	return b
}

// QuoteRental applies the flat hourly/per-km schedule with a one-hour minimum.
func (c Calculator) QuoteRental(m RouteMetrics, p RateProfile) FareBreakdown {
	m = m.normalized()
	minutes := max(m.DurationMin, minRentalMinutes)

	b := FareBreakdown{
		VehicleClass:    p.VehicleClass,
		Currency:        p.Currency,
		Rental:          true,
		DistanceKm:      m.DistanceKm,
		DurationMin:     minutes,
		WaitingMin:      m.WaitingMin,
		BaseFare:        types.RoundCents(p.BaseFare),
		DistanceCost:    types.RoundCents(m.DistanceKm * p.RentalPerKm),
		TimeCost:        types.RoundCents(minutes / 60 * p.RentalPerHour),
		WaitingCost:     types.RoundCents(m.WaitingMin * p.WaitingRate),
		SurgeMultiplier: 1,
	}
	b.Subtotal = types.RoundCents(b.BaseFare + b.DistanceCost + b.TimeCost + b.WaitingCost)
	b.Total = b.Subtotal
	if b.Total < p.MinFare {
		b.Total = types.RoundCents(p.MinFare)
		b.MinFareApplied = true
	}
	return b
}

func (c Calculator) evaluate(m RouteMetrics, p RateProfile, cond Conditions, discount float64) FareBreakdown {
	chargeableKm := max(0, m.DistanceKm-p.IncludedKm)

	b := FareBreakdown{
		VehicleClass: p.VehicleClass,
		Currency:     p.Currency,
		DistanceKm:   m.DistanceKm,
		DurationMin:  m.DurationMin,
		WaitingMin:   m.WaitingMin,
		BaseFare:     types.RoundCents(p.BaseFare),
		DistanceCost: types.RoundCents(chargeableKm * p.PerKmRate),
		TimeCost:     types.RoundCents(m.DurationMin * p.PerMinRate),
		WaitingCost:  types.RoundCents(m.WaitingMin * p.WaitingRate),
	}
	if cond.IsNight {
		b.NightSurcharge = types.RoundCents((b.BaseFare + b.DistanceCost) * p.NightSurchargePct / 100)
	}
	if p.AvgMileageKmPerL > 0 {
		b.FuelSurcharge = types.RoundCents(m.DistanceKm / p.AvgMileageKmPerL * p.FuelCoefficient)
	}
	if cond.HasTolls && m.DistanceKm > p.TollThresholdKm {
		b.TollCharge = types.RoundCents(p.TollCharge)
	}

	b.SurgeMultiplier = types.RoundCents(c.surge(p, cond, discount))
	b.Subtotal = types.RoundCents(b.BaseFare + b.DistanceCost + b.TimeCost + b.WaitingCost + b.NightSurcharge + b.FuelSurcharge)
	b.Total = types.RoundCents(b.Subtotal*b.SurgeMultiplier + b.TollCharge)
	if b.Total < p.MinFare {
		b.Total = types.RoundCents(p.MinFare)
		b.MinFareApplied = true
	}
	return b
}

func (c Calculator) surge(p RateProfile, cond Conditions, discount float64) float64 {
	s := 1.0
	if cond.IsPeak {
		if p.PeakSurchargePct > 0 {
			s += p.PeakSurchargePct / 100
		} else {
			s += c.policy.PeakBump
		}
	}
	if cond.IsNight {
		s += c.policy.NightBump
	}
	if cond.IsRaining {
		s += c.policy.RainBump
	}
	s += c.policy.DemandBumps[cond.Demand]
	s -= discount
	return min(max(s, c.policy.Min), c.policy.Max)
}

func (c Calculator) longHaulDiscount(distanceKm float64) float64 {
	d := 0.0
	for _, tier := range c.policy.LongHaul {
		if distanceKm < tier.FromKm {
			break
		}
		d = tier.Discount
	}
	return d
}
