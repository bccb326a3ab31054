// Package tariff computes tiered electricity cost.
package tariff

import (
	"errors"
	"fmt"
	"math"
)

// Calculator turns consumed energy into a cost.
type Calculator interface {
	Cost(kWh float64) float64
}

// Schedule is a six tier tariff. Limits are cumulative kWh upper bounds of
// the first five tiers; usage above the last limit is billed at Prices[5].
// VAT is a fraction, e.g. 0.08.
type Schedule struct {
	Limits [5]float64 `yaml:"limits" json:"limits"`
	Prices [6]float64 `yaml:"prices" json:"prices"`
	VAT    float64    `yaml:"vat" json:"vat"`
}

var _ Calculator = Schedule{}

// Default returns the residential schedule.
func Default() Schedule {
	return Schedule{
		Limits: [5]float64{50, 100, 200, 300, 400},
		Prices: [6]float64{1984, 2050, 2380, 2998, 3350, 3460},
		VAT:    0.08,
	}
}

// Validate checks that limits strictly increase and nothing is negative.
func (s Schedule) Validate() error {
	var errs []error
	prev := 0.0
	for i, l := range s.Limits {
		if l <= prev {
			errs = append(errs, fmt.Errorf("tier %d limit %.2f must exceed %.2f", i+1, l, prev))
		}
		prev = l
	}
	for i, p := range s.Prices {
		if p < 0 {
			errs = append(errs, fmt.Errorf("tier %d price is negative", i+1))
		}
	}
	if s.VAT < 0 {
		errs = append(errs, errors.New("vat is negative"))
	}
	return errors.Join(errs...)
}

// Cost bills kWh tier by tier and adds VAT. Non-positive usage costs 0.
func (s Schedule) Cost(kWh float64) float64 {
	if kWh <= 0 || math.IsNaN(kWh) {
		return 0
	}
	cost := 0.0
	remaining := kWh
	lower := 0.0
	for i, price := range s.Prices {
		width := math.Inf(1)
		if i < len(s.Limits) {
			width = s.Limits[i] - lower
			lower = s.Limits[i]
		}
		used := math.Min(remaining, width)
		cost += used * price
		remaining -= used
		if remaining <= 0 {
			break
		}
	}
	return cost * (1 + s.VAT)
}
