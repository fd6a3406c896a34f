package triggers

import (
	"math"
	"time"
)

// Promille estimates blood alcohol in per mille from unit timestamps.
// Each unit is 10 g of alcohol that decays linearly with the metabolism rate.
type Promille struct {
	WeightKg       float64
	MetabolismRate float64 // grams burnt per hour, per unit
	BodyWater      float64
	GramsPerUnit   float64
	Window         time.Duration
}

// DefaultPromille models a 70 kg male over a trailing 24h window.
func DefaultPromille() Promille {
	return Promille{
		WeightKg:       70,
		MetabolismRate: 0.015,
		BodyWater:      0.68,
		GramsPerUnit:   10,
		Window:         24 * time.Hour,
	}
}

// Compute returns the estimate at now. Only entries strictly newer than
// now-Window contribute.
func (p Promille) Compute(timestamps map[string]int64, now time.Time) float64 {
	cutoff := now.Add(-p.Window).UnixMilli()
	nowMs := now.UnixMilli()

	total := 0.0
	for _, ts := range timestamps {
		if ts <= cutoff {
			continue
		}
		hoursAgo := float64(nowMs-ts) / float64(time.Hour.Milliseconds())
		total += math.Max(0, p.GramsPerUnit-hoursAgo*p.MetabolismRate)
	}

	bac := total / (p.WeightKg * 1000 * p.BodyWater) * 100
	return math.Max(0, bac) * 10
}
