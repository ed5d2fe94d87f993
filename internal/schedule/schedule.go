// Package schedule scores how well two weekly commutes line up.
package schedule

import (
	"math"
	"math/bits"

	"github.com/example/commute-matching/internal/models"
)

// DefaultToleranceMinutes is the departure/return gap at which time
// closeness reaches zero.
const DefaultToleranceMinutes = 30

// Overlap returns a score in [0,1]. Schedules without a common weekday score
// 0 regardless of times. Otherwise the mean of departure and return
// closeness, max(0, 1-|Δ|/tolerance), is scaled by the shared-day fraction of
// the schedule with fewer days. The result is symmetric in a and b.
func Overlap(a, b models.Schedule, toleranceMinutes int) float64 {
	da, db := a.DaySet(), b.DaySet()
	shared := bits.OnesCount8(da & db)
	if shared == 0 {
		return 0
	}
	smaller := min(bits.OnesCount8(da), bits.OnesCount8(db))

	timeScore := (closeness(a.Departure, b.Departure, toleranceMinutes) +
		closeness(a.Return, b.Return, toleranceMinutes)) / 2
	return timeScore * float64(shared) / float64(smaller)
}

func closeness(x, y models.ClockTime, tolerance int) float64 {
	delta := math.Abs(float64(x - y))
	if tolerance <= 0 {
		if delta == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-delta/float64(tolerance))
}
