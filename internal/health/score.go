package health

import (
	"time"

	"github.com/arloliu/vigil/types"
)

// Score penalty caps.
const (
	maxAgePenalty        = 50
	maxErrorRatePenalty  = 30
	maxMissPenalty       = 20
	maxProcessingPenalty = 20
)

// Score computes a 0-100 health score from a heartbeat record.
//
// Penalties:
//   - heartbeat age past warnAge: 10 points per second, capped at 50
//   - error rate: 10 points per error/s, capped at 30
//   - consecutive misses: 5 points each, capped at 20
//   - processing time past target: 1 point per 10ms, capped at 20
//
// Parameters:
//   - age: Time since the last heartbeat
//   - rec: Latest heartbeat record
//   - misses: Consecutive missed ticks
//   - warnAge: Age at which the age penalty starts
//   - target: Processing time at which the processing penalty starts
//
// Returns:
//   - float64: Score clamped to [0, 100]
func Score(age time.Duration, rec types.HeartbeatRecord, misses int, warnAge, target time.Duration) float64 {
	score := 100.0

	if age > warnAge {
		score -= min(maxAgePenalty, (age - warnAge).Seconds()*10)
	}
	if rec.Metrics.ErrorRate > 0 {
		score -= min(maxErrorRatePenalty, rec.Metrics.ErrorRate*10)
	}
	score -= min(maxMissPenalty, float64(misses)*5)
	if pt := rec.Metrics.ProcessingTime; pt > target {
		score -= min(maxProcessingPenalty, (pt - target).Seconds()*100)
	}

	return max(0, score)
}

// SystemScore averages per-worker scores; an empty set scores 100.
func SystemScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 100
	}

	sum := 0.0
	for _, s := range scores {
		sum += s
	}

	return sum / float64(len(scores))
}
