package limits

import (
	"fmt"
	"time"
)

// Config holds the throttling policy for one task. A zero hourly or
// daily limit means unlimited.
type Config struct {
	HourlyLimit int
	DailyLimit  int
	Cooldown    time.Duration
}

// Decision is the evaluated verdict for one (task, user) key at one
// instant. Derived state only; never persisted.
type Decision struct {
	CanComplete       bool
	IsOnCooldown      bool
	CooldownRemaining time.Duration
	LimitMessage      string
}

// Evaluate maps stats and policy to a decision. The three checks run in
// a fixed order and each may force CanComplete to false and overwrite
// the message, so the final message belongs to the last check that
// triggered: daily over hourly over cooldown. IsOnCooldown reflects the
// cooldown check alone, independent of which message won.
func Evaluate(stats Stats, cfg Config, now time.Time) Decision {
	decision := Decision{CanComplete: true}

	if stats.LastCompletion != nil && cfg.Cooldown > 0 {
		elapsed := now.Sub(*stats.LastCompletion)
		if elapsed < cfg.Cooldown {
			remaining := cfg.Cooldown - elapsed
			decision.CanComplete = false
			decision.IsOnCooldown = true
			decision.CooldownRemaining = remaining
			decision.LimitMessage = fmt.Sprintf("wait %dm before attempting this task again", ceilMinutes(remaining))
		}
	}

	if cfg.HourlyLimit > 0 && stats.HourlyCount >= cfg.HourlyLimit {
		decision.CanComplete = false
		// Estimate against now+1h rather than tracking which completion
		// ages out of the rolling window first.
		decision.LimitMessage = fmt.Sprintf("hourly limit reached, try again in about %dm", ceilMinutes(now.Add(time.Hour).Sub(now)))
	}

	if cfg.DailyLimit > 0 && stats.DailyCount >= cfg.DailyLimit {
		decision.CanComplete = false
		decision.LimitMessage = fmt.Sprintf("daily limit reached, try again in about %dh", ceilHours(nextMidnight(now).Sub(now)))
	}

	return decision
}

func ceilMinutes(d time.Duration) int64 {
	minutes := d / time.Minute
	if d%time.Minute != 0 {
		minutes++
	}
	return int64(minutes)
}

func ceilHours(d time.Duration) int64 {
	hours := d / time.Hour
	if d%time.Hour != 0 {
		hours++
	}
	return int64(hours)
}

func nextMidnight(now time.Time) time.Time {
	return startOfDay(now).AddDate(0, 0, 1)
}
