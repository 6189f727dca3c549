package processmanagement

import (
	"math"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"
)

// restartBackoff tracks the launches of the current failure streak.
// Launch n (1-based) is followed, on failure, by a wait of
// RetryDelay * BackoffRate^(n-1), capped at MaxDelay.
type restartBackoff struct {
	config managedprocess.RestartConfig

	attempts    int
	nextAttempt time.Time
	gaveUp      bool
}

func newRestartBackoff(config managedprocess.RestartConfig) restartBackoff {
	return restartBackoff{config: config}
}

func (b *restartBackoff) delay(attempt int) time.Duration {
	exponent := attempt - 1
	if exponent < 0 {
		exponent = 0
	}

	delay := float64(b.config.RetryDelay) * math.Pow(b.config.BackoffRate, float64(exponent))
	if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
		return b.config.MaxDelay
	}
	if math.IsInf(delay, 0) || delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// reset starts a new streak; the next launch is due immediately
func (b *restartBackoff) reset() {
	b.attempts = 0
	b.nextAttempt = time.Time{}
	b.gaveUp = false
}

// healthy restarts the streak with the current launch as its first attempt
func (b *restartBackoff) healthy() {
	if b.attempts > 1 {
		b.attempts = 1
	}
	b.gaveUp = false
}

// launched records a launch and schedules the earliest time of the next one
func (b *restartBackoff) launched(now time.Time) {
	b.attempts++
	b.nextAttempt = now.Add(b.delay(b.attempts))
}

// schedule sets the next launch after a failure of the current attempt
func (b *restartBackoff) schedule(now time.Time) time.Duration {
	delay := b.delay(b.attempts)
	b.nextAttempt = now.Add(delay)
	return delay
}

func (b *restartBackoff) due(now time.Time) bool {
	return !now.Before(b.nextAttempt)
}

// exhausted reports whether another launch would exceed MaxRetries relaunches
func (b *restartBackoff) exhausted() bool {
	return b.attempts > b.config.MaxRetries
}
