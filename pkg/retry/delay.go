package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Delay is the wait before retry number retries (zero based), including a
// jitter of up to MaxJitterPercent scaled by rnd, which must be in [0, 1).
func Delay(retries int, p Params, rnd float64) time.Duration {
	if !p.usable() {
		return p.fallback()
	}
	exp := retries
	if exp < 0 {
		exp = 0
	}
	if exp > maxExponent {
		exp = maxExponent
	}
	secs := math.Pow(2, float64(exp)) * float64(p.InitialDelayUnitMs) / 1000
	if max := float64(p.MaxDelaySecs); secs > max {
		secs = max
	}
	jitter := p.MaxJitterPercent / 100 * rnd
	return time.Duration(secs * (1 + jitter) * float64(time.Second))
}

// NextRetry returns the time of the next attempt: now, plus additional, plus
// the jittered delay for retries.
func NextRetry(now time.Time, additional time.Duration, retries int, p Params, rnd float64) time.Time {
	return now.Add(additional).Add(Delay(retries, p, rnd))
}

// Policy is a backoff.BackOff producing exponentially increasing, jittered
// delays until MaxRetries is reached.
type Policy struct {
	Params Params

	retries int
	rand    func() float64
}

var _ backoff.BackOff = (*Policy)(nil)

// NewPolicy returns a Policy for p using the math/rand source for jitter.
func NewPolicy(p Params) *Policy {
	return &Policy{Params: p, rand: rand.Float64}
}

// NextBackOff returns the next delay, or backoff.Stop once retries are
// exhausted.
func (p *Policy) NextBackOff() time.Duration {
	if p.Params.MaxRetries >= 0 && p.retries >= p.Params.MaxRetries {
		return backoff.Stop
	}
	rnd := 0.0
	if p.rand != nil {
		rnd = p.rand()
	}
	d := Delay(p.retries, p.Params, rnd)
	p.retries++
	return d
}

// Reset restarts the sequence at the first delay.
func (p *Policy) Reset() {
	p.retries = 0
}

// Retries reports how many delays have been handed out since the last Reset.
func (p *Policy) Retries() int {
	return p.retries
}
