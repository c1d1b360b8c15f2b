package commchannel

import (
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/retry"
	"github.com/cenkalti/backoff/v4"
)

const (
	// RetryDelay follows a refused CONNACK or a broker disconnect.
	RetryDelay = 300 * time.Second
	// UnrecoverableDelay follows a connect rejected for invalid arguments,
	// which usually means the configuration is wrong.
	UnrecoverableDelay = 3600 * time.Second
)

// Backoff decides how long the channel waits before reconnecting.
type Backoff interface {
	// Delay returns the wait after a failure of class.
	Delay(class retry.FailureClass) time.Duration
	// Reset is called once a connection succeeds.
	Reset()
}

// FixedBackoff waits RetryDelay after transient failures and
// UnrecoverableDelay after unrecoverable ones.
type FixedBackoff struct{}

var _ Backoff = FixedBackoff{}

func (FixedBackoff) Delay(class retry.FailureClass) time.Duration {
	if unrecoverable(class) {
		return UnrecoverableDelay
	}
	return RetryDelay
}

func (FixedBackoff) Reset() {}

// PolicyBackoff grows the transient delay with a retry.Policy. Unrecoverable
// failures, and transient ones once the policy is exhausted, wait
// UnrecoverableDelay.
type PolicyBackoff struct {
	policy *retry.Policy
}

var _ Backoff = (*PolicyBackoff)(nil)

// NewPolicyBackoff returns a PolicyBackoff for p.
func NewPolicyBackoff(p retry.Params) *PolicyBackoff {
	return &PolicyBackoff{policy: retry.NewPolicy(p)}
}

func (b *PolicyBackoff) Delay(class retry.FailureClass) time.Duration {
	if unrecoverable(class) {
		return UnrecoverableDelay
	}
	d := b.policy.NextBackOff()
	if d == backoff.Stop {
		return UnrecoverableDelay
	}
	return d
}

func (b *PolicyBackoff) Reset() {
	b.policy.Reset()
}

func unrecoverable(class retry.FailureClass) bool {
	return class == retry.FailureClientUnrecoverable || class == retry.FailureServerUnrecoverable
}
