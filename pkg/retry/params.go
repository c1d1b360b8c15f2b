package retry

import "time"

const (
	// DefaultInitialDelayUnit is the base unit doubled on each retry.
	DefaultInitialDelayUnit = time.Second
	// DefaultMaxDelay caps a single computed delay before jitter.
	DefaultMaxDelay = 60 * time.Second
	// DefaultMaxJitterPercent is the upper bound of the random jitter added to
	// each delay.
	DefaultMaxJitterPercent = 5.0
	// DefaultFallbackWait is used when a class has no usable parameters.
	DefaultFallbackWait = 30 * time.Second

	// maxExponent bounds 2^retries so that the delay cannot overflow.
	maxExponent = 9
)

// Params configures the retry delay of one failure class.
type Params struct {
	// MaxRetries is the number of retries permitted before an operation fails
	// permanently.
	MaxRetries int `toml:"max-retries"`
	// MaxDelaySecs caps the computed delay, in seconds.
	MaxDelaySecs int `toml:"max-delay-secs"`
	// FallbackWaitSecs is the wait used when no delay can be computed.
	FallbackWaitSecs int `toml:"fallback-wait-secs"`
	// InitialDelayUnitMs is the base delay unit, in milliseconds.
	InitialDelayUnitMs int `toml:"initial-delay-unit-ms"`
	// MaxJitterPercent is a percentage, 0 to 100.
	MaxJitterPercent float64 `toml:"max-jitter-percent"`
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		MaxRetries:         int(^uint16(0)),
		MaxDelaySecs:       int(DefaultMaxDelay / time.Second),
		FallbackWaitSecs:   int(DefaultFallbackWait / time.Second),
		InitialDelayUnitMs: int(DefaultInitialDelayUnit / time.Millisecond),
		MaxJitterPercent:   DefaultMaxJitterPercent,
	}
}

// ConnectionParams are the defaults for the MQTT connection: unlimited
// retries, a 1000s delay cap and a 60s fallback.
func ConnectionParams() Params {
	return Params{
		MaxRetries:         int(^uint16(0)),
		MaxDelaySecs:       1000,
		FallbackWaitSecs:   60,
		InitialDelayUnitMs: 1000,
		MaxJitterPercent:   DefaultMaxJitterPercent,
	}
}

func (p Params) usable() bool {
	return p.InitialDelayUnitMs > 0 && p.MaxDelaySecs > 0
}

func (p Params) fallback() time.Duration {
	if p.FallbackWaitSecs > 0 {
		return time.Duration(p.FallbackWaitSecs) * time.Second
	}
	return DefaultFallbackWait
}

// FailureClass categorizes why an operation failed, selecting the Params used
// to schedule its retry.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureClientTransient
	FailureClientUnrecoverable
	FailureServerTransient
	FailureServerUnrecoverable
)

func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureClientTransient:
		return "clientTransient"
	case FailureClientUnrecoverable:
		return "clientUnrecoverable"
	case FailureServerTransient:
		return "serviceTransient"
	case FailureServerUnrecoverable:
		return "serviceUnrecoverable"
	}
	return "unknown"
}

// ParamsSet holds per-class parameters, keyed by the configuration names
// "default", "clientTransient", "clientUnrecoverable", "serviceTransient" and
// "serviceUnrecoverable".
type ParamsSet map[string]Params

// For returns the parameters for class, falling back to "default" and then
// to DefaultParams.
func (s ParamsSet) For(class FailureClass) Params {
	if p, ok := s[class.String()]; ok && p.usable() {
		return p
	}
	if p, ok := s["default"]; ok && p.usable() {
		return p
	}
	return DefaultParams()
}
