package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/pkg/errors"
)

// OperationState is the lifecycle state of a retriable Operation.
type OperationState int

const (
	StateDestroyed        OperationState = -4
	StateCancelled        OperationState = -3
	StateFailure          OperationState = -2
	StateFailureRetriable OperationState = -1
	StateNotStarted       OperationState = 0
	StateInProgress       OperationState = 1
	StateTimedOut         OperationState = 2
	StateCancelling       OperationState = 3
	StateExpired          OperationState = 4
	StateCompleted        OperationState = 5
)

func (s OperationState) String() string {
	switch s {
	case StateDestroyed:
		return "destroyed"
	case StateCancelled:
		return "cancelled"
	case StateFailure:
		return "failure"
	case StateFailureRetriable:
		return "failure-retriable"
	case StateNotStarted:
		return "not-started"
	case StateInProgress:
		return "in-progress"
	case StateTimedOut:
		return "timed-out"
	case StateCancelling:
		return "cancelling"
	case StateExpired:
		return "expired"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Terminal reports whether no further work will be attempted.
func (s OperationState) Terminal() bool {
	switch s {
	case StateDestroyed, StateCancelled, StateFailure, StateExpired, StateCompleted:
		return true
	}
	return false
}

// Failure is an error tagged with the class used to schedule its retry.
type Failure struct {
	Class FailureClass
	Err   error
}

func (f *Failure) Error() string {
	return f.Class.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fail tags err with class.
func Fail(class FailureClass, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Class: class, Err: err}
}

func classOf(err error) FailureClass {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	return FailureNone
}

// Operation is a unit of work submitted repeatedly until it completes, is
// cancelled, runs out of retries or expires. It is driven by calls to DoWork
// and is not safe for concurrent use.
type Operation struct {
	Name string
	// Work submits the operation. A nil return leaves the operation in
	// progress until Complete is called or ResponseTimeout passes.
	Work func(ctx context.Context, op *Operation) error
	// ResponseTimeout bounds how long a submitted operation may wait for
	// Complete; zero waits forever.
	ResponseTimeout time.Duration
	// ExpiresAt ends the operation regardless of state; zero never expires.
	ExpiresAt time.Time
	Params    ParamsSet

	// OnExpired and OnCancelled are optional notifications.
	OnExpired   func(op *Operation)
	OnCancelled func(op *Operation)

	state         OperationState
	retries       int
	lastFailure   FailureClass
	lastErr       error
	nextExecution time.Time
	deadline      time.Time

	log  logging.SubLogger
	now  func() time.Time
	rand func() float64
}

// NewOperation returns an Operation ready for its first DoWork.
func NewOperation(log logging.SubLogger, name string, work func(context.Context, *Operation) error) *Operation {
	return &Operation{
		Name:   name,
		Work:   work,
		Params: ParamsSet{},
		log:    log.WithField("operation", name),
		now:    time.Now,
		rand:   rand.Float64,
	}
}

// State returns the current state.
func (o *Operation) State() OperationState {
	return o.state
}

// Retries returns the number of retries scheduled so far.
func (o *Operation) Retries() int {
	return o.retries
}

// NextExecution is the earliest time DoWork will submit the operation again.
func (o *Operation) NextExecution() time.Time {
	return o.nextExecution
}

// LastError returns the error of the most recent failed submission.
func (o *Operation) LastError() error {
	return o.lastErr
}

// DoWork advances the operation: it expires it when past ExpiresAt, times out
// an unanswered submission and submits the work when the next execution time
// has been reached.
func (o *Operation) DoWork(ctx context.Context) {
	if o.state.Terminal() {
		return
	}
	now := o.now()

	if !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt) {
		o.log.Warn("operation expired")
		o.state = StateExpired
		if o.OnExpired != nil {
			o.OnExpired(o)
		}
		return
	}

	if o.state == StateInProgress {
		if o.deadline.IsZero() || now.Before(o.deadline) {
			return
		}
		o.log.Warn("operation response timed out")
		o.state = StateTimedOut
		o.schedule(now, Fail(FailureServerTransient, errors.New("response timed out")))
		return
	}

	if now.Before(o.nextExecution) {
		return
	}

	o.state = StateInProgress
	o.deadline = time.Time{}
	if o.ResponseTimeout > 0 {
		o.deadline = now.Add(o.ResponseTimeout)
	}
	if err := o.Work(ctx, o); err != nil {
		o.log.WithError(err).Debug("operation submission failed")
		o.schedule(now, err)
	}
}

func (o *Operation) schedule(now time.Time, err error) {
	o.lastErr = err
	o.lastFailure = classOf(err)
	params := o.Params.For(o.lastFailure)
	if o.retries >= params.MaxRetries {
		o.log.WithError(err).Error("operation out of retries")
		o.state = StateFailure
		return
	}
	o.nextExecution = NextRetry(now, 0, o.retries, params, o.rand())
	o.retries++
	o.state = StateFailureRetriable
}

// Complete marks a submitted operation as done.
func (o *Operation) Complete() {
	if o.state.Terminal() {
		return
	}
	o.state = StateCompleted
}

// Cancel stops the operation. It succeeds from NotStarted, InProgress,
// Expired and FailureRetriable.
func (o *Operation) Cancel() bool {
	switch o.state {
	case StateNotStarted, StateInProgress, StateExpired, StateFailureRetriable:
	default:
		return false
	}
	o.state = StateCancelled
	if o.OnCancelled != nil {
		o.OnCancelled(o)
	}
	return true
}

// Reset returns the operation to NotStarted with no retry history.
func (o *Operation) Reset() {
	o.state = StateNotStarted
	o.retries = 0
	o.lastErr = nil
	o.lastFailure = FailureNone
	o.nextExecution = time.Time{}
	o.deadline = time.Time{}
}
