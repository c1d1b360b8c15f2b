// Package handler dispatches workflow phases to the handler registered for the
// workflow's update type.
package handler

import (
	"context"
	"sort"
	"sync"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/pkg/errors"
)

var (
	ErrUnknownUpdateType    = result.NewError(result.FacilityHandler, 0x001, "no handler for update type")
	ErrMissingChildWorkflow = result.NewError(result.FacilityHandler, 0x002, "missing child workflow")
	ErrCommandFailed        = result.NewError(result.FacilityHandler, 0x003, "handler command failed")
	ErrInvalidCriteria      = result.NewError(result.FacilityHandler, 0x004, "invalid installed criteria")
)

// Handler carries out the phases of a workflow of one update type. Results
// report the outcome to the service; errors explain failures.
type Handler interface {
	Download(ctx context.Context, wf *workflow.Node) (result.Result, error)
	Install(ctx context.Context, wf *workflow.Node) (result.Result, error)
	Apply(ctx context.Context, wf *workflow.Node) (result.Result, error)
	Cancel(ctx context.Context, wf *workflow.Node) (result.Result, error)
	IsInstalled(ctx context.Context, wf *workflow.Node) (result.Result, error)
}

// Registry maps update types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register makes h handle workflows of updateType, replacing any handler
// already registered.
func (r *Registry) Register(updateType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[updateType] = h
}

// Get returns the handler of updateType.
func (r *Registry) Get(updateType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[updateType]
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownUpdateType, "update type %q", updateType)
	}
	return h, nil
}

// For returns the handler of wf's update type.
func (r *Registry) For(wf *workflow.Node) (Handler, error) {
	return r.Get(wf.UpdateType())
}

// UpdateTypes lists the registered update types.
func (r *Registry) UpdateTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Stopping reports whether the phase running wf should unwind: its context
// is done or the workflow was cancelled.
func Stopping(ctx context.Context, wf *workflow.Node) bool {
	return ctx.Err() != nil || workflow.IsCancelRequested(wf)
}

// Failed is the failure result for err, recording err on wf's result details.
func Failed(wf *workflow.Node, err error) (result.Result, error) {
	res := result.FromError(err, workflow.IsCancelRequested(wf))
	wf.SetResultDetails(err.Error())
	wf.SetResult(res)
	return res, err
}

// Cancelled is the result of a phase that stopped on a cancel request.
func Cancelled() (result.Result, error) {
	return result.Of(result.FailureCancelled), nil
}
