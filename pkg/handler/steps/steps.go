// Package steps handles multi-step updates. Each manifest step becomes a
// child workflow handled by the handler of the step's update type.
package steps

import (
	"context"
	"strconv"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/pkg/errors"
)

// UpdateType is handled by the steps handler, both for updates and for
// reference steps.
const UpdateType = "microsoft/steps:1"

// Handler runs a workflow's steps in order, stopping at the first failure.
type Handler struct {
	log      logging.Logger
	registry *handler.Registry
	gateway  extension.Gateway
}

var _ handler.Handler = (*Handler)(nil)

// New returns a steps handler resolving step handlers from registry and
// downloading detached step manifests through gateway.
func New(log logging.Logger, registry *handler.Registry, gateway extension.Gateway) *Handler {
	return &Handler{log: log, registry: registry, gateway: gateway}
}

func (h *Handler) stepLog(wf *workflow.Node) logging.SubLogger {
	return h.log.WithFields(logfields.Step(wf))
}

// prepare ensures wf has one child workflow per step. Children survive from
// one phase to the next; a mismatched set is rebuilt.
func (h *Handler) prepare(ctx context.Context, wf *workflow.Node) error {
	steps := wf.StepCount()
	if wf.ChildCount() == steps {
		return nil
	}
	for wf.ChildCount() > 0 {
		workflow.RemoveChild(wf, 0).Free()
	}

	log := h.stepLog(wf)
	log.WithField("steps", steps).Debug("creating step workflows")
	for i := 0; i < steps; i++ {
		child, err := h.stepWorkflow(ctx, wf, i)
		if err != nil {
			return errors.WithMessagef(err, "step %d", i)
		}
		child.SetStepIndex(i)
		child.SetID(strconv.Itoa(i))
		if err := workflow.InsertChild(wf, -1, child); err != nil {
			child.Free()
			return err
		}
	}
	return nil
}

func (h *Handler) stepWorkflow(ctx context.Context, wf *workflow.Node, index int) (*workflow.Node, error) {
	if wf.IsInlineStep(index) {
		child, err := workflow.ExpandInlineStep(wf, index)
		if err != nil {
			return nil, err
		}
		child.SetSelectedComponents(wf.SelectedComponents())
		return child, nil
	}

	entity, err := wf.StepDetachedManifestFile(index)
	if err != nil {
		return nil, err
	}
	h.stepLog(wf).WithField("file-id", entity.FileID).Info("downloading step manifest")
	res, err := h.gateway.Download(ctx, wf, entity, extension.DownloadOptions{})
	if err == nil && !res.Succeeded() {
		err = errors.Errorf("download result %s", res)
	}
	if err != nil {
		return nil, errors.WithMessage(workflow.ErrDetachedManifestDownloadFailed, err.Error())
	}
	path, err := extension.TargetPath(wf, entity)
	if err != nil {
		return nil, err
	}
	child, err := workflow.Parse(ctx, path, workflow.FromFile(), workflow.WithGateway(h.gateway))
	if err != nil {
		return nil, err
	}
	if child.UpdateType() == "" {
		child.Free()
		return nil, errors.WithMessage(workflow.ErrMissingHandlerType, "step manifest has no update type")
	}
	return child, nil
}

func (h *Handler) stepHandler(child *workflow.Node) (handler.Handler, error) {
	if child == nil {
		return nil, handler.ErrMissingChildWorkflow
	}
	return h.registry.For(child)
}

// installed reports whether the step's handler finds the step installed.
// Handlers failing to tell are treated as not installed.
func (h *Handler) installed(ctx context.Context, sh handler.Handler, child *workflow.Node) bool {
	res, err := sh.IsInstalled(ctx, child)
	if err != nil {
		h.stepLog(child).WithError(err).Warn("unable to determine whether step is installed")
		return false
	}
	return res.Code == result.IsInstalledInstalled
}

// Download downloads every step that is not installed yet.
func (h *Handler) Download(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if handler.Stopping(ctx, wf) {
		return handler.Cancelled()
	}
	if err := h.prepare(ctx, wf); err != nil {
		return handler.Failed(wf, err)
	}
	for i := 0; i < wf.ChildCount(); i++ {
		child := wf.Child(i)
		sh, err := h.stepHandler(child)
		if err != nil {
			return handler.Failed(wf, err)
		}
		if h.installed(ctx, sh, child) {
			child.SetResult(result.Of(result.InstallSkippedUpdateInstalled))
			continue
		}
		res, err := sh.Download(ctx, child)
		child.SetResult(res)
		if err != nil || !res.Succeeded() {
			wf.SetResultDetails(child.ResultDetails())
			wf.SetResult(res)
			return res, err
		}
		if handler.Stopping(ctx, wf) {
			return handler.Cancelled()
		}
	}
	res := result.Of(result.DownloadSuccess)
	wf.SetResult(res)
	return res, nil
}

// Install installs and applies each step in order. A step asking for an
// immediate reboot or agent restart ends the phase early.
func (h *Handler) Install(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if handler.Stopping(ctx, wf) {
		return handler.Cancelled()
	}
	if err := h.prepare(ctx, wf); err != nil {
		return handler.Failed(wf, err)
	}
	res := result.Of(result.InstallSuccess)
	for i := 0; i < wf.ChildCount(); i++ {
		if handler.Stopping(ctx, wf) {
			return handler.Cancelled()
		}
		child := wf.Child(i)
		log := h.stepLog(child)
		sh, err := h.stepHandler(child)
		if err != nil {
			return handler.Failed(wf, err)
		}
		if h.installed(ctx, sh, child) {
			log.Info("step already installed")
			child.SetResult(result.Of(result.InstallSkippedUpdateInstalled))
			continue
		}

		stepRes, err := sh.Install(ctx, child)
		child.SetResult(stepRes)
		if err != nil || !stepRes.Succeeded() {
			wf.SetResultDetails(child.ResultDetails())
			wf.SetResult(stepRes)
			return stepRes, err
		}
		if interrupted(wf) {
			log.Info("step requires an immediate interruption")
			return stepRes, nil
		}
		switch stepRes.Code {
		case result.InstallSkippedUpdateInstalled, result.InstallSkippedNoMatchingComponent:
			continue
		}

		stepRes, err = sh.Apply(ctx, child)
		child.SetResult(stepRes)
		if err != nil || !stepRes.Succeeded() {
			wf.SetResultDetails(child.ResultDetails())
			wf.SetResult(stepRes)
			return stepRes, err
		}
		if interrupted(wf) {
			log.Info("step requires an immediate interruption")
			return stepRes, nil
		}
	}
	if handler.Stopping(ctx, wf) {
		return handler.Cancelled()
	}
	wf.SetResult(res)
	return res, nil
}

func interrupted(wf *workflow.Node) bool {
	return workflow.IsImmediateRebootRequested(wf) || workflow.IsImmediateAgentRestartRequested(wf)
}

// Apply completes the update; the steps were applied during Install.
func (h *Handler) Apply(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if handler.Stopping(ctx, wf) {
		return handler.Cancelled()
	}
	return result.Of(result.ApplySuccess), nil
}

// Cancel requests cancellation of wf and all its steps.
func (h *Handler) Cancel(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	h.stepLog(wf).Info("requesting cancel")
	workflow.RequestCancel(wf)
	return result.Of(result.CancelSuccess), nil
}

// IsInstalled reports installed only when every step is installed.
func (h *Handler) IsInstalled(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if err := h.prepare(ctx, wf); err != nil {
		return handler.Failed(wf, err)
	}
	for i := 0; i < wf.ChildCount(); i++ {
		child := wf.Child(i)
		sh, err := h.stepHandler(child)
		if err != nil {
			return handler.Failed(wf, err)
		}
		if !h.installed(ctx, sh, child) {
			return result.Of(result.IsInstalledNotInstalled), nil
		}
	}
	return result.Of(result.IsInstalledInstalled), nil
}
