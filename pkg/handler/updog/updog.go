// Package updog updates the host image with the host's updog binary.
package updog

import (
	"context"

	"github.com/Masterminds/semver/v3"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const UpdateType = "bottlerocket/updog:1"

// Options locate updog and the host image description.
type Options struct {
	Bin string
	// RootFS is the host root the commands run chrooted into. Empty when the
	// agent runs on the host itself.
	RootFS    string
	OSRelease string
}

func (o Options) withDefaults() Options {
	if o.Bin == "" {
		o.Bin = DefaultBin
	}
	if o.OSRelease == "" {
		o.OSRelease = DefaultOSRelease
	}
	return o
}

// Handler installs image updates: Download checks for the update, Install
// writes the image and Apply marks it for the next boot before requesting a
// reboot. A workflow is installed when the running image is at least its
// installed criteria version.
type Handler struct {
	log logging.Logger
	bin command
}

var _ handler.Handler = (*Handler)(nil)

func New(log logging.Logger, opts Options) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		log: log,
		bin: &executable{
			log:       log.WithField(logging.SubComponentField, "updog"),
			bin:       opts.Bin,
			rootFS:    opts.RootFS,
			osRelease: opts.OSRelease,
		},
	}
}

func (h *Handler) wfLog(wf *workflow.Node) logging.SubLogger {
	return h.log.WithFields(logrus.Fields{
		"workflow": wf.ID(),
		"criteria": wf.InstalledCriteria(),
	})
}

func commandFailed(wf *workflow.Node, op string, err error) (result.Result, error) {
	return handler.Failed(wf, errors.WithMessagef(handler.ErrCommandFailed, "%s: %v", op, err))
}

func (h *Handler) Download(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if handler.Stopping(ctx, wf) {
		return handler.Cancelled()
	}
	log := h.wfLog(wf)
	available, err := h.bin.CheckUpdate(ctx)
	if err != nil {
		return commandFailed(wf, "check-update", err)
	}
	if !available {
		log.Info("no update offered")
		return result.Of(result.DownloadSkippedUpdateInstalled), nil
	}
	log.Info("update offered")
	return result.Of(result.DownloadSuccess), nil
}

func (h *Handler) Install(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if handler.Stopping(ctx, wf) {
		return handler.Cancelled()
	}
	h.wfLog(wf).Info("writing update image")
	if err := h.bin.UpdateImage(ctx); err != nil {
		return commandFailed(wf, "update-image", err)
	}
	return result.Of(result.InstallSuccess), nil
}

func (h *Handler) Apply(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if handler.Stopping(ctx, wf) {
		return handler.Cancelled()
	}
	h.wfLog(wf).Info("marking update for next boot")
	if err := h.bin.UpdateApply(ctx); err != nil {
		return commandFailed(wf, "update-apply", err)
	}
	workflow.RequestReboot(wf)
	return result.Of(result.ApplyRequiredReboot), nil
}

// Cancel requests cancellation. A written image is left in place; it only
// takes effect once applied.
func (h *Handler) Cancel(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	workflow.RequestCancel(wf)
	return result.Of(result.CancelSuccess), nil
}

func (h *Handler) IsInstalled(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	criteria := wf.InstalledCriteria()
	want, err := semver.NewVersion(criteria)
	if err != nil {
		return handler.Failed(wf, errors.WithMessagef(handler.ErrInvalidCriteria, "%q: %v", criteria, err))
	}
	running, err := h.bin.RunningVersion()
	if err != nil {
		return commandFailed(wf, "os-release", err)
	}
	have, err := semver.NewVersion(running)
	if err != nil {
		return commandFailed(wf, "os-release", err)
	}
	if have.LessThan(want) {
		return result.Of(result.IsInstalledNotInstalled), nil
	}
	return result.Of(result.IsInstalledInstalled), nil
}
