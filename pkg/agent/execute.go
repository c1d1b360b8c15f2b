package agent

import (
	"context"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/metrics"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/pkg/errors"
)

var ErrUnsupportedAction = result.NewError(result.FacilityAgent, 0x001, "unsupported update action")

type phase struct {
	name      string
	started   workflow.State
	succeeded workflow.State
	call      func(handler.Handler, context.Context, *workflow.Node) (result.Result, error)
}

var (
	downloadPhase = phase{
		name:      "download",
		started:   workflow.StateDownloadStarted,
		succeeded: workflow.StateDownloadSucceeded,
		call:      handler.Handler.Download,
	}
	installPhase = phase{
		name:      "install",
		started:   workflow.StateInstallStarted,
		succeeded: workflow.StateInstallSucceeded,
		call:      handler.Handler.Install,
	}
	applyPhase = phase{
		name:      "apply",
		started:   workflow.StateApplyStarted,
		succeeded: workflow.StateIdle,
		call:      handler.Handler.Apply,
	}
)

// execute runs n until it completes, restarting it for retries and
// replacements that arrive while it runs. It returns the deployment to run
// next, if a control arrived while n was finishing.
func (a *Agent) execute(ctx context.Context, n *workflow.Node) *workflow.Node {
	for {
		opCtx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancelOp = cancel
		a.mu.Unlock()

		n.SetOperationInProgress(true)
		if c := a.takePending(); c != nil {
			a.apply(opCtx, n, c)
			cancel()
		}
		a.run(opCtx, n)
		cancel()

		a.mu.Lock()
		a.cancelOp = nil
		if c := a.pending; c != nil {
			a.pending = nil
			a.apply(ctx, n, c)
		}
		restart := a.settle(n)
		a.mu.Unlock()
		if restart {
			a.log.WithFields(logfields.Workflow(n)).Info("restarting deployment")
			continue
		}
		break
	}

	// n stays with the worker until its outcome is carried out.
	a.report(n)
	metrics.Workflows.WithLabelValues(outcome(n)).Inc()
	a.finish(ctx, n)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete(n)
}

// settle resolves the cancellation of n once its operation stopped and
// reports whether n runs again. The caller holds mu.
func (a *Agent) settle(n *workflow.Node) bool {
	switch n.CancellationType() {
	case workflow.CancellationReplacement:
		if workflow.UpdateForReplacement(n) {
			a.cur = deployment{id: n.ID(), retryToken: n.RetryToken(), inProgress: true}
			return true
		}
	case workflow.CancellationRetry:
		workflow.UpdateForRetry(n)
		a.cur.cancelling = false
		return true
	case workflow.CancellationNormal:
		n.SetResult(result.Of(result.FailureCancelled))
		n.SetState(workflow.StateIdle)
	}
	n.SetOperationInProgress(false)
	n.SetCancellationType(workflow.CancellationNone)
	return false
}

// complete releases the finished deployment n to the receiver, or returns
// the deployment a control queued while n finished. The caller holds mu.
func (a *Agent) complete(n *workflow.Node) *workflow.Node {
	c := a.pending
	a.pending = nil
	a.cur.cancelling = false
	switch {
	case c != nil && c.next != nil:
		a.log.WithFields(logfields.Workflow(c.next)).Info("starting deployment queued behind completed one")
		n.Free()
		a.cur = deployment{id: c.next.ID(), retryToken: c.next.RetryToken(), inProgress: true}
		return c.next
	case c != nil && c.retryToken != "":
		a.log.WithFields(logfields.Workflow(n)).Info("retrying completed deployment")
		workflow.UpdateRetryDeployment(n, c.retryToken)
		workflow.UpdateForRetry(n)
		return n
	case c != nil && c.cancel:
		a.log.WithFields(logfields.Workflow(n)).Info("deployment completed before it could be cancelled")
	}
	a.cur.inProgress = false
	a.done = n
	return nil
}

func (a *Agent) run(ctx context.Context, n *workflow.Node) {
	log := a.log.WithFields(logfields.Workflow(n))
	h, err := a.registry.For(n)
	if err != nil {
		log.WithError(err).Error("no handler for workflow")
		handler.Failed(n, err)
		n.SetState(workflow.StateFailed)
		return
	}

	var phases []phase
	switch n.Action() {
	case workflow.ActionProcessDeployment:
		n.SetState(workflow.StateDeploymentInProgress)
		a.report(n)
		if a.installed(ctx, n, h) {
			return
		}
		phases = []phase{downloadPhase, installPhase, applyPhase}
	case workflow.ActionDownload:
		phases = []phase{downloadPhase}
	case workflow.ActionInstall:
		phases = []phase{installPhase}
	case workflow.ActionApply:
		phases = []phase{applyPhase}
	default:
		handler.Failed(n, errors.WithMessagef(ErrUnsupportedAction, "action %s", n.Action()))
		n.SetState(workflow.StateFailed)
		return
	}

	for _, p := range phases {
		if !a.runPhase(ctx, n, h, p) {
			return
		}
	}
}

// installed completes n without running its phases when its installed
// criteria are already met.
func (a *Agent) installed(ctx context.Context, n *workflow.Node, h handler.Handler) bool {
	log := a.log.WithFields(logfields.Workflow(n))
	res, err := h.IsInstalled(ctx, n)
	if err != nil {
		log.WithError(err).Warn("unable to evaluate installed criteria")
		return false
	}
	if res.Code != result.IsInstalledInstalled {
		return false
	}
	log.Info("update already installed")
	a.markInstalled(n)
	n.SetResult(result.Of(result.ApplySuccess))
	n.SetState(workflow.StateIdle)
	return true
}

// runPhase reports whether the deployment continues past p.
func (a *Agent) runPhase(ctx context.Context, n *workflow.Node, h handler.Handler, p phase) bool {
	log := a.log.WithFields(logfields.Workflow(n)).WithField("phase", p.name)
	if handler.Stopping(ctx, n) {
		log.Info("deployment interrupted")
		n.SetResult(result.Of(result.FailureCancelled))
		n.SetState(workflow.StateFailed)
		return false
	}

	n.SetState(p.started)
	a.report(n)
	res, err := p.call(h, ctx, n)
	n.SetResult(res)
	if err != nil || !res.Succeeded() {
		if err != nil && n.ResultDetails() == "" {
			n.SetResultDetails(err.Error())
		}
		log.WithError(err).WithField("result", res.String()).Error("phase failed")
		n.SetState(workflow.StateFailed)
		return false
	}
	log.WithField("result", res.String()).Info("phase succeeded")

	switch res.Code {
	case result.DownloadSkippedUpdateInstalled, result.InstallSkippedUpdateInstalled:
		a.markInstalled(n)
		n.SetResult(result.Of(result.ApplySuccess))
		n.SetState(workflow.StateIdle)
		return false
	case result.DownloadSkippedNoMatchingComponent, result.InstallSkippedNoMatchingComponent:
		n.SetState(workflow.StateIdle)
		return false
	}

	n.SetState(p.succeeded)
	if p.succeeded == workflow.StateIdle {
		a.markInstalled(n)
	}
	if workflow.IsImmediateRebootRequested(n) || workflow.IsImmediateAgentRestartRequested(n) {
		log.Info("phase requires an immediate restart")
		return false
	}
	return true
}

func (a *Agent) markInstalled(n *workflow.Node) {
	id, err := n.ExpectedUpdateIDString()
	if err != nil {
		a.log.WithFields(logfields.Workflow(n)).WithError(err).Warn("unable to determine installed update id")
		return
	}
	n.SetInstalledUpdateID(id)
}

// finish carries out the reboot or restart n asked for.
func (a *Agent) finish(ctx context.Context, n *workflow.Node) {
	if n.State() == workflow.StateFailed {
		return
	}
	log := a.log.WithFields(logfields.Workflow(n))
	switch {
	case workflow.IsImmediateRebootRequested(n), workflow.IsRebootRequested(n):
		if err := a.host.Reboot(ctx); err != nil {
			log.WithError(err).Error("unable to reboot")
		}
	case workflow.IsImmediateAgentRestartRequested(n), workflow.IsAgentRestartRequested(n):
		if err := a.host.RestartAgent(ctx); err != nil {
			log.WithError(err).Error("unable to restart agent")
		}
	}
}

func outcome(n *workflow.Node) string {
	switch {
	case n.Result().Code == result.FailureCancelled:
		return "cancelled"
	case n.State() == workflow.StateFailed:
		return "failure"
	}
	return "success"
}
