package workflow

import (
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
)

// RequestCancel marks n and every node below it as cancelled. Handlers poll
// IsCancelRequested at safe points and unwind.
func RequestCancel(n *Node) {
	if n == nil {
		return
	}
	n.operationCancelled = true
	n.SetBoolProperty(PropertyCancelRequested, true)
	for _, c := range n.children {
		RequestCancel(c)
	}
}

// IsCancelRequested reports whether n, or a workflow above it, was cancelled.
func IsCancelRequested(n *Node) bool {
	for h := n; h != nil; h = h.parent {
		if h.operationCancelled || h.BoolProperty(PropertyCancelRequested) {
			return true
		}
	}
	return false
}

// RetryToken is the retry token of the node's action, empty when none.
func (n *Node) RetryToken() string {
	wf, ok := object(n.action, KeyWorkflow)
	if !ok {
		return ""
	}
	t, _ := wf[KeyRetryTimestamp].(string)
	return t
}

// IsRetryApplicable reports whether token asks to retry n's deployment: it is
// set and differs from the token n already carries.
func IsRetryApplicable(n *Node, token string) bool {
	return token != "" && token != n.RetryToken()
}

// UpdateRetryDeployment records a retry of the in-flight deployment and marks
// it cancelled. The operation keeps running until it observes the
// cancellation and restarts.
func UpdateRetryDeployment(n *Node, token string) {
	n.cancellationType = CancellationRetry
	n.operationCancelled = true
	wf, ok := object(n.action, KeyWorkflow)
	if !ok {
		wf = document{}
		if n.action == nil {
			n.action = document{}
		}
		n.action[KeyWorkflow] = wf
	}
	wf[KeyRetryTimestamp] = token
}

// UpdateReplacementDeployment hands next to current. With an operation in
// progress next is deferred until the operation completes and true is
// returned: current now owns next. Otherwise false is returned, current is
// not modified, and the caller replaces current with next.
func UpdateReplacementDeployment(current, next *Node) bool {
	if current == nil || next == nil || !current.operationInProgress {
		return false
	}
	if current.deferred != nil && current.deferred != next {
		current.deferred.Free()
	}
	current.deferred = next
	current.cancellationType = CancellationReplacement
	current.operationCancelled = true
	return true
}

// UpdateForReplacement moves the deferred replacement's documents into n and
// restarts processing. It reports whether there was a replacement.
func UpdateForReplacement(n *Node) bool {
	next := n.deferred
	if next == nil {
		return false
	}
	n.deferred = nil

	for len(n.children) > 0 {
		RemoveChild(n, 0).Free()
	}
	n.action, next.action = next.action, nil
	n.manifest, next.manifest = next.manifest, nil
	sandbox, hasSandbox := n.StringProperty(PropertySandboxRootPath)
	n.properties, next.properties = next.properties, document{}
	if hasSandbox {
		if _, ok := n.StringProperty(PropertySandboxRootPath); !ok {
			n.SetStringProperty(PropertySandboxRootPath, sandbox)
		}
	}
	n.results = map[string]result.Result{}
	next.Free()

	resetForProcessing(n)
	return true
}

// UpdateForRetry restarts processing of n's deployment with its current
// documents.
func UpdateForRetry(n *Node) {
	resetForProcessing(n)
}

func resetForProcessing(n *Node) {
	clearCancel(n)
	n.operationInProgress = false
	n.cancellationType = CancellationNone
	n.state = StateIdle
	n.result = result.Result{}
	n.resultDetails = ""
	n.installedUpdateID = ""
}

func clearCancel(n *Node) {
	n.operationCancelled = false
	delete(n.properties, PropertyCancelRequested)
	for _, c := range n.children {
		clearCancel(c)
	}
}

// RequestReboot asks for a reboot once the deployment completes.
func RequestReboot(n *Node) {
	Root(n).SetBoolProperty(PropertyRebootRequested, true)
}

// RequestImmediateReboot asks for a reboot before the deployment continues.
func RequestImmediateReboot(n *Node) {
	Root(n).SetBoolProperty(PropertyImmediateRebootRequested, true)
}

// RequestAgentRestart asks for an agent restart once the deployment
// completes.
func RequestAgentRestart(n *Node) {
	Root(n).SetBoolProperty(PropertyRestartRequested, true)
}

// RequestImmediateAgentRestart asks for an agent restart before the
// deployment continues.
func RequestImmediateAgentRestart(n *Node) {
	Root(n).SetBoolProperty(PropertyImmediateRestartRequired, true)
}

func IsRebootRequested(n *Node) bool {
	return Root(n).BoolProperty(PropertyRebootRequested)
}

func IsImmediateRebootRequested(n *Node) bool {
	return Root(n).BoolProperty(PropertyImmediateRebootRequested)
}

func IsAgentRestartRequested(n *Node) bool {
	return Root(n).BoolProperty(PropertyRestartRequested)
}

func IsImmediateAgentRestartRequested(n *Node) bool {
	return Root(n).BoolProperty(PropertyImmediateRestartRequired)
}
