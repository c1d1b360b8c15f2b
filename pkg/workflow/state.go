package workflow

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
)

// State is the agent's deployment state as reported to the service.
type State int

const (
	StateNone                 State = -1
	StateIdle                 State = 0
	StateDownloadStarted      State = 1
	StateDownloadSucceeded    State = 2
	StateInstallStarted       State = 3
	StateInstallSucceeded     State = 4
	StateApplyStarted         State = 5
	StateDeploymentInProgress State = 6
	StateFailed               State = 255
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateIdle:
		return "Idle"
	case StateDownloadStarted:
		return "DownloadStarted"
	case StateDownloadSucceeded:
		return "DownloadSucceeded"
	case StateInstallStarted:
		return "InstallStarted"
	case StateInstallSucceeded:
		return "InstallSucceeded"
	case StateApplyStarted:
		return "ApplyStarted"
	case StateDeploymentInProgress:
		return "DeploymentInProgress"
	case StateFailed:
		return "Failed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// MaxResultDetails bounds the result details reported for a workflow.
const MaxResultDetails = 1024

// State is the state stored on this node. The workflow's state is the root's,
// see RootState.
func (n *Node) State() State {
	if n == nil {
		return StateNone
	}
	return n.state
}

// SetState stores the state on this node.
func (n *Node) SetState(s State) {
	n.state = s
}

// RootState is the state of the whole tree n belongs to.
func RootState(n *Node) State {
	return Root(n).State()
}

// SetRootState stores the workflow state on the root of n's tree.
func SetRootState(n *Node, s State) {
	Root(n).SetState(s)
}

func (n *Node) Result() result.Result {
	if n == nil {
		return result.Result{}
	}
	return n.result
}

func (n *Node) SetResult(r result.Result) {
	n.result = r
}

// RecordResult stores r under a descendant workflow id so the root can report
// it.
func (n *Node) RecordResult(workflowID string, r result.Result) {
	n.results[workflowID] = r
}

// FindResult looks up the result recorded for a workflow id on this node,
// then on the root.
func (n *Node) FindResult(workflowID string) (result.Result, bool) {
	if n == nil || workflowID == "" {
		return result.Result{}, false
	}
	if r, ok := n.results[workflowID]; ok {
		return r, true
	}
	r, ok := Root(n).results[workflowID]
	return r, ok
}

// Results returns a copy of the results recorded on this node.
func (n *Node) Results() map[string]result.Result {
	out := make(map[string]result.Result, len(n.results))
	for id, r := range n.results {
		out[id] = r
	}
	return out
}

// SetResultDetails formats the human readable details of the node's result.
// Details longer than MaxResultDetails are truncated. An empty format clears
// them.
func (n *Node) SetResultDetails(format string, args ...interface{}) {
	if format == "" {
		n.resultDetails = ""
		return
	}
	details := format
	if len(args) > 0 {
		details = fmt.Sprintf(format, args...)
	}
	n.resultDetails = truncate(details, MaxResultDetails)
}

func (n *Node) ResultDetails() string {
	return n.resultDetails
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
