// Package workflow models an update deployment: the update action sent by the
// service, its update manifest, and the tree of child workflows the manifest's
// steps and components expand into.
package workflow

import (
	"path/filepath"
	"strconv"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
)

// Action is the update action requested by the service.
type Action int

const (
	ActionUndefined         Action = -1
	ActionDownload          Action = 0
	ActionInstall           Action = 1
	ActionApply             Action = 2
	ActionProcessDeployment Action = 3
	ActionCancel            Action = 255
)

func (a Action) String() string {
	switch a {
	case ActionUndefined:
		return "Undefined"
	case ActionDownload:
		return "Download"
	case ActionInstall:
		return "Install"
	case ActionApply:
		return "Apply"
	case ActionProcessDeployment:
		return "ProcessDeployment"
	case ActionCancel:
		return "Cancel"
	}
	return "Action(" + strconv.Itoa(int(a)) + ")"
}

// CancellationType records why an in-flight operation was cancelled.
type CancellationType int

const (
	CancellationNone CancellationType = iota
	CancellationNormal
	CancellationReplacement
	CancellationRetry
)

func (c CancellationType) String() string {
	switch c {
	case CancellationNone:
		return "None"
	case CancellationNormal:
		return "Normal"
	case CancellationReplacement:
		return "Replacement"
	case CancellationRetry:
		return "Retry"
	}
	return "CancellationType(" + strconv.Itoa(int(c)) + ")"
}

// document is a decoded JSON object.
type document = map[string]interface{}

// Node is one level of a workflow tree. A Node has no internal
// synchronization: a tree is built and walked by one goroutine at a time.
type Node struct {
	action     document
	manifest   document
	properties document
	results    map[string]result.Result

	resultDetails     string
	installedUpdateID string
	state             State
	result            result.Result

	// parent does not own the node; children do.
	parent    *Node
	children  []*Node
	level     int
	stepIndex int

	operationInProgress bool
	operationCancelled  bool
	cancellationType    CancellationType
	deferred            *Node
}

var _ extension.Workflow = (*Node)(nil)

func newNode(action, manifest document) *Node {
	return &Node{
		action:     action,
		manifest:   manifest,
		properties: document{},
		results:    map[string]result.Result{},
		stepIndex:  -1,
	}
}

// Action is the update action the node was parsed from.
func (n *Node) Action() Action {
	wf, ok := object(n.action, KeyWorkflow)
	if !ok {
		return ActionUndefined
	}
	v, ok := number(wf[KeyWorkflowAction])
	if !ok {
		return ActionUndefined
	}
	return Action(v)
}

// ID is the node's _id property, or the action's workflow id.
func (n *Node) ID() string {
	if id, ok := n.StringProperty(PropertyID); ok {
		return id
	}
	return n.workflowDotID()
}

func (n *Node) workflowDotID() string {
	wf, ok := object(n.action, KeyWorkflow)
	if !ok {
		return ""
	}
	id, _ := wf[KeyWorkflowID].(string)
	return id
}

// SetID overrides the node's id.
func (n *Node) SetID(id string) {
	n.SetStringProperty(PropertyID, id)
}

// SameID reports whether a and b carry the same, non-empty, workflow id.
func SameID(a, b *Node) bool {
	if a == nil || b == nil {
		return false
	}
	id := a.ID()
	return id != "" && id == b.ID()
}

// SetStringProperty records a workflow property.
func (n *Node) SetStringProperty(key Key, value string) {
	n.properties[key] = value
}

// StringProperty returns a workflow property.
func (n *Node) StringProperty(key Key) (string, bool) {
	v, ok := n.properties[key].(string)
	return v, ok
}

// SetBoolProperty records a boolean workflow property.
func (n *Node) SetBoolProperty(key Key, value bool) {
	n.properties[key] = value
}

// BoolProperty returns a boolean workflow property, false when unset.
func (n *Node) BoolProperty(key Key) bool {
	v, _ := n.properties[key].(bool)
	return v
}

// SetWorkFolder pins the node's work folder.
func (n *Node) SetWorkFolder(dir string) {
	n.SetStringProperty(PropertyWorkFolder, dir)
}

// WorkFolder is where the node's files are placed: an explicitly set folder,
// else the parent's work folder joined with the node id, else the sandbox
// root joined with the node id.
func (n *Node) WorkFolder() string {
	if dir, ok := n.StringProperty(PropertyWorkFolder); ok {
		return dir
	}
	if n.parent != nil {
		return filepath.Join(n.parent.WorkFolder(), n.ID())
	}
	return filepath.Join(n.SandboxRoot(), n.ID())
}

// SetSandboxRoot sets the root folder of all work folders in the tree.
func (n *Node) SetSandboxRoot(dir string) {
	Root(n).SetStringProperty(PropertySandboxRootPath, dir)
}

// SandboxRoot is the root folder of all work folders in the tree.
func (n *Node) SandboxRoot() string {
	if dir, ok := Root(n).StringProperty(PropertySandboxRootPath); ok && dir != "" {
		return dir
	}
	return DefaultSandboxRoot
}

// SetSelectedComponents records the serialized components a child workflow
// applies to.
func (n *Node) SetSelectedComponents(components string) {
	n.SetStringProperty(PropertySelectedComponents, components)
}

func (n *Node) SelectedComponents() string {
	v, _ := n.StringProperty(PropertySelectedComponents)
	return v
}

func (n *Node) Parent() *Node {
	return n.parent
}

func (n *Node) Level() int {
	return n.level
}

// StepIndex is the manifest step the node was expanded from, or -1.
func (n *Node) StepIndex() int {
	return n.stepIndex
}

func (n *Node) SetStepIndex(i int) {
	n.stepIndex = i
}

func (n *Node) ChildCount() int {
	return len(n.children)
}

// Child returns the child at index, -1 being the last child, or nil.
func (n *Node) Child(index int) *Node {
	if index == -1 {
		index = len(n.children) - 1
	}
	if index < 0 || index >= len(n.children) {
		return nil
	}
	return n.children[index]
}

func (n *Node) OperationInProgress() bool {
	return n.operationInProgress
}

func (n *Node) SetOperationInProgress(inProgress bool) {
	n.operationInProgress = inProgress
}

func (n *Node) CancellationType() CancellationType {
	return n.cancellationType
}

func (n *Node) SetCancellationType(t CancellationType) {
	n.cancellationType = t
}

// Deferred is the replacement workflow waiting for the current operation to
// complete.
func (n *Node) Deferred() *Node {
	return n.deferred
}

func (n *Node) InstalledUpdateID() string {
	return n.installedUpdateID
}

func (n *Node) SetInstalledUpdateID(id string) {
	n.installedUpdateID = id
}

func object(doc document, key Key) (document, bool) {
	if doc == nil {
		return nil, false
	}
	v, ok := doc[key].(map[string]interface{})
	return v, ok
}

// number reads a JSON number, or a string holding one.
func number(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
