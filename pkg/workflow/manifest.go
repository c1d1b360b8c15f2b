package workflow

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// UpdateID identifies an update.
type UpdateID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

func (u UpdateID) String() string {
	return fmt.Sprintf("%s/%s:%s", u.Provider, u.Name, u.Version)
}

// ManifestVersion is the manifest's version, 0 when absent.
func (n *Node) ManifestVersion() int {
	v, _ := number(n.manifest[KeyManifestVersion])
	return v
}

// UpdateID is the id of the update the manifest describes.
func (n *Node) UpdateID() (UpdateID, error) {
	doc, ok := object(n.manifest, KeyUpdateID)
	if !ok {
		return UpdateID{}, errors.WithMessage(ErrInvalidDocument, "manifest has no update id")
	}
	var id UpdateID
	id.Provider, _ = doc[KeyProvider].(string)
	id.Name, _ = doc[KeyName].(string)
	id.Version, _ = doc[KeyVersion].(string)
	if id.Provider == "" || id.Name == "" || id.Version == "" {
		return UpdateID{}, errors.WithMessage(ErrInvalidDocument, "incomplete update id")
	}
	return id, nil
}

// ExpectedUpdateIDString is the serialized update id reported once the
// update is installed.
func (n *Node) ExpectedUpdateIDString() (string, error) {
	id, err := n.UpdateID()
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(id)
	if err != nil {
		return "", errors.Wrap(err, "unable to serialize update id")
	}
	return string(b), nil
}

// UpdateType is the handler type of the manifest, for instance
// "microsoft/steps:1".
func (n *Node) UpdateType() string {
	t, _ := n.manifest[KeyUpdateType].(string)
	return t
}

// InstalledCriteria is the handler specific value identifying an installed
// update. A step's handler properties take precedence over the manifest.
func (n *Node) InstalledCriteria() string {
	if c := n.HandlerProperty(KeyInstalledCriteria); c != "" {
		return c
	}
	c, _ := n.manifest[KeyInstalledCriteria].(string)
	return c
}

// HandlerProperty returns a string handler property of a step workflow.
func (n *Node) HandlerProperty(key Key) string {
	props, ok := object(n.manifest, KeyStepHandlerProperties)
	if !ok {
		return ""
	}
	v, _ := props[key].(string)
	return v
}

// ManifestString returns a string property of the manifest.
func (n *Node) ManifestString(key Key) string {
	v, _ := n.manifest[key].(string)
	return v
}

func (n *Node) compatibility() []interface{} {
	if n.manifest == nil {
		return nil
	}
	c, _ := n.manifest[KeyCompatibility].([]interface{})
	return c
}

// Compatibility returns the serialized compatibility list.
func (n *Node) Compatibility() (string, error) {
	c := n.compatibility()
	if c == nil {
		return "", errors.WithMessage(ErrInvalidDocument, "manifest has no compatibility")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "unable to serialize compatibility")
	}
	return string(b), nil
}

// CompatibilityAt returns the serialized compatibility entry at index.
func (n *Node) CompatibilityAt(index int) (string, error) {
	c := n.compatibility()
	if index < 0 || index >= len(c) {
		return "", errors.WithMessagef(ErrInvalidArgument, "compatibility index %d out of range", index)
	}
	b, err := json.Marshal(c[index])
	if err != nil {
		return "", errors.Wrap(err, "unable to serialize compatibility")
	}
	return string(b), nil
}

// SerializeManifest returns the manifest as JSON text.
func (n *Node) SerializeManifest(pretty bool) (string, error) {
	if n.manifest == nil {
		return "", ErrNoUpdateManifest
	}
	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(n.manifest, "", "  ")
	} else {
		b, err = json.Marshal(n.manifest)
	}
	if err != nil {
		return "", errors.Wrap(err, "unable to serialize manifest")
	}
	return string(b), nil
}

func (n *Node) steps() []interface{} {
	inst, ok := object(n.manifest, KeyInstructions)
	if !ok {
		return nil
	}
	steps, _ := inst[KeySteps].([]interface{})
	return steps
}

// StepCount is the number of steps in the manifest's instructions.
func (n *Node) StepCount() int {
	return len(n.steps())
}

func (n *Node) step(index int) (document, error) {
	steps := n.steps()
	if index < 0 || index >= len(steps) {
		return nil, errors.WithMessagef(ErrInvalidStepIndex, "step %d of %d", index, len(steps))
	}
	step, ok := steps[index].(map[string]interface{})
	if !ok {
		return nil, errors.WithMessagef(ErrInvalidStepIndex, "step %d is not an object", index)
	}
	return step, nil
}

// IsInlineStep reports whether step index runs a handler directly. Steps
// without a type are inline.
func (n *Node) IsInlineStep(index int) bool {
	step, err := n.step(index)
	if err != nil {
		return false
	}
	t, ok := step[KeyStepType].(string)
	return !ok || t == "" || t == StepInline
}

// IsReferenceStep reports whether step index points to a detached manifest.
func (n *Node) IsReferenceStep(index int) bool {
	step, err := n.step(index)
	if err != nil {
		return false
	}
	t, _ := step[KeyStepType].(string)
	return t == StepReference
}

// StepHandler is the handler of an inline step.
func (n *Node) StepHandler(index int) (string, error) {
	step, err := n.step(index)
	if err != nil {
		return "", err
	}
	h, _ := step[KeyStepHandler].(string)
	if h == "" {
		return "", errors.WithMessagef(ErrMissingHandlerType, "step %d", index)
	}
	return h, nil
}

// StepDetachedManifest returns the detached manifest file of a reference
// step.
func (n *Node) StepDetachedManifest(index int) (string, error) {
	step, err := n.step(index)
	if err != nil {
		return "", err
	}
	id, _ := step[KeyDetachedManifestFileID].(string)
	if id == "" {
		return "", errors.WithMessagef(ErrInvalidDocument, "step %d has no detached manifest", index)
	}
	return id, nil
}
