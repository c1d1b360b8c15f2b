package workflow

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/tiendc/go-deepcopy"
)

func clone(doc document) (document, error) {
	if doc == nil {
		return nil, nil
	}
	var out document
	if err := deepcopy.Copy(&out, &doc); err != nil {
		return nil, errors.Wrap(err, "unable to copy workflow document")
	}
	return out, nil
}

// cloneDocuments copies base's action and manifest.
func cloneDocuments(base *Node) (document, document, error) {
	action, err := clone(base.action)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := clone(base.manifest)
	if err != nil {
		return nil, nil, err
	}
	if manifest == nil {
		return nil, nil, ErrNoUpdateManifest
	}
	return action, manifest, nil
}

// ExpandInlineStep builds the workflow of base's inline step at stepIndex.
// The step's handler becomes the update type, its handler properties are
// carried into the manifest and only the files it lists are kept. The new
// workflow has no instructions and shares base's work folder. base is not
// modified.
func ExpandInlineStep(base *Node, stepIndex int) (*Node, error) {
	if base == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "nil workflow")
	}
	step, err := base.step(stepIndex)
	if err != nil {
		return nil, err
	}
	handler, _ := step[KeyStepHandler].(string)
	if handler == "" {
		return nil, errors.WithMessagef(ErrMissingHandlerType, "step %d", stepIndex)
	}

	action, manifest, err := cloneDocuments(base)
	if err != nil {
		return nil, err
	}
	manifest[KeyUpdateType] = handler

	delete(manifest, KeyStepHandlerProperties)
	if props, ok := object(step, KeyStepHandlerProperties); ok {
		cp, err := clone(props)
		if err != nil {
			return nil, err
		}
		manifest[KeyStepHandlerProperties] = cp
	}

	keep := map[string]bool{}
	if ids, ok := step[KeyStepFiles].([]interface{}); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				keep[s] = true
			}
		}
	}
	if files, ok := object(manifest, KeyFiles); ok {
		for id := range files {
			if !keep[id] {
				delete(files, id)
			}
		}
	}
	delete(manifest, KeyInstructions)

	n := newNode(action, manifest)
	n.SetWorkFolder(base.WorkFolder())
	n.SetStepIndex(stepIndex)
	return n, nil
}

// ExpandFromInstruction builds a workflow from base and one install item of
// an instruction document. The item's updateType replaces the manifest's.
// Base files whose file name matches an item file take on the item file's
// properties; the remaining base files are dropped. The new workflow shares
// base's work folder. base is not modified.
func ExpandFromInstruction(base *Node, instruction string) (*Node, error) {
	if base == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "nil workflow")
	}
	var item document
	if err := json.Unmarshal([]byte(instruction), &item); err != nil || item == nil {
		return nil, errors.WithMessage(ErrInvalidDocument, "invalid instruction entry")
	}
	updateType, _ := item[KeyUpdateType].(string)
	if updateType == "" {
		return nil, errors.WithMessage(ErrMissingHandlerType, "instruction entry has no update type")
	}

	action, manifest, err := cloneDocuments(base)
	if err != nil {
		return nil, err
	}
	manifest[KeyUpdateType] = updateType

	var itemFiles []document
	if list, ok := item[KeyFiles].([]interface{}); ok {
		for _, f := range list {
			if file, ok := f.(map[string]interface{}); ok {
				itemFiles = append(itemFiles, file)
			}
		}
	}
	if files, ok := object(manifest, KeyFiles); ok {
		for id, v := range files {
			file, _ := v.(map[string]interface{})
			match := matchFile(itemFiles, file)
			if match == nil {
				delete(files, id)
				continue
			}
			for key, value := range match {
				file[key] = value
			}
		}
	}

	n := newNode(action, manifest)
	n.SetWorkFolder(base.WorkFolder())
	return n, nil
}

func matchFile(candidates []document, file document) document {
	name, _ := file[KeyFileName].(string)
	if name == "" {
		return nil
	}
	for _, c := range candidates {
		if cname, _ := c[KeyFileName].(string); cname == name {
			return c
		}
	}
	return nil
}
