package workflow

import (
	"context"
	"io/ioutil"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

type parseOptions struct {
	fromFile    bool
	verifier    Verifier
	gateway     extension.Gateway
	sandboxRoot string
}

// ParseOption configures Parse.
type ParseOption func(*parseOptions)

// FromFile treats the source as the path of the document.
func FromFile() ParseOption {
	return func(o *parseOptions) { o.fromFile = true }
}

// WithValidation verifies the manifest signature, its hash and its version.
func WithValidation(v Verifier) ParseOption {
	return func(o *parseOptions) { o.verifier = v }
}

// WithGateway is used to download a detached manifest.
func WithGateway(gw extension.Gateway) ParseOption {
	return func(o *parseOptions) { o.gateway = gw }
}

// WithSandboxRoot sets the root of the workflow's work folders.
func WithSandboxRoot(dir string) ParseOption {
	return func(o *parseOptions) { o.sandboxRoot = dir }
}

// Parse builds a root workflow from an update action document.
//
// Cancel actions carry no manifest and are returned as is. Otherwise the
// manifest, inline or detached, is decoded. With validation the signature and
// the manifest hash it carries are checked for actions other than Undefined,
// and the manifest version is gated for all actions.
func Parse(ctx context.Context, source string, opts ...ParseOption) (*Node, error) {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	data := []byte(source)
	if o.fromFile {
		var err error
		data, err = ioutil.ReadFile(source)
		if err != nil {
			return nil, errors.WithMessage(ErrInvalidDocument, err.Error())
		}
	}
	var action document
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, errors.WithMessage(ErrInvalidDocument, err.Error())
	}
	if action == nil {
		return nil, errors.WithMessage(ErrInvalidDocument, "document is not an object")
	}

	n := newNode(action, nil)
	if o.sandboxRoot != "" {
		n.SetSandboxRoot(o.sandboxRoot)
	}
	if n.Action() == ActionCancel {
		return n, nil
	}

	text, manifest, err := decodeManifest(action[KeyUpdateManifest])
	if err != nil {
		return nil, err
	}
	if o.verifier != nil && n.Action() != ActionUndefined {
		if err := verify(o.verifier, action, text); err != nil {
			return nil, err
		}
	}
	n.manifest = manifest

	if id, ok := manifest[KeyDetachedManifestFileID].(string); ok && id != "" {
		if err := n.resolveDetachedManifest(ctx, o.gateway, id); err != nil {
			return nil, err
		}
	}

	if o.verifier != nil {
		version, ok := number(n.manifest[KeyManifestVersion])
		if !ok || version != SupportedManifestVersion {
			return nil, errors.WithMessagef(ErrUnsupportedManifestVersion, "manifest version %v", n.manifest[KeyManifestVersion])
		}
	}
	return n, nil
}

// decodeManifest accepts the manifest as a JSON string or as an object. The
// returned text is what the signature hash covers.
func decodeManifest(v interface{}) (string, document, error) {
	switch m := v.(type) {
	case string:
		var manifest document
		if err := json.Unmarshal([]byte(m), &manifest); err != nil || manifest == nil {
			return "", nil, errors.WithMessage(ErrInvalidDocument, "update manifest is not a json object")
		}
		return m, manifest, nil
	case map[string]interface{}:
		text, err := json.Marshal(m)
		if err != nil {
			return "", nil, errors.WithMessage(ErrInvalidDocument, err.Error())
		}
		return string(text), m, nil
	case nil:
		return "", nil, ErrNoUpdateManifest
	}
	return "", nil, errors.WithMessage(ErrInvalidDocument, "update manifest is neither a string nor an object")
}

func verify(v Verifier, action document, manifest string) error {
	sig, _ := action[KeyUpdateManifestSignature].(string)
	if sig == "" {
		return errors.WithMessage(ErrManifestValidationFailed, "no manifest signature")
	}
	payload, err := v.Verify(sig)
	if err != nil {
		return errors.WithMessage(ErrManifestValidationFailed, err.Error())
	}
	return validateManifestHash(payload, manifest)
}

// resolveDetachedManifest replaces the node's manifest with the content of
// the file it points to.
func (n *Node) resolveDetachedManifest(ctx context.Context, gw extension.Gateway, fileID string) error {
	if gw == nil {
		return errors.WithMessage(ErrDetachedManifestDownloadFailed, "no gateway")
	}
	entity, err := n.updateFileByID(fileID)
	if err != nil {
		return errors.WithMessage(ErrDetachedManifestDownloadFailed, err.Error())
	}
	if res, err := gw.Download(ctx, n, entity, extension.DownloadOptions{}); err != nil || !res.Succeeded() {
		if err == nil {
			err = errors.Errorf("download result %s", res)
		}
		return errors.WithMessage(ErrDetachedManifestDownloadFailed, err.Error())
	}
	target, err := extension.TargetPath(n, entity)
	if err != nil {
		return errors.WithMessage(ErrDetachedManifestDownloadFailed, err.Error())
	}
	data, err := ioutil.ReadFile(target)
	if err != nil {
		return errors.WithMessage(ErrDetachedManifestDownloadFailed, err.Error())
	}
	var manifest document
	if err := json.Unmarshal(data, &manifest); err != nil || manifest == nil {
		return errors.WithMessage(ErrInvalidDocument, "detached manifest is not a json object")
	}
	n.manifest = manifest
	return nil
}
