package workflow

import (
	"io/ioutil"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/go-jose/go-jose/v3"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Verifier checks an update manifest signature and returns its verified
// payload.
type Verifier interface {
	Verify(signature string) ([]byte, error)
}

// headerSigningKey carries a signing key, itself a JWS signed by a root key.
const headerSigningKey jose.HeaderKey = "sjwk"

// JWSVerifier verifies compact JWS signatures against a set of root keys. A
// signature may name a root key by kid, or embed a signing key signed by one.
type JWSVerifier struct {
	roots jose.JSONWebKeySet
}

var _ Verifier = (*JWSVerifier)(nil)

// NewJWSVerifier returns a verifier trusting roots.
func NewJWSVerifier(roots jose.JSONWebKeySet) *JWSVerifier {
	return &JWSVerifier{roots: roots}
}

// LoadJWSVerifier reads a JSON Web Key Set holding the root keys.
func LoadJWSVerifier(path string) (*JWSVerifier, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read root keys")
	}
	var roots jose.JSONWebKeySet
	if err := json.Unmarshal(data, &roots); err != nil {
		return nil, errors.Wrap(err, "unable to parse root keys")
	}
	if len(roots.Keys) == 0 {
		return nil, errors.New("no root keys")
	}
	return NewJWSVerifier(roots), nil
}

func (v *JWSVerifier) Verify(signature string) ([]byte, error) {
	jws, err := jose.ParseSigned(signature)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse signature")
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.Errorf("expected one signature, found %d", len(jws.Signatures))
	}
	header := jws.Signatures[0].Header

	var key interface{}
	if sjwk, ok := header.ExtraHeaders[headerSigningKey].(string); ok {
		signingKey, err := v.signingKey(sjwk)
		if err != nil {
			return nil, err
		}
		key = signingKey
	} else {
		root, err := v.root(header.KeyID)
		if err != nil {
			return nil, err
		}
		key = root
	}
	payload, err := jws.Verify(key)
	if err != nil {
		return nil, errors.Wrap(err, "signature verification failed")
	}
	return payload, nil
}

func (v *JWSVerifier) signingKey(sjwk string) (*jose.JSONWebKey, error) {
	jws, err := jose.ParseSigned(sjwk)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse signing key")
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.New("signing key must carry one signature")
	}
	root, err := v.root(jws.Signatures[0].Header.KeyID)
	if err != nil {
		return nil, err
	}
	payload, err := jws.Verify(root)
	if err != nil {
		return nil, errors.Wrap(err, "signing key verification failed")
	}
	var key jose.JSONWebKey
	if err := json.Unmarshal(payload, &key); err != nil {
		return nil, errors.Wrap(err, "unable to parse signing key")
	}
	if !key.Valid() {
		return nil, errors.New("invalid signing key")
	}
	return &key, nil
}

func (v *JWSVerifier) root(kid string) (*jose.JSONWebKey, error) {
	keys := v.roots.Key(kid)
	if len(keys) == 0 {
		return nil, errors.Errorf("unknown root key %q", kid)
	}
	return &keys[0], nil
}

// validateManifestHash checks manifest against the sha256 digest carried in
// the verified signature payload.
func validateManifestHash(payload []byte, manifest string) error {
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return errors.WithMessage(ErrManifestValidationFailed, "signature payload is not a json object")
	}
	want, _ := claims[KeySignatureHash].(string)
	if want == "" {
		return errors.WithMessage(ErrManifestValidationFailed, "signature payload has no manifest hash")
	}
	valid, err := extension.ValidateBufferHash([]byte(manifest), extension.Hash{Type: KeySignatureHash, Value: want})
	if err != nil {
		return errors.WithMessage(ErrManifestValidationFailed, err.Error())
	}
	if !valid {
		return errors.WithMessage(ErrManifestValidationFailed, "manifest hash mismatch")
	}
	return nil
}
