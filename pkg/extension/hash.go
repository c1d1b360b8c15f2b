package extension

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

var hashes = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// SupportedHash reports whether the algorithm typ can be validated.
func SupportedHash(typ string) bool {
	_, ok := hashes[strings.ToLower(typ)]
	return ok
}

func newHash(typ string) (hash.Hash, error) {
	fn, ok := hashes[strings.ToLower(typ)]
	if !ok {
		return nil, errors.WithMessagef(ErrUnsupportedHashType, "hash type %q", typ)
	}
	return fn(), nil
}

// ValidateBufferHash reports whether buf has the digest h.
func ValidateBufferHash(buf []byte, h Hash) (bool, error) {
	d, err := newHash(h.Type)
	if err != nil {
		return false, err
	}
	d.Write(buf)
	return matches(d, h.Value), nil
}

// ValidateFileHash reports whether the file at path has the digest h.
func ValidateFileHash(path string, h Hash) (bool, error) {
	d, err := newHash(h.Type)
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "unable to open file for hashing")
	}
	defer f.Close()
	if _, err := io.Copy(d, f); err != nil {
		return false, errors.Wrap(err, "unable to read file for hashing")
	}
	return matches(d, h.Value), nil
}

// EncodeHash returns the base64 digest of buf, as carried in manifests.
func EncodeHash(typ string, buf []byte) (string, error) {
	d, err := newHash(typ)
	if err != nil {
		return "", err
	}
	d.Write(buf)
	return base64.StdEncoding.EncodeToString(d.Sum(nil)), nil
}

func matches(d hash.Hash, want string) bool {
	return base64.StdEncoding.EncodeToString(d.Sum(nil)) == want
}
