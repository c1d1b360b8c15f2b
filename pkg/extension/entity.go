package extension

import (
	"sort"
	"strings"
)

// Hash is one digest of a file: the algorithm name, as it appears in a
// manifest, and the base64 encoded digest.
type Hash struct {
	Type  string
	Value string
}

// FileEntity describes one file of an update.
type FileEntity struct {
	FileID         string
	DownloadURI    string
	TargetFilename string
	Arguments      string
	Hashes         []Hash
	SizeInBytes    int64
	// DownloadHandlerID names the DownloadHandler that may produce the file
	// in place of a full download.
	DownloadHandlerID string
}

// HashesFromMap converts a manifest hashes object to a list ordered by
// preference: SHA-256 first, the remaining algorithms by name.
func HashesFromMap(m map[string]string) []Hash {
	hashes := make([]Hash, 0, len(m))
	for typ, value := range m {
		hashes = append(hashes, Hash{Type: typ, Value: value})
	}
	sort.Slice(hashes, func(i, j int) bool {
		pi, pj := isPreferred(hashes[i].Type), isPreferred(hashes[j].Type)
		if pi != pj {
			return pi
		}
		return hashes[i].Type < hashes[j].Type
	})
	return hashes
}

func isPreferred(typ string) bool {
	return strings.EqualFold(typ, "sha256")
}

// PrimaryHash returns the hash used to validate the file.
func (e *FileEntity) PrimaryHash() (Hash, bool) {
	if e == nil || len(e.Hashes) == 0 {
		return Hash{}, false
	}
	return e.Hashes[0], true
}

// ContractInfo is the contract version an extension implements.
type ContractInfo struct {
	Major int
	Minor int
}

// SupportedContract is the only contract version extensions may implement.
var SupportedContract = ContractInfo{Major: 1, Minor: 0}

// Supported reports whether c equals SupportedContract.
func (c ContractInfo) Supported() bool {
	return c == SupportedContract
}
