package workflow

import (
	"sort"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/pkg/errors"
)

func (n *Node) filesMap() document {
	files, _ := object(n.manifest, KeyFiles)
	return files
}

// fileIDs returns the manifest file ids in positional order: lexical order
// of the ids, as decoded manifests do not keep their key order.
func (n *Node) fileIDs() []string {
	files := n.filesMap()
	ids := make([]string, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FileCount is the number of files in the node's manifest.
func (n *Node) FileCount() int {
	return len(n.filesMap())
}

// GetUpdateFile returns the manifest file at index. Files are ordered by the
// byte-wise order of their ids, not their order in the manifest, so "f10"
// comes before "f2". Its download uri is resolved from the nearest workflow,
// walking up from n, whose fileUrls holds the file id.
func (n *Node) GetUpdateFile(index int) (*extension.FileEntity, error) {
	ids := n.fileIDs()
	if index < 0 || index >= len(ids) {
		return nil, errors.WithMessagef(ErrFileNotFound, "file index %d out of range", index)
	}
	return n.updateFileByID(ids[index])
}

// GetUpdateFileByName returns the manifest file with the given file name.
func (n *Node) GetUpdateFileByName(name string) (*extension.FileEntity, error) {
	files := n.filesMap()
	for _, id := range n.fileIDs() {
		file, _ := files[id].(map[string]interface{})
		if fileName, _ := file[KeyFileName].(string); fileName == name {
			return n.updateFileByID(id)
		}
	}
	return nil, errors.WithMessagef(ErrFileNotFound, "file %q", name)
}

// FirstUpdateFileOfType returns the first manifest file with the given
// fileType.
func (n *Node) FirstUpdateFileOfType(fileType string) (*extension.FileEntity, error) {
	files := n.filesMap()
	for _, id := range n.fileIDs() {
		file, _ := files[id].(map[string]interface{})
		if t, _ := file[KeyFileType].(string); t == fileType {
			return n.updateFileByID(id)
		}
	}
	return nil, errors.WithMessagef(ErrFileNotFound, "no file of type %q", fileType)
}

func (n *Node) updateFileByID(id string) (*extension.FileEntity, error) {
	file, ok := n.filesMap()[id].(map[string]interface{})
	if !ok {
		return nil, errors.WithMessagef(ErrFileNotFound, "file %q", id)
	}
	uri, err := n.fileURL(id)
	if err != nil {
		return nil, err
	}
	return fileEntity(id, uri, file)
}

// fileURL walks up from n to the first workflow whose fileUrls names id.
func (n *Node) fileURL(id string) (string, error) {
	for h := n; h != nil; h = h.parent {
		urls, ok := object(h.action, KeyFileURLs)
		if !ok {
			continue
		}
		if uri, ok := urls[id].(string); ok && uri != "" {
			return uri, nil
		}
	}
	return "", errors.WithMessagef(ErrFileURLNotFound, "file %q", id)
}

func fileEntity(id, uri string, file document) (*extension.FileEntity, error) {
	entity := &extension.FileEntity{
		FileID:      id,
		DownloadURI: uri,
	}
	entity.TargetFilename, _ = file[KeyFileName].(string)
	entity.Arguments, _ = file[KeyArguments].(string)
	if size, ok := number(file[KeySizeInBytes]); ok {
		entity.SizeInBytes = int64(size)
	}
	if dh, ok := object(file, KeyDownloadHandler); ok {
		entity.DownloadHandlerID, _ = dh[KeyDownloadHandlerID].(string)
	}

	raw, _ := object(file, KeyHashes)
	hashes := make(map[string]string, len(raw))
	for typ, v := range raw {
		if s, ok := v.(string); ok {
			hashes[typ] = s
		}
	}
	if len(hashes) == 0 {
		return nil, errors.WithMessagef(extension.ErrNoHashes, "file %q", id)
	}
	entity.Hashes = extension.HashesFromMap(hashes)
	if entity.TargetFilename == "" {
		return nil, errors.WithMessagef(extension.ErrInvalidFileEntity, "file %q has no file name", id)
	}
	return entity, nil
}

func (n *Node) bundledUpdates() []interface{} {
	if n.manifest == nil {
		return nil
	}
	v, _ := n.manifest[KeyBundledUpdates].([]interface{})
	return v
}

// BundledUpdatesCount is the number of component update manifests bundled in
// the node's manifest.
func (n *Node) BundledUpdatesCount() int {
	return len(n.bundledUpdates())
}

// BundledUpdateFile returns the bundled update manifest file at index.
func (n *Node) BundledUpdateFile(index int) (*extension.FileEntity, error) {
	bundled := n.bundledUpdates()
	if index < 0 || index >= len(bundled) {
		return nil, errors.WithMessagef(ErrFileNotFound, "bundled update index %d out of range", index)
	}
	file, ok := bundled[index].(map[string]interface{})
	if !ok {
		return nil, errors.WithMessagef(extension.ErrInvalidFileEntity, "bundled update %d", index)
	}
	id, _ := file[KeyFileID].(string)
	uri, err := n.fileURL(id)
	if err != nil {
		return nil, err
	}
	return fileEntity(id, uri, file)
}

// StepDetachedManifestFile resolves the file entity of a reference step's
// detached manifest.
func (n *Node) StepDetachedManifestFile(index int) (*extension.FileEntity, error) {
	id, err := n.StepDetachedManifest(index)
	if err != nil {
		return nil, err
	}
	return n.updateFileByID(id)
}
