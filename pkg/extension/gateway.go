// Package extension resolves update files for a workflow: downloading them
// through the content downloader, or producing them with a registered
// download handler, and validating their hashes.
package extension

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidFileEntity   = result.NewError(result.FacilityDownloader, 0x001, "invalid file entity")
	ErrNoHashes            = result.NewError(result.FacilityDownloader, 0x002, "file entity has no hashes")
	ErrUnsupportedHashType = result.NewError(result.FacilityDownloader, 0x003, "unsupported hash type")
	ErrHashMismatch        = result.NewError(result.FacilityDownloader, 0x004, "file hash mismatch")
	ErrCannotDeleteFile    = result.NewError(result.FacilityDownloader, 0x005, "cannot delete existing file")
	ErrUnsupportedContract = result.NewError(result.FacilityDownloader, 0x006, "unsupported extension contract version")
	ErrDownloadFailed      = result.NewError(result.FacilityDownloader, 0x007, "download failed")
	ErrNoDownloader        = result.NewError(result.FacilityDownloader, 0x008, "no content downloader")
)

// Workflow is the part of a workflow a download needs.
type Workflow interface {
	ID() string
	WorkFolder() string
}

// ProgressState is the state reported to a ProgressFunc.
type ProgressState int

const (
	ProgressInProgress ProgressState = iota
	ProgressCompleted
	ProgressCancelled
	ProgressError
)

// ProgressFunc receives download progress for fileID.
type ProgressFunc func(fileID string, state ProgressState, transferred, total int64)

// Downloader fetches a file entity's content into workFolder.
type Downloader interface {
	ContractInfo() ContractInfo
	Download(ctx context.Context, entity *FileEntity, workflowID, workFolder string, timeout time.Duration, progress ProgressFunc) (result.Result, error)
}

// DownloadHandler produces a file entity's content at targetPath without a
// full download, for instance from a delta. A DownloadHandlerRequiredFullDownload
// result asks for the full download instead.
type DownloadHandler interface {
	ContractInfo() ContractInfo
	ProcessUpdate(ctx context.Context, wf Workflow, entity *FileEntity, targetPath string) (result.Result, error)
}

// Gateway is what workflows use to obtain update files.
type Gateway interface {
	Download(ctx context.Context, wf Workflow, entity *FileEntity, opts DownloadOptions) (result.Result, error)
}

// DownloadOptions tune a single Gateway download.
type DownloadOptions struct {
	// Timeout bounds a single downloader attempt.
	Timeout time.Duration
	// Progress is optional.
	Progress ProgressFunc
}

const (
	DefaultDownloadTimeout = 60 * time.Minute
	defaultMaxAttempts     = 3
)

// Manager is the Gateway implementation. It is safe for concurrent use.
type Manager struct {
	log        logging.Logger
	downloader Downloader

	mu       sync.RWMutex
	handlers map[string]DownloadHandler
	timeout  time.Duration

	newBackOff func() backoff.BackOff
	remove     func(name string) error
}

var _ Gateway = (*Manager)(nil)

// NewManager returns a Manager using downloader for full downloads. A
// downloader with an unsupported contract is rejected.
func NewManager(log logging.Logger, downloader Downloader) (*Manager, error) {
	if downloader == nil {
		return nil, ErrNoDownloader
	}
	if c := downloader.ContractInfo(); !c.Supported() {
		return nil, errors.WithMessagef(ErrUnsupportedContract, "content downloader contract %d.%d", c.Major, c.Minor)
	}
	return &Manager{
		log:        log,
		downloader: downloader,
		handlers:   make(map[string]DownloadHandler),
		timeout:    DefaultDownloadTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 30 * time.Second
			return backoff.WithMaxRetries(b, defaultMaxAttempts-1)
		},
		remove: os.Remove,
	}, nil
}

// SetDefaultTimeout bounds downloads whose options carry no timeout.
func (m *Manager) SetDefaultTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.timeout = d
	}
}

// RegisterDownloadHandler makes h available to file entities naming id. A
// handler with an unsupported contract is rejected and files naming it fall
// back to the full download.
func (m *Manager) RegisterDownloadHandler(id string, h DownloadHandler) error {
	if c := h.ContractInfo(); !c.Supported() {
		return errors.WithMessagef(ErrUnsupportedContract, "download handler %q contract %d.%d", id, c.Major, c.Minor)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = h
	return nil
}

func (m *Manager) handler(id string) (DownloadHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[id]
	return h, ok
}

// TargetPath is where the entity's file is placed in the workflow's work
// folder.
func TargetPath(wf Workflow, entity *FileEntity) (string, error) {
	if entity == nil || entity.TargetFilename == "" {
		return "", errors.WithMessage(ErrInvalidFileEntity, "no target file name")
	}
	if filepath.Base(entity.TargetFilename) != entity.TargetFilename {
		return "", errors.WithMessagef(ErrInvalidFileEntity, "target file name %q is not a plain name", entity.TargetFilename)
	}
	return filepath.Join(wf.WorkFolder(), entity.TargetFilename), nil
}

// Download places the entity's file in the workflow's work folder. A file
// already present with a valid hash is kept; one with an invalid hash is
// replaced.
func (m *Manager) Download(ctx context.Context, wf Workflow, entity *FileEntity, opts DownloadOptions) (result.Result, error) {
	target, err := TargetPath(wf, entity)
	if err != nil {
		return result.FromError(err, false), err
	}
	log := m.log.WithFields(logrus.Fields{
		"workflow": wf.ID(),
		"file-id":  entity.FileID,
		"target":   target,
	})
	hash, ok := entity.PrimaryHash()
	if !ok {
		return result.FromError(ErrNoHashes, false), ErrNoHashes
	}
	if !SupportedHash(hash.Type) {
		err := errors.WithMessagef(ErrUnsupportedHashType, "hash type %q", hash.Type)
		return result.FromError(err, false), err
	}

	if _, err := os.Stat(target); err == nil {
		valid, err := ValidateFileHash(target, hash)
		if err != nil {
			return result.FromError(err, false), err
		}
		if valid {
			log.Debug("file already downloaded")
			return result.Of(result.DownloadSkippedFileExists), nil
		}
		log.Warn("existing file has an invalid hash, replacing it")
		if err := m.remove(target); err != nil {
			err = errors.WithMessage(ErrCannotDeleteFile, err.Error())
			return result.FromError(err, false), err
		}
	}

	if err := os.MkdirAll(wf.WorkFolder(), 0750); err != nil {
		err = errors.Wrap(err, "unable to create work folder")
		return result.FromError(err, false), err
	}

	produced := false
	if entity.DownloadHandlerID != "" {
		produced = m.processUpdate(ctx, log, wf, entity, target)
	}
	if !produced {
		if err := m.fullDownload(ctx, log, wf, entity, opts); err != nil {
			return result.FromError(err, ctx.Err() != nil), err
		}
	}

	valid, err := ValidateFileHash(target, hash)
	if err != nil {
		return result.FromError(err, false), err
	}
	if !valid {
		log.Error("downloaded file failed hash validation")
		if err := m.remove(target); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("unable to remove invalid download")
		}
		return result.FromError(ErrHashMismatch, false), ErrHashMismatch
	}
	log.Info("file downloaded")
	return result.Of(result.DownloadSuccess), nil
}

// processUpdate reports whether the entity's download handler produced the
// file.
func (m *Manager) processUpdate(ctx context.Context, log logging.SubLogger, wf Workflow, entity *FileEntity, target string) bool {
	log = log.WithField("download-handler", entity.DownloadHandlerID)
	h, ok := m.handler(entity.DownloadHandlerID)
	if !ok {
		log.Warn("download handler not registered, falling back to full download")
		return false
	}
	res, err := h.ProcessUpdate(ctx, wf, entity, target)
	switch {
	case err != nil:
		log.WithError(err).Warn("download handler failed, falling back to full download")
		return false
	case !res.Succeeded():
		log.WithField("result", res.String()).Warn("download handler failed, falling back to full download")
		return false
	case res.Code == result.DownloadHandlerRequiredFullDownload:
		log.Debug("download handler requires full download")
		return false
	}
	return true
}

func (m *Manager) fullDownload(ctx context.Context, log logging.SubLogger, wf Workflow, entity *FileEntity, opts DownloadOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		m.mu.RLock()
		timeout = m.timeout
		m.mu.RUnlock()
	}
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	attempt := 0
	op := func() error {
		attempt++
		res, err := m.downloader.Download(ctx, entity, wf.ID(), wf.WorkFolder(), timeout, opts.Progress)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil && !res.Succeeded() {
			err = errors.WithMessagef(ErrDownloadFailed, "downloader result %s", res)
		}
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("download attempt failed")
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(m.newBackOff(), ctx))
	if err != nil && result.ExtendedCode(err) == 0 {
		err = errors.WithMessage(ErrDownloadFailed, err.Error())
	}
	return err
}
