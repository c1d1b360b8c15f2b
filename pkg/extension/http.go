package extension

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// progressInterval rate limits progress reports while copying.
const progressInterval = 5 * time.Second

// HTTPDownloader is the default content downloader. It fetches http and https
// URIs and copies file URIs.
type HTTPDownloader struct {
	log    logging.Logger
	client *http.Client
}

var _ Downloader = (*HTTPDownloader)(nil)

// NewHTTPDownloader returns a downloader using client, or http.DefaultClient
// when client is nil.
func NewHTTPDownloader(log logging.Logger, client *http.Client) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{log: log, client: client}
}

func (d *HTTPDownloader) ContractInfo() ContractInfo {
	return SupportedContract
}

// Download writes the entity's content to workFolder/TargetFilename. The
// file is written under a temporary name and renamed once complete.
func (d *HTTPDownloader) Download(ctx context.Context, entity *FileEntity, workflowID, workFolder string, timeout time.Duration, progress ProgressFunc) (result.Result, error) {
	if entity.DownloadURI == "" {
		err := errors.WithMessagef(ErrInvalidFileEntity, "file %q has no download uri", entity.FileID)
		return result.FromError(err, false), err
	}
	u, err := url.Parse(entity.DownloadURI)
	if err != nil {
		err = errors.WithMessage(ErrInvalidFileEntity, err.Error())
		return result.FromError(err, false), err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := d.log.WithFields(logrus.Fields{
		"workflow": workflowID,
		"file-id":  entity.FileID,
		"uri":      u.Redacted(),
	})
	log.Info("downloading")

	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		body, err = d.get(ctx, u)
	case "file":
		body, err = os.Open(u.Path)
	default:
		err = errors.WithMessagef(ErrInvalidFileEntity, "unsupported uri scheme %q", u.Scheme)
	}
	if err != nil {
		report(progress, entity, ProgressError, 0)
		return result.FromError(err, ctx.Err() != nil), err
	}
	defer body.Close()

	target := filepath.Join(workFolder, entity.TargetFilename)
	n, err := d.write(ctx, target, body, entity, progress)
	if err != nil {
		state := ProgressError
		if ctx.Err() != nil {
			state = ProgressCancelled
		}
		report(progress, entity, state, n)
		return result.FromError(err, ctx.Err() != nil), err
	}
	report(progress, entity, ProgressCompleted, n)
	log.WithField("bytes", n).Debug("download complete")
	return result.Of(result.DownloadSuccess), nil
}

func (d *HTTPDownloader) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(ErrDownloadFailed, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.WithMessagef(ErrDownloadFailed, "unexpected status %q", resp.Status)
	}
	return resp.Body, nil
}

func (d *HTTPDownloader) write(ctx context.Context, target string, r io.Reader, entity *FileEntity, progress ProgressFunc) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return 0, errors.Wrap(err, "unable to create download file")
	}
	defer os.Remove(tmp.Name())

	pw := &progressWriter{entity: entity, progress: progress, last: time.Now()}
	n, err := io.Copy(io.MultiWriter(tmp, pw), &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.WithMessage(ErrDownloadFailed, err.Error())
	}
	if entity.SizeInBytes > 0 && n != entity.SizeInBytes {
		return n, errors.WithMessagef(ErrDownloadFailed, "got %d bytes, want %d", n, entity.SizeInBytes)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return n, errors.Wrap(err, "unable to move download into place")
	}
	return n, nil
}

func report(progress ProgressFunc, entity *FileEntity, state ProgressState, n int64) {
	if progress != nil {
		progress(entity.FileID, state, n, entity.SizeInBytes)
	}
}

type progressWriter struct {
	entity   *FileEntity
	progress ProgressFunc
	n        int64
	last     time.Time
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	if w.progress != nil && time.Since(w.last) >= progressInterval {
		w.last = time.Now()
		w.progress(w.entity.FileID, ProgressInProgress, w.n, w.entity.SizeInBytes)
	}
	return len(p), nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
