package updog

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBin is the updog executable on the host.
	DefaultBin = "/usr/bin/updog"
	// DefaultOSRelease describes the running image.
	DefaultOSRelease = "/etc/os-release"
)

// command is the host's implementation of image updates.
type command interface {
	CheckUpdate(ctx context.Context) (bool, error)
	UpdateImage(ctx context.Context) error
	UpdateApply(ctx context.Context) error
	RunningVersion() (string, error)
}

// executable runs updog, chrooted into RootFS when set.
type executable struct {
	log       logging.SubLogger
	bin       string
	rootFS    string
	osRelease string
}

func (e *executable) runOk(cmd *exec.Cmd) (bool, error) {
	if e.rootFS != "" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: e.rootFS}
	}

	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	cmd.Stdout = writer
	cmd.Stderr = writer

	log := e.log.WithField("cmd", cmd.String())
	log.Debug("executing")
	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("failed to start command")
		return false, err
	}
	err := cmd.Wait()
	writer.Flush()
	if err != nil {
		log.WithFields(logrus.Fields{
			"output": buf.String(),
		}).WithError(err).Error("command errored during run")
		return false, err
	}
	log.WithField("output", buf.String()).Debug("command completed successfully")
	// Output from check-update lists the available update.
	return buf.Len() > 0, nil
}

func (e *executable) CheckUpdate(ctx context.Context) (bool, error) {
	return e.runOk(exec.CommandContext(ctx, e.bin, "check-update"))
}

func (e *executable) UpdateImage(ctx context.Context) error {
	_, err := e.runOk(exec.CommandContext(ctx, e.bin, "update-image"))
	return err
}

// UpdateApply marks the new image for the next boot. The agent reboots the
// host itself once the deployment is reported.
func (e *executable) UpdateApply(ctx context.Context) error {
	_, err := e.runOk(exec.CommandContext(ctx, e.bin, "update-apply"))
	return err
}

func (e *executable) RunningVersion() (string, error) {
	path := filepath.Join(e.rootFS, e.osRelease)
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "unable to read os release")
	}
	defer f.Close()
	return versionID(f)
}

// versionID finds VERSION_ID in os-release content.
func versionID(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "VERSION_ID=") {
			continue
		}
		v := strings.TrimPrefix(line, "VERSION_ID=")
		return strings.Trim(v, `"'`), nil
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "unable to read os release")
	}
	return "", errors.New("os release has no VERSION_ID")
}
