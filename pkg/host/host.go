// Package host reboots the device and restarts the agent through systemd.
package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	systemd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	DefaultAgentUnit = "duagent.service"

	rebootTarget = "reboot.target"
	restartMode  = "always"
)

// Options locate systemd and the agent's unit.
type Options struct {
	// RootFS prefixes the host's systemd paths when the agent runs in a
	// container with the host root mounted.
	RootFS    string
	AgentUnit string
	// SkipReboot logs reboot requests instead of carrying them out.
	SkipReboot bool
}

// systemdConn is the part of the systemd dbus API the host uses.
type systemdConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitTypePropertyContext(ctx context.Context, unit, unitType, propertyName string) (*systemd.Property, error)
	ReloadContext(ctx context.Context) error
	Close()
}

// Host carries out the reboot and restart requests of completed
// deployments.
type Host struct {
	log        logging.Logger
	socket     string
	dropInDir  string
	agentUnit  string
	skipReboot bool

	connect func() (systemdConn, error)
}

func New(log logging.Logger, opts Options) *Host {
	if opts.AgentUnit == "" {
		opts.AgentUnit = DefaultAgentUnit
	}
	h := &Host{
		log:        log,
		socket:     filepath.Join(opts.RootFS, "/run/systemd/private"),
		dropInDir:  filepath.Join(opts.RootFS, "/run/systemd/system", opts.AgentUnit+".d"),
		agentUnit:  opts.AgentUnit,
		skipReboot: opts.SkipReboot,
	}
	h.connect = h.dial
	return h
}

// Reboot starts the reboot target and waits for systemd to accept the job.
func (h *Host) Reboot(ctx context.Context) error {
	if h.skipReboot {
		h.log.Warn("reboot requested, skipping as configured")
		return nil
	}
	conn, err := h.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	h.log.Info("rebooting host")
	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, rebootTarget, "replace-irreversibly", done); err != nil {
		return errors.Wrap(err, "unable to start reboot")
	}
	select {
	case res := <-done:
		if res != "done" {
			return errors.Errorf("reboot job %s", res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartAgent asks systemd to restart the agent's unit. The call returns
// once the job is queued; the restart stops this process.
func (h *Host) RestartAgent(ctx context.Context) error {
	conn, err := h.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	h.log.WithField("unit", h.agentUnit).Info("restarting agent")
	if _, err := conn.RestartUnitContext(ctx, h.agentUnit, "replace", nil); err != nil {
		return errors.Wrap(err, "unable to restart agent")
	}
	return nil
}

// EnsureRestartPolicy makes systemd restart the agent whenever it exits,
// which agent restarts requested by updates rely on. It reports whether a
// drop-in unit was written.
func (h *Host) EnsureRestartPolicy(ctx context.Context) (bool, error) {
	log := h.log.WithField("unit", h.agentUnit)
	conn, err := h.connect()
	if err != nil {
		log.Warn("unable to connect to systemd daemon socket")
		return false, err
	}
	defer conn.Close()

	prop, err := conn.GetUnitTypePropertyContext(ctx, h.agentUnit, "Service", "Restart")
	if err != nil {
		return false, errors.Wrap(err, "unable to query service unit")
	}
	mode, ok := prop.Value.Value().(string)
	if !ok {
		return false, errors.Errorf("unable to handle queried property: %q", prop)
	}
	log.WithField("Restart", mode).Debug("identified restart mode")
	if mode == restartMode {
		return false, nil
	}

	if err := h.writeDropIn(); err != nil {
		return false, err
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return false, errors.Wrap(err, "unable to execute daemon-reload")
	}
	log.Warn("applied restart policy")
	return true, nil
}

func (h *Host) writeDropIn() error {
	options := []*unit.UnitOption{
		unit.NewUnitOption("Service", "Restart", restartMode),
	}
	if err := os.MkdirAll(h.dropInDir, 0750); err != nil {
		return errors.Wrap(err, "unable to create transient unit dir")
	}
	f, err := os.Create(filepath.Join(h.dropInDir, "99-restart.conf"))
	if err != nil {
		return errors.Wrap(err, "unable to create drop in unit")
	}
	if _, err := io.Copy(f, unit.Serialize(options)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return errors.Wrap(err, "unable to write drop in unit")
	}
	return f.Close()
}

func (h *Host) dial() (systemdConn, error) {
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + h.socket)
		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to systemd socket")
		}
		// Authenticate with the user's authority.
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		if err := conn.Auth(methods); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "unable to authenticate with systemd")
		}
		return conn, nil
	}
	conn, err := systemd.NewConnection(dialer)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to systemd")
	}
	return conn, nil
}
