package commchannel

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPort      = 8883
	DefaultKeepAlive = 30 * time.Second
	DefaultClientID  = "adumqtt"

	ProtocolV31  = 3
	ProtocolV311 = 4
	ProtocolV5   = 5

	// systemCAPath is the CA path sentinel recorded when the system trust
	// store is used in place of a CA file.
	systemCAPath = "L"
)

// HostnameSource says where the broker hostname comes from.
type HostnameSource string

const (
	HostnameSourceNone               HostnameSource = "none"
	HostnameSourceRemoteProvisioning HostnameSource = "remote-provisioning"
	HostnameSourceConfigFile         HostnameSource = "config-file"
)

// Settings are the MQTT connection settings copied into a Channel.
type Settings struct {
	Hostname       string         `toml:"hostname"`
	HostnameSource HostnameSource `toml:"hostname-source"`
	Port           int            `toml:"port"`
	UseTLS         bool           `toml:"use-tls"`
	CAFile         string         `toml:"ca-file"`
	CertFile       string         `toml:"cert-file"`
	KeyFile        string         `toml:"key-file"`
	ClientID       string         `toml:"client-id"`
	Username       string         `toml:"username"`
	Password       string         `toml:"password"`
	KeepAliveSecs  int            `toml:"keep-alive-secs"`
	QoS            byte           `toml:"qos"`
	CleanSession   bool           `toml:"clean-session"`
	// ProtocolVersion is 3 (MQTT 3.1), 4 (3.1.1) or 5.
	ProtocolVersion int `toml:"protocol-version"`
}

// DefaultSettings returns the settings used for fields that are not
// configured.
func DefaultSettings() Settings {
	return Settings{
		HostnameSource:  HostnameSourceConfigFile,
		Port:            DefaultPort,
		UseTLS:          true,
		KeepAliveSecs:   int(DefaultKeepAlive / time.Second),
		CleanSession:    true,
		ProtocolVersion: ProtocolV311,
	}
}

// withDefaults fills unset numeric fields.
func (s Settings) withDefaults() Settings {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.KeepAliveSecs == 0 {
		s.KeepAliveSecs = int(DefaultKeepAlive / time.Second)
	}
	if s.ProtocolVersion == 0 {
		s.ProtocolVersion = ProtocolV311
	}
	if s.HostnameSource == "" {
		s.HostnameSource = HostnameSourceConfigFile
	}
	return s
}

// Validate reports settings no connection can succeed with.
func (s Settings) Validate() error {
	switch s.ProtocolVersion {
	case ProtocolV31, ProtocolV311, ProtocolV5:
	default:
		return errors.WithMessagef(ErrInvalid, "unsupported protocol version %d", s.ProtocolVersion)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errors.WithMessagef(ErrInvalid, "invalid port %d", s.Port)
	}
	if s.QoS > 2 {
		return errors.WithMessagef(ErrInvalid, "invalid qos %d", s.QoS)
	}
	switch s.HostnameSource {
	case HostnameSourceNone, HostnameSourceRemoteProvisioning, HostnameSourceConfigFile:
	default:
		return errors.WithMessagef(ErrInvalid, "unknown hostname source %q", s.HostnameSource)
	}
	if s.HostnameSource == HostnameSourceConfigFile && s.Hostname == "" {
		return errors.WithMessage(ErrInvalid, "hostname must be configured")
	}
	return nil
}

// KeepAlive is the keep-alive interval.
func (s Settings) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveSecs) * time.Second
}

// TLSSetup is the TLS configuration for a connection. CAPath is the
// systemCAPath sentinel when the system trust store is used.
type TLSSetup struct {
	Config *tls.Config
	CAPath string
}

// TLS builds the TLS configuration, or returns nil when TLS is disabled.
func (s Settings) TLS() (*TLSSetup, error) {
	if !s.UseTLS {
		return nil, nil
	}
	setup := &TLSSetup{
		Config: &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if s.CAFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "unable to load system trust store")
		}
		setup.Config.RootCAs = pool
		setup.CAPath = systemCAPath
	} else {
		pem, err := ioutil.ReadFile(s.CAFile)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read ca file %q", s.CAFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.WithMessagef(ErrInvalid, "no certificates in ca file %q", s.CAFile)
		}
		setup.Config.RootCAs = pool
	}

	if s.CertFile != "" || s.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "unable to load client certificate")
		}
		setup.Config.Certificates = []tls.Certificate{cert}
	}
	return setup, nil
}
