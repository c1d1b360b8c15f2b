// Package config loads the agent's TOML configuration file.
package config

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/commchannel"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler/updog"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/host"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/retry"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	DefaultPath = "/etc/duagent/config.toml"

	// DeviceIDPlaceholder is replaced with the device id in topic templates.
	DeviceIDPlaceholder = "{device-id}"
)

// Config is the agent configuration.
type Config struct {
	Agent Agent                `toml:"agent"`
	Host  Host                 `toml:"host"`
	Updog Updog                `toml:"updog"`
	MQTT  commchannel.Settings `toml:"mqtt"`
	// Retry holds retry parameters by failure class name.
	Retry retry.ParamsSet `toml:"retry"`
}

type Agent struct {
	DeviceID    string `toml:"device-id"`
	SandboxRoot string `toml:"sandbox-root"`
	// ServiceTopic receives update actions; AgentTopic carries reports.
	ServiceTopic string `toml:"service-topic"`
	AgentTopic   string `toml:"agent-topic"`
	// RootKeysFile is a JSON web key set verifying manifest signatures. It
	// is required unless AllowUnsignedManifests is set.
	RootKeysFile string `toml:"root-keys-file"`
	// AllowUnsignedManifests runs without root keys, leaving manifests
	// unverified and their version ungated.
	AllowUnsignedManifests bool `toml:"allow-unsigned-manifests"`

	DownloadTimeoutSecs int    `toml:"download-timeout-secs"`
	WorkIntervalMs      int    `toml:"work-interval-ms"`
	LogLevel            string `toml:"log-level"`
}

type Host struct {
	RootFS     string `toml:"root-fs"`
	AgentUnit  string `toml:"agent-unit"`
	SkipReboot bool   `toml:"skip-reboot"`
}

type Updog struct {
	Bin       string `toml:"bin"`
	OSRelease string `toml:"os-release"`
}

// defaults are applied for every key the document leaves out.
var defaults = map[string]interface{}{
	"agent.sandbox-root":          workflow.DefaultSandboxRoot,
	"agent.service-topic":         "adu/oto/" + DeviceIDPlaceholder + "/s",
	"agent.agent-topic":           "adu/oto/" + DeviceIDPlaceholder + "/a",
	"agent.download-timeout-secs": int64(3600),
	"agent.work-interval-ms":      int64(100),
	"agent.log-level":             "info",

	"agent.allow-unsigned-manifests": false,

	"host.agent-unit": host.DefaultAgentUnit,

	"updog.bin":        updog.DefaultBin,
	"updog.os-release": updog.DefaultOSRelease,

	"mqtt.hostname-source":  string(commchannel.HostnameSourceConfigFile),
	"mqtt.port":             int64(commchannel.DefaultPort),
	"mqtt.use-tls":          true,
	"mqtt.keep-alive-secs":  int64(commchannel.DefaultKeepAlive / time.Second),
	"mqtt.qos":              int64(0),
	"mqtt.clean-session":    true,
	"mqtt.protocol-version": int64(commchannel.ProtocolV311),
}

// Defaults is the configuration of an empty file.
func Defaults() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config")
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a TOML document, filling in defaults for the keys it leaves
// out.
func Parse(raw []byte) (*Config, error) {
	tree, err := toml.LoadBytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse config")
	}
	for key, value := range defaults {
		if !tree.Has(key) {
			tree.Set(key, value)
		}
	}
	cfg := Config{}
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode config")
	}
	return &cfg, nil
}

// Validate reports a configuration the agent cannot run with.
func (c *Config) Validate() error {
	if c.Agent.DeviceID == "" {
		return errors.New("agent device-id must be configured")
	}
	if c.Agent.RootKeysFile == "" && !c.Agent.AllowUnsignedManifests {
		return errors.New("agent root-keys-file must be configured unless allow-unsigned-manifests is set")
	}
	if c.Agent.DownloadTimeoutSecs <= 0 {
		return errors.Errorf("invalid download-timeout-secs %d", c.Agent.DownloadTimeoutSecs)
	}
	if c.Agent.WorkIntervalMs <= 0 {
		return errors.Errorf("invalid work-interval-ms %d", c.Agent.WorkIntervalMs)
	}
	if c.Agent.ServiceTopic == "" || c.Agent.AgentTopic == "" {
		return errors.New("agent topics must be configured")
	}
	for name, p := range c.Retry {
		if p.MaxJitterPercent < 0 || p.MaxJitterPercent > 100 {
			return errors.Errorf("retry %s: max-jitter-percent %v out of range", name, p.MaxJitterPercent)
		}
		if p.MaxRetries < 0 {
			return errors.Errorf("retry %s: negative max-retries", name)
		}
	}
	return errors.WithMessage(c.MQTT.Validate(), "mqtt")
}

// ServiceTopicFor is the topic update actions arrive on.
func (a Agent) ServiceTopicFor() string {
	return strings.ReplaceAll(a.ServiceTopic, DeviceIDPlaceholder, a.DeviceID)
}

// AgentTopicFor is the topic reports are published to.
func (a Agent) AgentTopicFor() string {
	return strings.ReplaceAll(a.AgentTopic, DeviceIDPlaceholder, a.DeviceID)
}

func (a Agent) DownloadTimeout() time.Duration {
	return time.Duration(a.DownloadTimeoutSecs) * time.Second
}

func (a Agent) WorkInterval() time.Duration {
	return time.Duration(a.WorkIntervalMs) * time.Millisecond
}
