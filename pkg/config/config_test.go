package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/commchannel"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[agent]
device-id = "toaster-1"
root-keys-file = "/etc/duagent/roots.json"

[host]
skip-reboot = true

[mqtt]
hostname = "broker.example.com"
port = 1883
use-tls = false
protocol-version = 5
qos = 1

[retry.default]
max-retries = 5
max-delay-secs = 120
initial-delay-unit-ms = 500
max-jitter-percent = 10.0

[retry.serviceTransient]
max-retries = 10
max-delay-secs = 30
initial-delay-unit-ms = 1000
`

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "/var/lib/duagent/downloads", cfg.Agent.SandboxRoot)
	assert.Equal(t, 100*time.Millisecond, cfg.Agent.WorkInterval())
	assert.Equal(t, time.Hour, cfg.Agent.DownloadTimeout())
	assert.Equal(t, "duagent.service", cfg.Host.AgentUnit)
	assert.False(t, cfg.Host.SkipReboot)
	assert.Equal(t, "/usr/bin/updog", cfg.Updog.Bin)

	assert.Equal(t, commchannel.DefaultPort, cfg.MQTT.Port)
	assert.True(t, cfg.MQTT.UseTLS)
	assert.True(t, cfg.MQTT.CleanSession)
	assert.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive())
	assert.Equal(t, commchannel.ProtocolV311, cfg.MQTT.ProtocolVersion)
	assert.Equal(t, commchannel.HostnameSourceConfigFile, cfg.MQTT.HostnameSource)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)

	assert.Error(t, cfg.Validate(), "device id is required")
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "adu/oto/toaster-1/s", cfg.Agent.ServiceTopicFor())
	assert.Equal(t, "adu/oto/toaster-1/a", cfg.Agent.AgentTopicFor())
	assert.Equal(t, "/etc/duagent/roots.json", cfg.Agent.RootKeysFile)
	assert.True(t, cfg.Host.SkipReboot)

	assert.Equal(t, "broker.example.com", cfg.MQTT.Hostname)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.False(t, cfg.MQTT.UseTLS)
	assert.True(t, cfg.MQTT.CleanSession, "defaults fill keys left out of a table")
	assert.Equal(t, commchannel.ProtocolV5, cfg.MQTT.ProtocolVersion)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	def := cfg.Retry.For(retry.FailureClientTransient)
	assert.Equal(t, 5, def.MaxRetries)
	assert.Equal(t, 500, def.InitialDelayUnitMs)
	assert.Equal(t, 10.0, def.MaxJitterPercent)
	svc := cfg.Retry.For(retry.FailureServerTransient)
	assert.Equal(t, 10, svc.MaxRetries)
	assert.Equal(t, 30, svc.MaxDelaySecs)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("[agent\ndevice-id = 1"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testcases := []struct {
		name   string
		config string
		ok     bool
	}{
		{name: "minimal", config: "[agent]\ndevice-id = \"d\"\nroot-keys-file = \"k\"\n[mqtt]\nhostname = \"b\"\n", ok: true},
		{name: "no root keys", config: "[agent]\ndevice-id = \"d\"\n[mqtt]\nhostname = \"b\"\n"},
		{name: "unsigned allowed", config: "[agent]\ndevice-id = \"d\"\nallow-unsigned-manifests = true\n[mqtt]\nhostname = \"b\"\n", ok: true},
		{name: "no device", config: "[mqtt]\nhostname = \"b\"\n"},
		{name: "no hostname", config: "[agent]\ndevice-id = \"d\"\nroot-keys-file = \"k\"\n"},
		{name: "provisioned hostname", config: "[agent]\ndevice-id = \"d\"\nroot-keys-file = \"k\"\n[mqtt]\nhostname-source = \"remote-provisioning\"\n", ok: true},
		{name: "bad protocol", config: "[agent]\ndevice-id = \"d\"\nroot-keys-file = \"k\"\n[mqtt]\nhostname = \"b\"\nprotocol-version = 6\n"},
		{name: "bad port", config: "[agent]\ndevice-id = \"d\"\nroot-keys-file = \"k\"\n[mqtt]\nhostname = \"b\"\nport = 0\n"},
		{name: "bad interval", config: "[agent]\ndevice-id = \"d\"\nroot-keys-file = \"k\"\nwork-interval-ms = 0\n[mqtt]\nhostname = \"b\"\n"},
		{name: "bad jitter", config: "[agent]\ndevice-id = \"d\"\nroot-keys-file = \"k\"\n[mqtt]\nhostname = \"b\"\n[retry.default]\nmax-jitter-percent = 150.0\n"},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.config))
			require.NoError(t, err)
			if tc.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestValidateRootKeys(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.DeviceID = "toaster-1"
	cfg.MQTT.Hostname = "broker.example.com"
	assert.False(t, cfg.Agent.AllowUnsignedManifests)
	assert.ErrorContains(t, cfg.Validate(), "root-keys-file")

	cfg.Agent.AllowUnsignedManifests = true
	assert.NoError(t, cfg.Validate())

	cfg.Agent.AllowUnsignedManifests = false
	cfg.Agent.RootKeysFile = "/etc/duagent/roots.json"
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(testConfig), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "toaster-1", cfg.Agent.DeviceID)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.toml")
	require.NoError(t, ioutil.WriteFile(invalid, []byte("[mqtt]\nhostname = \"b\"\n"), 0600))
	_, err = Load(invalid)
	assert.Error(t, err)
}
