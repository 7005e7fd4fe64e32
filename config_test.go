package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ipserver/intercom"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, "portaudio", c.Audio.Backend)
	assert.Equal(t, 48000, c.Audio.SampleRate)
	assert.Equal(t, 48, c.Audio.Period)
	assert.Equal(t, 5, c.Tablet.BindRetryInterval)
	assert.Equal(t, 80, c.Tablet.BindRetryMax)

	st, ok := c.Station(intercom.FirstOfficer)
	require.True(t, ok)
	assert.Equal(t, "224.224.130.3:51003", st.TabletGroup)
	assert.Equal(t, uint32(0x49500001), st.RTP.SSRC)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: "1.2"
stations:
  - identity: O
    audio_device: hw:2
  - identity: C
  - identity: first_officer
    tablet_group: 239.1.1.1:6000
audio:
  period: 96
logging:
  level: debug
  format: json
`)

	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 96, c.Audio.Period)
	assert.Equal(t, 48000, c.Audio.SampleRate)

	obs, ok := c.Station(intercom.Observer)
	require.True(t, ok)
	assert.Equal(t, "hw:2", obs.AudioDevice)
	assert.Equal(t, "224.224.130.2:51002", obs.TabletGroup)

	fo, ok := c.Station(intercom.FirstOfficer)
	require.True(t, ok)
	assert.Equal(t, "239.1.1.1:6000", fo.TabletGroup)
	assert.Equal(t, "first_officer", fo.AudioDevice)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigBadAllowedHosts(t *testing.T) {
	path := writeConfig(t, `
prometheus:
  enabled: true
  allowed_hosts: ["not-an-ip"]
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"future config version", func(c *Config) { c.ConfigVersion = "2.0" }},
		{"garbage config version", func(c *Config) { c.ConfigVersion = "one" }},
		{"two stations", func(c *Config) { c.Stations = c.Stations[:2] }},
		{"duplicate identity", func(c *Config) { c.Stations[2].Identity = "C" }},
		{"unknown identity", func(c *Config) { c.Stations[0].Identity = "X" }},
		{"bad tablet group", func(c *Config) { c.Stations[1].TabletGroup = "nowhere" }},
		{"unknown backend", func(c *Config) { c.Audio.Backend = "alsa" }},
		{"rtp without streams", func(c *Config) { c.Audio.Backend = "rtp" }},
		{"single buffer", func(c *Config) { c.Audio.BufferPeriods = 1 }},
		{"negative jitter periods", func(c *Config) { c.Audio.JitterPeriods = -1 }},
		{"negative status interval", func(c *Config) { c.Server.StatusInterval = -1 }},
		{"negative publish interval", func(c *Config) { c.MQTT.PublishInterval = -5 }},
		{"retry beyond max", func(c *Config) { c.Tablet.BindRetryInterval = 100 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"mqtt qos", func(c *Config) { c.MQTT.Enabled, c.MQTT.Broker, c.MQTT.QoS = true, "tcp://b:1883", 3 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadConfigRejectsNegativeIntervals(t *testing.T) {
	path := writeConfig(t, `
audio:
  jitter_periods: -1
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  publish_interval: -5
`)
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Error(t, c.Validate())

	c.Audio.JitterPeriods = 4
	assert.ErrorContains(t, c.Validate(), "mqtt.publish_interval")
}

func TestValidateRTPBackend(t *testing.T) {
	c := DefaultConfig()
	c.Audio.Backend = "rtp"
	for i := range c.Stations {
		c.Stations[i].RTP.Source = "239.69.0.1:5004"
		c.Stations[i].RTP.Destination = "239.69.1.1:5004"
	}
	assert.NoError(t, c.Validate())
}

func TestPrometheusAllowedHosts(t *testing.T) {
	pc := PrometheusConfig{AllowedHosts: []string{"127.0.0.1", "10.0.0.0/8", "::1"}}
	require.NoError(t, pc.parseAllowedHosts())

	assert.True(t, pc.IsIPAllowed("127.0.0.1"))
	assert.True(t, pc.IsIPAllowed("10.20.30.40"))
	assert.True(t, pc.IsIPAllowed("::1"))
	assert.False(t, pc.IsIPAllowed("127.0.0.2"))
	assert.False(t, pc.IsIPAllowed("192.168.1.1"))
	assert.False(t, pc.IsIPAllowed("garbage"))
}
