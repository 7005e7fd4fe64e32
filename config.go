package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/cwsl/ipserver/intercom"
)

// SupportedConfigVersions is the range of config_version values this build understands
const SupportedConfigVersions = ">= 1.0, < 2.0"

// Config represents the application configuration
type Config struct {
	ConfigVersion string           `yaml:"config_version"`
	Stations      []StationConfig  `yaml:"stations"`
	Audio         AudioConfig      `yaml:"audio"`
	Wavetable     WavetableConfig  `yaml:"wavetable"`
	Realtime      RealtimeConfig   `yaml:"realtime"`
	Tablet        TabletConfig     `yaml:"tablet"`
	Server        ServerConfig     `yaml:"server"`
	Prometheus    PrometheusConfig `yaml:"prometheus"`
	MQTT          MQTTConfig       `yaml:"mqtt"`
	Logging       LoggingConfig    `yaml:"logging"`
}

// StationConfig describes one crew seat
type StationConfig struct {
	Identity    string    `yaml:"identity"`     // C, F or O
	AudioDevice string    `yaml:"audio_device"` // Sound card name (portaudio backend)
	TabletGroup string    `yaml:"tablet_group"` // Multicast group:port the panel publishes on
	Interface   string    `yaml:"interface"`    // Network interface for multicast (empty = first multicast-capable)
	RTP         RTPConfig `yaml:"rtp"`          // AoIP streams (rtp backend)
}

// RTPConfig contains the AoIP stream addresses for one seat
type RTPConfig struct {
	Source      string `yaml:"source"`      // Multicast group:port carrying the seat's capture audio
	Destination string `yaml:"destination"` // Multicast group:port for the seat's mixed output
	SSRC        uint32 `yaml:"ssrc"`        // SSRC for outgoing packets (0 = derived from identity)
}

// AudioConfig contains audio device settings shared by all stations
type AudioConfig struct {
	Backend       string `yaml:"backend"`        // "portaudio" or "rtp"
	SampleRate    int    `yaml:"sample_rate"`    // Samples per second
	Period        int    `yaml:"period"`         // Samples per processing period
	BufferPeriods int    `yaml:"buffer_periods"` // Device buffer size in periods
	PayloadType   uint8  `yaml:"payload_type"`   // RTP payload type for L16 audio
	JitterPeriods int    `yaml:"jitter_periods"` // RTP receive queue depth in periods
}

// WavetableConfig points at the synthetic receiver recordings
type WavetableConfig struct {
	Config string `yaml:"config"` // Path to wavefile.cfg (empty = all receivers silent)
}

// RealtimeConfig contains scheduling settings for the station threads
type RealtimeConfig struct {
	Enabled    bool `yaml:"enabled"`     // Use SCHED_RR for station threads
	Priority   int  `yaml:"priority"`    // SCHED_RR priority (0 = maximum)
	LockMemory bool `yaml:"lock_memory"` // mlockall current and future pages
}

// TabletConfig contains panel socket settings
type TabletConfig struct {
	BindRetryInterval int `yaml:"bind_retry_interval_sec"` // Seconds between bind attempts
	BindRetryMax      int `yaml:"bind_retry_max_sec"`      // Give up binding after this many seconds
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen         string `yaml:"listen"`          // HTTP listen address for status and metrics
	StatusInterval int    `yaml:"status_interval"` // Seconds between status pushes on /ws/status
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool     `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// MQTTConfig contains MQTT publishing settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Publishing interval for metrics and status in seconds
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for MQTT messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, logfmt or json
}

// defaultStations are the seats, sound cards and panel groups of a standard install
var defaultStations = []StationConfig{
	{Identity: "C", AudioDevice: "captain", TabletGroup: "224.224.130.1:51001"},
	{Identity: "F", AudioDevice: "first_officer", TabletGroup: "224.224.130.3:51003"},
	{Identity: "O", AudioDevice: "observer", TabletGroup: "224.224.130.2:51002"},
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	// Set defaults if not specified
	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in every unset field
func (c *Config) applyDefaults() {
	if c.ConfigVersion == "" {
		c.ConfigVersion = "1.0"
	}

	if len(c.Stations) == 0 {
		c.Stations = append([]StationConfig(nil), defaultStations...)
	}
	for i := range c.Stations {
		st := &c.Stations[i]
		id, err := intercom.ParseIdentity(st.Identity)
		if err != nil {
			// Reported by Validate
			continue
		}
		def := defaultStations[id]
		if st.AudioDevice == "" {
			st.AudioDevice = def.AudioDevice
		}
		if st.TabletGroup == "" {
			st.TabletGroup = def.TabletGroup
		}
		if st.RTP.SSRC == 0 {
			st.RTP.SSRC = 0x49500000 | uint32(id)
		}
	}

	if c.Audio.Backend == "" {
		c.Audio.Backend = "portaudio"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.Period == 0 {
		c.Audio.Period = 48 // 1 ms at 48 kHz
	}
	if c.Audio.BufferPeriods == 0 {
		c.Audio.BufferPeriods = 2
	}
	if c.Audio.PayloadType == 0 {
		c.Audio.PayloadType = 96 // first dynamic payload type, L16 by convention
	}
	if c.Audio.JitterPeriods == 0 {
		c.Audio.JitterPeriods = 4
	}

	if c.Tablet.BindRetryInterval == 0 {
		c.Tablet.BindRetryInterval = 5
	}
	if c.Tablet.BindRetryMax == 0 {
		c.Tablet.BindRetryMax = 80
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.StatusInterval == 0 {
		c.Server.StatusInterval = 1
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ipserver"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	v, err := version.NewVersion(c.ConfigVersion)
	if err != nil {
		return fmt.Errorf("invalid config_version %q: %w", c.ConfigVersion, err)
	}
	constraint, err := version.NewConstraint(SupportedConfigVersions)
	if err != nil {
		return fmt.Errorf("bad version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config_version %s is not supported (need %s)", v, SupportedConfigVersions)
	}

	if len(c.Stations) != intercom.NumStations {
		return fmt.Errorf("exactly %d stations are required, got %d", intercom.NumStations, len(c.Stations))
	}
	seen := make(map[intercom.Identity]bool)
	for i, st := range c.Stations {
		id, err := intercom.ParseIdentity(st.Identity)
		if err != nil {
			return fmt.Errorf("stations[%d]: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("stations[%d]: duplicate identity %s", i, id.Code())
		}
		seen[id] = true
		if _, err := net.ResolveUDPAddr("udp4", st.TabletGroup); err != nil {
			return fmt.Errorf("stations[%d].tablet_group: %w", i, err)
		}
		if c.Audio.Backend == "rtp" {
			if st.RTP.Source == "" || st.RTP.Destination == "" {
				return fmt.Errorf("stations[%d].rtp: source and destination are required for the rtp backend", i)
			}
		}
	}

	switch c.Audio.Backend {
	case "portaudio", "rtp":
	default:
		return fmt.Errorf("audio.backend must be portaudio or rtp, got %q", c.Audio.Backend)
	}
	if c.Audio.SampleRate < 8000 {
		return fmt.Errorf("audio.sample_rate must be at least 8000")
	}
	if c.Audio.Period < 1 {
		return fmt.Errorf("audio.period must be at least 1")
	}
	if c.Audio.BufferPeriods < 2 {
		return fmt.Errorf("audio.buffer_periods must be at least 2")
	}
	if c.Audio.JitterPeriods < 1 {
		return fmt.Errorf("audio.jitter_periods must be at least 1")
	}

	if c.Tablet.BindRetryInterval < 1 || c.Tablet.BindRetryMax < c.Tablet.BindRetryInterval {
		return fmt.Errorf("tablet bind retry interval must be positive and not exceed the maximum")
	}

	if c.Server.StatusInterval < 1 {
		return fmt.Errorf("server.status_interval must be at least 1 second")
	}
	if c.MQTT.PublishInterval < 1 {
		return fmt.Errorf("mqtt.publish_interval must be at least 1 second")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "logfmt", "json":
	default:
		return fmt.Errorf("logging.format must be text, logfmt or json")
	}

	return nil
}

// Station returns the configuration for a seat
func (c *Config) Station(id intercom.Identity) (StationConfig, bool) {
	for _, st := range c.Stations {
		if pid, err := intercom.ParseIdentity(st.Identity); err == nil && pid == id {
			return st, true
		}
	}
	return StationConfig{}, false
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}

		// Single addresses become /32 or /128
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip4 := ip.To4(); ip4 != nil {
			ip, bits = ip4, 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
