// Package config loads the TOML configuration for the roverlink
// binaries. Keys present in the file override the runtime defaults;
// absent keys leave them alone.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/roverlink/internal/mux"
	"github.com/danmuck/roverlink/internal/signaling"
	"github.com/danmuck/roverlink/internal/tether"
)

// Host bundles the runtime settings for one host process: the UDP
// loop, its recovery policy, and the signaling API.
type Host struct {
	Node     string
	BindAddr string
	LogLevel string
	Mux      mux.Config
	Server   signaling.ServerConfig
}

// Peer bundles the runtime settings for one peer process: the UDP
// loop, the connection timing, and the signaling client.
type Peer struct {
	Node          string
	BindAddr      string
	AdvertiseAddr string
	LogLevel      string
	ChannelLabel  string
	Mux           mux.Config
	Client        signaling.ClientConfig
	Tether        tether.Config
}

func DefaultHost() Host {
	cfg := Host{
		Node:     "roverlink",
		BindAddr: "0.0.0.0:7400",
		LogLevel: "info",
		Mux:      mux.DefaultConfig(),
		Server:   signaling.DefaultServerConfig(),
	}
	cfg.Mux.StatusInterval = time.Second
	cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	return cfg
}

func DefaultPeer() Peer {
	cfg := Peer{
		Node:         "rover",
		BindAddr:     "0.0.0.0:0",
		LogLevel:     "info",
		ChannelLabel: "telemetry",
		Mux:          mux.DefaultConfig(),
		Client:       signaling.DefaultClientConfig(),
		Tether:       tether.DefaultConfig(),
	}
	cfg.Client.BaseURL = "http://127.0.0.1:8080"
	return cfg
}

// host config.toml key mapping to host runtime settings.
type hostFile struct {
	Node                string   `toml:"node"`
	BindAddr            string   `toml:"bind_addr"`
	AdvertiseAddr       string   `toml:"advertise_addr"`
	LogLevel            string   `toml:"log_level"`
	StatusInterval      string   `toml:"status_interval"`
	PollCap             string   `toml:"poll_cap"`
	ReadBufferBytes     int      `toml:"read_buffer_bytes"`
	IncomingBuffer      int      `toml:"incoming_buffer"`
	InactivityThreshold string   `toml:"inactivity_threshold"`
	FailureThreshold    int      `toml:"failure_threshold"`
	MaxRestartAttempts  int      `toml:"max_restart_attempts"`
	SweepInterval       string   `toml:"sweep_interval"`
	HandshakeInterval   string   `toml:"handshake_interval"`
	ProbeInterval       string   `toml:"probe_interval"`
	DisconnectAfter     string   `toml:"disconnect_after"`
	APIAddr             string   `toml:"api_addr"`
	APIAuthToken        string   `toml:"api_auth_token"`
	CORSOrigins         []string `toml:"cors_origins"`
	APITLSEnabled       bool     `toml:"api_tls_enabled"`
	APITLSCertFile      string   `toml:"api_tls_cert_file"`
	APITLSKeyFile       string   `toml:"api_tls_key_file"`
}

// peer config.toml key mapping to peer runtime settings.
type peerFile struct {
	Node                string  `toml:"node"`
	BindAddr            string  `toml:"bind_addr"`
	AdvertiseAddr       string  `toml:"advertise_addr"`
	LogLevel            string  `toml:"log_level"`
	ChannelLabel        string  `toml:"channel_label"`
	HostURL             string  `toml:"host_url"`
	AuthToken           string  `toml:"auth_token"`
	ConnectTimeout      string  `toml:"connect_timeout"`
	MaxConnectAttempts  int     `toml:"max_connect_attempts"`
	BackoffInitial      string  `toml:"backoff_initial"`
	BackoffMultiplier   float64 `toml:"backoff_multiplier"`
	BackoffMax          string  `toml:"backoff_max"`
	BackoffJitter       bool    `toml:"backoff_jitter"`
	TLSCAFile           string  `toml:"tls_ca_file"`
	TLSServerName       string  `toml:"tls_server_name"`
	InsecureSkipVerify  bool    `toml:"insecure_skip_verify"`
	PollCap             string  `toml:"poll_cap"`
	ReadBufferBytes     int     `toml:"read_buffer_bytes"`
	IncomingBuffer      int     `toml:"incoming_buffer"`
	InactivityThreshold string  `toml:"inactivity_threshold"`
	FailureThreshold    int     `toml:"failure_threshold"`
	MaxRestartAttempts  int     `toml:"max_restart_attempts"`
	SweepInterval       string  `toml:"sweep_interval"`
	HandshakeInterval   string  `toml:"handshake_interval"`
	ProbeInterval       string  `toml:"probe_interval"`
	DisconnectAfter     string  `toml:"disconnect_after"`
}

// LoadHost reads a host config file and overlays it onto the defaults.
func LoadHost(path string) (Host, error) {
	cfg := DefaultHost()

	var raw hostFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Host{}, fmt.Errorf("load host config: %w", err)
	}

	if meta.IsDefined("node") {
		if node := strings.TrimSpace(raw.Node); node != "" {
			cfg.Node = node
		}
	}
	if meta.IsDefined("bind_addr") {
		cfg.BindAddr = strings.TrimSpace(raw.BindAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.Server.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if err := overrideDuration(meta, "status_interval", raw.StatusInterval, &cfg.Mux.StatusInterval); err != nil {
		return Host{}, err
	}
	if err := overrideDuration(meta, "poll_cap", raw.PollCap, &cfg.Mux.PollCap); err != nil {
		return Host{}, err
	}
	if meta.IsDefined("read_buffer_bytes") {
		cfg.Mux.ReadBufferBytes = raw.ReadBufferBytes
	}
	if meta.IsDefined("incoming_buffer") {
		cfg.Mux.IncomingBuffer = raw.IncomingBuffer
	}
	if err := overrideDuration(meta, "inactivity_threshold", raw.InactivityThreshold, &cfg.Mux.Policy.InactivityThreshold); err != nil {
		return Host{}, err
	}
	if meta.IsDefined("failure_threshold") {
		cfg.Mux.Policy.FailureThreshold = raw.FailureThreshold
	}
	if meta.IsDefined("max_restart_attempts") {
		cfg.Mux.Policy.MaxRestartAttempts = raw.MaxRestartAttempts
	}
	if err := overrideDuration(meta, "sweep_interval", raw.SweepInterval, &cfg.Mux.Policy.SweepInterval); err != nil {
		return Host{}, err
	}
	if err := overrideDuration(meta, "handshake_interval", raw.HandshakeInterval, &cfg.Server.Tether.HandshakeInterval); err != nil {
		return Host{}, err
	}
	if err := overrideDuration(meta, "probe_interval", raw.ProbeInterval, &cfg.Server.Tether.ProbeInterval); err != nil {
		return Host{}, err
	}
	if err := overrideDuration(meta, "disconnect_after", raw.DisconnectAfter, &cfg.Server.Tether.DisconnectAfter); err != nil {
		return Host{}, err
	}
	if meta.IsDefined("api_addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.APIAddr)
	}
	if meta.IsDefined("api_auth_token") {
		cfg.Server.AuthToken = strings.TrimSpace(raw.APIAuthToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Server.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("api_tls_enabled") {
		cfg.Server.TLS.Enabled = raw.APITLSEnabled
	}
	if meta.IsDefined("api_tls_cert_file") {
		cfg.Server.TLS.CertFile = strings.TrimSpace(raw.APITLSCertFile)
	}
	if meta.IsDefined("api_tls_key_file") {
		cfg.Server.TLS.KeyFile = strings.TrimSpace(raw.APITLSKeyFile)
	}

	cfg.Mux.Node = cfg.Node
	cfg.Server.Node = cfg.Node
	if err := cfg.Validate(); err != nil {
		return Host{}, err
	}
	return cfg, nil
}

// LoadPeer reads a peer config file and overlays it onto the defaults.
func LoadPeer(path string) (Peer, error) {
	cfg := DefaultPeer()

	var raw peerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Peer{}, fmt.Errorf("load peer config: %w", err)
	}

	if meta.IsDefined("node") {
		if node := strings.TrimSpace(raw.Node); node != "" {
			cfg.Node = node
		}
	}
	if meta.IsDefined("bind_addr") {
		cfg.BindAddr = strings.TrimSpace(raw.BindAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("channel_label") {
		cfg.ChannelLabel = strings.TrimSpace(raw.ChannelLabel)
	}
	if meta.IsDefined("host_url") {
		cfg.Client.BaseURL = strings.TrimSpace(raw.HostURL)
	}
	if meta.IsDefined("auth_token") {
		cfg.Client.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if err := overrideDuration(meta, "connect_timeout", raw.ConnectTimeout, &cfg.Client.ConnectTimeout); err != nil {
		return Peer{}, err
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Client.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if err := overrideDuration(meta, "backoff_initial", raw.BackoffInitial, &cfg.Client.Backoff.InitialDelay); err != nil {
		return Peer{}, err
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Client.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if err := overrideDuration(meta, "backoff_max", raw.BackoffMax, &cfg.Client.Backoff.MaxDelay); err != nil {
		return Peer{}, err
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Client.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Client.TLSCAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Client.TLSServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("insecure_skip_verify") {
		cfg.Client.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if err := overrideDuration(meta, "poll_cap", raw.PollCap, &cfg.Mux.PollCap); err != nil {
		return Peer{}, err
	}
	if meta.IsDefined("read_buffer_bytes") {
		cfg.Mux.ReadBufferBytes = raw.ReadBufferBytes
	}
	if meta.IsDefined("incoming_buffer") {
		cfg.Mux.IncomingBuffer = raw.IncomingBuffer
	}
	if err := overrideDuration(meta, "inactivity_threshold", raw.InactivityThreshold, &cfg.Mux.Policy.InactivityThreshold); err != nil {
		return Peer{}, err
	}
	if meta.IsDefined("failure_threshold") {
		cfg.Mux.Policy.FailureThreshold = raw.FailureThreshold
	}
	if meta.IsDefined("max_restart_attempts") {
		cfg.Mux.Policy.MaxRestartAttempts = raw.MaxRestartAttempts
	}
	if err := overrideDuration(meta, "sweep_interval", raw.SweepInterval, &cfg.Mux.Policy.SweepInterval); err != nil {
		return Peer{}, err
	}
	if err := overrideDuration(meta, "handshake_interval", raw.HandshakeInterval, &cfg.Tether.HandshakeInterval); err != nil {
		return Peer{}, err
	}
	if err := overrideDuration(meta, "probe_interval", raw.ProbeInterval, &cfg.Tether.ProbeInterval); err != nil {
		return Peer{}, err
	}
	if err := overrideDuration(meta, "disconnect_after", raw.DisconnectAfter, &cfg.Tether.DisconnectAfter); err != nil {
		return Peer{}, err
	}

	cfg.Mux.Node = cfg.Node
	if err := cfg.Validate(); err != nil {
		return Peer{}, err
	}
	return cfg, nil
}

func (c Host) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("host config missing bind_addr")
	}
	if err := c.Mux.Validate(); err != nil {
		return fmt.Errorf("host config: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("host config: %w", err)
	}
	return nil
}

func (c Peer) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("peer config missing bind_addr")
	}
	if strings.TrimSpace(c.ChannelLabel) == "" {
		return fmt.Errorf("peer config missing channel_label")
	}
	if strings.TrimSpace(c.Client.BaseURL) == "" {
		return fmt.Errorf("peer config missing host_url")
	}
	if err := c.Mux.Validate(); err != nil {
		return fmt.Errorf("peer config: %w", err)
	}
	if err := c.Tether.Validate(); err != nil {
		return fmt.Errorf("peer config: %w", err)
	}
	return nil
}

func overrideDuration(meta toml.MetaData, key, raw string, out *time.Duration) error {
	if !meta.IsDefined(key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*out = d
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
