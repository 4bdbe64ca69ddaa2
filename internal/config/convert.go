package config

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultsTOML renders the effective defaults for one config kind as a
// TOML document.
func DefaultsTOML(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return marshalTOML(hostFileOf(DefaultHost()))
	case "peer":
		return marshalTOML(peerFileOf(DefaultPeer()))
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func marshalTOML(v any) (string, error) {
	out, err := toml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render config defaults: %w", err)
	}
	return string(out), nil
}

func hostFileOf(cfg Host) hostFile {
	return hostFile{
		Node:                cfg.Node,
		BindAddr:            cfg.BindAddr,
		AdvertiseAddr:       cfg.Server.AdvertiseAddr,
		LogLevel:            cfg.LogLevel,
		StatusInterval:      cfg.Mux.StatusInterval.String(),
		PollCap:             cfg.Mux.PollCap.String(),
		ReadBufferBytes:     cfg.Mux.ReadBufferBytes,
		IncomingBuffer:      cfg.Mux.IncomingBuffer,
		InactivityThreshold: cfg.Mux.Policy.InactivityThreshold.String(),
		FailureThreshold:    cfg.Mux.Policy.FailureThreshold,
		MaxRestartAttempts:  cfg.Mux.Policy.MaxRestartAttempts,
		SweepInterval:       cfg.Mux.Policy.SweepInterval.String(),
		HandshakeInterval:   cfg.Server.Tether.HandshakeInterval.String(),
		ProbeInterval:       cfg.Server.Tether.ProbeInterval.String(),
		DisconnectAfter:     cfg.Server.Tether.DisconnectAfter.String(),
		APIAddr:             cfg.Server.Addr,
		APIAuthToken:        cfg.Server.AuthToken,
		CORSOrigins:         normalizeList(cfg.Server.CORSOrigins),
		APITLSEnabled:       cfg.Server.TLS.Enabled,
		APITLSCertFile:      cfg.Server.TLS.CertFile,
		APITLSKeyFile:       cfg.Server.TLS.KeyFile,
	}
}

func peerFileOf(cfg Peer) peerFile {
	return peerFile{
		Node:                cfg.Node,
		BindAddr:            cfg.BindAddr,
		AdvertiseAddr:       cfg.AdvertiseAddr,
		LogLevel:            cfg.LogLevel,
		ChannelLabel:        cfg.ChannelLabel,
		HostURL:             cfg.Client.BaseURL,
		AuthToken:           cfg.Client.AuthToken,
		ConnectTimeout:      cfg.Client.ConnectTimeout.String(),
		MaxConnectAttempts:  cfg.Client.MaxConnectAttempts,
		BackoffInitial:      cfg.Client.Backoff.InitialDelay.String(),
		BackoffMultiplier:   cfg.Client.Backoff.Multiplier,
		BackoffMax:          cfg.Client.Backoff.MaxDelay.String(),
		BackoffJitter:       cfg.Client.Backoff.Jitter,
		TLSCAFile:           cfg.Client.TLSCAFile,
		TLSServerName:       cfg.Client.TLSServerName,
		InsecureSkipVerify:  cfg.Client.InsecureSkipVerify,
		PollCap:             cfg.Mux.PollCap.String(),
		ReadBufferBytes:     cfg.Mux.ReadBufferBytes,
		IncomingBuffer:      cfg.Mux.IncomingBuffer,
		InactivityThreshold: cfg.Mux.Policy.InactivityThreshold.String(),
		FailureThreshold:    cfg.Mux.Policy.FailureThreshold,
		MaxRestartAttempts:  cfg.Mux.Policy.MaxRestartAttempts,
		SweepInterval:       cfg.Mux.Policy.SweepInterval.String(),
		HandshakeInterval:   cfg.Tether.HandshakeInterval.String(),
		ProbeInterval:       cfg.Tether.ProbeInterval.String(),
		DisconnectAfter:     cfg.Tether.DisconnectAfter.String(),
	}
}
