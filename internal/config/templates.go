package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "peer":
		return peerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `node = "roverlink"
bind_addr = "0.0.0.0:7400"
advertise_addr = ""
log_level = "info"
status_interval = "1s"

inactivity_threshold = "10s"
failure_threshold = 3
max_restart_attempts = 3
sweep_interval = "5s"

poll_cap = "100ms"
read_buffer_bytes = 2000
incoming_buffer = 16

handshake_interval = "1s"
probe_interval = "2s"
disconnect_after = "30s"

api_addr = ":8080"
api_auth_token = ""
cors_origins = ["http://localhost:3000"]
api_tls_enabled = false
api_tls_cert_file = ""
api_tls_key_file = ""
`

const peerTemplate = `node = "rover"
bind_addr = "0.0.0.0:0"
advertise_addr = ""
log_level = "info"
channel_label = "telemetry"

host_url = "http://127.0.0.1:8080"
auth_token = ""
connect_timeout = "5s"
max_connect_attempts = 0
backoff_initial = "250ms"
backoff_multiplier = 2.0
backoff_max = "5s"
backoff_jitter = true
tls_ca_file = ""
tls_server_name = ""
insecure_skip_verify = false

inactivity_threshold = "10s"
failure_threshold = 3
max_restart_attempts = 3
sweep_interval = "5s"

poll_cap = "100ms"
read_buffer_bytes = 2000
incoming_buffer = 16

handshake_interval = "1s"
probe_interval = "2s"
disconnect_after = "30s"
`
