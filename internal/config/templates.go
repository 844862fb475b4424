package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindClient = "client"
	KindKernel = "kernel"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindClient:
		return clientTemplate, nil
	case KindKernel:
		return kernelTemplate, nil
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

// Validate loads path as the given kind and, unlike the loaders, also fails
// on keys that no setting reads.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindClient:
		if err := checkKnownKeys(path, &clientFile{}); err != nil {
			return err
		}
		_, err := LoadClientConfig(path)
		return err
	case KindKernel:
		if err := checkKnownKeys(path, &kernelFile{}); err != nil {
			return err
		}
		_, err := LoadKernelConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

// DefaultPath is where the tools look for a config of kind.
func DefaultPath(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindClient:
		return "cmd/ipcctl/config.toml", nil
	case KindKernel:
		return "cmd/kernelctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

const clientTemplate = `# address accepts host:port, tcp://host:port, unix:///path or vsock://cid:port
address = "127.0.0.1:8033"
token = "temp-dev-token"
client_version = "1"

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
write_timeout = "10s"
# 0s waits until the response arrives or the connection drops
request_timeout = "0s"
max_connect_attempts = 10
handler_workers = 16
handler_backlog = 256
write_queue_size = 256
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0
backoff_jitter = true
security_mode = "development"

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""
insecure_skip_verify = false
`

const kernelTemplate = `listen_addr = "127.0.0.1:8033"
echo_destination = 1024
admin_addr = "127.0.0.1:9464"
cors_origins = ["http://localhost:3000"]

[[tokens]]
token = "temp-dev-token"
service = "svc.dev"

[session]
handshake_timeout = "5s"
write_timeout = "10s"
request_timeout = "30s"
handler_workers = 16
handler_backlog = 256
write_queue_size = 256
security_mode = "development"

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`
