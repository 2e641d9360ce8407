package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "script":
		return scriptTemplate, nil
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

const nodeTemplate = `[pipeline]
name = "dgpipe-node"
local_host = "0.0.0.0"
local_port = 9000
# default destination for messages enqueued without one
remote_host = ""
remote_port = 0
poll_interval = "10s"
queue_capacity = 10000
datagram_bytes = 1280
put_attempts = 4
put_timeout = "1s"
max_chars = 256
compress = false
echo = true

[pipeline.backoff]
initial = "250ms"
multiplier = 2.0
max = "2s"
jitter = true

[log]
level = "info"
file = ""

[status]
enabled = true
addr = "127.0.0.1:9090"
cors_origins = ["http://localhost:3000"]
`

const scriptTemplate = `to = "127.0.0.1:9000"
linger = "2s"
interval = "0s"
messages = ["0", "1", "2", "3", "4", "5", "6", "7", "8", "9"]
`
