package config

import (
	"fmt"
	"os"
)

// Template is a commented starter config covering every key Load reads.
const Template = `# crisscross node configuration
node = "crisscross"
log_level = "info"

[listen]
addr = ":7400"
read_size = 32768
# idle_timeout = "5m"
# metrics_addr = "127.0.0.1:9400"

# [listen.tls]
# enabled = true
# mutual = false
# cert_file = "server.crt"
# key_file = "server.key"
# ca_file = "ca.crt"

[dial]
addr = "127.0.0.1:7400"
connect_timeout = "5s"
write_timeout = "15s"
max_attempts = 5
backoff_initial = "250ms"
backoff_multiplier = 2.0
backoff_max = "5s"
backoff_jitter = true

# [dial.tls]
# enabled = true
# ca_file = "ca.crt"
# server_name = "localhost"
# mutual = false
# cert_file = "client.crt"
# key_file = "client.key"
`

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
