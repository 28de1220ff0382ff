package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// defaultConfigYAML is the starter configuration written by
// "fungid init". Every value shown is the default; uncomment and edit
// to change.
const defaultConfigYAML = `# fungid configuration
#
# Environment variables are expanded: password: ${MQTT_PASSWORD}

listen:
  address: ""        # all interfaces
  port: 3001

ollama:
  url: http://localhost:11434
  model: llama3.2
  # timeout_sec: 300

predictor:
  url: http://localhost:3002
  # timeout_sec: 10

data_dir: ./data
log_level: info      # trace, debug, info, warn, error

mqtt:
  enabled: false
  # broker: mqtt://broker.local:1883
  # username: fungid
  # password: ${MQTT_PASSWORD}
  # topic_prefix: fungid
  # publish_interval_sec: 60
  # max_messages_per_min: 600

alerts:
  enabled: true
  # recipients:
  #   - grower@example.com
  # cooldown_min: 30

# smtp:
#   host: smtp.example.com
#   port: 587
#   username: fungid@example.com
#   password: ${SMTP_PASSWORD}
#   from: "Fungid <fungid@example.com>"
`

// runInit initializes a fungid working directory. It creates the data
// and guides directories and writes a starter config. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing fungid workspace in %s\n", dir)

	for _, sub := range []string{"data", "guides"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, []byte(defaultConfigYAML)); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then start the daemon with: fungid serve")
	fmt.Fprintln(w, "Drop species guides (.md or .html) into guides/ and import them with: fungid ingest")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never clobbers user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
