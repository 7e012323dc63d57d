package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
credentials_file: /etc/eightsleepd/credentials.json
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.StatePath != DefaultStatePath {
		t.Fatalf("state path = %q, want %q", cfg.StatePath, DefaultStatePath)
	}
	if cfg.HTTPAddr != DefaultHTTPAddr {
		t.Fatalf("http addr = %q, want %q", cfg.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Timezone != DefaultTimezone {
		t.Fatalf("timezone = %q, want %q", cfg.Timezone, DefaultTimezone)
	}
	if cfg.Refresh.TelemetryInterval() != 5*time.Minute {
		t.Fatalf("telemetry interval = %v, want 5m", cfg.Refresh.TelemetryInterval())
	}
	if cfg.Refresh.BaseInterval() != time.Minute {
		t.Fatalf("base interval = %v, want 1m", cfg.Refresh.BaseInterval())
	}
	if cfg.MQTT.Enabled() {
		t.Fatalf("mqtt enabled without a host")
	}
}

func TestLoadMQTTDefaultsOnlyWhenEnabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
credentials_file: /etc/eightsleepd/credentials.json
mqtt:
  host: broker.local
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !cfg.MQTT.Enabled() {
		t.Fatalf("mqtt should be enabled")
	}
	if cfg.MQTT.Port != DefaultMQTTPort {
		t.Fatalf("mqtt port = %d, want %d", cfg.MQTT.Port, DefaultMQTTPort)
	}
	if cfg.MQTT.BaseTopic != DefaultMQTTTopic {
		t.Fatalf("mqtt topic = %q, want %q", cfg.MQTT.BaseTopic, DefaultMQTTTopic)
	}
	if cfg.MQTT.QoS != DefaultMQTTQoS {
		t.Fatalf("mqtt qos = %d, want %d", cfg.MQTT.QoS, DefaultMQTTQoS)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
credentials_file: /tmp/creds.json
state_path: /tmp/session.json
timezone: Europe/Amsterdam
http_addr: 127.0.0.1:9999
refresh:
  telemetry_seconds: 120
  base_seconds: 30
api:
  client_url: http://localhost:8080
  app_url: http://localhost:8081
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Timezone != "Europe/Amsterdam" {
		t.Fatalf("timezone = %q", cfg.Timezone)
	}
	if cfg.Refresh.TelemetryInterval() != 2*time.Minute {
		t.Fatalf("telemetry interval = %v, want 2m", cfg.Refresh.TelemetryInterval())
	}
	if cfg.API.ClientURL != "http://localhost:8080" {
		t.Fatalf("client url = %q", cfg.API.ClientURL)
	}
}

func TestLoadRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing credentials", `timezone: UTC`, "credentials_file"},
		{"bad timezone", "credentials_file: /tmp/creds.json\ntimezone: Mars/Olympus", "timezone"},
		{"bad qos", "credentials_file: /tmp/creds.json\nmqtt:\n  host: broker.local\n  qos: 3", "qos"},
		{"not yaml", `{{{`, "parse config"},
	}

	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil {
			t.Fatalf("%s: load accepted a broken config", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}
