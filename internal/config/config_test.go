package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks the override variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AMI_SECRET", "DATABASE_DSN", "REDIS_ADDR"} {
		t.Setenv(k, "")
	}
}

const minimal = `
ami:
  username: admin
  secret: s3cret
database:
  dsn: postgres://crm@localhost/crm
`

func TestLoadValidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
ami:
  host: 192.168.1.200
  port: 5038
  username: admin
  secret: s3cret
  reconnect_error_delay: 15s
database:
  driver: sqlite
  dsn: file:/var/lib/asterisk-crm/calls.db
http:
  listen: 127.0.0.1:9090
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  client_id: test
  topic_prefix: pbx
redis:
  enabled: true
  addr: redis:6379
calls:
  eviction_delay: 2s
  recording_timeout: 1500ms
  recording_variable: MIXMONITOR_FILENAME
  publish_timeout: 500ms
  session_max_age: 2h
  sweep_interval: 30s
lookup:
  normalize: true
  region: US
log:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Addr() != "192.168.1.200:5038" {
		t.Errorf("expected addr=192.168.1.200:5038, got %s", cfg.AMI.Addr())
	}
	if cfg.AMI.ReconnectErrorDelay != 15*time.Second {
		t.Errorf("expected reconnect_error_delay=15s, got %s", cfg.AMI.ReconnectErrorDelay)
	}
	if cfg.AMI.ReconnectCloseDelay != 5*time.Second {
		t.Errorf("expected default reconnect_close_delay=5s, got %s", cfg.AMI.ReconnectCloseDelay)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected driver=sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.HTTP.Listen != "127.0.0.1:9090" {
		t.Errorf("expected listen=127.0.0.1:9090, got %s", cfg.HTTP.Listen)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.TopicPrefix != "pbx" {
		t.Errorf("unexpected mqtt config %+v", cfg.MQTT)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Calls.EvictionDelay != 2*time.Second || cfg.Calls.RecordingTimeout != 1500*time.Millisecond {
		t.Errorf("unexpected calls config %+v", cfg.Calls)
	}
	if cfg.Calls.RecordingVariable != "MIXMONITOR_FILENAME" {
		t.Errorf("expected recording_variable=MIXMONITOR_FILENAME, got %s", cfg.Calls.RecordingVariable)
	}
	if cfg.Calls.PublishTimeout != 500*time.Millisecond || cfg.Calls.SessionMaxAge != 2*time.Hour || cfg.Calls.SweepInterval != 30*time.Second {
		t.Errorf("unexpected calls limits %+v", cfg.Calls)
	}
	if !cfg.Lookup.Normalize || cfg.Lookup.Region != "US" {
		t.Errorf("unexpected lookup config %+v", cfg.Lookup)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "127.0.0.1" {
		t.Errorf("expected default host=127.0.0.1, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Port != 5038 {
		t.Errorf("expected default port=5038, got %d", cfg.AMI.Port)
	}
	if cfg.AMI.ReconnectErrorDelay != 10*time.Second || cfg.AMI.ReconnectCloseDelay != 5*time.Second {
		t.Errorf("unexpected reconnect delays %s/%s", cfg.AMI.ReconnectErrorDelay, cfg.AMI.ReconnectCloseDelay)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected default driver=postgres, got %s", cfg.Database.Driver)
	}
	if cfg.MQTT.Enabled || cfg.Redis.Enabled {
		t.Error("brokers should be disabled by default")
	}
	if cfg.MQTT.ClientID != "asterisk-crm" {
		t.Errorf("expected default client_id, got %s", cfg.MQTT.ClientID)
	}
	if cfg.Calls.EvictionDelay != 5*time.Second || cfg.Calls.RecordingTimeout != 5*time.Second {
		t.Errorf("unexpected call timing defaults %+v", cfg.Calls)
	}
	if cfg.Calls.RecordingVariable != "RECORDED_FILE" {
		t.Errorf("expected default recording_variable, got %s", cfg.Calls.RecordingVariable)
	}
	if cfg.Calls.PublishTimeout != 2*time.Second || cfg.Calls.SessionMaxAge != 6*time.Hour || cfg.Calls.SweepInterval != time.Minute {
		t.Errorf("unexpected calls limit defaults %+v", cfg.Calls)
	}
	if cfg.Lookup.Normalize {
		t.Error("normalisation should be off by default")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected default log format json, got %s", cfg.Log.Format)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AMI_SECRET", "from-env")
	t.Setenv("DATABASE_DSN", "postgres://env@db/crm")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Secret != "from-env" {
		t.Errorf("expected secret from env, got %s", cfg.AMI.Secret)
	}
	if cfg.Database.DSN != "postgres://env@db/crm" {
		t.Errorf("expected dsn from env, got %s", cfg.Database.DSN)
	}
	if cfg.Redis.Addr != "cache:6379" {
		t.Errorf("expected redis addr from env, got %s", cfg.Redis.Addr)
	}
}

func TestSecretFromEnvSatisfiesValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("AMI_SECRET", "from-env")
	_, err := Load(writeConfig(t, `
ami:
  username: admin
database:
  dsn: x
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("AMI_SECRET")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("AMI_SECRET=dotenv-secret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error: %v", err)
	}
	if got := os.Getenv("AMI_SECRET"); got != "dotenv-secret" {
		t.Errorf("expected AMI_SECRET from .env, got %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, `{{{invalid`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"empty username", `
ami:
  secret: s3cret
database:
  dsn: x
`, "ami.username is required"},
		{"empty secret", `
ami:
  username: admin
database:
  dsn: x
`, "ami.secret is required"},
		{"port zero", `
ami:
  port: 0
  username: admin
  secret: s3cret
database:
  dsn: x
`, "ami.port must be between 1 and 65535, got 0"},
		{"port too high", `
ami:
  port: 70000
  username: admin
  secret: s3cret
database:
  dsn: x
`, "ami.port must be between 1 and 65535, got 70000"},
		{"empty host", `
ami:
  host: ""
  username: admin
  secret: s3cret
database:
  dsn: x
`, "ami.host is required"},
		{"negative reconnect", `
ami:
  username: admin
  secret: s3cret
  reconnect_close_delay: -1s
database:
  dsn: x
`, "ami reconnect delays must be positive"},
		{"bad driver", `
ami:
  username: admin
  secret: s3cret
database:
  driver: mysql
  dsn: x
`, `database.driver must be postgres or sqlite, got "mysql"`},
		{"empty dsn", `
ami:
  username: admin
  secret: s3cret
`, "database.dsn is required"},
		{"mqtt enabled without broker", minimal + `
mqtt:
  enabled: true
  broker: ""
`, "mqtt.broker is required"},
		{"mqtt disabled ignores broker", minimal + `
mqtt:
  broker: ""
`, ""},
		{"redis enabled without addr", minimal + `
redis:
  enabled: true
  addr: ""
`, "redis.addr is required"},
		{"zero eviction delay", minimal + `
calls:
  eviction_delay: 0s
`, "calls.eviction_delay must be positive"},
		{"empty recording variable", minimal + `
calls:
  recording_variable: ""
`, "calls.recording_variable is required"},
		{"zero publish timeout", minimal + `
calls:
  publish_timeout: 0s
`, "calls.publish_timeout must be positive"},
		{"zero session max age", minimal + `
calls:
  session_max_age: 0s
`, "calls.session_max_age and calls.sweep_interval must be positive"},
		{"negative sweep interval", minimal + `
calls:
  sweep_interval: -1m
`, "calls.session_max_age and calls.sweep_interval must be positive"},
		{"normalize without region", minimal + `
lookup:
  normalize: true
  region: ""
`, "lookup.region is required when lookup.normalize is set"},
		{"bad log format", minimal + `
log:
  format: xml
`, `log.format must be json or text, got "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.config))
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}
