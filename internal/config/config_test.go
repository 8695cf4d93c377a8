package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var managedEnvKeys = []string{
	"RTT_MAX_PARALLEL",
	"RTT_PROCESS_TIMEOUT",
	"RTT_ALPHA",
	"RTT_EPSILON",
	"RTT_PRECHECK_ENABLED",
	"RTT_PRECHECK_BYTES",
	"RTT_REPORT_DIR",
	"RTT_MAIN_TABLE",
	"RTT_DB_ENABLED",
	"RTT_DB_URL",
	"RTT_DB_PASSWORD_FILE",
	"MQTT_ENABLED",
	"MQTT_BROKER_URL",
	"MQTT_CLIENT_ID",
	"MQTT_TOPIC_PREFIX",
	"MQTT_QOS",
	"MQTT_USERNAME",
	"MQTT_PASSWORD",
	"MQTT_PASSWORD_FILE",
	"MQTT_TLS_CA_FILE",
	"METRICS_ENABLED",
	"METRICS_BIND",
	"METRICS_TLS_ENABLED",
	"METRICS_TLS_CERT_FILE",
	"METRICS_TLS_KEY_FILE",
	"METRICS_TLS_CA_FILE",
	"METRICS_TLS_CLIENT_AUTH",
	"TLS_CERT_FILE",
	"TLS_KEY_FILE",
	"TLS_CA_FILE",
	"ENVIRONMENT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range managedEnvKeys {
		t.Setenv(key, "")
	}
}

// validConfig returns a configuration that passes validation.
func validConfig() Config {
	return Config{
		Runner:      Runner{MaxParallel: defaultMaxParallel, ProcessTimeout: defaultProcessTimeout},
		Evaluation:  Evaluation{Alpha: defaultAlpha, Epsilon: defaultEpsilon},
		Storage:     Storage{ReportDir: defaultReportDir, MainTable: defaultMainTable},
		MQTT:        MQTT{BrokerURL: "tcp://127.0.0.1:1883", TopicPrefix: defaultTopicPrefix},
		Metrics:     Metrics{Bind: "127.0.0.1:8080", TLSClientAuth: "none"},
		Environment: EnvironmentDevelopment,
	}
}

func TestConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Runner.MaxParallel != 8 {
		t.Errorf("MaxParallel = %d, want 8", cfg.Runner.MaxParallel)
	}
	if cfg.Runner.ProcessTimeout != 600*time.Second {
		t.Errorf("ProcessTimeout = %s, want 10m0s", cfg.Runner.ProcessTimeout)
	}
	if cfg.Evaluation.Alpha != 0.01 || cfg.Evaluation.Epsilon != 1e-8 {
		t.Errorf("Evaluation = %+v, want alpha 0.01 eps 1e-8", cfg.Evaluation)
	}
	if !cfg.Precheck.Enabled || cfg.Precheck.MaxBytes != 1<<20 {
		t.Errorf("Precheck = %+v", cfg.Precheck)
	}
	if cfg.Storage.ReportDir != "results" || cfg.Storage.MainTable != "results/table.txt" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.DBEnabled || cfg.MQTT.Enabled || cfg.Metrics.Enabled {
		t.Error("optional sinks and metrics must be disabled by default")
	}
	if cfg.MQTT.TopicPrefix != "rtt/results" {
		t.Errorf("TopicPrefix = %q, want rtt/results", cfg.MQTT.TopicPrefix)
	}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Errorf("Environment = %q, want dev", cfg.Environment)
	}
}

func TestConfig_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RTT_MAX_PARALLEL", "4 # half the cores")
	t.Setenv("RTT_PROCESS_TIMEOUT", "90s")
	t.Setenv("RTT_ALPHA", "0.001")
	t.Setenv("RTT_EPSILON", "1e-10")
	t.Setenv("RTT_REPORT_DIR", "/var/lib/rtt")
	t.Setenv("RTT_DB_ENABLED", "yes")
	t.Setenv("RTT_DB_URL", "postgres://rtt@db/rtt?sslmode=disable")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("MQTT_TOPIC_PREFIX", "lab/rtt/")
	t.Setenv("MQTT_QOS", "2")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Runner.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.Runner.MaxParallel)
	}
	if cfg.Runner.ProcessTimeout != 90*time.Second {
		t.Errorf("ProcessTimeout = %s, want 1m30s", cfg.Runner.ProcessTimeout)
	}
	if cfg.Evaluation.Alpha != 0.001 || cfg.Evaluation.Epsilon != 1e-10 {
		t.Errorf("Evaluation = %+v", cfg.Evaluation)
	}
	if cfg.Storage.ReportDir != "/var/lib/rtt" {
		t.Errorf("ReportDir = %q", cfg.Storage.ReportDir)
	}
	if !cfg.Storage.DBEnabled || cfg.Storage.DBURL != "postgres://rtt@db/rtt?sslmode=disable" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.MQTT.TopicPrefix != "lab/rtt" {
		t.Errorf("TopicPrefix = %q, want trailing slash trimmed", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("QoS = %d, want clamped to 1", cfg.MQTT.QoS)
	}
	if !cfg.IsProduction() {
		t.Errorf("Environment = %q, want prod", cfg.Environment)
	}
}

func TestConfig_InvalidEvaluationConstants(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"alpha not a number", "RTT_ALPHA", "low"},
		{"alpha zero", "RTT_ALPHA", "0"},
		{"alpha one", "RTT_ALPHA", "1"},
		{"epsilon not a number", "RTT_EPSILON", "tiny"},
		{"epsilon negative", "RTT_EPSILON", "-1e-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "staging" }, "environment"},
		{"zero timeout", func(c *Config) { c.Runner.ProcessTimeout = 0 }, "RTT_PROCESS_TIMEOUT"},
		{"empty report dir", func(c *Config) { c.Storage.ReportDir = "" }, "RTT_REPORT_DIR"},
		{"db without url", func(c *Config) { c.Storage.DBEnabled = true }, "RTT_DB_URL"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.BrokerURL = "" }, "MQTT_BROKER_URL"},
		{"metrics tls without cert", func(c *Config) { c.Metrics.TLSEnabled = true }, "METRICS_TLS_CERT_FILE"},
		{"metrics bad client auth", func(c *Config) {
			c.Metrics.TLSEnabled = true
			c.Metrics.TLSCertFile = "cert"
			c.Metrics.TLSKeyFile = "key"
			c.Metrics.TLSClientAuth = "always"
		}, "METRICS_TLS_CLIENT_AUTH"},
		{"metrics mtls without ca", func(c *Config) {
			c.Metrics.TLSEnabled = true
			c.Metrics.TLSCertFile = "cert"
			c.Metrics.TLSKeyFile = "key"
			c.Metrics.TLSClientAuth = "require"
		}, "METRICS_TLS_CA_FILE"},
		{"public metrics in production", func(c *Config) {
			c.Environment = EnvironmentProduction
			c.Metrics.Enabled = true
			c.Metrics.Bind = "0.0.0.0:8080"
		}, "SECURITY"},
		{"loopback metrics in production", func(c *Config) {
			c.Environment = EnvironmentProduction
			c.Metrics.Enabled = true
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_InvalidMQTTQoS(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_QOS", "NaN")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric QoS")
	}
}

func TestConfig_NegativeQoS(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_QOS", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("QoS = %d, want 0", cfg.MQTT.QoS)
	}
}

func TestConfig_InvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "staging")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid environment")
	}
}

func TestConfig_SecretFiles(t *testing.T) {
	dir := t.TempDir()
	mqttSecret := filepath.Join(dir, "mqtt.txt")
	dbSecret := filepath.Join(dir, "db.txt")
	if err := os.WriteFile(mqttSecret, []byte("  mqtt-pass\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dbSecret, []byte("db-pass\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("file wins over env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MQTT_PASSWORD", "env-password")
		t.Setenv("MQTT_PASSWORD_FILE", mqttSecret)
		t.Setenv("RTT_DB_PASSWORD_FILE", dbSecret)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() failed: %v", err)
		}
		if cfg.MQTT.Password != "mqtt-pass" {
			t.Errorf("MQTT.Password = %q, want mqtt-pass", cfg.MQTT.Password)
		}
		if cfg.Storage.DBPassword != "db-pass" {
			t.Errorf("DBPassword = %q, want db-pass", cfg.Storage.DBPassword)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("RTT_DB_PASSWORD_FILE", filepath.Join(dir, "missing.txt"))
		if _, err := Load(); err == nil {
			t.Fatal("expected error for missing password file")
		}
	})
}

func TestConfig_String(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.DBPassword = "hunter2"
	cfg.MQTT.Password = "hunter3"

	s := cfg.String()
	if !strings.Contains(s, "Runner.MaxParallel=8") || !strings.Contains(s, "Evaluation.Alpha=0.01") {
		t.Errorf("String() = %q", s)
	}
	if strings.Contains(s, "hunter") {
		t.Errorf("String() leaks a secret: %q", s)
	}
}

func TestGetEnvDefault(t *testing.T) {
	key := "RTT_TEST_GET_ENV_DEFAULT"

	t.Setenv(key, "  ")
	if got := GetEnvDefault(key, "fallback"); got != "fallback" {
		t.Errorf("GetEnvDefault(blank) = %q, want fallback", got)
	}

	t.Setenv(key, "value # comment")
	if got := GetEnvDefault(key, "fallback"); got != "value" {
		t.Errorf("GetEnvDefault = %q, want value", got)
	}
}

func TestParsePositiveEnvInt(t *testing.T) {
	key := "RTT_TEST_POSITIVE_INT"

	for _, tc := range []struct {
		value string
		want  int
	}{
		{"", 7},
		{"invalid", 7},
		{"0", 7},
		{"-3", 7},
		{"42", 42},
	} {
		t.Setenv(key, tc.value)
		if got := ParsePositiveEnvInt(key, 7); got != tc.want {
			t.Errorf("ParsePositiveEnvInt(%q) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	key := "RTT_TEST_DURATION"
	fallback := 10 * time.Minute

	for _, tc := range []struct {
		value string
		want  time.Duration
	}{
		{"", fallback},
		{"15", fallback},
		{"invalid", fallback},
		{"-3s", fallback},
		{"500ms", 500 * time.Millisecond},
		{"1h", time.Hour},
	} {
		t.Setenv(key, tc.value)
		if got := ParseDurationEnv(key, fallback); got != tc.want {
			t.Errorf("ParseDurationEnv(%q) = %s, want %s", tc.value, got, tc.want)
		}
	}
}

func TestParseBoolEnv(t *testing.T) {
	key := "RTT_TEST_BOOL"

	t.Setenv(key, "false")
	if ParseBoolEnv(key, true) {
		t.Error("ParseBoolEnv(false) = true")
	}
	t.Setenv(key, "YES")
	if !ParseBoolEnv(key, false) {
		t.Error("ParseBoolEnv(YES) = false")
	}
	t.Setenv(key, "maybe")
	if !ParseBoolEnv(key, true) {
		t.Error("ParseBoolEnv(maybe) should keep fallback")
	}
}
