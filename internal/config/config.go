// Package config provides configuration management for the rtt runner.
// Runtime configuration is loaded from environment variables with sensible
// defaults; battery settings are read from a separate settings file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment constants define the application runtime environments.
const (
	EnvironmentDevelopment = "dev"
	EnvironmentProduction  = "prod"
	defaultMaxParallel     = 8
	defaultProcessTimeout  = 600 * time.Second
	defaultAlpha           = 0.01
	defaultEpsilon         = 1e-8
	defaultReportDir       = "results"
	defaultMainTable       = "results/table.txt"
	defaultTopicPrefix     = "rtt/results"
	defaultPrecheckBytes   = 1 << 20
)

// Runner contains process supervision settings.
type Runner struct {
	MaxParallel    int           `json:"max_parallel"`    // Concurrently running battery processes
	ProcessTimeout time.Duration `json:"process_timeout"` // Wall-clock limit per process
}

// Evaluation contains the significance constants of the verdict.
type Evaluation struct {
	Alpha   float64 `json:"alpha"`   // Base significance level of a whole test
	Epsilon float64 `json:"epsilon"` // Floating-point slack of the acceptance band
}

// Precheck contains the input screening settings.
type Precheck struct {
	Enabled  bool `json:"enabled"`
	MaxBytes int  `json:"max_bytes"` // Prefix of the input file that is screened
}

// Storage contains result persistence settings.
type Storage struct {
	ReportDir  string `json:"report_dir"` // Directory receiving per-run report files
	MainTable  string `json:"main_table"` // Summary table updated after every run
	DBEnabled  bool   `json:"db_enabled"`
	DBURL      string `json:"db_url"`      // PostgreSQL connection string
	DBPassword string `json:"db_password"` // Injected into DBURL when set
}

// MQTT contains configuration for the result notifier.
type MQTT struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`   // e.g. "tcp://localhost:1883" or "ssl://mqtt.example.com:8883"
	ClientID    string `json:"client_id"`    // generated if empty
	TopicPrefix string `json:"topic_prefix"` // results go to <prefix>/<battery>/<test>
	QoS         byte   `json:"qos"`          // 0 or 1
	Username    string `json:"username"`
	Password    string `json:"password"`
	TLSCAFile   string `json:"tls_ca_file"`
}

// Metrics contains Prometheus metrics server configuration
type Metrics struct {
	Bind          string `json:"bind"`
	Enabled       bool   `json:"enabled"`
	TLSEnabled    bool   `json:"tls_enabled"`
	TLSCertFile   string `json:"tls_cert_file"`
	TLSKeyFile    string `json:"tls_key_file"`
	TLSCAFile     string `json:"tls_ca_file"`
	TLSClientAuth string `json:"tls_client_auth"` // "none", "request" or "require"
}

// Config holds the complete application configuration.
type Config struct {
	Runner      Runner     `json:"runner"`
	Evaluation  Evaluation `json:"evaluation"`
	Precheck    Precheck   `json:"precheck"`
	Storage     Storage    `json:"storage"`
	MQTT        MQTT       `json:"mqtt"`
	Metrics     Metrics    `json:"metrics"`
	Environment string     `json:"environment"` // "dev" or "prod"
}

// Load reads configuration from environment variables and returns a validated Config.
// It applies defaults first, then overrides with environment variables.
func Load() (Config, error) {
	configuration := Config{
		Runner: Runner{
			MaxParallel:    defaultMaxParallel,
			ProcessTimeout: defaultProcessTimeout,
		},
		Evaluation: Evaluation{
			Alpha:   defaultAlpha,
			Epsilon: defaultEpsilon,
		},
		Precheck: Precheck{
			Enabled:  true,
			MaxBytes: defaultPrecheckBytes,
		},
		Storage: Storage{
			ReportDir: defaultReportDir,
			MainTable: defaultMainTable,
		},
		MQTT: MQTT{
			BrokerURL:   "tcp://127.0.0.1:1883",
			TopicPrefix: defaultTopicPrefix,
		},
		Metrics: Metrics{
			Bind:          "127.0.0.1:8080",
			TLSClientAuth: "none",
		},
		Environment: EnvironmentDevelopment,
	}

	appliers := []func(*Config) error{
		applyRunnerEnvVars,
		applyEvaluationEnvVars,
		applyPrecheckEnvVars,
		applyStorageEnvVars,
		applyMQTTEnvVars,
		applyMetricsEnvVars,
		applyEnvironmentEnvVars,
	}
	for _, apply := range appliers {
		if err := apply(&configuration); err != nil {
			return configuration, err
		}
	}

	if err := validate(&configuration); err != nil {
		return configuration, err
	}

	return configuration, nil
}

func applyRunnerEnvVars(configuration *Config) error {
	configuration.Runner.MaxParallel = ParsePositiveEnvInt("RTT_MAX_PARALLEL", configuration.Runner.MaxParallel)
	configuration.Runner.ProcessTimeout = ParseDurationEnv("RTT_PROCESS_TIMEOUT", configuration.Runner.ProcessTimeout)
	return nil
}

// applyEvaluationEnvVars reads RTT_ALPHA and RTT_EPSILON. Malformed values
// are an error, never replaced by a fallback.
func applyEvaluationEnvVars(configuration *Config) error {
	if v := cleanEnvValue(os.Getenv("RTT_ALPHA")); v != "" {
		alpha, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: RTT_ALPHA must be a number: %w", err)
		}
		configuration.Evaluation.Alpha = alpha
	}
	if v := cleanEnvValue(os.Getenv("RTT_EPSILON")); v != "" {
		eps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: RTT_EPSILON must be a number: %w", err)
		}
		configuration.Evaluation.Epsilon = eps
	}
	return nil
}

func applyPrecheckEnvVars(configuration *Config) error {
	configuration.Precheck.Enabled = ParseBoolEnv("RTT_PRECHECK_ENABLED", configuration.Precheck.Enabled)
	configuration.Precheck.MaxBytes = ParsePositiveEnvInt("RTT_PRECHECK_BYTES", configuration.Precheck.MaxBytes)
	return nil
}

func applyStorageEnvVars(configuration *Config) error {
	configuration.Storage.ReportDir = GetEnvDefault("RTT_REPORT_DIR", configuration.Storage.ReportDir)
	configuration.Storage.MainTable = GetEnvDefault("RTT_MAIN_TABLE", configuration.Storage.MainTable)
	configuration.Storage.DBEnabled = ParseBoolEnv("RTT_DB_ENABLED", configuration.Storage.DBEnabled)

	// The URL may legitimately contain '#', so it is only trimmed.
	if v := strings.TrimSpace(os.Getenv("RTT_DB_URL")); v != "" {
		configuration.Storage.DBURL = v
	}

	if passwordFile := os.Getenv("RTT_DB_PASSWORD_FILE"); passwordFile != "" {
		passwordBytes, err := readSecretFile(passwordFile)
		if err != nil {
			return fmt.Errorf("config: failed to read RTT_DB_PASSWORD_FILE: %w", err)
		}
		configuration.Storage.DBPassword = strings.TrimSpace(string(passwordBytes))
	}

	return nil
}

// applyMQTTEnvVars reads the notifier settings. MQTT_QOS is clamped to 0 or 1.
func applyMQTTEnvVars(configuration *Config) error {
	configuration.MQTT.Enabled = ParseBoolEnv("MQTT_ENABLED", configuration.MQTT.Enabled)
	configuration.MQTT.BrokerURL = GetEnvDefault("MQTT_BROKER_URL", configuration.MQTT.BrokerURL)
	configuration.MQTT.ClientID = GetEnvDefault("MQTT_CLIENT_ID", configuration.MQTT.ClientID)

	if v := GetEnvDefault("MQTT_TOPIC_PREFIX", ""); v != "" {
		configuration.MQTT.TopicPrefix = strings.TrimRight(v, "/")
	}

	if v := cleanEnvValue(os.Getenv("MQTT_QOS")); v != "" {
		qos, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("config: MQTT_QOS must be a number (0 or 1)")
		}
		if qos < 0 {
			qos = 0
		}
		if qos > 1 {
			qos = 1
		}
		configuration.MQTT.QoS = byte(qos)
	}

	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		configuration.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		configuration.MQTT.Password = v
	}

	if passwordFile := os.Getenv("MQTT_PASSWORD_FILE"); passwordFile != "" {
		passwordBytes, err := readSecretFile(passwordFile)
		if err != nil {
			return fmt.Errorf("config: failed to read MQTT_PASSWORD_FILE: %w", err)
		}
		configuration.MQTT.Password = strings.TrimSpace(string(passwordBytes))
	}

	if v := os.Getenv("MQTT_TLS_CA_FILE"); v != "" {
		configuration.MQTT.TLSCAFile = v
	}

	return nil
}

func applyMetricsEnvVars(configuration *Config) error {
	configuration.Metrics.Bind = GetEnvDefault("METRICS_BIND", configuration.Metrics.Bind)
	configuration.Metrics.Enabled = ParseBoolEnv("METRICS_ENABLED", configuration.Metrics.Enabled)
	configuration.Metrics.TLSEnabled = ParseBoolEnv("METRICS_TLS_ENABLED", configuration.Metrics.TLSEnabled)

	// Component-specific TLS files win over the shared TLS_* variables.
	configuration.Metrics.TLSCertFile = GetEnvDefault("METRICS_TLS_CERT_FILE", os.Getenv("TLS_CERT_FILE"))
	configuration.Metrics.TLSKeyFile = GetEnvDefault("METRICS_TLS_KEY_FILE", os.Getenv("TLS_KEY_FILE"))
	configuration.Metrics.TLSCAFile = GetEnvDefault("METRICS_TLS_CA_FILE", os.Getenv("TLS_CA_FILE"))

	if v := os.Getenv("METRICS_TLS_CLIENT_AUTH"); v != "" {
		configuration.Metrics.TLSClientAuth = strings.ToLower(strings.TrimSpace(v))
	}

	return nil
}

// applyEnvironmentEnvVars normalizes ENVIRONMENT into "dev" or "prod".
func applyEnvironmentEnvVars(configuration *Config) error {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "dev", "development":
			configuration.Environment = EnvironmentDevelopment
		case "prod", "production":
			configuration.Environment = EnvironmentProduction
		default:
			return errors.New("config: ENVIRONMENT must be 'dev' or 'prod'")
		}
	}

	return nil
}

func validate(configuration *Config) error {
	if configuration.Environment != EnvironmentDevelopment && configuration.Environment != EnvironmentProduction {
		return errors.New("config: environment must be 'dev' or 'prod'")
	}

	alpha := configuration.Evaluation.Alpha
	if math.IsNaN(alpha) || alpha <= 0 || alpha >= 1 {
		return fmt.Errorf("config: RTT_ALPHA must be in (0,1), got %v", alpha)
	}
	eps := configuration.Evaluation.Epsilon
	if math.IsNaN(eps) || eps < 0 {
		return fmt.Errorf("config: RTT_EPSILON must be non-negative, got %v", eps)
	}

	if configuration.Runner.ProcessTimeout <= 0 {
		return errors.New("config: RTT_PROCESS_TIMEOUT must be positive")
	}

	if configuration.Storage.ReportDir == "" {
		return errors.New("config: RTT_REPORT_DIR is required")
	}
	if configuration.Storage.DBEnabled && configuration.Storage.DBURL == "" {
		return errors.New("config: RTT_DB_URL is required when RTT_DB_ENABLED=true")
	}

	if configuration.MQTT.Enabled {
		if configuration.MQTT.BrokerURL == "" {
			return errors.New("config: MQTT_BROKER_URL is required when MQTT_ENABLED=true")
		}
		if configuration.MQTT.TopicPrefix == "" {
			return errors.New("config: MQTT_TOPIC_PREFIX must not be empty")
		}
	}

	if configuration.Metrics.TLSEnabled {
		if configuration.Metrics.TLSCertFile == "" {
			return errors.New("config: METRICS_TLS_CERT_FILE is required when METRICS_TLS_ENABLED=true")
		}
		if configuration.Metrics.TLSKeyFile == "" {
			return errors.New("config: METRICS_TLS_KEY_FILE is required when METRICS_TLS_ENABLED=true")
		}

		validClientAuthModes := map[string]bool{
			"none":    true,
			"request": true,
			"require": true,
		}
		if !validClientAuthModes[configuration.Metrics.TLSClientAuth] {
			return fmt.Errorf("config: METRICS_TLS_CLIENT_AUTH must be 'none', 'request', or 'require', got %q", configuration.Metrics.TLSClientAuth)
		}
		if configuration.Metrics.TLSClientAuth == "require" && configuration.Metrics.TLSCAFile == "" {
			return errors.New("config: METRICS_TLS_CA_FILE is required when METRICS_TLS_CLIENT_AUTH=require")
		}
	}

	// SECURITY: metrics exposed beyond localhost should be encrypted in production
	if configuration.Metrics.Enabled && !configuration.Metrics.TLSEnabled && configuration.IsProduction() && !isLoopbackBind(configuration.Metrics.Bind) {
		return errors.New("config: SECURITY: METRICS_TLS_ENABLED is required for non-loopback METRICS_BIND in production mode")
	}

	return nil
}

func isLoopbackBind(bind string) bool {
	host := bind
	if idx := strings.LastIndex(bind, ":"); idx >= 0 {
		host = strings.Trim(bind[:idx], "[]")
	}
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// IsProduction returns true if the application is running in production mode.
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == EnvironmentProduction
}

// IsDevelopment returns true if the application is running in development mode.
func (cfg *Config) IsDevelopment() bool {
	return cfg.Environment == EnvironmentDevelopment
}

// String returns a human-readable representation of the configuration.
// Secrets are never included.
func (cfg *Config) String() string {
	return "Config{" +
		"Environment=" + cfg.Environment +
		", Runner.MaxParallel=" + strconv.Itoa(cfg.Runner.MaxParallel) +
		", Runner.ProcessTimeout=" + cfg.Runner.ProcessTimeout.String() +
		", Evaluation.Alpha=" + strconv.FormatFloat(cfg.Evaluation.Alpha, 'g', -1, 64) +
		", Storage.ReportDir=" + cfg.Storage.ReportDir +
		", Storage.DBEnabled=" + strconv.FormatBool(cfg.Storage.DBEnabled) +
		", MQTT.Enabled=" + strconv.FormatBool(cfg.MQTT.Enabled) +
		"}"
}

func readSecretFile(path string) ([]byte, error) {
	absPath, err := sanitizeAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	return readFileWithinRoot(absPath)
}

func sanitizeAbsolutePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("config: empty file path")
	}
	clean := filepath.Clean(path)
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	return abs, nil
}

func readFileWithinRoot(absPath string) ([]byte, error) {
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	f, err := os.OpenInRoot(dir, base)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("config: error closing %s: %v", absPath, err)
		}
	}()
	return io.ReadAll(f)
}

// cleanEnvValue removes inline comments and trims whitespace from environment variable values.
// Example: "127.0.0.1:8080 # bind address" becomes "127.0.0.1:8080"
func cleanEnvValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if idx := strings.Index(cleaned, "#"); idx >= 0 {
		cleaned = strings.TrimSpace(cleaned[:idx])
	}
	return cleaned
}

// GetEnvDefault retrieves an environment variable or returns a fallback value.
// Empty or whitespace-only values are treated as unset.
func GetEnvDefault(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		cleaned := cleanEnvValue(value)
		if cleaned != "" {
			return cleaned
		}
	}
	return fallback
}

// ParsePositiveEnvInt reads an integer environment variable with validation.
// Returns the fallback if the variable is unset, invalid, or non-positive.
func ParsePositiveEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %d", key, value, fallback)
		return fallback
	}
	if parsed <= 0 {
		log.Printf("config: %s non-positive (%d), using fallback %d", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseDurationEnv reads a duration environment variable with validation.
// Values must include a unit suffix (e.g., "500ms", "30s", "10m").
// Returns the fallback if the variable is unset, invalid, or negative.
func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	hasUnit := false
	for i := 0; i < len(cleaned); i++ {
		ch := cleaned[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
			hasUnit = true
			break
		}
	}
	if !hasUnit {
		log.Printf("config: %s missing duration unit (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	parsed, err := time.ParseDuration(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	if parsed < 0 {
		log.Printf("config: %s negative (%s), using fallback %s", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseBoolEnv interprets typical boolean environment values (true/false, 1/0, yes/no).
func ParseBoolEnv(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	switch strings.ToLower(cleaned) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		log.Printf("config: %s has unrecognised boolean value %q, using fallback %v", key, value, fallback)
		return fallback
	}
}
