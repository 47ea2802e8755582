package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	IPTypePublic  = "PUBLIC"
	IPTypePrivate = "PRIVATE"
	IPTypePSC     = "PSC"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Backend       BackendConfig
	Database      DatabaseConfig
	Worker        WorkerConfig
	Limits        LimitsConfig
	Ops           OpsConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type BackendConfig struct {
	URL           string
	AgentKey      string
	CompanyID     string
	HTTPTimeout   time.Duration
	ReportRetries int
}

type DatabaseConfig struct {
	ProjectID      string
	Region         string
	InstanceName   string
	Name           string
	IAMUser        string
	IPType         string
	ConnectTimeout time.Duration

	// DSN bypasses the Cloud SQL connector when set.
	DSN string
}

// InstanceConnectionName returns "project:region:instance", or "" when the
// instance is not configured.
func (d DatabaseConfig) InstanceConnectionName() string {
	if d.ProjectID == "" && d.Region == "" && d.InstanceName == "" {
		return ""
	}
	return d.ProjectID + ":" + d.Region + ":" + d.InstanceName
}

type WorkerConfig struct {
	Count        int
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

type LimitsConfig struct {
	MaxRows  int
	MaxBytes int
}

type OpsConfig struct {
	Address      string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

// MissingError lists every required variable that was unset or blank.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Keys, ", ")
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileProd
	if raw, ok := lookup("PEBBLE_PROFILE"); ok && strings.TrimSpace(raw) != "" {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid PEBBLE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "PEBBLE_DATABASE_DSN", &cfg.Database.DSN); err != nil {
		return Config{}, err
	}

	required := []struct {
		key      string
		dst      *string
		cloudSQL bool
	}{
		{"PEBBLE_API_URL", &cfg.Backend.URL, false},
		{"PEBBLE_AGENT_API_KEY", &cfg.Backend.AgentKey, false},
		{"PEBBLE_COMPANY_ID", &cfg.Backend.CompanyID, false},
		{"GCP_PROJECT_ID", &cfg.Database.ProjectID, true},
		{"GCP_REGION", &cfg.Database.Region, true},
		{"GCP_INSTANCE_NAME", &cfg.Database.InstanceName, true},
		{"DB_NAME", &cfg.Database.Name, true},
		{"DB_IAM_USER", &cfg.Database.IAMUser, true},
	}
	var missing []string
	for _, item := range required {
		if err := applyString(lookup, item.key, item.dst); err != nil {
			return Config{}, err
		}
		if *item.dst == "" && !(item.cloudSQL && cfg.Database.DSN != "") {
			missing = append(missing, item.key)
		}
	}

	if err := applyString(lookup, "PEBBLE_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applySeconds(lookup, "HTTP_TIMEOUT", &cfg.Backend.HTTPTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "PEBBLE_REPORT_RETRIES", &cfg.Backend.ReportRetries); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "IP_TYPE", &cfg.Database.IPType); err != nil {
		return Config{}, err
	}
	if err := applySeconds(lookup, "CONNECTION_TIMEOUT", &cfg.Database.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "NUM_WORKERS", &cfg.Worker.Count); err != nil {
		return Config{}, err
	}
	if err := applySeconds(lookup, "POLL_INTERVAL", &cfg.Worker.PollInterval); err != nil {
		return Config{}, err
	}
	if err := applySeconds(lookup, "PEBBLE_MAX_BACKOFF", &cfg.Worker.MaxBackoff); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MAX_RESULT_ROWS", &cfg.Limits.MaxRows); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MAX_RESULT_BYTES", &cfg.Limits.MaxBytes); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PEBBLE_OPS_ADDR", &cfg.Ops.Address); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PEBBLE_OPS_TOKEN", &cfg.Ops.Token); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "PEBBLE_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "PEBBLE_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}

	if len(missing) > 0 {
		return Config{}, &MissingError{Keys: missing}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")
	cfg.Database.IPType = strings.ToUpper(cfg.Database.IPType)
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	switch strings.ToUpper(c.Database.IPType) {
	case IPTypePublic, IPTypePrivate, IPTypePSC:
	default:
		return fmt.Errorf("invalid IP_TYPE: %q (expected PUBLIC, PRIVATE or PSC)", c.Database.IPType)
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return fmt.Errorf("invalid PEBBLE_API_URL: %q (expected http:// or https://)", c.Backend.URL)
	}
	positive := []struct {
		key   string
		value int64
	}{
		{"NUM_WORKERS", int64(c.Worker.Count)},
		{"POLL_INTERVAL", int64(c.Worker.PollInterval)},
		{"PEBBLE_MAX_BACKOFF", int64(c.Worker.MaxBackoff)},
		{"MAX_RESULT_ROWS", int64(c.Limits.MaxRows)},
		{"MAX_RESULT_BYTES", int64(c.Limits.MaxBytes)},
		{"HTTP_TIMEOUT", int64(c.Backend.HTTPTimeout)},
		{"CONNECTION_TIMEOUT", int64(c.Database.ConnectTimeout)},
	}
	for _, item := range positive {
		if item.value <= 0 {
			return fmt.Errorf("invalid %s: must be positive", item.key)
		}
	}
	if c.Backend.ReportRetries < 0 {
		return fmt.Errorf("invalid PEBBLE_REPORT_RETRIES: must not be negative")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "pebble-agent"},
		Backend: BackendConfig{
			HTTPTimeout:   30 * time.Second,
			ReportRetries: 2,
		},
		Database: DatabaseConfig{
			IPType:         IPTypePrivate,
			ConnectTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Count:        2,
			PollInterval: 5 * time.Second,
			MaxBackoff:   60 * time.Second,
		},
		Limits: LimitsConfig{
			MaxRows:  1000,
			MaxBytes: 262144,
		},
		Ops: OpsConfig{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelInfo,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileDev:
		cfg.Observability.LogLevel = slog.LevelDebug
		cfg.Observability.LogJSON = false
	case ProfileTest:
		cfg.Observability.LogLevel = slog.LevelWarn
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

// applySeconds accepts a bare integer number of seconds or a Go duration.
func applySeconds(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.Atoi(raw); err == nil {
		*dst = time.Duration(seconds) * time.Second
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
