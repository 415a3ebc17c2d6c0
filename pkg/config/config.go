// Package config loads the service configuration: compiled-in defaults,
// deep-merged with the FRAUD_CONFIG environment JSON and an optional
// YAML/JSON file, then validated against a JSON schema.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfig is the environment variable holding the JSON configuration blob.
const EnvConfig = "FRAUD_CONFIG"

// EnvConfigFile is the environment variable pointing at a YAML or JSON
// configuration file, merged after FRAUD_CONFIG.
const EnvConfigFile = "FRAUD_CONFIG_FILE"

// supportedVersions is the semver constraint the config version must satisfy.
const supportedVersions = "^1"

// Config is the full configuration tree.
type Config struct {
	Version string `json:"version"`

	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Turnstile     TurnstileConfig     `json:"turnstile"`
	Risk          RiskConfig          `json:"risk"`
	Detection     DetectionConfig     `json:"detection"`
	JA4           JA4Config           `json:"ja4"`
	Timeouts      TimeoutsConfig      `json:"timeouts"`
	Analytics     AnalyticsConfig     `json:"analytics"`
	EmailRisk     EmailRiskConfig     `json:"emailRisk"`
	RateLimit     RateLimitConfig     `json:"rateLimit"`
	Alerting      AlertingConfig      `json:"alerting"`
	Archive       ArchiveConfig       `json:"archive"`
	Retention     RetentionConfig     `json:"retention"`
	Observability ObservabilityConfig `json:"observability"`

	// AllowTestingBypass enables the testing bypass path on the submission
	// endpoint. Both this flag and TestingBypassKey must be set for the
	// bypass to be considered.
	AllowTestingBypass bool   `json:"allowTestingBypass"`
	TestingBypassKey   string `json:"testingBypassKey"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        string   `json:"port"`
	CORSOrigins []string `json:"corsOrigins"`
}

// DatabaseConfig selects the SQL backend. Driver is one of
// "postgres", "mysql", "sqlite".
type DatabaseConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TurnstileConfig configures the CAPTCHA siteverify client.
type TurnstileConfig struct {
	SecretKey      string `json:"secretKey"`
	SiteverifyURL  string `json:"siteverifyUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// RiskConfig drives the risk scorer.
type RiskConfig struct {
	BlockThreshold float64            `json:"blockThreshold"`
	Mode           string             `json:"mode"` // "" (promotions enabled) or "additive"
	Weights        Weights            `json:"weights"`
	Levels         map[string]Level   `json:"levels"`
	CustomRules    []string           `json:"customRules"`
}

// Weights are the per-component scoring weights. Defaults sum to 1.0.
type Weights struct {
	TokenReplay         float64 `json:"tokenReplay"`
	EphemeralID         float64 `json:"ephemeralId"`
	EmailFraud          float64 `json:"emailFraud"`
	ValidationFrequency float64 `json:"validationFrequency"`
	IPDiversity         float64 `json:"ipDiversity"`
	IPRateLimit         float64 `json:"ipRateLimit"`
	HeaderFingerprint   float64 `json:"headerFingerprint"`
	JA4SessionHopping   float64 `json:"ja4SessionHopping"`
	TLSAnomaly          float64 `json:"tlsAnomaly"`
	LatencyMismatch     float64 `json:"latencyMismatch"`
}

// Level is a named risk band.
type Level struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DetectionConfig holds thresholds for the behavioral signals.
type DetectionConfig struct {
	EphemeralIDSubmissionThreshold    int `json:"ephemeralIdSubmissionThreshold"`
	ValidationFrequencyWarnThreshold  int `json:"validationFrequencyWarnThreshold"`
	ValidationFrequencyBlockThreshold int `json:"validationFrequencyBlockThreshold"`
	IPDiversityThreshold              int `json:"ipDiversityThreshold"`
}

// JA4Config holds thresholds for the JA4 fingerprint-hopping detector.
type JA4Config struct {
	ScoreThresholds JA4ScoreThresholds `json:"scoreThresholds"`
}

// JA4ScoreThresholds are the raw-score cut points on the 0-230 scale.
type JA4ScoreThresholds struct {
	SuspiciousClustering float64 `json:"suspiciousClustering"`
	BrowserHopping       float64 `json:"browserHopping"`
}

// TimeoutsConfig is the progressive blacklist timeout schedule, in seconds.
type TimeoutsConfig struct {
	Schedule []int64 `json:"schedule"`
	Maximum  int64   `json:"maximum"`
}

// AnalyticsConfig gates the read-only analytics API. Exactly one of APIKey
// or APIKeyHash (bcrypt) should be set.
type AnalyticsConfig struct {
	APIKey     string `json:"apiKey"`
	APIKeyHash string `json:"apiKeyHash"`
}

// EmailRiskConfig selects the email fraud classifier backend.
// Mode is one of "off", "http", "wasm".
type EmailRiskConfig struct {
	Mode           string `json:"mode"`
	URL            string `json:"url"`
	WasmPath       string `json:"wasmPath"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// RateLimitConfig configures the per-IP limiter on the submission endpoint.
type RateLimitConfig struct {
	Enabled       bool   `json:"enabled"`
	RPM           int    `json:"rpm"`
	Burst         int    `json:"burst"`
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
}

// AlertingConfig configures the developer alert path.
type AlertingConfig struct {
	SlackWebhookURL string `json:"slackWebhookUrl"`
}

// ArchiveConfig configures the export archive sink.
// Backend is one of "", "s3", "gcs".
type ArchiveConfig struct {
	Backend string `json:"backend"`
	Bucket  string `json:"bucket"`
	Prefix  string `json:"prefix"`
	Region  string `json:"region"`
}

// RetentionConfig configures the scheduled purge of aged rows.
type RetentionConfig struct {
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule"`
	BlacklistDays  int    `json:"blacklistDays"`
	ValidationDays int    `json:"validationDays"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled      bool    `json:"enabled"`
	OTLPEndpoint string  `json:"otlpEndpoint"`
	ServiceName  string  `json:"serviceName"`
	SampleRate   float64 `json:"sampleRate"`
	Insecure     bool    `json:"insecure"`
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		Version: "1.0.0",
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:forminator.db?_pragma=busy_timeout(5000)",
		},
		Turnstile: TurnstileConfig{
			SiteverifyURL:  "https://challenges.cloudflare.com/turnstile/v0/siteverify",
			TimeoutSeconds: 5,
		},
		Risk: RiskConfig{
			BlockThreshold: 70,
			Weights: Weights{
				TokenReplay:         0.28,
				EphemeralID:         0.15,
				EmailFraud:          0.14,
				ValidationFrequency: 0.10,
				IPDiversity:         0.07,
				IPRateLimit:         0.07,
				HeaderFingerprint:   0.07,
				JA4SessionHopping:   0.06,
				TLSAnomaly:          0.04,
				LatencyMismatch:     0.02,
			},
			Levels: map[string]Level{
				"low":    {Min: 0, Max: 39},
				"medium": {Min: 40, Max: 69},
				"high":   {Min: 70, Max: 100},
			},
		},
		Detection: DetectionConfig{
			EphemeralIDSubmissionThreshold:    2,
			ValidationFrequencyWarnThreshold:  2,
			ValidationFrequencyBlockThreshold: 3,
			IPDiversityThreshold:              2,
		},
		JA4: JA4Config{
			ScoreThresholds: JA4ScoreThresholds{
				SuspiciousClustering: 80,
				BrowserHopping:       140,
			},
		},
		Timeouts: TimeoutsConfig{
			Schedule: []int64{3600, 14400, 28800, 43200, 86400},
			Maximum:  86400,
		},
		EmailRisk: EmailRiskConfig{
			Mode:           "off",
			TimeoutSeconds: 3,
		},
		RateLimit: RateLimitConfig{
			RPM:   30,
			Burst: 10,
		},
		Retention: RetentionConfig{
			Schedule:       "0 4 * * *",
			BlacklistDays:  30,
			ValidationDays: 90,
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "forminator",
			SampleRate:   1.0,
		},
	}
}

// Load builds the effective configuration: defaults, deep-merged with the
// FRAUD_CONFIG env JSON, then with the FRAUD_CONFIG_FILE contents, schema
// validated, and version-gated.
func Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if raw := os.Getenv(EnvConfig); raw != "" {
		var overlay map[string]any
		if err := json.Unmarshal([]byte(raw), &overlay); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", EnvConfig, err)
		}
		merged = DeepMerge(merged, overlay)
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		overlay, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		merged = DeepMerge(merged, overlay)
	}

	if err := validateSchema(merged); err != nil {
		return nil, err
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, fmt.Errorf("config: decode merged tree: %w", err)
	}

	if err := checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkVersion(version string) error {
	c, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return fmt.Errorf("config: version constraint: %w", err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("config: invalid version %q: %w", version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("config: version %s outside supported range %s", version, supportedVersions)
	}
	return nil
}

func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	overlay := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		// Round-trip through JSON so numeric types match the env overlay.
		b, err := json.Marshal(overlay)
		if err != nil {
			return nil, fmt.Errorf("config: normalize %s: %w", path, err)
		}
		overlay = map[string]any{}
		if err := json.Unmarshal(b, &overlay); err != nil {
			return nil, fmt.Errorf("config: normalize %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return overlay, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeepMerge merges overlay onto base recursively. Maps merge key-wise;
// any other value in overlay replaces the base value. Neither input is
// mutated.
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}
