package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete errmap configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Profile selects the backing services
	Profile Profile `json:"profile" yaml:"profile"`

	// Validation tunes the normalizer, consolidator and quality checker
	Validation ValidationConfig `json:"validation" yaml:"validation"`

	// Requester selects and configures the reasoning model
	Requester RequesterConfig `json:"requester" yaml:"requester"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Export     ExportConfig     `json:"export" yaml:"export"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// Profile names a bundle of backing services.
type Profile string

const (
	// ProfileStandalone runs on SQLite, in-process cache and channels.
	ProfileStandalone Profile = "standalone"

	// ProfileCluster runs on PostgreSQL, Redis and NATS.
	ProfileCluster Profile = "cluster"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// ValidationConfig holds the recognized validation options.
type ValidationConfig struct {
	// DedupConfidenceTiebreak orders mapping types for equal-confidence duplicates.
	DedupConfidenceTiebreak []MappingType `json:"dedupConfidenceTiebreak" yaml:"dedup_confidence_tiebreak"`

	// ClosestPartialWarningThreshold is the tolerated share of low-confidence
	// closest partial rows before a warning is raised. 0 warns on any such
	// row; nil takes the default.
	ClosestPartialWarningThreshold *float64 `json:"closestPartialWarningThreshold,omitempty" yaml:"closest_partial_warning_threshold"`

	// MinConfidenceForEvidenceRequirement is the confidence from which a
	// PSP-side claim must quote evidence. 0 covers every claim; nil takes
	// the default.
	MinConfidenceForEvidenceRequirement *int `json:"minConfidenceForEvidenceRequirement,omitempty" yaml:"min_confidence_for_evidence_requirement"`

	// ExactMinConfidence is the lowest confidence an Exact row may carry.
	ExactMinConfidence int `json:"exactMinConfidence" yaml:"exact_min_confidence"`

	// ClosestPartialConfidenceFloor and Ceiling bound the expected band of
	// closest partial rows. Rows under the ceiling count as low confidence.
	ClosestPartialConfidenceFloor   int `json:"closestPartialConfidenceFloor" yaml:"closest_partial_confidence_floor"`
	ClosestPartialConfidenceCeiling int `json:"closestPartialConfidenceCeiling" yaml:"closest_partial_confidence_ceiling"`
}

// RequesterConfig selects the reasoning model.
type RequesterConfig struct {
	// Provider is one of "anthropic", "bedrock", "gemini"
	Provider  string        `json:"provider" yaml:"provider"`
	Model     string        `json:"model" yaml:"model"`
	MaxTokens int           `json:"maxTokens" yaml:"max_tokens"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`

	// Anthropic / Gemini
	APIKey  string `json:"-" yaml:"api_key"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"base_url"`

	// Bedrock
	Region string `json:"region,omitempty" yaml:"region"`
}

// ExportConfig configures the archive for validated CSV tables.
type ExportConfig struct {
	// Type is "none", "local" or "s3"
	Type     string `json:"type" yaml:"type"`
	Dir      string `json:"dir,omitempty" yaml:"dir"`
	S3Bucket string `json:"s3Bucket,omitempty" yaml:"s3_bucket"`
	S3Prefix string `json:"s3Prefix,omitempty" yaml:"s3_prefix"`
	S3Region string `json:"s3Region,omitempty" yaml:"s3_region"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// DefaultValidationConfig returns the documented validation defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		DedupConfidenceTiebreak:             DefaultTiebreak(),
		ClosestPartialWarningThreshold:      ref(0.30),
		MinConfidenceForEvidenceRequirement: ref(1),
		ExactMinConfidence:                  90,
		ClosestPartialConfidenceFloor:       50,
		ClosestPartialConfidenceCeiling:     70,
	}
}

func ref[T any](v T) *T { return &v }

// ShareThreshold is ClosestPartialWarningThreshold or its default.
func (v ValidationConfig) ShareThreshold() float64 {
	if t := v.ClosestPartialWarningThreshold; t != nil && *t >= 0 && *t <= 1 {
		return *t
	}
	return *DefaultValidationConfig().ClosestPartialWarningThreshold
}

// EvidenceFloor is MinConfidenceForEvidenceRequirement or its default.
func (v ValidationConfig) EvidenceFloor() int {
	if m := v.MinConfidenceForEvidenceRequirement; m != nil && *m >= 0 {
		return *m
	}
	return *DefaultValidationConfig().MinConfidenceForEvidenceRequirement
}

// DefaultConfig returns a standalone configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 300, // model calls are slow
		},
		Profile:    ProfileStandalone,
		Validation: DefaultValidationConfig(),
		Requester: RequesterConfig{
			Provider:  "anthropic",
			Model:     "claude-opus-4-1",
			MaxTokens: 8096,
			Timeout:   240 * time.Second,
			BaseURL:   "https://api.anthropic.com/v1",
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./errmap.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  1000,
			LocalMaxBytes: 64 << 20,
			LocalTTL:      5 * time.Minute,
			ResponseTTL:   24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Export: ExportConfig{
			Type: "none",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "errmap",
		},
	}
}

// ClusterConfig returns a configuration backed by PostgreSQL, Redis and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "errmap",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalMaxBytes:  64 << 20,
		LocalTTL:       5 * time.Minute,
		ResponseTTL:    24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the effective configuration: profile defaults, then the
// optional YAML file at path, then ERRMAP_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if Profile(os.Getenv("ERRMAP_PROFILE")) == ProfileCluster {
		cfg = ClusterConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validation.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills unset or out-of-range values with defaults, then
// canonicalizes the tie-break list. An unknown mapping type in the
// tie-break list is an error; the other fields are filled even then.
func (v *ValidationConfig) Normalize() error {
	def := DefaultValidationConfig()

	v.ClosestPartialWarningThreshold = ref(v.ShareThreshold())
	v.MinConfidenceForEvidenceRequirement = ref(v.EvidenceFloor())
	if v.ExactMinConfidence <= 0 {
		v.ExactMinConfidence = def.ExactMinConfidence
	}
	if v.ClosestPartialConfidenceFloor <= 0 {
		v.ClosestPartialConfidenceFloor = def.ClosestPartialConfidenceFloor
	}
	if v.ClosestPartialConfidenceCeiling <= 0 {
		v.ClosestPartialConfidenceCeiling = def.ClosestPartialConfidenceCeiling
	}

	if len(v.DedupConfidenceTiebreak) == 0 {
		v.DedupConfidenceTiebreak = def.DedupConfidenceTiebreak
	}
	order := make([]MappingType, 0, len(v.DedupConfidenceTiebreak))
	for _, raw := range v.DedupConfidenceTiebreak {
		mt, ok := ParseMappingType(string(raw))
		if !ok {
			return fmt.Errorf("dedup_confidence_tiebreak: unknown mapping type %q", raw)
		}
		order = append(order, mt)
	}
	v.DedupConfidenceTiebreak = order
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ERRMAP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ERRMAP_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("ERRMAP_PROVIDER"); v != "" {
		cfg.Requester.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("ERRMAP_MODEL"); v != "" {
		cfg.Requester.Model = v
	}
	if v := os.Getenv("ERRMAP_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ERRMAP_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Requester.Timeout = d
	}
	if cfg.Requester.APIKey == "" {
		switch cfg.Requester.Provider {
		case "anthropic":
			cfg.Requester.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			cfg.Requester.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Requester.Region == "" {
		cfg.Requester.Region = v
	}
	if v := os.Getenv("ERRMAP_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("ERRMAP_POSTGRES_URL"); v != "" {
		cfg.Repository.PostgresURL = v
	}
	if v := os.Getenv("ERRMAP_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("ERRMAP_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("ERRMAP_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("ERRMAP_EXPORT_BUCKET"); v != "" {
		cfg.Export.Type = "s3"
		cfg.Export.S3Bucket = v
	}
	if os.Getenv("ERRMAP_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}
