package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the rivet service
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Router       RouterConfig       `mapstructure:"router"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	State        StateConfig        `mapstructure:"state"`
	Flows        FlowsConfig        `mapstructure:"flows"`
	Storage      StorageConfig      `mapstructure:"storage"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Knowledge    KnowledgeConfig    `mapstructure:"knowledge"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RouterConfig holds the coverage thresholds used to pick a route.
type RouterConfig struct {
	StrongThreshold float64 `mapstructure:"strong_threshold"`
	WeakThreshold   float64 `mapstructure:"weak_threshold"`
	StrongMinAtoms  int     `mapstructure:"strong_min_atoms"`
	MinQueryRunes   int     `mapstructure:"min_query_runes"`
}

// Normalize fills unset thresholds with defaults.
func (r RouterConfig) Normalize() RouterConfig {
	if r.StrongThreshold <= 0 {
		r.StrongThreshold = 0.75
	}
	if r.WeakThreshold <= 0 {
		r.WeakThreshold = 0.4
	}
	if r.StrongMinAtoms <= 0 {
		r.StrongMinAtoms = 3
	}
	if r.MinQueryRunes <= 0 {
		r.MinQueryRunes = 3
	}
	return r
}

func (r RouterConfig) Validate() error {
	if r.StrongThreshold > 1 || r.WeakThreshold > 1 {
		return fmt.Errorf("router thresholds must be within [0,1]")
	}
	if r.WeakThreshold >= r.StrongThreshold {
		return fmt.Errorf("router.weak_threshold (%.2f) must be below router.strong_threshold (%.2f)", r.WeakThreshold, r.StrongThreshold)
	}
	return nil
}

// OrchestratorConfig bounds the fan-out performed for each query.
type OrchestratorConfig struct {
	RouteBudget          time.Duration `mapstructure:"route_budget"`
	SynthesisTimeout     time.Duration `mapstructure:"synthesis_timeout"`
	GenerationTimeout    time.Duration `mapstructure:"generation_timeout"`
	DocumentTimeout      time.Duration `mapstructure:"document_timeout"`
	GapSignalTimeout     time.Duration `mapstructure:"gap_signal_timeout"`
	LookupTimeout        time.Duration `mapstructure:"lookup_timeout"`
	MaxDocumentLinks     int           `mapstructure:"max_document_links"`
	MaxConcurrentQueries int           `mapstructure:"max_concurrent_queries"`
}

// Normalize applies defaults for unset timeouts.
func (o OrchestratorConfig) Normalize() OrchestratorConfig {
	if o.RouteBudget <= 0 {
		o.RouteBudget = 8 * time.Second
	}
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = 6 * time.Second
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 6 * time.Second
	}
	if o.DocumentTimeout <= 0 {
		o.DocumentTimeout = 3 * time.Second
	}
	if o.GapSignalTimeout <= 0 {
		o.GapSignalTimeout = 2 * time.Second
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 2 * time.Second
	}
	if o.MaxDocumentLinks <= 0 {
		o.MaxDocumentLinks = 3
	}
	if o.MaxConcurrentQueries <= 0 {
		o.MaxConcurrentQueries = 32
	}
	return o
}

// StateConfig tunes the tiered conversation state store.
type StateConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	PrimaryAttempts  int           `mapstructure:"primary_attempts"`
	PrimaryBackoff   time.Duration `mapstructure:"primary_backoff"`
	PrimaryTimeout   time.Duration `mapstructure:"primary_timeout"`
	SecondaryPath    string        `mapstructure:"secondary_path"`
	DisableSecondary bool          `mapstructure:"disable_secondary"`
}

// Normalize applies defaults for the state store.
func (s StateConfig) Normalize() StateConfig {
	if s.TTL <= 0 {
		s.TTL = 24 * time.Hour
	}
	if s.PrimaryAttempts <= 0 {
		s.PrimaryAttempts = 3
	}
	if s.PrimaryBackoff <= 0 {
		s.PrimaryBackoff = 500 * time.Millisecond
	}
	if s.PrimaryTimeout <= 0 {
		s.PrimaryTimeout = 2 * time.Second
	}
	if strings.TrimSpace(s.SecondaryPath) == "" {
		s.SecondaryPath = filepath.Join("data", "rivet-state.db")
	}
	return s
}

// FlowsConfig controls the structured dialog engine.
type FlowsConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
	SkipCommand string `mapstructure:"skip_command"`
}

// Normalize applies defaults for the flow engine.
func (f FlowsConfig) Normalize() FlowsConfig {
	if strings.TrimSpace(f.SkipCommand) == "" {
		f.SkipCommand = "/skip"
	}
	return f
}

// LLMConfig contains generative fallback settings
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SourcesConfig contains external document search settings
type SourcesConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider     string        `mapstructure:"provider"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Sites        []string      `mapstructure:"sites"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// APIKey returns the key for the configured provider.
func (w WebSearchConfig) APIKey() string {
	if strings.EqualFold(w.Provider, "serper") {
		return w.SerperAPIKey
	}
	return w.BraveAPIKey
}

// KnowledgeConfig points at the local knowledge atom index.
type KnowledgeConfig struct {
	IndexPath string `mapstructure:"index_path"`
	TopK      int    `mapstructure:"top_k"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	SweepCron  string        `mapstructure:"sweep_cron"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	GapStream  string        `mapstructure:"gap_stream"`
	GapPerMin  int           `mapstructure:"gap_signals_per_minute"`
	GapMaxLen  int64         `mapstructure:"gap_stream_max_len"`
	DisableRun bool          `mapstructure:"disable_scheduler"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint has been configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when storage.redis.host is set")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the discrete fields when no URL is set.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("router.strong_threshold", 0.75)
	v.SetDefault("router.weak_threshold", 0.4)
	v.SetDefault("router.strong_min_atoms", 3)
	v.SetDefault("router.min_query_runes", 3)
	v.SetDefault("orchestrator.route_budget", 8*time.Second)
	v.SetDefault("orchestrator.max_document_links", 3)
	v.SetDefault("state.ttl", 24*time.Hour)
	v.SetDefault("state.primary_attempts", 3)
	v.SetDefault("state.primary_backoff", 500*time.Millisecond)
	v.SetDefault("flows.skip_command", "/skip")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("sources.web_search.provider", "brave")
	v.SetDefault("sources.web_search.max_results", 5)
	v.SetDefault("sources.web_search.timeout", 5*time.Second)
	v.SetDefault("knowledge.top_k", 10)
	v.SetDefault("telemetry.service_name", "rivet")
	v.SetDefault("maintenance.sweep_cron", "0 * * * *")
	v.SetDefault("maintenance.lock_ttl", 2*time.Minute)
	v.SetDefault("maintenance.gap_stream", "rivet:knowledge_gaps")
	v.SetDefault("maintenance.gap_signals_per_minute", 60)
	v.SetDefault("maintenance.gap_stream_max_len", 10000)
}

// LoadConfig loads config from file and RIVET_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RIVET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Router = cfg.Router.Normalize()
	cfg.Orchestrator = cfg.Orchestrator.Normalize()
	cfg.State = cfg.State.Normalize()
	cfg.Flows = cfg.Flows.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on more than one section.
func (c *Config) Validate() error {
	if err := c.Router.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	return nil
}
