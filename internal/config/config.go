package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort          = 8080
	DefaultCatalogPath       = "catalog.yaml"
	DefaultStorePath         = "commutepulse.db"
	DefaultBroadcastInterval = 5 * time.Second
)

// Config is the full configuration parsed from config.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Engine      EngineConfig      `yaml:"engine"`
	Trust       TrustConfig       `yaml:"trust"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket hub listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// CORSOrigins is the list of allowed dashboard origins. Empty allows none;
	// use ["*"] to allow all.
	CORSOrigins []string `yaml:"cors_origins"`

	// Auth protects the moderation and ops endpoints.
	Auth AuthConfig `yaml:"auth"`

	// BroadcastInterval is how often the WebSocket hub pushes the board
	// to connected clients (default 5s).
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// AuthConfig controls moderation endpoint authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// StoreConfig selects and configures the durable backend.
type StoreConfig struct {
	// Backend is one of: sqlite | postgres.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file (backend == "sqlite").
	Path string `yaml:"path"`

	// URLEnv is the environment variable holding the PostgreSQL connection
	// string (backend == "postgres").
	URLEnv string `yaml:"url_env"`
}

// URL returns the PostgreSQL connection string resolved from the environment.
func (s StoreConfig) URL() string {
	if s.URLEnv == "" {
		return ""
	}
	return os.Getenv(s.URLEnv)
}

// CatalogConfig points at the static route catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig holds the aggregation and ingestion policy knobs.
// All of these may be hot-reloaded via Watch.
type EngineConfig struct {
	// Window is the relevance window for most report kinds (default 30m).
	Window time.Duration `yaml:"window"`

	// NotRunningWindow is the longer window for not-running reports (default 2h).
	NotRunningWindow time.Duration `yaml:"not_running_window"`

	// ClockSkew is how far in the future a report timestamp may sit before
	// it is rejected (default 2m).
	ClockSkew time.Duration `yaml:"clock_skew"`

	// DuplicateCooldown flags a repeat of the same reporter+route+kind
	// within this period (default 2m).
	DuplicateCooldown time.Duration `yaml:"duplicate_cooldown"`

	// SpamTrustThreshold flags reports from identities below this trust
	// weight (default 0.15).
	SpamTrustThreshold float64 `yaml:"spam_trust_threshold"`

	// NotRunningMassThreshold is the weighted-mass majority needed to call a
	// route not-running (default 0.5).
	NotRunningMassThreshold float64 `yaml:"not_running_mass_threshold"`

	// LateMassThreshold is the weighted-mass minority needed to call a route
	// delayed (default 0.3).
	LateMassThreshold float64 `yaml:"late_mass_threshold"`

	// DensityMedium is the in-window report count above which crowding is
	// medium absent an explicit full-bus signal (default 5).
	DensityMedium int `yaml:"density_medium"`

	// RateEvery and RateBurst bound per-reporter submission rate
	// (default one report per 30s with burst 3).
	RateEvery time.Duration `yaml:"rate_every"`
	RateBurst int           `yaml:"rate_burst"`

	// ConfidenceFloor is the prior confidence reported when the window is
	// empty and the summary falls back to the last known status (default 20).
	ConfidenceFloor float64 `yaml:"confidence_floor"`
}

// TrustConfig holds the reputation policy.
type TrustConfig struct {
	// AcceptStep moves weight toward 1.0 on each accepted report (default 0.03).
	AcceptStep float64 `yaml:"accept_step"`

	// RemovePenalty moves weight toward 0.0 when a flagged report is removed
	// (default 0.15).
	RemovePenalty float64 `yaml:"remove_penalty"`

	// IdleDecayPerDay drifts weight toward neutral 0.5 per idle day (default 0.02).
	IdleDecayPerDay float64 `yaml:"idle_decay_per_day"`
}

// ReliabilityConfig holds the 7-day rollup policy.
type ReliabilityConfig struct {
	// ToleranceMinutes is the delay estimate up to which a delayed slice
	// still counts as reliable (default 10).
	ToleranceMinutes int `yaml:"tolerance_minutes"`

	// RetentionDays is how long finalized daily samples are kept (default 90).
	RetentionDays int `yaml:"retention_days"`

	// HistoryDays is the default history length served to clients (default 7).
	HistoryDays int `yaml:"history_days"`
}

// AlertsConfig holds notification policy and delivery targets.
type AlertsConfig struct {
	// DelayBands are the delay-minute thresholds whose crossing re-notifies
	// subscribers while a route is already delayed (default [10, 20, 30]).
	DelayBands []int `yaml:"delay_bands"`

	// QueueSize bounds the async dispatch queue (default 256). Events beyond
	// it are dropped, never blocking ingestion.
	QueueSize int `yaml:"queue_size"`

	// Webhooks are the delivery targets for notification events.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:          DefaultHTTPPort,
			BroadcastInterval: DefaultBroadcastInterval,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    DefaultStorePath,
		},
		Catalog: CatalogConfig{Path: DefaultCatalogPath},
		Engine: EngineConfig{
			Window:                  30 * time.Minute,
			NotRunningWindow:        2 * time.Hour,
			ClockSkew:               2 * time.Minute,
			DuplicateCooldown:       2 * time.Minute,
			SpamTrustThreshold:      0.15,
			NotRunningMassThreshold: 0.5,
			LateMassThreshold:       0.3,
			DensityMedium:           5,
			RateEvery:               30 * time.Second,
			RateBurst:               3,
			ConfidenceFloor:         20,
		},
		Trust: TrustConfig{
			AcceptStep:      0.03,
			RemovePenalty:   0.15,
			IdleDecayPerDay: 0.02,
		},
		Reliability: ReliabilityConfig{
			ToleranceMinutes: 10,
			RetentionDays:    90,
			HistoryDays:      7,
		},
		Alerts: AlertsConfig{
			DelayBands: []int{10, 20, 30},
			QueueSize:  256,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	switch cfg.Store.Backend {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the sqlite backend")
		}
	case "postgres":
		if cfg.Store.URLEnv == "" {
			return fmt.Errorf("store.url_env must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q unknown: want sqlite|postgres", cfg.Store.Backend)
	}
	if cfg.Catalog.Path == "" {
		return fmt.Errorf("catalog.path must be set")
	}

	e := cfg.Engine
	if e.Window <= 0 || e.NotRunningWindow <= 0 {
		return fmt.Errorf("engine windows must be positive")
	}
	if e.NotRunningWindow < e.Window {
		return fmt.Errorf("engine.not_running_window must be >= engine.window")
	}
	if e.SpamTrustThreshold < 0 || e.SpamTrustThreshold > 1 {
		return fmt.Errorf("engine.spam_trust_threshold %v out of range [0, 1]", e.SpamTrustThreshold)
	}
	if e.NotRunningMassThreshold <= 0 || e.NotRunningMassThreshold > 1 {
		return fmt.Errorf("engine.not_running_mass_threshold %v out of range (0, 1]", e.NotRunningMassThreshold)
	}
	if e.LateMassThreshold <= 0 || e.LateMassThreshold > 1 {
		return fmt.Errorf("engine.late_mass_threshold %v out of range (0, 1]", e.LateMassThreshold)
	}
	if e.ConfidenceFloor < 0 || e.ConfidenceFloor > 100 {
		return fmt.Errorf("engine.confidence_floor %v out of range [0, 100]", e.ConfidenceFloor)
	}

	t := cfg.Trust
	if t.AcceptStep < 0 || t.AcceptStep > 1 ||
		t.RemovePenalty < 0 || t.RemovePenalty > 1 ||
		t.IdleDecayPerDay < 0 || t.IdleDecayPerDay > 1 {
		return fmt.Errorf("trust steps must be in [0, 1]")
	}

	r := cfg.Reliability
	if r.ToleranceMinutes < 0 {
		return fmt.Errorf("reliability.tolerance_minutes must not be negative")
	}
	if r.RetentionDays <= 0 || r.HistoryDays <= 0 {
		return fmt.Errorf("reliability retention and history must be positive")
	}
	if r.HistoryDays > r.RetentionDays {
		return fmt.Errorf("reliability.history_days must be <= retention_days")
	}

	prev := 0
	for _, b := range cfg.Alerts.DelayBands {
		if b <= prev {
			return fmt.Errorf("alerts.delay_bands must be strictly increasing and positive")
		}
		prev = b
	}
	if cfg.Alerts.QueueSize <= 0 {
		return fmt.Errorf("alerts.queue_size must be positive")
	}
	for _, w := range cfg.Alerts.Webhooks {
		switch w.Type {
		case "slack", "http":
		default:
			return fmt.Errorf("alerts webhook type %q unknown: want slack|http", w.Type)
		}
	}
	return nil
}
