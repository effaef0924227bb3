package model

import "time"

// Config is the complete runtime configuration
type Config struct {
	SEC         SECConfig         `yaml:"sec" mapstructure:"sec"`
	Fetch       FetchConfig       `yaml:"fetch" mapstructure:"fetch"`
	Valuation   ValuationConfig   `yaml:"valuation" mapstructure:"valuation"`
	Evaluation  EvaluationConfig  `yaml:"evaluation" mapstructure:"evaluation"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	LLM         LLMConfig         `yaml:"llm" mapstructure:"llm"`
	Schedule    ScheduleConfig    `yaml:"schedule" mapstructure:"schedule"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// SECConfig configures access to EDGAR
type SECConfig struct {
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent" validate:"required"` // SEC fair access requires "Company contact@email"
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	FilesURL      string        `yaml:"files_url" mapstructure:"files_url" validate:"required,url"`
	ArchivesURL   string        `yaml:"archives_url" mapstructure:"archives_url" validate:"required,url"`
	TreasuryURL   string        `yaml:"treasury_url" mapstructure:"treasury_url" validate:"required,url"`
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second" validate:"gt=0,lte=10"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
}

// FetchConfig bounds every external call
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	MaxElapsed  time.Duration `yaml:"max_elapsed" mapstructure:"max_elapsed"`
	HTTPProxy   string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy  string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy     string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// ValuationConfig holds the declared model assumptions
type ValuationConfig struct {
	Beta           float64 `yaml:"beta" mapstructure:"beta"`
	EquityPremium  float64 `yaml:"equity_premium" mapstructure:"equity_premium"`
	TerminalGrowth float64 `yaml:"terminal_growth" mapstructure:"terminal_growth"`
	Horizon        int     `yaml:"horizon" mapstructure:"horizon" validate:"gte=1,lte=50"`
	BracketLow     float64 `yaml:"bracket_low" mapstructure:"bracket_low"`
	BracketHigh    float64 `yaml:"bracket_high" mapstructure:"bracket_high" validate:"gtfield=BracketLow"`
	Tolerance      float64 `yaml:"tolerance" mapstructure:"tolerance" validate:"gt=0"`
	FallbackRate   float64 `yaml:"fallback_risk_free" mapstructure:"fallback_risk_free"` // Used when the treasury feed is unavailable
}

// EvaluationConfig holds the default state machine thresholds
type EvaluationConfig struct {
	ProximityBand  float64 `yaml:"proximity_band" mapstructure:"proximity_band" validate:"gte=0,lte=1"`
	ProximityFloor float64 `yaml:"proximity_floor" mapstructure:"proximity_floor" validate:"gte=0,lte=1"`
	ChallengeRatio float64 `yaml:"challenge_ratio" mapstructure:"challenge_ratio" validate:"gt=0"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver" validate:"oneof=badger postgres"`
	Path   string `yaml:"path" mapstructure:"path"`
	DSN    string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

// CacheConfig configures the provider response cache
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir     string        `yaml:"dir" mapstructure:"dir"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// LLMConfig configures the evidence extraction provider
type LLMConfig struct {
	Provider    string        `yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=openai anthropic claude ollama keyword"`
	Model       string        `yaml:"model,omitempty" mapstructure:"model"`
	BaseURL     string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float32       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxExcerpts int           `yaml:"max_excerpts" mapstructure:"max_excerpts"`
}

// ScheduleConfig configures periodic monitoring
type ScheduleConfig struct {
	Spec string `yaml:"spec" mapstructure:"spec"` // cron expression, "@every 6h" accepted
}

// ConcurrencyConfig bounds parallel ticker cycles
type ConcurrencyConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers" validate:"gte=1"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		SEC: SECConfig{
			UserAgent:     "thesiswatch admin@example.com",
			BaseURL:       "https://data.sec.gov",
			FilesURL:      "https://www.sec.gov",
			ArchivesURL:   "https://www.sec.gov/Archives/edgar/data",
			TreasuryURL:   "https://api.fiscaldata.treasury.gov/services/api/fiscal_service",
			RatePerSecond: 8,
			Timeout:       20 * time.Second,
			RespectRobots: true,
		},
		Fetch: FetchConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			MaxElapsed:  time.Minute,
		},
		Valuation: ValuationConfig{
			Beta:           1.0,
			EquityPremium:  0.045,
			TerminalGrowth: 0.025,
			Horizon:        10,
			BracketLow:     -0.5,
			BracketHigh:    1.0,
			Tolerance:      1e-5,
			FallbackRate:   0.0425,
		},
		Evaluation: EvaluationConfig{
			ProximityBand:  0.2,
			ProximityFloor: 0.02,
			ChallengeRatio: 1.0,
		},
		Store: StoreConfig{
			Driver: "badger",
			Path:   "~/.thesiswatch/data",
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "~/.thesiswatch/cache",
			TTL:     6 * time.Hour,
		},
		LLM: LLMConfig{
			Provider:    "",
			MaxTokens:   1500,
			Temperature: 0,
			Timeout:     60 * time.Second,
			MaxExcerpts: 5,
		},
		Schedule: ScheduleConfig{
			Spec: "0 7 * * 1-5",
		},
		Concurrency: ConcurrencyConfig{
			Workers: 4,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}
