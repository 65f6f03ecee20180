// Package config provides configuration management for kubilitics-pricing.
//
// Configuration Sources (priority order, high to low):
//  1. CLI flags
//  2. Environment variables (PRICING_* prefix, dots become underscores)
//  3. YAML config file
//  4. Built-in defaults
//
// Main Configuration Sections:
//
//  1. Server      - HTTP and gRPC health ports, rate limits, websocket origins
//  2. Database    - "sqlite" | "postgres" | "" (no persistence of approvals)
//  3. Logging     - zap level and rotating app/audit log files
//  4. Auth        - JWT secret and token lifetime for approvers
//  5. Tracing     - OTLP endpoint; empty disables tracing
//  6. Oracle      - price suggestion provider ("openai" | "rule_based")
//  7. Catalog     - product data file (CSV or YAML)
//  8. Tools       - agent tool-call endpoint, read-only by default
//  9. Guardrails  - input topic/fraud lists and price safety clamps
//  10. Risk       - risk tier thresholds
//  11. Revenue    - revenue impact tolerance
//  12. Approval   - recommendation expiry horizons
//
// Guardrails, Risk, Revenue and Approval are value types. The pipeline
// copies them at construction; a reload never changes an agent that is
// already running.
package config

import (
	"context"
	"time"
)

// GuardrailConfig parameterizes the input and safety guardrail stages.
type GuardrailConfig struct {
	// DeniedTopics maps a topic name to the phrases that identify it.
	DeniedTopics    map[string][]string
	AllowedKeywords []string
	AllowedPatterns []string
	FraudPhrases    []string
	FraudPatterns   []string
	FraudMessage    string

	AbsoluteFloor float64
	// MinMarkup is a fraction of cost: 0.10 means price >= cost * 1.10.
	MinMarkup float64
	// MaxSwing is a fraction of the current price, applied both ways.
	MaxSwing float64
	// ExtremeDropRatio flags candidates below this fraction of current price.
	ExtremeDropRatio float64
	// ExtremeDropRecovery is the fraction of current price restored on an
	// extreme drop.
	ExtremeDropRecovery float64
	// NonPositiveMarkup is the markup over cost used when the candidate is
	// missing or not positive.
	NonPositiveMarkup      float64
	MinMarginPercent       float64
	MaxMarginPercent       float64
	LowConfidenceThreshold float64
}

// MinMarkupMultiplier returns 1 + MinMarkup.
func (g GuardrailConfig) MinMarkupMultiplier() float64 {
	return 1 + g.MinMarkup
}

// RiskConfig holds the risk table thresholds. Percentages are absolute
// values of the price change.
type RiskConfig struct {
	CriticalChangePct         float64
	HighChangePct             float64
	MediumChangePct           float64
	MaxAbsoluteChange         float64
	MediumConfidenceThreshold float64
	RevenueMateriality        float64
	HighValueItemPrice        float64
}

// RevenueConfig parameterizes the revenue impact validator.
type RevenueConfig struct {
	// Tolerance is the monthly revenue loss, in dollars, absorbed before a
	// candidate is rejected.
	Tolerance   float64
	DemandFloor float64
	HorizonDays int
}

// ApprovalConfig sets the expiry horizons of recommendations.
type ApprovalConfig struct {
	Expiry         time.Duration
	RejectedExpiry time.Duration
}

// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Port            int
		GRPCHealthPort  int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		RateLimitRPS    float64
		RateLimitBurst  int
		// AllowedOrigins for CORS and websocket upgrades. ["*"] allows any origin.
		AllowedOrigins []string
		// TrustedProxies are peer IPs or CIDRs whose X-Forwarded-For and
		// X-Real-IP headers are honored. Empty means the peer address is
		// always the client.
		TrustedProxies []string
	}

	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	Logging struct {
		Level        string
		AppLogPath   string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Console      bool
	}

	Auth struct {
		Enabled   bool
		JWTSecret string
		Issuer    string
		TokenTTL  time.Duration
	}

	Tracing struct {
		Endpoint     string
		ServiceName  string
		SamplingRate float64
	}

	Oracle struct {
		Provider           string
		APIKey             string
		BaseURL            string
		Model              string
		Timeout            time.Duration
		FallbackConfidence float64
	}

	Catalog struct {
		Path       string
		MaxResults int
	}

	// Tools exposes pipeline operations as JSON tool calls for agents.
	// ReadOnly hides the approval tool.
	Tools struct {
		Enabled  bool
		ReadOnly bool
	}

	Guardrails GuardrailConfig
	Risk       RiskConfig
	Revenue    RevenueConfig
	Approval   ApprovalConfig
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch reports configuration file changes.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads the configuration file.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a configuration manager reading configPath.
// An empty path means defaults plus environment only.
func NewConfigManager(configPath string) (ConfigManager, error) {
	return &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}, nil
}
