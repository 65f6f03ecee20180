package config

import (
	"fmt"
	"net"
	"regexp"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCHealthPort < 0 || c.Server.GRPCHealthPort > 65535 {
		add("server.grpc_health_port", "port must be between 0 and 65535, got %d", c.Server.GRPCHealthPort)
	}
	if c.Server.GRPCHealthPort != 0 && c.Server.GRPCHealthPort == c.Server.Port {
		add("server.grpc_health_port", "must differ from server.port")
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			add("server.trusted_proxies", "%q is not an IP address or CIDR", p)
		}
	}

	// Database
	switch c.Database.Type {
	case "":
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when type is sqlite")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when type is postgres")
		}
	default:
		add("database.type", "must be one of: sqlite, postgres (got %q)", c.Database.Type)
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be one of: debug, info, warn, error (got %q)", c.Logging.Level)
	}

	// Auth
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		add("auth.jwt_secret", "must be at least 32 characters when auth is enabled")
	}

	// Tracing
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "must be between 0 and 1, got %v", c.Tracing.SamplingRate)
	}

	// Oracle
	switch c.Oracle.Provider {
	case "openai", "rule_based":
	default:
		add("oracle.provider", "must be one of: openai, rule_based (got %q)", c.Oracle.Provider)
	}

	errs = append(errs, c.ValidatePipeline()...)

	return errs
}

// ValidatePipeline checks only the sections the recommendation pipeline
// reads: oracle fallback, catalog, guardrails, risk, revenue and approval.
func (c *Config) ValidatePipeline() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !inUnit(c.Oracle.FallbackConfidence) {
		add("oracle.fallback_confidence", "must be between 0 and 1, got %v", c.Oracle.FallbackConfidence)
	}

	// Catalog
	if c.Catalog.MaxResults < 1 {
		add("catalog.max_results", "must be at least 1, got %d", c.Catalog.MaxResults)
	}

	errs = append(errs, c.Guardrails.Validate()...)
	errs = append(errs, c.Risk.Validate()...)

	// Revenue
	if c.Revenue.Tolerance < 0 {
		add("revenue.tolerance", "must not be negative, got %v", c.Revenue.Tolerance)
	}
	if c.Revenue.DemandFloor <= 0 || c.Revenue.DemandFloor > 1 {
		add("revenue.demand_floor", "must be in (0, 1], got %v", c.Revenue.DemandFloor)
	}
	if c.Revenue.HorizonDays < 1 {
		add("revenue.horizon_days", "must be at least 1, got %d", c.Revenue.HorizonDays)
	}

	// Approval
	if c.Approval.Expiry <= 0 {
		add("approval.expiry", "must be positive")
	}
	if c.Approval.RejectedExpiry <= 0 || c.Approval.RejectedExpiry > c.Approval.Expiry {
		add("approval.rejected_expiry", "must be positive and no longer than approval.expiry")
	}

	return errs
}

// Validate checks guardrail clamps and that every pattern compiles.
func (g GuardrailConfig) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: "guardrails." + field, Message: fmt.Sprintf(format, args...)})
	}

	if g.AbsoluteFloor <= 0 {
		add("absolute_floor", "must be positive, got %v", g.AbsoluteFloor)
	}
	if g.MinMarkup < 0 {
		add("min_markup", "must not be negative, got %v", g.MinMarkup)
	}
	if g.MaxSwing <= 0 || g.MaxSwing > 1 {
		add("max_swing", "must be in (0, 1], got %v", g.MaxSwing)
	}
	if !inUnit(g.ExtremeDropRatio) {
		add("extreme_drop_ratio", "must be between 0 and 1, got %v", g.ExtremeDropRatio)
	}
	if g.ExtremeDropRecovery <= g.ExtremeDropRatio || g.ExtremeDropRecovery > 1 {
		add("extreme_drop_recovery", "must be above extreme_drop_ratio and at most 1, got %v", g.ExtremeDropRecovery)
	}
	if g.NonPositiveMarkup < 0 {
		add("non_positive_markup", "must not be negative, got %v", g.NonPositiveMarkup)
	}
	if g.MinMarginPercent < 0 || g.MaxMarginPercent >= 100 || g.MinMarginPercent >= g.MaxMarginPercent {
		add("min_margin_percent", "need 0 <= min_margin_percent < max_margin_percent < 100, got %v and %v",
			g.MinMarginPercent, g.MaxMarginPercent)
	}
	if !inUnit(g.LowConfidenceThreshold) {
		add("low_confidence_threshold", "must be between 0 and 1, got %v", g.LowConfidenceThreshold)
	}
	if len(g.AllowedKeywords) == 0 && len(g.AllowedPatterns) == 0 {
		add("allowed_keywords", "at least one allowed keyword or pattern is required")
	}
	for _, p := range g.AllowedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			add("allowed_patterns", "invalid pattern %q: %v", p, err)
		}
	}
	for _, p := range g.FraudPatterns {
		if _, err := regexp.Compile(p); err != nil {
			add("fraud_patterns", "invalid pattern %q: %v", p, err)
		}
	}
	return errs
}

// Validate checks that the risk thresholds are ordered.
func (r RiskConfig) Validate() []error {
	var errs []error
	if !(r.MediumChangePct > 0 && r.MediumChangePct < r.HighChangePct && r.HighChangePct < r.CriticalChangePct) {
		errs = append(errs, &ValidationError{
			Field: "risk",
			Message: fmt.Sprintf("need 0 < medium_change_pct < high_change_pct < critical_change_pct, got %v, %v, %v",
				r.MediumChangePct, r.HighChangePct, r.CriticalChangePct),
		})
	}
	if r.MaxAbsoluteChange <= 0 {
		errs = append(errs, &ValidationError{Field: "risk.max_absolute_change", Message: "must be positive"})
	}
	if !inUnit(r.MediumConfidenceThreshold) {
		errs = append(errs, &ValidationError{Field: "risk.medium_confidence_threshold", Message: "must be between 0 and 1"})
	}
	return errs
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
