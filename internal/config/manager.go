package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. PRICING_SERVER_PORT.
const EnvPrefix = "PRICING"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()
	m.viper.SetConfigType("yaml")
	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
	}

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return Join(m.config.Validate())
}

// Join folds validation errors into a single error, nil when there are none.
func Join(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Watch watches the config file and publishes each successfully parsed
// revision. Updates are dropped while the previous one is unread.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil || m.configPath == "" {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
		}
	})
	m.viper.WatchConfig()
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()
	v := m.viper

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.grpc_health_port", d.Server.GRPCHealthPort)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.trusted_proxies", d.Server.TrustedProxies)

	// Database defaults
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	v.SetDefault("database.postgres_url", d.Database.PostgresURL)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	v.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.console", d.Logging.Console)

	// Auth defaults
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	// Tracing defaults
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)

	// Oracle defaults
	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.api_key", d.Oracle.APIKey)
	v.SetDefault("oracle.base_url", d.Oracle.BaseURL)
	v.SetDefault("oracle.model", d.Oracle.Model)
	v.SetDefault("oracle.timeout", d.Oracle.Timeout)
	v.SetDefault("oracle.fallback_confidence", d.Oracle.FallbackConfidence)

	// Catalog defaults
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.max_results", d.Catalog.MaxResults)

	// Tools defaults
	v.SetDefault("tools.enabled", d.Tools.Enabled)
	v.SetDefault("tools.read_only", d.Tools.ReadOnly)

	// Guardrail defaults
	g := d.Guardrails
	v.SetDefault("guardrails.denied_topics", g.DeniedTopics)
	v.SetDefault("guardrails.allowed_keywords", g.AllowedKeywords)
	v.SetDefault("guardrails.allowed_patterns", g.AllowedPatterns)
	v.SetDefault("guardrails.fraud_phrases", g.FraudPhrases)
	v.SetDefault("guardrails.fraud_patterns", g.FraudPatterns)
	v.SetDefault("guardrails.fraud_message", g.FraudMessage)
	v.SetDefault("guardrails.absolute_floor", g.AbsoluteFloor)
	v.SetDefault("guardrails.min_markup", g.MinMarkup)
	v.SetDefault("guardrails.max_swing", g.MaxSwing)
	v.SetDefault("guardrails.extreme_drop_ratio", g.ExtremeDropRatio)
	v.SetDefault("guardrails.extreme_drop_recovery", g.ExtremeDropRecovery)
	v.SetDefault("guardrails.non_positive_markup", g.NonPositiveMarkup)
	v.SetDefault("guardrails.min_margin_percent", g.MinMarginPercent)
	v.SetDefault("guardrails.max_margin_percent", g.MaxMarginPercent)
	v.SetDefault("guardrails.low_confidence_threshold", g.LowConfidenceThreshold)

	// Risk defaults
	r := d.Risk
	v.SetDefault("risk.critical_change_pct", r.CriticalChangePct)
	v.SetDefault("risk.high_change_pct", r.HighChangePct)
	v.SetDefault("risk.medium_change_pct", r.MediumChangePct)
	v.SetDefault("risk.max_absolute_change", r.MaxAbsoluteChange)
	v.SetDefault("risk.medium_confidence_threshold", r.MediumConfidenceThreshold)
	v.SetDefault("risk.revenue_materiality", r.RevenueMateriality)
	v.SetDefault("risk.high_value_item_price", r.HighValueItemPrice)

	// Revenue defaults
	v.SetDefault("revenue.tolerance", d.Revenue.Tolerance)
	v.SetDefault("revenue.demand_floor", d.Revenue.DemandFloor)
	v.SetDefault("revenue.horizon_days", d.Revenue.HorizonDays)

	// Approval defaults
	v.SetDefault("approval.expiry", d.Approval.Expiry)
	v.SetDefault("approval.rejected_expiry", d.Approval.RejectedExpiry)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	v := m.viper
	cfg := &Config{}

	// Server
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCHealthPort = v.GetInt("server.grpc_health_port")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Server.RateLimitRPS = v.GetFloat64("server.rate_limit_rps")
	cfg.Server.RateLimitBurst = v.GetInt("server.rate_limit_burst")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.TrustedProxies = v.GetStringSlice("server.trusted_proxies")

	// Database
	cfg.Database.Type = v.GetString("database.type")
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = v.GetString("database.postgres_url")

	// Logging
	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.AppLogPath = v.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = v.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")
	cfg.Logging.Console = v.GetBool("logging.console")

	// Auth
	cfg.Auth.Enabled = v.GetBool("auth.enabled")
	cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	cfg.Auth.Issuer = v.GetString("auth.issuer")
	cfg.Auth.TokenTTL = v.GetDuration("auth.token_ttl")

	// Tracing
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")
	cfg.Tracing.SamplingRate = v.GetFloat64("tracing.sampling_rate")

	// Oracle
	cfg.Oracle.Provider = v.GetString("oracle.provider")
	cfg.Oracle.APIKey = v.GetString("oracle.api_key")
	cfg.Oracle.BaseURL = v.GetString("oracle.base_url")
	cfg.Oracle.Model = v.GetString("oracle.model")
	cfg.Oracle.Timeout = v.GetDuration("oracle.timeout")
	cfg.Oracle.FallbackConfidence = v.GetFloat64("oracle.fallback_confidence")

	// Catalog
	cfg.Catalog.Path = v.GetString("catalog.path")
	cfg.Catalog.MaxResults = v.GetInt("catalog.max_results")

	// Tools
	cfg.Tools.Enabled = v.GetBool("tools.enabled")
	cfg.Tools.ReadOnly = v.GetBool("tools.read_only")

	// Guardrails
	cfg.Guardrails.DeniedTopics = v.GetStringMapStringSlice("guardrails.denied_topics")
	cfg.Guardrails.AllowedKeywords = v.GetStringSlice("guardrails.allowed_keywords")
	cfg.Guardrails.AllowedPatterns = v.GetStringSlice("guardrails.allowed_patterns")
	cfg.Guardrails.FraudPhrases = v.GetStringSlice("guardrails.fraud_phrases")
	cfg.Guardrails.FraudPatterns = v.GetStringSlice("guardrails.fraud_patterns")
	cfg.Guardrails.FraudMessage = v.GetString("guardrails.fraud_message")
	cfg.Guardrails.AbsoluteFloor = v.GetFloat64("guardrails.absolute_floor")
	cfg.Guardrails.MinMarkup = v.GetFloat64("guardrails.min_markup")
	cfg.Guardrails.MaxSwing = v.GetFloat64("guardrails.max_swing")
	cfg.Guardrails.ExtremeDropRatio = v.GetFloat64("guardrails.extreme_drop_ratio")
	cfg.Guardrails.ExtremeDropRecovery = v.GetFloat64("guardrails.extreme_drop_recovery")
	cfg.Guardrails.NonPositiveMarkup = v.GetFloat64("guardrails.non_positive_markup")
	cfg.Guardrails.MinMarginPercent = v.GetFloat64("guardrails.min_margin_percent")
	cfg.Guardrails.MaxMarginPercent = v.GetFloat64("guardrails.max_margin_percent")
	cfg.Guardrails.LowConfidenceThreshold = v.GetFloat64("guardrails.low_confidence_threshold")

	// Risk
	cfg.Risk.CriticalChangePct = v.GetFloat64("risk.critical_change_pct")
	cfg.Risk.HighChangePct = v.GetFloat64("risk.high_change_pct")
	cfg.Risk.MediumChangePct = v.GetFloat64("risk.medium_change_pct")
	cfg.Risk.MaxAbsoluteChange = v.GetFloat64("risk.max_absolute_change")
	cfg.Risk.MediumConfidenceThreshold = v.GetFloat64("risk.medium_confidence_threshold")
	cfg.Risk.RevenueMateriality = v.GetFloat64("risk.revenue_materiality")
	cfg.Risk.HighValueItemPrice = v.GetFloat64("risk.high_value_item_price")

	// Revenue
	cfg.Revenue.Tolerance = v.GetFloat64("revenue.tolerance")
	cfg.Revenue.DemandFloor = v.GetFloat64("revenue.demand_floor")
	cfg.Revenue.HorizonDays = v.GetInt("revenue.horizon_days")

	// Approval
	cfg.Approval.Expiry = v.GetDuration("approval.expiry")
	cfg.Approval.RejectedExpiry = v.GetDuration("approval.rejected_expiry")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies well-known environment variables for secrets.
func (m *viperConfigManager) applyEnvOverrides() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && m.config.Oracle.APIKey == "" {
		m.config.Oracle.APIKey = apiKey
	}
	if secret := os.Getenv("PRICING_JWT_SECRET"); secret != "" {
		m.config.Auth.JWTSecret = secret
	}
}
