package config

import "time"

// FraudMessage is returned to requesters whose query looks like an attempt
// to drive a price to zero.
const FraudMessage = "I cannot process requests for zero or extremely low pricing as this may indicate an error or unauthorized activity. Such pricing decisions require special authorization and manual review."

// DefaultGuardrails returns the built-in guardrail lists and clamps.
func DefaultGuardrails() GuardrailConfig {
	return GuardrailConfig{
		DeniedTopics: map[string][]string{
			"weather":       {"weather", "weather forecast", "temperature outside", "going to rain", "sunny today"},
			"travel":        {"vacation", "flight to", "hotel booking", "travel plans", "visa application"},
			"medical":       {"symptoms", "diagnosis", "my doctor", "prescription for", "medical advice"},
			"entertainment": {"movie", "tv show", "celebrity", "song lyrics", "video game"},
			"sports":        {"football score", "who won the game", "world cup", "nba", "match result"},
			"cooking":       {"recipe", "how to cook", "bake a cake"},
			"politics":      {"election", "president", "political party"},
			"personal":      {"tell me a joke", "dating advice", "horoscope"},
		},
		AllowedKeywords: []string{
			"price", "pricing", "priced", "cost", "margin", "markup", "revenue", "profit",
			"discount", "promotion", "competitor", "competition", "sale", "sales",
			"demand", "elasticity", "inventory", "stock", "sku", "product", "item",
			"expensive", "cheap", "affordable", "raise", "lower", "increase", "decrease",
		},
		AllowedPatterns: []string{
			`\$\s?\d+`,
			`\d+(\.\d+)?\s*%`,
			`\b(sku|item|upc)[-_ ]?[a-z0-9]+\b`,
		},
		FraudPhrases: []string{
			"price to 0", "price to zero", "set price to 0", "set price to zero",
			"make free", "make it free", "price at 0", "price at zero",
			"give away", "no cost", "zero cost", "free of charge", "for free",
		},
		FraudPatterns: []string{
			`\bprice\b.*\b(to|at)\s+\$?0+(\.0+)?\b`,
			`\bset\b.*\bprice\b.*\bzero\b`,
			`\bmake\b.*\bfree\b`,
			`\bgive\b.*\baway\b`,
			`\bno\s+cost\b`,
			`\b(to|at|for)\s+\$0?\.\d{1,2}\b`,
			`\b(to|at|for)\s+\d{1,2}\s*cents?\b`,
			`\bgratis\b`,
			`\bcomplimentary\b`,
		},
		FraudMessage: FraudMessage,

		AbsoluteFloor:          0.50,
		MinMarkup:              0.10,
		MaxSwing:               0.50,
		ExtremeDropRatio:       0.10,
		ExtremeDropRecovery:    0.50,
		NonPositiveMarkup:      0.20,
		MinMarginPercent:       5,
		MaxMarginPercent:       80,
		LowConfidenceThreshold: 0.5,
	}
}

// DefaultRisk returns the built-in risk thresholds.
func DefaultRisk() RiskConfig {
	return RiskConfig{
		CriticalChangePct:         40,
		HighChangePct:             25,
		MediumChangePct:           10,
		MaxAbsoluteChange:         500,
		MediumConfidenceThreshold: 0.7,
		RevenueMateriality:        5000,
		HighValueItemPrice:        1000,
	}
}

// DefaultRevenue returns the built-in revenue validator parameters.
func DefaultRevenue() RevenueConfig {
	return RevenueConfig{
		Tolerance:   100,
		DemandFloor: 0.05,
		HorizonDays: 30,
	}
}

// DefaultApproval returns the built-in expiry horizons.
func DefaultApproval() ApprovalConfig {
	return ApprovalConfig{
		Expiry:         7 * 24 * time.Hour,
		RejectedExpiry: 30 * time.Second,
	}
}

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.GRPCHealthPort = 8091
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.RateLimitRPS = 10
	cfg.Server.RateLimitBurst = 20
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "data/kubilitics-pricing.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.AppLogPath = "logs/app.log"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 90
	cfg.Logging.Console = true

	// Auth defaults
	cfg.Auth.Enabled = false
	cfg.Auth.Issuer = "kubilitics-pricing"
	cfg.Auth.TokenTTL = 8 * time.Hour

	// Tracing defaults (disabled)
	cfg.Tracing.ServiceName = "kubilitics-pricing"
	cfg.Tracing.SamplingRate = 1.0

	// Oracle defaults
	cfg.Oracle.Provider = "openai"
	cfg.Oracle.BaseURL = "https://api.openai.com/v1"
	cfg.Oracle.Model = "gpt-4o"
	cfg.Oracle.Timeout = 60 * time.Second
	cfg.Oracle.FallbackConfidence = 0.5

	// Catalog defaults
	cfg.Catalog.Path = "data/products.csv"
	cfg.Catalog.MaxResults = 5

	// Tools defaults
	cfg.Tools.Enabled = true
	cfg.Tools.ReadOnly = true

	cfg.Guardrails = DefaultGuardrails()
	cfg.Risk = DefaultRisk()
	cfg.Revenue = DefaultRevenue()
	cfg.Approval = DefaultApproval()

	return cfg
}
