// Package audit writes the application log and the append-only audit trail
// of pricing decisions. Both are zap JSON loggers over lumberjack rotation.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogRecommendation records a finished pipeline run.
	LogRecommendation(ctx context.Context, rec *pricing.Recommendation) error

	// LogApproval records one approval attempt, successful or not.
	LogApproval(ctx context.Context, record pricing.ApprovalRecord) error

	// App returns the structured application logger.
	App() *zap.Logger

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	AuditLogPath string
	AppLogPath   string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize    int
	MaxBackups int
	// MaxAge is in days
	MaxAge   int
	Compress bool

	// LogLevel is the minimum app log level (debug, info, warn, error)
	LogLevel string

	// Console tees the app log to stderr.
	Console bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
		LogLevel:     "info",
	}
}

const bufferSize = 100

type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(appRotator),
		level,
	)
	if config.Console {
		appCore = zapcore.NewTee(appCore, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig()),
			zapcore.Lock(os.Stderr),
			level,
		))
	}
	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit entries are always INFO and never filtered by the app level.
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(time.Second),
		stopCh:      make(chan struct{}),
	}
	go logger.autoFlush()
	return logger, nil
}

func (l *auditLogger) App() *zap.Logger { return l.appLogger }

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}
		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogRecommendation emits one event per finished recommendation plus one
// per guardrail adjustment.
func (l *auditLogger) LogRecommendation(ctx context.Context, rec *pricing.Recommendation) error {
	event := RecommendationEvent(rec)
	if err := l.Log(ctx, event); err != nil {
		return err
	}
	for _, v := range rec.Violations {
		if v.Kind != pricing.KindAdjustment {
			continue
		}
		adj := NewEvent(EventPriceAdjusted).
			WithCorrelationID(event.CorrelationID).
			WithResource(rec.ID, event.Product).
			WithAction(v.Rule).
			WithResult(ResultSuccess).
			WithDescription(v.Message).
			WithMetadata("severity", v.Severity.String())
		if v.OriginalValue != nil {
			adj.WithMetadata("original_price", *v.OriginalValue)
		}
		if v.AdjustedValue != nil {
			adj.WithMetadata("adjusted_price", *v.AdjustedValue)
		}
		if err := l.Log(ctx, adj); err != nil {
			return err
		}
	}

	l.appLogger.Info("recommendation processed",
		zap.String("id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("risk_level", rec.RiskLevel.String()),
		zap.String("approval_threshold", rec.ApprovalThreshold.String()),
		zap.Float64("confidence", rec.Confidence),
		zap.Int("violations", len(rec.Violations)),
	)
	return nil
}

// RecommendationEvent builds the audit event for a finished recommendation.
func RecommendationEvent(rec *pricing.Recommendation) *Event {
	productID := ""
	if p, ok := rec.PrimaryProduct(); ok {
		productID = p.ID
	}

	var event *Event
	switch {
	case rec.RejectedBy == pricing.StageInput:
		event = NewEvent(EventInputRejected).WithResult(ResultDenied)
	case rec.RejectedBy == pricing.StageRevenue:
		event = NewEvent(EventRevenueRejected).WithResult(ResultDenied)
	case rec.Status == pricing.StatusRejected:
		event = NewEvent(EventRecommendationRejected).WithResult(ResultDenied)
	default:
		event = NewEvent(EventRecommendationCreated).WithResult(ResultPending)
	}
	event.WithCorrelationID(rec.ID).
		WithResource(rec.ID, productID).
		WithUser(rec.CreatedBy, "").
		WithAction("recommend").
		WithDescription(rec.Summary).
		WithMetadata("risk_level", rec.RiskLevel.String()).
		WithMetadata("approval_threshold", rec.ApprovalThreshold.String()).
		WithMetadata("confidence", rec.Confidence)
	if rec.RecommendedPrice != nil {
		event.WithMetadata("recommended_price", *rec.RecommendedPrice)
	}
	if rec.Impact != nil {
		event.WithMetadata("monthly_revenue_impact", rec.Impact.MonthlyRevenueImpact)
	}
	return event
}

// LogApproval records one approval attempt.
func (l *auditLogger) LogApproval(ctx context.Context, record pricing.ApprovalRecord) error {
	a := record.Action
	var event *Event
	switch {
	case !record.Succeeded:
		event = NewEvent(EventApprovalFailed).WithResult(ResultFailure)
		event.Error = record.Error
		event.ErrorCode = "approval_error"
	case a.Decision == pricing.DecisionApproved:
		event = NewEvent(EventApprovalGranted).WithResult(ResultSuccess)
	default:
		event = NewEvent(EventApprovalDenied).WithResult(ResultSuccess)
	}
	event.WithCorrelationID(a.RecommendationID).
		WithResource(a.RecommendationID, "").
		WithUser(a.ApproverID, a.ApproverRole.String()).
		WithAction(string(a.Decision)).
		WithDescription(a.Notes)
	event.Timestamp = a.Timestamp.UTC()

	if !record.Succeeded {
		l.appLogger.Warn("approval attempt failed",
			zap.String("recommendation_id", a.RecommendationID),
			zap.String("approver", a.ApproverID),
			zap.String("role", a.ApproverRole.String()),
			zap.String("error", record.Error),
		)
	}
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.auditLogger.Sync(); err != nil {
		return err
	}
	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
