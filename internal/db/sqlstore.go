package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// migrations are written in the subset of SQL both drivers accept.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS recommendations (
    id                  TEXT PRIMARY KEY,
    sku                 TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    risk_level          TEXT NOT NULL DEFAULT '',
    approval_threshold  TEXT NOT NULL DEFAULT '',
    recommended_price   DOUBLE PRECISION,
    confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
    payload             TEXT NOT NULL,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations(status);

CREATE TABLE IF NOT EXISTS approval_history (
    id                  TEXT PRIMARY KEY,
    recommendation_id   TEXT NOT NULL,
    approver_id         TEXT NOT NULL DEFAULT '',
    approver_role       TEXT NOT NULL DEFAULT '',
    decision            TEXT NOT NULL DEFAULT '',
    notes               TEXT NOT NULL DEFAULT '',
    succeeded           BOOLEAN NOT NULL,
    error               TEXT NOT NULL DEFAULT '',
    timestamp           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_history_rec ON approval_history(recommendation_id, timestamp);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS approved_changes (
    id                  TEXT PRIMARY KEY,
    recommendation_id   TEXT NOT NULL UNIQUE,
    timestamp           TIMESTAMP NOT NULL,
    sku                 TEXT NOT NULL,
    old_price           DOUBLE PRECISION NOT NULL,
    new_price           DOUBLE PRECISION NOT NULL,
    change              DOUBLE PRECISION NOT NULL,
    change_pct          DOUBLE PRECISION NOT NULL,
    confidence          DOUBLE PRECISION NOT NULL,
    status              TEXT NOT NULL,
    approved_by         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approved_changes_sku ON approved_changes(sku, timestamp);
`,
	},
}

type sqlStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs all
// pending migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return newSQLStore(db)
}

// NewPostgresStore connects to PostgreSQL and runs all pending migrations.
func NewPostgresStore(connectionString string) (Store, error) {
	db, err := sqlx.Connect(DriverPostgres, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (Store, error) {
	s := &sqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Recommendations ──────────────────────────────────────────────────────────

func (s *sqlStore) SaveRecommendation(ctx context.Context, rec *pricing.Recommendation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal recommendation: %w", err)
	}
	sku := ""
	if p, ok := rec.PrimaryProduct(); ok {
		sku = p.ID
	}
	row := RecommendationRecord{
		ID:                rec.ID,
		SKU:               sku,
		Status:            string(rec.Status),
		RiskLevel:         rec.RiskLevel.String(),
		ApprovalThreshold: rec.ApprovalThreshold.String(),
		RecommendedPrice:  rec.RecommendedPrice,
		Confidence:        rec.Confidence,
		Payload:           string(payload),
		CreatedAt:         rec.CreatedAt.UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO recommendations (id, sku, status, risk_level, approval_threshold, recommended_price, confidence, payload, created_at, updated_at)
		VALUES (:id, :sku, :status, :risk_level, :approval_threshold, :recommended_price, :confidence, :payload, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
		    status = excluded.status,
		    recommended_price = excluded.recommended_price,
		    payload = excluded.payload,
		    updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save recommendation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqlStore) GetRecommendation(ctx context.Context, id string) (*RecommendationRecord, error) {
	var rec RecommendationRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`SELECT * FROM recommendations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: recommendation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ─── Approval history ─────────────────────────────────────────────────────────

func (s *sqlStore) AppendApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO approval_history (id, recommendation_id, approver_id, approver_role, decision, notes, succeeded, error, timestamp)
		VALUES (:id, :recommendation_id, :approver_id, :approver_role, :decision, :notes, :succeeded, :error, :timestamp)`, rec)
	if err != nil {
		return fmt.Errorf("append approval: %w", err)
	}
	return nil
}

func (s *sqlStore) ListApprovals(ctx context.Context, recommendationID string) ([]*ApprovalRecord, error) {
	var out []*ApprovalRecord
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM approval_history WHERE recommendation_id = ? ORDER BY timestamp ASC, id ASC`), recommendationID)
	return out, err
}

// ─── Approved changes ─────────────────────────────────────────────────────────

func (s *sqlStore) SaveApprovedChange(ctx context.Context, change *ApprovedChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO approved_changes (id, recommendation_id, timestamp, sku, old_price, new_price, change, change_pct, confidence, status, approved_by)
		VALUES (:id, :recommendation_id, :timestamp, :sku, :old_price, :new_price, :change, :change_pct, :confidence, :status, :approved_by)`, change)
	if err != nil {
		return fmt.Errorf("save approved change for %s: %w", change.RecommendationID, err)
	}
	return nil
}

func (s *sqlStore) ListApprovedChanges(ctx context.Context, limit int) ([]*ApprovedChange, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*ApprovedChange
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM approved_changes ORDER BY timestamp DESC, id ASC LIMIT ?`), limit)
	return out, err
}
