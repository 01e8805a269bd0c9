package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Store persists alerts to Postgres, connection pooling and schema setup
// modeled on the teacher's PostgresClient.
type Store struct {
	db *sql.DB
}

// StoreConfig carries the Postgres connection parameters.
type StoreConfig struct {
	DSN string
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(cfg StoreConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("alert store connection failed: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("alert store ping failed: %w", err)
	}

	return &Store{db: db}, nil
}

// InitializeSchema creates the alerts table if it does not already
// exist, matching the Alert model's column set.
func (s *Store) InitializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		threat_type VARCHAR(100) NOT NULL,
		rule VARCHAR(100) NOT NULL,
		source_ip INET NOT NULL,
		destination_ip INET NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		severity VARCHAR(20) NOT NULL,
		details JSONB DEFAULT '{}',
		is_archived BOOLEAN NOT NULL DEFAULT false,
		abuse_score INTEGER DEFAULT 0,
		is_known_threat BOOLEAN NOT NULL DEFAULT false,
		threat_categories TEXT[] DEFAULT '{}',
		total_reports INTEGER DEFAULT 0,
		src_country VARCHAR(100),
		src_city VARCHAR(100),
		dst_country VARCHAR(100),
		dst_city VARCHAR(100),
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
	CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_source_ip ON alerts(source_ip);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize alert schema: %w", err)
	}
	return nil
}

// Save inserts one alert row.
func (s *Store) Save(ctx context.Context, a *Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal alert details: %w", err)
	}

	categories := "{" + strings.Join(a.Categories, ",") + "}"

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, timestamp, threat_type, rule, source_ip, destination_ip,
			confidence, severity, details, is_archived, abuse_score,
			is_known_threat, threat_categories, total_reports,
			src_country, src_city, dst_country, dst_city
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Timestamp, a.ThreatType, a.Rule, a.SrcIP, a.DstIP,
		a.Confidence, a.Severity, details, a.IsArchived, a.AbuseScore,
		a.IsKnownThreat, categories, a.TotalReports,
		a.SrcCountry, a.SrcCity, a.DstCountry, a.DstCity,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
