package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// KeyChangesChannel is the NOTIFY channel signalled on every api_keys write
const KeyChangesChannel = "api_keys_changed"

type DB struct {
	conn *sql.DB
	url  string
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn, url: databaseURL}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate creates the tables the gateway owns if they are missing
func (db *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id          UUID PRIMARY KEY,
			key_hash    TEXT NOT NULL UNIQUE,
			key_hint    TEXT NOT NULL,
			label       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			revoked     BOOLEAN NOT NULL DEFAULT false,
			revoked_at  TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id            BIGSERIAL PRIMARY KEY,
			request_id    TEXT NOT NULL,
			identity      TEXT NOT NULL,
			operation     TEXT NOT NULL,
			cache_status  TEXT NOT NULL,
			allowed       BOOLEAN NOT NULL,
			status_code   INT NOT NULL,
			latency_ms    INT NOT NULL,
			error_message TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ListAPIKeys returns every key record, revoked ones included
func (db *DB) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	query := `
		SELECT id, key_hash, key_hint, label, created_at, revoked, revoked_at
		FROM api_keys
		ORDER BY created_at
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(
			&k.ID,
			&k.KeyHash,
			&k.KeyHint,
			&k.Label,
			&k.CreatedAt,
			&k.Revoked,
			&k.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// InsertAPIKey stores a new key record
func (db *DB) InsertAPIKey(ctx context.Context, k models.APIKey) error {
	return db.keyTx(ctx, k.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO api_keys (id, key_hash, key_hint, label, created_at, revoked) VALUES ($1, $2, $3, $4, $5, false)`,
			k.ID, k.KeyHash, k.KeyHint, k.Label, k.CreatedAt,
		)
		return err
	})
}

// RevokeAPIKey marks a key revoked. Revoking twice keeps the first timestamp.
func (db *DB) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	return db.keyTx(ctx, id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE api_keys SET revoked = true, revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`,
			id, at,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("api key %s not found", id)
		}
		return nil
	})
}

// RotateAPIKey revokes oldID and inserts next in one transaction
func (db *DB) RotateAPIKey(ctx context.Context, oldID string, next models.APIKey, at time.Time) error {
	return db.keyTx(ctx, oldID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE api_keys SET revoked = true, revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`,
			oldID, at,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO api_keys (id, key_hash, key_hint, label, created_at, revoked) VALUES ($1, $2, $3, $4, $5, false)`,
			next.ID, next.KeyHash, next.KeyHint, next.Label, next.CreatedAt,
		)
		return err
	})
}

// keyTx runs fn and a NOTIFY on KeyChangesChannel in one transaction.
// Postgres delivers the notification only if the transaction commits.
func (db *DB) keyTx(ctx context.Context, id string, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, KeyChangesChannel, id); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return tx.Commit()
}

// WatchKeyChanges listens on KeyChangesChannel and signals the returned
// channel on every notification and after every reconnect, when
// notifications may have been missed. Signals coalesce. The listener
// closes when ctx is done.
func (db *DB) WatchKeyChanges(ctx context.Context, logger *zap.Logger) (<-chan struct{}, error) {
	logger = logging.OrNop(logger)

	listener := pq.NewListener(db.url, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("api key listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(KeyChangesChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", KeyChangesChannel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer listener.Close()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				// nil after a reconnect
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ping.C:
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return out, nil
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.RequestLog) error {
	query := `
		INSERT INTO request_logs (
			request_id, identity, operation, cache_status, allowed,
			status_code, latency_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.RequestID,
		log.Identity,
		log.Operation,
		log.CacheStatus,
		log.Allowed,
		log.StatusCode,
		log.LatencyMs,
		log.ErrorMessage,
	)

	return err
}
