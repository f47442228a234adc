package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists log records in Postgres. Reads run on the pool and are safe
// concurrently with an in-progress drain transaction; uncommitted drain rows
// are not visible to them.
type Store struct {
	pool    *pgxpool.Pool
	metrics *PipelineMetrics
}

const logColumns = "id, timestamp, level, url, correlation_id, service_name, message, additional_data, created_at"

// NewStore connects to the database, verifies the connection and runs
// pending migrations when a migrations path is configured.
func NewStore(ctx context.Context, cfg DatabaseConfig, metrics *PipelineMetrics) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.MigrationsPath != "" {
		m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.URL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create migration instance: %w", err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	log.Printf("[store] connected to %s", redactURL(cfg.URL))
	return &Store{pool: pool, metrics: metrics}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// BeginDrain opens the transaction that scopes one drain cycle.
func (s *Store) BeginDrain(ctx context.Context) (DrainTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin drain transaction: %w", err)
	}
	return &drainTx{tx: tx}, nil
}

// QueryRecords returns one page of records matching the filters, newest
// first, together with the total match count ignoring pagination.
func (s *Store) QueryRecords(ctx context.Context, p QueryParams) ([]LogRecord, int, error) {
	where, args := buildLogFilter(p)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM logs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM logs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		logColumns, where, len(args)+1, len(args)+2)
	args = append(args, p.Limit, p.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	records := make([]LogRecord, 0)
	for rows.Next() {
		var (
			rec  LogRecord
			data []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.URL, &rec.CorrelationID,
			&rec.ServiceName, &rec.Message, &data, &rec.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan log row: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.AdditionalData); err != nil {
				return nil, 0, fmt.Errorf("decode additional data for log %d: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate log rows: %w", err)
	}
	return records, total, nil
}

// DeleteAll removes every stored record and reports how many were removed.
// Deleting from an empty store is not an error.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM logs")
	if err != nil {
		return 0, fmt.Errorf("delete logs: %w", err)
	}
	deleted := tag.RowsAffected()
	s.metrics.deleted(deleted)
	return deleted, nil
}

// buildLogFilter renders the WHERE clause for the query filters. Optional
// filters combine with AND; the date range is always present.
func buildLogFilter(p QueryParams) (string, []any) {
	where := "WHERE created_at >= $1 AND created_at <= $2"
	args := []any{p.From, p.To}

	if p.Level != "" {
		args = append(args, p.Level)
		where += fmt.Sprintf(" AND level = $%d", len(args))
	}
	if p.ServiceName != "" {
		args = append(args, p.ServiceName)
		where += fmt.Sprintf(" AND service_name = $%d", len(args))
	}
	if p.CorrelationID != "" {
		args = append(args, p.CorrelationID)
		where += fmt.Sprintf(" AND correlation_id = $%d", len(args))
	}
	return where, args
}

// drainTx wraps a pgx transaction for the drain consumer.
type drainTx struct {
	tx pgxTx
}

// pgxTx is the slice of pgx.Tx the drain transaction uses.
type pgxTx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func (d *drainTx) InsertRecord(ctx context.Context, rec *LogRecord) error {
	var data []byte
	if len(rec.AdditionalData) > 0 {
		encoded, err := json.Marshal(rec.AdditionalData)
		if err != nil {
			return fmt.Errorf("encode additional data: %w", err)
		}
		data = encoded
	}

	_, err := d.tx.Exec(ctx,
		`INSERT INTO logs (timestamp, level, url, correlation_id, service_name, message, additional_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Timestamp, rec.Level, rec.URL, rec.CorrelationID, rec.ServiceName, rec.Message, data)
	if err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}

func (d *drainTx) InsertDeadLetter(ctx context.Context, payload []byte, failures int, reason string) error {
	_, err := d.tx.Exec(ctx,
		`INSERT INTO dead_letters (payload, failures, reason) VALUES ($1, $2, $3)`,
		payload, failures, reason)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (d *drainTx) Commit(ctx context.Context) error {
	return d.tx.Commit(ctx)
}

func (d *drainTx) Rollback(ctx context.Context) error {
	return d.tx.Rollback(ctx)
}
