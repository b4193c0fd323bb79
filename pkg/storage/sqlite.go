// Package storage persists policies, overrides and the query event archive
// in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/policy"
)

var (
	_ policy.Persister = (*SQLiteStore)(nil)
	_ event.Sink       = (*SQLiteStore)(nil)
)

// DefaultWriteTimeout bounds one archive flush.
const DefaultWriteTimeout = 5 * time.Second

// MetricsRecorder keeps storage free of a telemetry import.
type MetricsRecorder interface {
	AddDroppedEvent(ctx context.Context, count int64)
}

// SQLiteStore implements policy.Persister, event.Sink and monitor.Archive.
type SQLiteStore struct {
	db              *sql.DB
	cfg             config.StorageConfig
	metrics         MetricsRecorder
	logger          *logging.Logger
	buffer          chan *event.QueryEvent
	stmtInsertEvent *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// Open opens (or creates) the database, applies migrations and starts the
// archive flush worker when archiving is enabled.
func Open(cfg config.StorageConfig, logger *logging.Logger, metrics MetricsRecorder) (*SQLiteStore, error) {
	if !cfg.Enabled {
		return nil, ErrNotEnabled
	}
	if cfg.DatabasePath == "" {
		return nil, ErrInvalidConfig
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.DatabasePath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT OR IGNORE INTO query_events
		(id, ts_unix_ns, client_ip, asn, protocol, qname, qtype, user_id, user_name, device_id, device_name,
		 action, served_from, upstream, rcode, reason, latency_ms, upstream_ms, policy_ms, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s := &SQLiteStore{
		db:              db,
		cfg:             cfg,
		metrics:         metrics,
		logger:          logger,
		buffer:          make(chan *event.QueryEvent, cfg.BufferSize),
		stmtInsertEvent: stmtInsert,
	}

	s.wg.Add(1)
	go s.flushWorker()

	logger.Info("Storage opened",
		"path", cfg.DatabasePath,
		"archive_queries", cfg.ArchiveQueries,
		"retention_days", cfg.RetentionDays)
	return s, nil
}

// RecordEvent queues e for the archive without blocking. Events are
// dropped (and counted) when the buffer is full.
func (s *SQLiteStore) RecordEvent(e *event.QueryEvent) {
	if !s.cfg.ArchiveQueries {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.buffer <- e:
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedEvent(context.Background(), 1)
		}
	}
}

// flushWorker batches archived events, writing when the batch fills or
// the flush interval elapses. Remaining events are written on Close.
func (s *SQLiteStore) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*event.QueryEvent, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("Failed to flush event batch",
				"component", "storage",
				"error", err,
				"batch_size", len(batch),
				"timestamp", time.Now())
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *SQLiteStore) flushBatch(events []*event.QueryEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.StmtContext(ctx, s.stmtInsertEvent)
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UnixNano(), e.ClientIP, e.ASN, string(e.Protocol), e.QName, e.QType,
			e.UserID, e.UserName, e.DeviceID, e.DeviceName,
			string(e.Action), string(e.ServedFrom), e.Upstream, e.Rcode, e.Reason,
			e.LatencyMs, e.UpstreamMs, e.PolicyMs, e.Attempts,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// RecentEvents returns up to limit archived events newer than since,
// oldest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, since time.Time, limit int) ([]*event.QueryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_unix_ns, client_ip, asn, protocol, qname, qtype, user_id, user_name, device_id, device_name,
		       action, served_from, upstream, rcode, reason, latency_ms, upstream_ms, policy_ms, attempts
		FROM query_events
		WHERE ts_unix_ns >= ?
		ORDER BY ts_unix_ns DESC
		LIMIT ?
	`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*event.QueryEvent
	for rows.Next() {
		var (
			e                         event.QueryEvent
			ts                        int64
			proto, action, servedFrom string
		)
		if err := rows.Scan(&e.ID, &ts, &e.ClientIP, &e.ASN, &proto, &e.QName, &e.QType,
			&e.UserID, &e.UserName, &e.DeviceID, &e.DeviceName,
			&action, &servedFrom, &e.Upstream, &e.Rcode, &e.Reason,
			&e.LatencyMs, &e.UpstreamMs, &e.PolicyMs, &e.Attempts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Protocol = event.Protocol(proto)
		e.Action = event.Action(action)
		e.ServedFrom = event.ServedFrom(servedFrom)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Cleanup deletes archived events older than olderThan. Policy history is
// never deleted.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM query_events WHERE ts_unix_ns < ?", olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartRetention runs Cleanup hourly until ctx is canceled.
func (s *SQLiteStore) StartRetention(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Cleanup(ctx, time.Now().Add(-retention))
				if err != nil {
					s.logger.Error("Archive retention cleanup failed", "component", "storage", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("Archive retention cleanup", "deleted", n)
				}
			}
		}
	}()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close flushes buffered events and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.buffer)
	s.mu.Unlock()

	s.wg.Wait()

	if s.stmtInsertEvent != nil {
		_ = s.stmtInsertEvent.Close()
	}
	return s.db.Close()
}
