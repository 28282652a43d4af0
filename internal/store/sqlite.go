package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaopang/keyrelay/internal/model"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExists   = errors.New("api key already exists")
)

// Store SQLite-backed key record store and call log table
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// immediate transactions so concurrent writers queue on the busy timeout instead of failing lock upgrades
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		api_key TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 1,
		limit_kind TEXT NOT NULL DEFAULT '',
		last_status_change_at INTEGER NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS minute_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_key TEXT NOT NULL,
		ts INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS daily_requests (
		api_key TEXT NOT NULL,
		day INTEGER NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (api_key, day)
	);

	CREATE TABLE IF NOT EXISTS call_logs (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		ts INTEGER NOT NULL,
		day TEXT NOT NULL,
		operation TEXT,
		model TEXT,
		key_suffix TEXT,
		attempts INTEGER,
		failovers INTEGER,
		success INTEGER,
		latency_ms INTEGER,
		tokens INTEGER,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_keys_usage ON api_keys(usage_count);
	CREATE INDEX IF NOT EXISTS idx_keys_status ON api_keys(active, limit_kind);
	CREATE INDEX IF NOT EXISTS idx_minute_key_ts ON minute_requests(api_key, ts);
	CREATE INDEX IF NOT EXISTS idx_logs_ts ON call_logs(ts);
	CREATE INDEX IF NOT EXISTS idx_logs_key ON call_logs(key_suffix);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// === Key records ===

// InsertKey creates a fresh active key.
func (s *Store) InsertKey(ctx context.Context, key string, at time.Time) (*model.KeyRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (api_key, active, limit_kind, last_status_change_at, usage_count, created_at)
		VALUES (?, 1, '', 0, 0, ?)
		ON CONFLICT(api_key) DO NOTHING
	`, key, at.UnixNano())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrKeyExists
	}
	return &model.KeyRecord{Key: key, Active: true, CreatedAt: fromNanos(at.UnixNano())}, nil
}

// InsertKeys bulk-inserts keys in one transaction; existing keys are counted as duplicates.
func (s *Store) InsertKeys(ctx context.Context, keys []string, at time.Time) (model.BatchAddResult, error) {
	result := model.BatchAddResult{ErrorMessages: make([]string, 0)}
	if len(keys) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO api_keys (api_key, active, limit_kind, last_status_change_at, usage_count, created_at)
		VALUES (?, 1, '', 0, 0, ?)
		ON CONFLICT(api_key) DO NOTHING
	`)
	if err != nil {
		return result, err
	}
	defer stmt.Close()

	for i, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			result.InvalidCount++
			result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("entry %d: empty key", i))
			continue
		}
		// created_at keeps insertion order stable for usage ties
		res, err := stmt.ExecContext(ctx, key, at.UnixNano()+int64(i))
		if err != nil {
			return model.BatchAddResult{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.DuplicateCount++
			continue
		}
		result.AddedCount++
	}

	if err := tx.Commit(); err != nil {
		return model.BatchAddResult{}, err
	}
	return result, nil
}

const keyColumns = `api_key, active, limit_kind, last_status_change_at, usage_count, created_at`

func scanKey(row interface{ Scan(...any) error }) (*model.KeyRecord, error) {
	var rec model.KeyRecord
	var kind string
	var changed, created int64
	if err := row.Scan(&rec.Key, &rec.Active, &kind, &changed, &rec.UsageCount, &created); err != nil {
		return nil, err
	}
	rec.LimitKind = model.ParseLimitKind(kind)
	rec.LastStatusChangeAt = fromNanos(changed)
	rec.CreatedAt = fromNanos(created)
	return &rec, nil
}

// FindKey returns one key with its usage windows.
func (s *Store) FindKey(ctx context.Context, key string) (*model.KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE api_key = ?`, key)
	rec, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadWindows(ctx, map[string]*model.KeyRecord{key: rec}, key); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListKeys returns every key ordered by usage count, ties in insertion order.
func (s *Store) ListKeys(ctx context.Context) ([]*model.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY usage_count ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.KeyRecord
	byKey := make(map[string]*model.KeyRecord)
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, rec)
		byKey[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadWindows(ctx, byKey, ""); err != nil {
		return nil, err
	}
	return keys, nil
}

// loadWindows fills minute and daily entries; key == "" loads all keys.
func (s *Store) loadWindows(ctx context.Context, byKey map[string]*model.KeyRecord, key string) error {
	where, args := "", []any{}
	if key != "" {
		where, args = " WHERE api_key = ?", []any{key}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT api_key, ts, count FROM minute_requests`+where+` ORDER BY ts`, args...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var k string
		var ts int64
		var count int
		if err := rows.Scan(&k, &ts, &count); err != nil {
			rows.Close()
			return err
		}
		if rec, ok := byKey[k]; ok {
			rec.MinuteRequests = append(rec.MinuteRequests, model.MinuteEntry{Timestamp: fromNanos(ts), Count: count})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT api_key, day, request_count, token_count FROM daily_requests`+where+` ORDER BY day`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var day int64
		var entry model.DailyEntry
		if err := rows.Scan(&k, &day, &entry.RequestCount, &entry.TokenCount); err != nil {
			return err
		}
		entry.Day = time.Unix(day, 0)
		if rec, ok := byKey[k]; ok {
			rec.DailyRequests = append(rec.DailyRequests, entry)
		}
	}
	return rows.Err()
}

// RecordUsage atomically appends a minute entry, upserts the day's counters and bumps usage_count.
func (s *Store) RecordUsage(ctx context.Context, key string, at, day time.Time, tokens int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE api_keys SET usage_count = usage_count + 1 WHERE api_key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO minute_requests (api_key, ts, count) VALUES (?, ?, 1)`, key, at.UnixNano()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_requests (api_key, day, request_count, token_count)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(api_key, day) DO UPDATE SET
			request_count = request_count + 1,
			token_count = token_count + excluded.token_count
	`, key, day.Unix(), tokens); err != nil {
		return err
	}

	return tx.Commit()
}

// PruneWindows drops minute entries before minuteCutoff and days before dayCutoff.
// key == "" prunes every key.
func (s *Store) PruneWindows(ctx context.Context, key string, minuteCutoff, dayCutoff time.Time) error {
	minuteSQL := `DELETE FROM minute_requests WHERE ts < ?`
	daySQL := `DELETE FROM daily_requests WHERE day < ?`
	minuteArgs := []any{minuteCutoff.UnixNano()}
	dayArgs := []any{dayCutoff.Unix()}
	if key != "" {
		minuteSQL += ` AND api_key = ?`
		daySQL += ` AND api_key = ?`
		minuteArgs = append(minuteArgs, key)
		dayArgs = append(dayArgs, key)
	}

	if _, err := s.db.ExecContext(ctx, minuteSQL, minuteArgs...); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, daySQL, dayArgs...)
	return err
}

// SetStatus writes the active flag, limit kind and transition time in one statement.
func (s *Store) SetStatus(ctx context.Context, key string, active bool, kind model.LimitKind, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET active = ?, limit_kind = ?, last_status_change_at = ?
		WHERE api_key = ?
	`, active, string(kind), nanos(at), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// === Call logs ===

// SaveLog stores one call log
func (s *Store) SaveLog(log *model.CallLog) error {
	_, err := s.db.Exec(`
		INSERT INTO call_logs (id, request_id, ts, day, operation, model, key_suffix,
			attempts, failovers, success, latency_ms, tokens, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.RequestID, log.Timestamp.UnixNano(), log.Timestamp.Format("2006-01-02"),
		log.Operation, log.Model, log.KeySuffix, log.Attempts, log.Failovers,
		log.Success, log.LatencyMs, log.Tokens, log.Error)
	return err
}

// QueryLogs lists call logs, newest first
func (s *Store) QueryLogs(query *model.LogQuery) ([]*model.CallLog, error) {
	q := `SELECT id, COALESCE(request_id, ''), ts, operation, model, key_suffix, attempts, failovers,
		success, latency_ms, tokens, COALESCE(error, '') FROM call_logs WHERE 1=1`
	args := []any{}

	if query.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, query.RequestID)
	}
	if query.Operation != "" {
		q += " AND operation = ?"
		args = append(args, query.Operation)
	}
	if query.Model != "" {
		q += " AND model = ?"
		args = append(args, query.Model)
	}
	if query.KeySuffix != "" {
		q += " AND key_suffix = ?"
		args = append(args, query.KeySuffix)
	}
	if query.Success != nil {
		q += " AND success = ?"
		args = append(args, *query.Success)
	}
	if !query.StartTime.IsZero() {
		q += " AND ts >= ?"
		args = append(args, query.StartTime.UnixNano())
	}
	if !query.EndTime.IsZero() {
		q += " AND ts <= ?"
		args = append(args, query.EndTime.UnixNano())
	}

	q += " ORDER BY ts DESC"

	if query.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		q += " LIMIT 100"
	}
	if query.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.CallLog
	for rows.Next() {
		var log model.CallLog
		var ts int64
		if err := rows.Scan(&log.ID, &log.RequestID, &ts, &log.Operation, &log.Model, &log.KeySuffix,
			&log.Attempts, &log.Failovers, &log.Success, &log.LatencyMs, &log.Tokens, &log.Error); err != nil {
			return nil, err
		}
		log.Timestamp = fromNanos(ts)
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// GetDailyStats per-day aggregates over the last `days` days
func (s *Store) GetDailyStats(days int, now time.Time) ([]*model.DailyStats, error) {
	since := model.StartOfDay(now).AddDate(0, 0, -days)
	rows, err := s.db.Query(`
		SELECT
			day,
			COUNT(*) as total_requests,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			COALESCE(SUM(tokens), 0) as total_tokens,
			ROUND(AVG(latency_ms), 2) as avg_latency,
			COALESCE(SUM(failovers), 0) as failovers
		FROM call_logs
		WHERE ts >= ?
		GROUP BY day
		ORDER BY day DESC
	`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.Date, &d.TotalRequests, &d.SuccessRate, &d.TotalTokens, &d.AvgLatency, &d.Failovers); err != nil {
			return nil, err
		}
		stats = append(stats, &d)
	}
	return stats, rows.Err()
}

// GetKeyStats per-key aggregates over the last `days` days
func (s *Store) GetKeyStats(days int, now time.Time) ([]*model.KeyStats, error) {
	since := model.StartOfDay(now).AddDate(0, 0, -days)
	rows, err := s.db.Query(`
		SELECT
			key_suffix,
			COUNT(*) as request_count,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			ROUND(AVG(latency_ms), 2) as avg_latency,
			COALESCE(SUM(tokens), 0) as total_tokens
		FROM call_logs
		WHERE ts >= ?
		GROUP BY key_suffix
		ORDER BY request_count DESC
	`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.KeyStats
	for rows.Next() {
		var k model.KeyStats
		if err := rows.Scan(&k.KeySuffix, &k.RequestCount, &k.SuccessRate, &k.AvgLatency, &k.TotalTokens); err != nil {
			return nil, err
		}
		stats = append(stats, &k)
	}
	return stats, rows.Err()
}

// CleanOldLogs deletes call logs older than the retention window
func (s *Store) CleanOldLogs(retentionDays int, now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec(`DELETE FROM call_logs WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
