package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xiaopang/keyrelay/internal/model"
)

// RedisStore keeps key records in Redis so several relay instances can share one pool.
//
// Layout under the configured prefix:
//
//	pool         ZSET  member=key, score=usage count
//	key:<k>      HASH  active, limit_kind, changed_at, created_at (unix nanos)
//	min:<k>      ZSET  member=<nanos>:<uuid>, score=unix micros
//	day:<k>      HASH  <day unix>:req, <day unix>:tok
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) poolKey() string           { return s.prefix + "pool" }
func (s *RedisStore) recordKey(k string) string { return s.prefix + "key:" + k }
func (s *RedisStore) minuteKey(k string) string { return s.prefix + "min:" + k }
func (s *RedisStore) dayKey(k string) string    { return s.prefix + "day:" + k }

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// InsertKey creates a fresh active key.
func (s *RedisStore) InsertKey(ctx context.Context, key string, at time.Time) (*model.KeyRecord, error) {
	created, err := s.rdb.HSetNX(ctx, s.recordKey(key), "created_at", at.UnixNano()).Result()
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrKeyExists
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordKey(key), "active", "1", "limit_kind", "", "changed_at", "0")
		pipe.ZAddNX(ctx, s.poolKey(), redis.Z{Score: 0, Member: key})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &model.KeyRecord{Key: key, Active: true, CreatedAt: time.Unix(0, at.UnixNano())}, nil
}

// InsertKeys inserts keys one by one; existing keys are counted as duplicates.
func (s *RedisStore) InsertKeys(ctx context.Context, keys []string, at time.Time) (model.BatchAddResult, error) {
	result := model.BatchAddResult{ErrorMessages: make([]string, 0)}
	for i, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			result.InvalidCount++
			result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("entry %d: empty key", i))
			continue
		}
		_, err := s.InsertKey(ctx, key, at.Add(time.Duration(i)))
		switch {
		case errors.Is(err, ErrKeyExists):
			result.DuplicateCount++
		case err != nil:
			return result, err
		default:
			result.AddedCount++
		}
	}
	return result, nil
}

type recordCmds struct {
	hash   *redis.MapStringStringCmd
	usage  *redis.FloatCmd
	minute *redis.StringSliceCmd
	day    *redis.MapStringStringCmd
}

func (s *RedisStore) queueRecord(ctx context.Context, pipe redis.Pipeliner, key string) recordCmds {
	return recordCmds{
		hash:   pipe.HGetAll(ctx, s.recordKey(key)),
		usage:  pipe.ZScore(ctx, s.poolKey(), key),
		minute: pipe.ZRange(ctx, s.minuteKey(key), 0, -1),
		day:    pipe.HGetAll(ctx, s.dayKey(key)),
	}
}

func parseRecord(key string, cmds recordCmds) (*model.KeyRecord, error) {
	fields, err := cmds.hash.Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrKeyNotFound
	}

	rec := &model.KeyRecord{
		Key:       key,
		Active:    fields["active"] == "1",
		LimitKind: model.ParseLimitKind(fields["limit_kind"]),
	}
	if n, _ := strconv.ParseInt(fields["changed_at"], 10, 64); n != 0 {
		rec.LastStatusChangeAt = time.Unix(0, n)
	}
	if n, _ := strconv.ParseInt(fields["created_at"], 10, 64); n != 0 {
		rec.CreatedAt = time.Unix(0, n)
	}

	usage, err := cmds.usage.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	rec.UsageCount = int64(usage)

	members, err := cmds.minute.Result()
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		ts, _, _ := strings.Cut(m, ":")
		n, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		rec.MinuteRequests = append(rec.MinuteRequests, model.MinuteEntry{Timestamp: time.Unix(0, n), Count: 1})
	}

	days, err := cmds.day.Result()
	if err != nil {
		return nil, err
	}
	byDay := make(map[int64]*model.DailyEntry)
	for field, value := range days {
		dayStr, kind, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		day, err := strconv.ParseInt(dayStr, 10, 64)
		if err != nil {
			continue
		}
		n, _ := strconv.ParseInt(value, 10, 64)
		e, ok := byDay[day]
		if !ok {
			e = &model.DailyEntry{Day: time.Unix(day, 0)}
			byDay[day] = e
		}
		switch kind {
		case "req":
			e.RequestCount = int(n)
		case "tok":
			e.TokenCount = n
		}
	}
	for _, e := range byDay {
		rec.DailyRequests = append(rec.DailyRequests, *e)
	}
	sort.Slice(rec.DailyRequests, func(i, j int) bool {
		return rec.DailyRequests[i].Day.Before(rec.DailyRequests[j].Day)
	})

	return rec, nil
}

// FindKey returns one key with its usage windows.
func (s *RedisStore) FindKey(ctx context.Context, key string) (*model.KeyRecord, error) {
	var cmds recordCmds
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cmds = s.queueRecord(ctx, pipe, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return parseRecord(key, cmds)
}

// ListKeys returns every key ordered by usage count, ties in insertion order.
func (s *RedisStore) ListKeys(ctx context.Context) ([]*model.KeyRecord, error) {
	members, err := s.rdb.ZRange(ctx, s.poolKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]recordCmds, len(members))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range members {
			cmds[i] = s.queueRecord(ctx, pipe, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	keys := make([]*model.KeyRecord, 0, len(members))
	for i, key := range members {
		rec, err := parseRecord(key, cmds[i])
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, rec)
	}

	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].UsageCount != keys[j].UsageCount {
			return keys[i].UsageCount < keys[j].UsageCount
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

// RecordUsage appends a minute entry, bumps the day's counters and the usage score in one MULTI/EXEC.
func (s *RedisStore) RecordUsage(ctx context.Context, key string, at, day time.Time, tokens int64) error {
	dayField := strconv.FormatInt(day.Unix(), 10)
	member := fmt.Sprintf("%d:%s", at.UnixNano(), uuid.NewString())

	return s.updateRecord(ctx, key, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.minuteKey(key), redis.Z{Score: float64(at.UnixMicro()), Member: member})
		pipe.HIncrBy(ctx, s.dayKey(key), dayField+":req", 1)
		pipe.HIncrBy(ctx, s.dayKey(key), dayField+":tok", tokens)
		pipe.ZIncrBy(ctx, s.poolKey(), 1, key)
		return nil
	})
}

// PruneWindows drops minute entries before minuteCutoff and days before dayCutoff.
// key == "" prunes every key.
func (s *RedisStore) PruneWindows(ctx context.Context, key string, minuteCutoff, dayCutoff time.Time) error {
	keys := []string{key}
	if key == "" {
		var err error
		if keys, err = s.rdb.ZRange(ctx, s.poolKey(), 0, -1).Result(); err != nil {
			return err
		}
	}

	maxScore := "(" + strconv.FormatInt(minuteCutoff.UnixMicro(), 10)
	for _, k := range keys {
		if err := s.rdb.ZRemRangeByScore(ctx, s.minuteKey(k), "-inf", maxScore).Err(); err != nil {
			return err
		}

		fields, err := s.rdb.HKeys(ctx, s.dayKey(k)).Result()
		if err != nil {
			return err
		}
		var stale []string
		for _, f := range fields {
			dayStr, _, _ := strings.Cut(f, ":")
			day, err := strconv.ParseInt(dayStr, 10, 64)
			if err != nil || day < dayCutoff.Unix() {
				stale = append(stale, f)
			}
		}
		if len(stale) > 0 {
			if err := s.rdb.HDel(ctx, s.dayKey(k), stale...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetStatus writes the active flag, limit kind and transition time.
func (s *RedisStore) SetStatus(ctx context.Context, key string, active bool, kind model.LimitKind, at time.Time) error {
	return s.updateRecord(ctx, key, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordKey(key),
			"active", boolField(active),
			"limit_kind", string(kind),
			"changed_at", nanos(at),
		)
		return nil
	})
}

// maxTxRetries bounds optimistic retries when the watched record changes
// between WATCH and EXEC.
const maxTxRetries = 10

// updateRecord runs fn in MULTI/EXEC with the record hash WATCHed, so a key
// deleted concurrently is never partly recreated.
func (s *RedisStore) updateRecord(ctx context.Context, key string, fn func(pipe redis.Pipeliner) error) error {
	rk := s.recordKey(key)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrKeyNotFound
		}
		_, err = tx.TxPipelined(ctx, fn)
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, rk)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", model.MaskKey(key), redis.TxFailedErr)
}
