// Package queue stores matchmaking queue entries in Redis.
//
// Each live entry is a hash at mm:{queue}:entry:<userId> holding the JSON entry
// and a token derived from its join time. A sorted set mm:{queue}:index scores
// queued user IDs by expiry so a pass can load non-expired entries in order and
// claim them with ZREM: only the caller whose ZREM removed the member owns it.
// The {queue} hash tag keeps every key in one Cluster slot so the scripts may
// touch the index and entries together.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

const (
	indexKey       = "mm:{queue}:index"
	entryKeyPrefix = "mm:{queue}:entry:"

	fieldData  = "data"
	fieldToken = "token"

	// keyGrace keeps an expired entry readable until the next sweep removes it.
	keyGrace = time.Minute

	sweepBatch = 256
)

// ErrEntryNotFound is returned when the user has no live queue entry.
var ErrEntryNotFound = apperr.New(apperr.CodeNotFound, "not in queue")

// restoreScript re-indexes a claimed entry only if the same entry is still stored.
var restoreScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
	redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[3])
	return 1
end
return 0
`)

// consumeScript deletes an entry only if it has not been replaced by a rejoin.
var consumeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// sweepScript removes the candidates in ARGV[2..] whose indexed expiry is still
// at or before ARGV[1]. KEYS[i] is the entry key of ARGV[i]; a rejoin since
// the candidates were read has a later score and is kept.
var sweepScript = redis.NewScript(`
local n = 0
for i = 2, #KEYS do
	local s = redis.call('ZSCORE', KEYS[1], ARGV[i])
	if s and tonumber(s) <= tonumber(ARGV[1]) then
		redis.call('ZREM', KEYS[1], ARGV[i])
		redis.call('DEL', KEYS[i])
		n = n + 1
	end
end
return n
`)

// Store is the Redis-backed queue.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Store over rdb.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Connect parses url, connects and pings Redis.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("Connected to Redis")
	return client, nil
}

func entryKey(userID string) string { return entryKeyPrefix + userID }

func token(e *model.QueueEntry) string {
	return strconv.FormatInt(e.JoinedAt.UnixNano(), 10)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Put writes e, replacing any prior entry for the same user.
func (s *Store) Put(ctx context.Context, e *model.QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry: %w", err)
	}

	key := entryKey(e.UserID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fieldData, raw, fieldToken, token(e))
		p.PExpireAt(ctx, key, e.ExpiresAt.Add(keyGrace))
		p.ZAdd(ctx, indexKey, redis.Z{Score: score(e.ExpiresAt), Member: e.UserID})
		return nil
	})
	if err != nil {
		return unavailable("write queue entry", err)
	}
	return nil
}

// Get returns the user's entry if it has not expired at now.
func (s *Store) Get(ctx context.Context, userID string, now time.Time) (*model.QueueEntry, error) {
	raw, err := s.rdb.HGet(ctx, entryKey(userID), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, unavailable("read queue entry", err)
	}

	var e model.QueueEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry: %w", err)
	}
	if !e.ExpiresAt.After(now) {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

// Remove deletes the user's entry. It reports whether an entry existed and
// succeeds when there was none.
func (s *Store) Remove(ctx context.Context, userID string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, entryKey(userID))
		p.ZRem(ctx, indexKey, userID)
		return nil
	})
	if err != nil {
		return false, unavailable("remove queue entry", err)
	}
	return del.Val() > 0, nil
}

// LoadActive returns every indexed entry expiring after now, ordered by
// expiresAt then joinedAt.
func (s *Store) LoadActive(ctx context.Context, now time.Time) ([]model.QueueEntry, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("load queue index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, entryKey(id), fieldData)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("load queue entries", err)
	}

	entries := make([]model.QueueEntry, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// index outlived its entry
			if err := s.rdb.ZRem(ctx, indexKey, ids[i]).Err(); err != nil {
				log.Warn().Err(err).Str("user_id", ids[i]).Msg("Failed to drop stale queue index entry")
			}
			continue
		}
		if err != nil {
			return nil, unavailable("load queue entry", err)
		}
		var e model.QueueEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Warn().Err(err).Str("user_id", ids[i]).Msg("Dropping undecodable queue entry")
			continue
		}
		entries = append(entries, e)
	}

	SortEntries(entries)
	return entries, nil
}

// Claim takes ownership of the user's indexed entry for the current pass.
// It returns false if another pass claimed it or the user left.
func (s *Store) Claim(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, indexKey, userID).Result()
	if err != nil {
		return false, unavailable("claim queue entry", err)
	}
	return n == 1, nil
}

// Restore puts a claimed entry back into the index if it is still stored and
// unchanged.
func (s *Store) Restore(ctx context.Context, e *model.QueueEntry) (bool, error) {
	n, err := restoreScript.Run(ctx, s.rdb,
		[]string{entryKey(e.UserID), indexKey},
		token(e), score(e.ExpiresAt), e.UserID,
	).Int()
	if err != nil {
		return false, unavailable("restore queue entry", err)
	}
	return n == 1, nil
}

// Consume deletes a matched entry. A missing or replaced entry is not an error.
func (s *Store) Consume(ctx context.Context, e *model.QueueEntry) (bool, error) {
	n, err := consumeScript.Run(ctx, s.rdb,
		[]string{entryKey(e.UserID), indexKey},
		token(e), e.UserID,
	).Int()
	if err != nil {
		return false, unavailable("consume queue entry", err)
	}
	return n == 1, nil
}

// SweepExpired deletes every indexed entry with expiresAt at or before now.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, unavailable("list expired queue entries", err)
	}

	swept := 0
	for start := 0; start < len(ids); start += sweepBatch {
		batch := ids[start:min(start+sweepBatch, len(ids))]
		keys := make([]string, 0, len(batch)+1)
		args := make([]interface{}, 0, len(batch)+1)
		keys = append(keys, indexKey)
		args = append(args, cutoff)
		for _, id := range batch {
			keys = append(keys, entryKey(id))
			args = append(args, id)
		}
		n, err := sweepScript.Run(ctx, s.rdb, keys, args...).Int()
		if err != nil {
			return swept, unavailable("sweep expired queue entries", err)
		}
		swept += n
	}
	return swept, nil
}

// SortEntries orders entries by expiresAt, then joinedAt, then userId.
func SortEntries(entries []model.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
}

func unavailable(op string, err error) error {
	return apperr.Wrap(fmt.Errorf("failed to %s: %w", op, err), apperr.CodeDependencyUnavailable, "queue store unavailable")
}
