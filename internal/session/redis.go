package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/tastescout/tastescout/config"
	"github.com/tastescout/tastescout/internal/telemetry"
)

const (
	turnsKeyPrefix   = "tastescout:session:turns:"
	workingKeyPrefix = "tastescout:session:working:"
)

// FastTier is the low-latency session cache. It is backed by Redis;
// when Redis is unreachable each operation falls through to a
// process-local bounded map with the same TTL semantics, so callers
// never see which backing technology served them.
type FastTier struct {
	rdb    *redis.Client
	local  *gocache.Cache
	ttl    time.Duration
	logger *log.Logger
}

func NewFastTier(cfg config.RedisConfig) *FastTier {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &FastTier{
		rdb:    rdb,
		local:  gocache.New(cfg.TTL, 10*time.Minute),
		ttl:    cfg.TTL,
		logger: log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// Ping checks Redis connectivity. The tier still works without it.
func (f *FastTier) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

func (f *FastTier) Close() error {
	return f.rdb.Close()
}

// GetTurns returns the cached turn window for a session. The second
// return reports whether the tier had an entry at all.
func (f *FastTier) GetTurns(ctx context.Context, sessionID string) ([]Turn, bool) {
	key := turnsKeyPrefix + sessionID
	raw, err := f.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var turns []Turn
		if jerr := json.Unmarshal(raw, &turns); jerr == nil {
			return turns, true
		}
		return nil, false
	}
	if err != redis.Nil {
		f.degraded(err)
	}
	if v, found := f.local.Get(key); found {
		return v.([]Turn), true
	}
	return nil, false
}

// SetTurns replaces the cached turn window and refreshes the TTL. The
// write lands in at least one backing store or the error says why not.
func (f *FastTier) SetTurns(ctx context.Context, sessionID string, turns []Turn) error {
	key := turnsKeyPrefix + sessionID
	raw, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	if err := f.rdb.Set(ctx, key, raw, f.ttl).Err(); err != nil {
		f.degraded(err)
		f.local.Set(key, turns, f.ttl)
		return nil
	}
	// Keep the local copy coherent for a later Redis outage.
	f.local.Set(key, turns, f.ttl)
	return nil
}

// GetWorkingSet returns the current search's candidate state.
func (f *FastTier) GetWorkingSet(ctx context.Context, sessionID string) (WorkingSet, bool) {
	key := workingKeyPrefix + sessionID
	raw, err := f.rdb.Get(ctx, key).Bytes()
	if err == nil {
		return WorkingSet(raw), true
	}
	if err != redis.Nil {
		f.degraded(err)
	}
	if v, found := f.local.Get(key); found {
		return v.(WorkingSet), true
	}
	return nil, false
}

// SetWorkingSet stores the current search's candidate state.
func (f *FastTier) SetWorkingSet(ctx context.Context, sessionID string, ws WorkingSet) error {
	key := workingKeyPrefix + sessionID
	if err := f.rdb.Set(ctx, key, []byte(ws), f.ttl).Err(); err != nil {
		f.degraded(err)
	}
	f.local.Set(key, ws, f.ttl)
	return nil
}

// Delete evicts a session from the tier.
func (f *FastTier) Delete(ctx context.Context, sessionID string) {
	for _, key := range []string{turnsKeyPrefix + sessionID, workingKeyPrefix + sessionID} {
		if err := f.rdb.Del(ctx, key).Err(); err != nil {
			f.degraded(err)
		}
		f.local.Delete(key)
	}
}

func (f *FastTier) degraded(err error) {
	telemetry.TierDegraded.WithLabelValues("fast").Inc()
	f.logger.Printf("fast tier unavailable, using local map: %v", err)
}
