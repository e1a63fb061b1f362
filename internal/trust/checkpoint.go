package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
)

// Cache is the slice of Redis the checkpointer needs. Implemented by
// infra.GoRedisAdapter; tests substitute an in-memory map.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

const (
	checkpointKey  = "trust:checkpoint"
	leaderboardKey = "trust:leaderboard"
)

// checkpointPayload is the serialized snapshot format.
type checkpointPayload struct {
	TakenAt time.Time                `json:"taken_at"`
	Records []*core.ParticipantTrust `json:"records"`
}

// Checkpointer snapshots trust aggregates to Redis so a restart can
// skip the full replay, and mirrors scores into a sorted set for cheap
// leaderboard reads.
type Checkpointer struct {
	engine *Engine
	cache  Cache
	ttl    time.Duration
	logger *log.Logger
}

// NewCheckpointer wires a checkpointer. ttl bounds checkpoint
// staleness; an expired checkpoint forces replay on the next start.
func NewCheckpointer(engine *Engine, cache Cache, ttl time.Duration) *Checkpointer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Checkpointer{
		engine: engine,
		cache:  cache,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[TRUST-CKPT] ", log.LstdFlags),
	}
}

// Save snapshots every trust record.
func (c *Checkpointer) Save(ctx context.Context) error {
	all, err := c.engine.store.TrustAll(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(checkpointPayload{
		TakenAt: c.engine.clk.Now(),
		Records: all,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := c.cache.Set(ctx, checkpointKey, payload, c.ttl); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	for _, rec := range all {
		if err := c.cache.ZAdd(ctx, leaderboardKey, rec.Score, rec.ParticipantID); err != nil {
			return fmt.Errorf("update leaderboard: %w", err)
		}
	}
	c.logger.Printf("Checkpointed %d trust records", len(all))
	return nil
}

// Restore loads the latest checkpoint into the store. Returns false
// when no usable checkpoint exists, in which case the caller should
// fall back to Engine.Replay.
func (c *Checkpointer) Restore(ctx context.Context) (bool, error) {
	raw, err := c.cache.Get(ctx, checkpointKey)
	if err != nil || len(raw) == 0 {
		return false, nil
	}
	var payload checkpointPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Printf("Discarding corrupt checkpoint: %v", err)
		return false, nil
	}
	if c.engine.clk.Now().Sub(payload.TakenAt) > c.ttl {
		return false, nil
	}

	uow, err := c.engine.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer uow.Rollback()
	for _, rec := range payload.Records {
		existing, err := uow.GetTrust(ctx, rec.ParticipantID)
		base := int64(0)
		if err == nil {
			base = existing.Version
		}
		if err := uow.SaveTrust(ctx, rec, base); err != nil {
			return false, err
		}
	}
	if err := uow.Commit(ctx); err != nil {
		return false, err
	}
	c.logger.Printf("Restored %d trust records from checkpoint (taken %s)",
		len(payload.Records), payload.TakenAt.Format(time.RFC3339))
	return true, nil
}

// TopParticipants reads the cached leaderboard. Falls back to the
// store-backed leaderboard when the cache read fails.
func (c *Checkpointer) TopParticipants(ctx context.Context, limit int) ([]string, error) {
	ids, err := c.cache.ZRevRange(ctx, leaderboardKey, 0, int64(limit)-1)
	if err == nil && len(ids) > 0 {
		return ids, nil
	}
	recs, err := c.engine.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	ids = make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ParticipantID
	}
	return ids, nil
}
