package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"position-risk-engine/internal/position"
)

// Redis key layout for the live-state mirror.
const (
	positionKeyPrefix = "engine:position"
	positionListKey   = "engine:positions:list"
	summaryKey        = "engine:summary"
	positionMirrorTTL = 24 * time.Hour
	redisDialTimeout  = 2 * time.Second
)

// RedisMirror publishes live position state to Redis so external
// dashboards can read it without touching the engine. When Redis is
// unavailable the mirror falls back to an in-memory map and keeps the
// engine running; it retries Redis on later writes.
type RedisMirror struct {
	client    *redis.Client
	fallback  map[string]position.Position
	mu        sync.RWMutex
	available atomic.Bool
	logger    zerolog.Logger
}

// NewRedisMirror builds the mirror. A nil client gives memory-only mode.
func NewRedisMirror(client *redis.Client, logger zerolog.Logger) *RedisMirror {
	m := &RedisMirror{
		client:   client,
		fallback: make(map[string]position.Position),
		logger:   logger.With().Str("component", "redis_mirror").Logger(),
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			m.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory mirror")
		} else {
			m.available.Store(true)
			m.logger.Info().Msg("Redis mirror connected")
		}
	}
	return m
}

func positionKey(symbol string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, symbol)
}

// PublishPositions replaces the mirrored active-position set.
func (m *RedisMirror) PublishPositions(ctx context.Context, positions []position.Position) {
	m.mu.Lock()
	m.fallback = make(map[string]position.Position, len(positions))
	for _, p := range positions {
		m.fallback[p.Symbol] = p
	}
	m.mu.Unlock()

	if m.client == nil {
		return
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, positionListKey)
	for _, p := range positions {
		data, err := json.Marshal(p)
		if err != nil {
			m.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Failed to encode position for mirror")
			continue
		}
		pipe.Set(ctx, positionKey(p.Symbol), data, positionMirrorTTL)
		pipe.SAdd(ctx, positionListKey, p.Symbol)
	}
	pipe.Expire(ctx, positionListKey, positionMirrorTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		if m.available.Swap(false) {
			m.logger.Warn().Err(err).Msg("Redis mirror write failed, falling back to memory")
		}
		return
	}
	if !m.available.Swap(true) {
		m.logger.Info().Msg("Redis mirror recovered")
	}
}

// PublishSummary mirrors the session summary.
func (m *RedisMirror) PublishSummary(ctx context.Context, summary position.Summary) {
	if m.client == nil || !m.available.Load() {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode summary for mirror")
		return
	}
	if err := m.client.Set(ctx, summaryKey, data, positionMirrorTTL).Err(); err != nil {
		if m.available.Swap(false) {
			m.logger.Warn().Err(err).Msg("Redis summary write failed")
		}
	}
}

// MirroredPositions reads the mirrored set, preferring Redis and
// falling back to the in-memory copy.
func (m *RedisMirror) MirroredPositions(ctx context.Context) ([]position.Position, error) {
	if m.client != nil && m.available.Load() {
		symbols, err := m.client.SMembers(ctx, positionListKey).Result()
		if err == nil {
			positions := make([]position.Position, 0, len(symbols))
			for _, symbol := range symbols {
				data, err := m.client.Get(ctx, positionKey(symbol)).Result()
				if err != nil {
					continue
				}
				var p position.Position
				if err := json.Unmarshal([]byte(data), &p); err != nil {
					return nil, fmt.Errorf("decoding mirrored position %s: %w", symbol, err)
				}
				positions = append(positions, p)
			}
			return positions, nil
		}
		m.available.Store(false)
		m.logger.Warn().Err(err).Msg("Redis mirror read failed, using in-memory copy")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	positions := make([]position.Position, 0, len(m.fallback))
	for _, p := range m.fallback {
		positions = append(positions, p)
	}
	return positions, nil
}

// Available reports whether Redis is currently reachable.
func (m *RedisMirror) Available() bool {
	return m.available.Load()
}
