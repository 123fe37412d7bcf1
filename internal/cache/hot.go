package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// HotStore layers a short-lived Redis cache over the durable store for
// the details and document-list point reads. A hot hit skips Postgres
// entirely; freshness is still classified from the entry's own
// timestamps, so a stale entry served from Redis stays stale.
type HotStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
}

// NewHotStore wraps inner with a Redis layer. The hot TTL only bounds how
// long Redis shields Postgres; it never extends an entry's lifetime.
func NewHotStore(inner Store, client *redis.Client, ttl time.Duration) *HotStore {
	return &HotStore{Store: inner, client: client, ttl: ttl}
}

// NewRedisClient opens a Redis connection and verifies it with a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

func hotKey(class Class, key string) string {
	return "registryd:" + string(class) + ":" + key
}

// Read consults Redis first, falling back to the durable store and
// populating Redis on the way out. Redis failures degrade to Postgres.
func (h *HotStore) Read(ctx context.Context, class Class, key string) (*Entry, error) {
	raw, err := h.client.Get(ctx, hotKey(class, key)).Result()
	if err == nil {
		var entry Entry
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil {
			return &entry, nil
		}
		// Corrupt hot entry; fall through to the durable store.
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("class", string(class)).Msg("hot cache read degraded")
	}

	entry, err := h.Store.Read(ctx, class, key)
	if err != nil || entry == nil {
		return entry, err
	}
	h.populate(ctx, class, key, entry)
	return entry, nil
}

// Write updates the durable store and refreshes the hot copy.
func (h *HotStore) Write(ctx context.Context, class Class, key string, payload json.RawMessage, ttl time.Duration) error {
	if err := h.Store.Write(ctx, class, key, payload, ttl); err != nil {
		return err
	}
	// Reread for the authoritative timestamps and counter.
	if entry, err := h.Store.Read(ctx, class, key); err == nil && entry != nil {
		h.populate(ctx, class, key, entry)
	}
	return nil
}

func (h *HotStore) populate(ctx context.Context, class Class, key string, entry *Entry) {
	blob, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := h.client.Set(ctx, hotKey(class, key), blob, h.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("class", string(class)).Msg("hot cache populate failed")
	}
}
