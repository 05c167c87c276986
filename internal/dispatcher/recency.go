package dispatcher

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/insurgrid/email-engine/internal/store"
)

// recencyCache answers the 7-day same-template same-recipient check. Redis
// fronts the query when available; the email_logs table is the source of
// truth either way, so a cold or absent cache only costs a SQL round trip.
type recencyCache struct {
	client *redis.Client
	store  *store.Store
	window time.Duration
}

func newRecencyCache(client *redis.Client, st *store.Store, window time.Duration) *recencyCache {
	return &recencyCache{client: client, store: st, window: window}
}

func recencyKey(templateID uuid.UUID, email string) string {
	return "recency:" + templateID.String() + ":" + strings.ToLower(strings.TrimSpace(email))
}

// HasRecentSend checks the cache, then the database on a miss.
func (c *recencyCache) HasRecentSend(ctx context.Context, templateID uuid.UUID, email string, now time.Time) (bool, error) {
	if c.client != nil {
		n, err := c.client.Exists(ctx, recencyKey(templateID, email)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		if err != nil {
			log.Printf("[Dispatcher] Recency cache read failed, falling back to SQL: %v", err)
		}
	}
	return c.store.HasRecentSend(ctx, templateID, email, now.Add(-c.window))
}

// RecordSend marks a successful send in the cache. Best-effort: a write
// failure only means the next check pays for a SQL query.
func (c *recencyCache) RecordSend(ctx context.Context, templateID uuid.UUID, email string) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, recencyKey(templateID, email), "1", c.window).Err(); err != nil {
		log.Printf("[Dispatcher] Recency cache write failed: %v", err)
	}
}
