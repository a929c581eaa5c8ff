package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed event ids per service. Seen is checked before
// handling and Mark is written only after the handler succeeded, so a crash
// in between leads to redelivery rather than a lost event.
type Deduper struct {
	rdb     redis.Cmdable
	service string
	ttl     time.Duration
}

func NewDeduper(rdb redis.Cmdable, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service, ttl: TTLDedup}
}

func (d *Deduper) key(eventID string) string { return fmt.Sprintf(KeyDedup, d.service, eventID) }

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	return Exists(ctx, d.rdb, d.key(eventID))
}

func (d *Deduper) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return d.rdb.Set(ctx, d.key(eventID), "1", d.ttl).Err()
}
