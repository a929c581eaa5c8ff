package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

// Tracker collects compensation-done acks per order attempt and reports the
// attempt as rolled back once every handler has answered.
type Tracker struct {
	rdb redis.Cmdable
	ttl time.Duration
	log *zap.Logger
}

func NewTracker(rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = redisx.TTLSaga
	}
	return &Tracker{rdb: rdb, ttl: ttl, log: logging.OrNop(log)}
}

func (t *Tracker) HandleCompensationDone(ctx context.Context, env orders.Envelope) error {
	p, err := decode[orders.CompensationDonePayload](env)
	if err != nil {
		return err
	}
	if !knownHandler(p.Handler) {
		t.log.Warn("unknown compensation handler", zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt), zap.String("handler", string(p.Handler)))
		return nil
	}

	k := fmt.Sprintf(redisx.KeySagaCompensation, p.OrderID, p.Attempt)
	pipe := t.rdb.TxPipeline()
	added := pipe.SAdd(ctx, k, string(p.Handler))
	card := pipe.SCard(ctx, k)
	pipe.Expire(ctx, k, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Infra("SAGA_TRACK", err)
	}

	if added.Val() == 1 && card.Val() == int64(len(orders.AllHandlers)) {
		t.log.Info("saga rolled back", zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt))
	}
	return nil
}

// RolledBack reports whether all compensators acknowledged attempt of orderID.
func (t *Tracker) RolledBack(ctx context.Context, orderID, attempt string) (bool, error) {
	n, err := t.rdb.SCard(ctx, fmt.Sprintf(redisx.KeySagaCompensation, orderID, attempt)).Result()
	if err != nil {
		return false, errs.Infra("SAGA_TRACK", err)
	}
	return n == int64(len(orders.AllHandlers)), nil
}

func knownHandler(h orders.Handler) bool {
	for _, x := range orders.AllHandlers {
		if x == h {
			return true
		}
	}
	return false
}
