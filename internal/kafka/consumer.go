package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Deduper remembers handled event ids.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type ConsumerConfig struct {
	Brokers []string
	Group   string
	Topic   string
	Workers int
	// MaxRetry bounds how long a retryable failure is retried before the
	// message is dropped.
	MaxRetry time.Duration
}

// Consumer reads one topic in a consumer group. Messages are routed to a
// worker by hash of their key, so events of one order are handled in order
// while different orders run in parallel. Offsets are committed only up to
// the highest contiguous handled message of each partition.
type Consumer struct {
	r       messageReader
	topic   string
	workers int
	dedup   Deduper
	log     *zap.Logger
	backoff func() backoff.BackOff
}

func NewConsumer(cfg ConsumerConfig, dedup Deduper, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.Group,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, cfg, dedup, log)
}

func newConsumer(r messageReader, cfg ConsumerConfig, dedup Deduper, log *zap.Logger) *Consumer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = time.Minute
	}
	return &Consumer{
		r:       r,
		topic:   cfg.Topic,
		workers: workers,
		dedup:   dedup,
		log:     logging.OrNop(log).With(zap.String("topic", cfg.Topic), zap.String("group", cfg.Group)),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = maxRetry
			return b
		},
	}
}

// Start blocks until ctx is cancelled or the reader fails.
func (c *Consumer) Start(ctx context.Context, h orders.EventHandler) error {
	defer c.r.Close()

	offsets := newOffsetTracker()
	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(lane <-chan kafka.Message) {
			defer wg.Done()
			for m := range lane {
				if !c.handle(ctx, h, m) {
					continue
				}
				if commit, ok := offsets.done(m); ok {
					c.commit(ctx, commit)
				}
			}
		}(lanes[i])
	}
	stop := func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			// kecilkan noise saat shutdown
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		offsets.fetched(m)
		lane := lanes[xxhash.Sum64(m.Key)%uint64(c.workers)]
		select {
		case lane <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle reports whether the message may be committed.
func (c *Consumer) handle(ctx context.Context, h orders.EventHandler, m kafka.Message) bool {
	log := c.log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	env, err := Decode(m)
	if err != nil {
		log.Error("undecodable message dropped", zap.Error(err))
		return true
	}
	log = log.With(zap.String("event_id", env.EventID), zap.String("event_type", env.EventType), zap.String("order_id", env.CorrelationID))
	hctx := ExtractHeaders(ctx, m.Headers)

	if c.dedup != nil {
		seen, err := c.dedup.Seen(hctx, env.EventID)
		if err != nil {
			log.Warn("dedup lookup failed, handling anyway", zap.Error(err))
		}
		if seen {
			log.Debug("duplicate event skipped")
			return true
		}
	}

	op := func() error {
		err := h(hctx, env)
		if err != nil && !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("handler failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.backoff(), ctx), notify); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error("event dropped", zap.Error(err), zap.String("kind", string(errs.KindOf(err))))
		return true
	}

	if c.dedup != nil {
		if err := c.dedup.Mark(hctx, env.EventID); err != nil {
			log.Warn("dedup mark failed", zap.Error(err))
		}
	}
	return true
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.log.Warn("commit failed", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

// offsetTracker computes, per partition, the last offset below which every
// fetched message has been handled.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []kafka.Message
	handled map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[int]*partitionOffsets{}}
}

func (t *offsetTracker) fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[m.Partition]
	if p == nil {
		p = &partitionOffsets{handled: map[int64]bool{}}
		t.parts[m.Partition] = p
	}
	p.pending = append(p.pending, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset})
}

// done marks m handled and returns the message to commit, if the watermark
// moved.
func (t *offsetTracker) done(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[m.Partition]
	if p == nil {
		return kafka.Message{}, false
	}
	p.handled[m.Offset] = true

	var last kafka.Message
	moved := false
	for len(p.pending) > 0 && p.handled[p.pending[0].Offset] {
		last = p.pending[0]
		delete(p.handled, last.Offset)
		p.pending = p.pending[1:]
		moved = true
	}
	return last, moved
}
