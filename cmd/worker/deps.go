package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-saga/internal/config"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

type deps struct {
	cfg  config.Config
	log  *zap.Logger
	db   *pgxpool.Pool
	rdb  *redis.Client
	prod *kafkax.Producer
}

func newDeps(ctx context.Context, role string, workers int) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	logger, err := logging.New(cfg.ServiceName+"-"+role, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return &deps{
		cfg:  cfg,
		log:  logger,
		db:   db,
		rdb:  redisx.New(cfg.RedisAddr),
		prod: kafkax.NewProducer(cfg.Brokers()),
	}, nil
}

func (d *deps) emitter(producer string) orders.Emitter {
	return orders.Emitter{Pub: d.prod, Producer: d.cfg.ServiceName + "-" + producer}
}

// consume starts one consumer for topic in group. Dedup markers are scoped
// by group and topic, so handlers sharing an event id do not mask each other.
func (d *deps) consume(ctx context.Context, g *errgroup.Group, group, topic string, h orders.EventHandler) {
	c := kafkax.NewConsumer(kafkax.ConsumerConfig{
		Brokers: d.cfg.Brokers(),
		Group:   group,
		Topic:   topic,
		Workers: d.cfg.Workers,
	}, redisx.NewDeduper(d.rdb, group+":"+topic), d.log)
	g.Go(func() error { return c.Start(ctx, h) })
}

func (d *deps) Close() {
	_ = d.prod.Close()
	_ = d.rdb.Close()
	d.db.Close()
	_ = d.log.Sync()
}
