package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-saga/internal/coupon"
	"github.com/ariefcatur/go-order-saga/internal/expiry"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/lock"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/saga"
)

func main() {
	app := &cli.App{
		Name:  "worker",
		Usage: "order fulfillment saga workers",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Usage: "handler goroutines per consumer (overrides WORKERS)"},
		},
		Commands: []*cli.Command{
			{Name: "stock", Usage: "confirm stock reservations", Action: runWith(stock)},
			{Name: "coupon", Usage: "redeem coupons", Action: runWith(couponStep)},
			{Name: "payment", Usage: "debit balances for requested payments", Action: runWith(paymentStep)},
			{Name: "coordinator", Usage: "join step results and drive payment", Action: runWith(coordinator)},
			{Name: "compensate", Usage: "undo order, product and coupon effects of failed sagas", Action: runWith(compensate)},
			{Name: "sweep", Usage: "expire unpaid orders", Action: runWith(sweep)},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type wiring func(ctx context.Context, g *errgroup.Group, d *deps)

func runWith(w wiring) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := newDeps(ctx, c.Command.Name, c.Int("workers"))
		if err != nil {
			return err
		}
		defer d.Close()

		g, gctx := errgroup.WithContext(ctx)
		w(gctx, g, d)
		d.log.Info("worker started")
		err = g.Wait()
		d.log.Info("worker stopped", zap.Error(err))
		return err
	}
}

func stock(ctx context.Context, g *errgroup.Group, d *deps) {
	svc := &inventory.Service{
		Reservations: &orders.ReservationRepo{DB: d.db},
		Emit:         d.emitter("inventory"),
		Log:          d.log,
	}
	d.consume(ctx, g, "stock-step", orders.TopicProcessingRequested, svc.HandleProcessingRequested)
}

func couponStep(ctx context.Context, g *errgroup.Group, d *deps) {
	d.consume(ctx, g, "coupon-step", orders.TopicProcessingRequested, d.couponService().HandleProcessingRequested)
}

func paymentStep(ctx context.Context, g *errgroup.Group, d *deps) {
	svc := &payment.Service{
		Orders:   &orders.Repo{DB: d.db},
		Payments: &orders.PaymentRepo{DB: d.db},
		Tx:       postgres.NewTxManager(d.db),
		Locks:    d.locker(),
		Emit:     d.emitter("payment"),
		Log:      d.log,
	}
	d.consume(ctx, g, "payment-step", orders.TopicPaymentRequested, svc.HandlePaymentRequested)
}

func coordinator(ctx context.Context, g *errgroup.Group, d *deps) {
	c := &saga.Coordinator{
		State: saga.NewStore(d.rdb, d.cfg.SagaTTL),
		Emit:  d.emitter("coordinator"),
		Log:   d.log,
	}
	tracker := saga.NewTracker(d.rdb, d.cfg.SagaTTL, d.log)

	d.consume(ctx, g, "coordinator", orders.TopicStockSucceeded, c.HandleStockSucceeded)
	d.consume(ctx, g, "coordinator", orders.TopicCouponSucceeded, c.HandleCouponSucceeded)
	d.consume(ctx, g, "coordinator", orders.TopicProcessingSucceeded, c.HandleProcessingSucceeded)
	d.consume(ctx, g, "coordinator", orders.TopicPaymentSucceeded, c.HandlePaymentSucceeded)
	d.consume(ctx, g, "coordinator", orders.TopicPaymentFailed, c.HandlePaymentFailed)
	d.consume(ctx, g, "coordinator", orders.TopicProcessingFailed, c.HandleProcessingFailed)
	d.consume(ctx, g, "compensation-tracker", orders.TopicCompensationDone, tracker.HandleCompensationDone)
}

// Each compensator has its own consumer group so every one of them sees
// every processing failure.
func compensate(ctx context.Context, g *errgroup.Group, d *deps) {
	order := &orders.Compensator{
		Orders:   &orders.Repo{DB: d.db},
		Payments: &orders.PaymentRepo{DB: d.db},
		Tx:       postgres.NewTxManager(d.db),
		Emit:     d.emitter("order-compensator"),
		Log:      d.log,
	}
	product := &inventory.Service{
		Reservations: &orders.ReservationRepo{DB: d.db},
		Emit:         d.emitter("product-compensator"),
		Log:          d.log,
	}
	d.consume(ctx, g, "compensate-order", orders.TopicProcessingFailed, order.HandleProcessingFailed)
	d.consume(ctx, g, "compensate-product", orders.TopicProcessingFailed, product.HandleProcessingFailed)
	d.consume(ctx, g, "compensate-coupon", orders.TopicProcessingFailed, d.couponService().HandleProcessingFailed)
}

func sweep(ctx context.Context, g *errgroup.Group, d *deps) {
	s := &expiry.Sweeper{
		Orders:       &orders.Repo{DB: d.db},
		Reservations: &orders.ReservationRepo{DB: d.db},
		Coupons:      d.couponService(),
		Tx:           postgres.NewTxManager(d.db),
		Locks:        d.locker(),
		Log:          d.log,
		Interval:     d.cfg.SweepInterval,
		Batch:        d.cfg.SweepBatch,
	}
	g.Go(func() error { return s.Run(ctx) })
}

func (d *deps) couponService() *coupon.Service {
	return &coupon.Service{
		Coupons:  &orders.CouponRepo{DB: d.db},
		Redeemer: coupon.NewRedeemer(d.rdb),
		Emit:     d.emitter("coupon"),
		Log:      d.log,
	}
}

func (d *deps) locker() *lock.Locker {
	return lock.New(d.rdb, d.log, lock.Options{
		TTL:         d.cfg.LockTTL,
		WaitTimeout: d.cfg.LockWaitTimeout,
		MaxWait:     d.cfg.LockMaxWait,
	})
}
