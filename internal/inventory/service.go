package inventory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

// Service is the product side of the saga: it turns reservations into stock
// decrements and puts them back on failure.
type Service struct {
	Reservations orders.ReservationRepository
	Emit         orders.Emitter
	Log          *zap.Logger
}

func (s *Service) log() *zap.Logger { return logging.OrNop(s.Log) }

// HandleProcessingRequested: dipasang sebagai handler consumer stock step.
func (s *Service) HandleProcessingRequested(ctx context.Context, env orders.Envelope) error {
	// 1) decode payload
	p, err := orders.DecodePayload[orders.ProcessingRequestedPayload](env)
	if err != nil {
		return orders.ErrBadPayload.With(err)
	}
	log := s.log().With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt))

	// 2) confirm per line, masing-masing tx sendiri; ulang = no-op
	var rejected []string
	for _, l := range p.Lines {
		err := s.Reservations.Confirm(ctx, p.OrderID, l.OptionID, p.Attempt)
		if err == nil {
			continue
		}
		if errs.Retryable(err) {
			return err
		}
		log.Info("line rejected", zap.String("option_id", l.OptionID), zap.Error(err))
		rejected = append(rejected, fmt.Sprintf("%s: %s", l.OptionID, errs.CodeOf(err)))
		break
	}

	// 3) satu line gagal -> seluruh step gagal, compensator yang balikin stok
	if len(rejected) > 0 {
		return s.Emit.Emit(ctx, orders.EventProcessingFailed, p.OrderID, orders.ProcessingFailedPayload{
			OrderID:      p.OrderID,
			Attempt:      p.Attempt,
			FailedStep:   orders.StepStock,
			ErrorMessage: "stock rejected: " + strings.Join(rejected, ", "),
		})
	}

	log.Info("stock confirmed", zap.Int("lines", len(p.Lines)))
	return s.Emit.Emit(ctx, orders.EventStockSucceeded, p.OrderID, orders.StockSucceededPayload{OrderID: p.OrderID, Attempt: p.Attempt})
}

// HandleProcessingFailed restores the lines confirmed by the failed attempt,
// whichever step failed. Lines taken over by a later attempt stay confirmed.
func (s *Service) HandleProcessingFailed(ctx context.Context, env orders.Envelope) error {
	p, err := orders.DecodePayload[orders.ProcessingFailedPayload](env)
	if err != nil {
		return orders.ErrBadPayload.With(err)
	}
	log := s.log().With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt), zap.String("failed_step", string(p.FailedStep)))

	n, err := s.Reservations.RestoreConfirmed(ctx, p.OrderID, p.Attempt)
	if err != nil {
		log.Error("stock compensation failed", zap.Error(err))
	} else if n > 0 {
		log.Info("stock restored", zap.Int("lines", n))
	}
	return s.Emit.CompensationDone(ctx, p.OrderID, p.Attempt, orders.HandlerProduct)
}
