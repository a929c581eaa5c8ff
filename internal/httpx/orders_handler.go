package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/checkout"
	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID string, items []orders.ItemInput, ttl time.Duration) (orders.Order, []orders.OrderLine, error)
}

type OrderReader interface {
	FindByID(ctx context.Context, id string) (orders.Order, error)
}

type CheckoutStarter interface {
	Checkout(ctx context.Context, req checkout.Request) error
}

type CouponIssuer interface {
	Issue(ctx context.Context, userID, couponID string) error
}

type OrdersHandler struct {
	Placer   OrderPlacer
	Orders   OrderReader
	Checkout CheckoutStarter
	Coupons  CouponIssuer
	Redis    redis.Cmdable
	OrderTTL time.Duration
	Log      *zap.Logger
}

type CreateOrderReq struct {
	UserID string             `json:"user_id"`
	Items  []orders.ItemInput `json:"items"`
}

type OrderResp struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Gross     int64     `json:"gross"`
	Discount  int64     `json:"discount"`
	Net       int64     `json:"net"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CheckoutReq struct {
	UserID   string `json:"user_id"`
	CouponID string `json:"coupon_id,omitempty"`
}

type IssueCouponReq struct {
	UserID string `json:"user_id"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Post("/orders/{id}/checkout", h.checkout)
	r.Get("/orders/{id}", h.getOrder)
	if h.Coupons != nil {
		r.Post("/coupons/{id}/issue", h.issueCoupon)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *OrdersHandler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		code = http.StatusBadRequest
	case errs.KindDomain:
		switch {
		case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, orders.ErrCouponNotFound):
			code = http.StatusNotFound
		case errors.Is(err, orders.ErrUnauthorized):
			code = http.StatusForbidden
		default:
			code = http.StatusConflict
		}
	case errs.KindLockTimeout:
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		logging.OrNop(h.Log).Error("request failed", zap.Error(err))
		writeJSON(w, code, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "code": errs.CodeOf(err)})
}

func toResp(o orders.Order) OrderResp {
	return OrderResp{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Status:    string(o.Status),
		Gross:     o.Gross,
		Discount:  o.Discount,
		Net:       o.Net,
		ExpiresAt: o.ExpiresAt,
	}
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, _, err := h.Placer.PlaceOrder(ctx, req.UserID, req.Items, h.OrderTTL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResp(o))
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Checkout.Checkout(ctx, checkout.Request{OrderID: orderID, UserID: req.UserID, CouponID: req.CouponID}); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID, "status": "processing started"})
}

// Only EXPIRED is final; PAID can still be rolled back by compensation.
func cacheable(s orders.Status) bool {
	return s == orders.StatusExpired
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		w.Header().Set("X-Cache", "hit")
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	// 2) fallback DB
	o, err := h.Orders.FindByID(ctx, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := toResp(o)
	if cacheable(o.Status) {
		if b, err := json.Marshal(resp); err == nil {
			_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrdersHandler) issueCoupon(w http.ResponseWriter, r *http.Request) {
	var req IssueCouponReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}
	couponID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Coupons.Issue(ctx, req.UserID, couponID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"coupon_id": couponID, "user_id": req.UserID})
}
