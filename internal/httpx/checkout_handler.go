package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oakline/storefront/internal/orders"
	"github.com/oakline/storefront/internal/redisx"
)

type CheckoutHandler struct {
	Service *orders.Service
	Repo    *orders.Repo
	Redis   *redis.Client
	Log     *zap.Logger
}

type createOrderReq struct {
	Shipping       orders.ShippingInfo   `json:"shipping_info"`
	Method         orders.ShippingMethod `json:"shipping_method"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

func (h *CheckoutHandler) Register(r *chi.Mux) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/checkout/orders", h.createOrder)
		r.Post("/checkout/orders/{paypalOrderID}/capture", h.captureOrder)
		r.Get("/checkout/orders/{id}", h.getOrder)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *CheckoutHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	summary, err := h.Service.CreateOrder(r.Context(), orders.CreateRequest{
		UserID:         userID(r),
		Shipping:       req.Shipping,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeCreateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// writeCreateError maps the workflow's typed failures onto status codes.
// Recoverable errors name the offending product; gateway and rollback
// failures surface only a generic retry message.
func (h *CheckoutHandler) writeCreateError(w http.ResponseWriter, err error) {
	var (
		unavailable *orders.ProductUnavailableError
		stock       *orders.InsufficientStockError
		gateway     *orders.GatewayError
		rollback    *orders.RollbackError
	)
	switch {
	case errors.Is(err, orders.ErrEmptyCart):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cart is empty"})
	case errors.Is(err, orders.ErrInvalidShippingMethod):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown shipping method"})
	case errors.As(err, &unavailable):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":      fmt.Sprintf("product %s is unavailable", unavailable.ProductID),
			"product_id": unavailable.ProductID,
		})
	case errors.As(err, &stock):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      fmt.Sprintf("insufficient stock for product %s", stock.ProductID),
			"product_id": stock.ProductID,
			"requested":  stock.Requested,
			"available":  stock.Available,
		})
	case errors.As(err, &rollback), errors.As(err, &gateway):
		h.Log.Error("checkout failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment failed, please retry"})
	default:
		h.Log.Error("create order failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *CheckoutHandler) captureOrder(w http.ResponseWriter, r *http.Request) {
	paypalOrderID := chi.URLParam(r, "paypalOrderID")
	if paypalOrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing order id"})
		return
	}

	res, err := h.Service.CaptureOrder(r.Context(), userID(r), paypalOrderID)
	if err != nil {
		var gateway *orders.GatewayError
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		case errors.Is(err, orders.ErrUnauthorized):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		case errors.Is(err, orders.ErrAlreadyCaptured):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "order already captured"})
		case errors.Is(err, orders.ErrReservationLapsed):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "reservation expired, please order again"})
		case errors.As(err, &gateway):
			h.Log.Error("capture failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment failed, please retry"})
		default:
			h.Log.Error("capture order failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	// Cache first, DB on miss (and repopulate).
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if h.Redis != nil {
		if s, err := h.Redis.Get(r.Context(), key).Result(); err == nil && s != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	status, payment, err := h.Repo.GetStatus(r.Context(), orderID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	body, _ := json.Marshal(map[string]any{"status": status, "payment_status": payment})
	if h.Redis != nil {
		_ = h.Redis.Set(r.Context(), key, body, redisx.TTLStatusCache).Err()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
