package interfaces

import (
	"context"
	"encoding/json"
	"net/http"

	"bazaar/internal/pkg/logger"
	sagapkg "bazaar/internal/pkg/saga"
	"bazaar/internal/service/order/application"
	"bazaar/internal/service/order/domain"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "order-service"

// OrderHandler exposes order creation, payment and cancellation over HTTP.
type OrderHandler struct {
	service *application.OrderApplicationService
}

func NewOrderHandler(service *application.OrderApplicationService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RegisterRoutes registers all order routes on the ServeMux.
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/create_order", h.createOrderHandler)
	mux.HandleFunc("/pay_order", h.payOrderHandler)
	mux.HandleFunc("/cancel_order", h.cancelOrderHandler)
	mux.HandleFunc("/order", h.getOrderHandler)
	mux.HandleFunc("/cart", h.getCartHandler)
	mux.HandleFunc("/saga_status", h.sagaStatusHandler)
}

func (h *OrderHandler) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "order.CreateOrder")
	defer span.End()

	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("order.buyer_id", req.BuyerID),
		attribute.Int("order.item_count", len(req.Items)),
	)

	resp, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandler) payOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "order.PayOrder")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	order, err := h.service.MarkPaid(ctx, orderID)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "order.CancelOrder")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by buyer"
	}
	order, err := h.service.Cancel(ctx, orderID, reason)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "order.GetOrder")
	defer span.End()

	order, err := h.service.GetOrder(ctx, r.URL.Query().Get("orderId"))
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) getCartHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "order.GetCart")
	defer span.End()

	orders, err := h.service.GetCart(ctx, r.URL.Query().Get("cartId"))
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) sagaStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "order.SagaStatus")
	defer span.End()

	instance, err := h.service.SagaStatus(ctx, r.URL.Query().Get("sagaId"))
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return otel.Tracer(serviceName).Start(ctx, name)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Logger().Error().Err(err).Msg("encode response")
	}
}

func writeOrderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrEmptyOrder):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, sagapkg.ErrSagaNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, application.ErrPaymentExpired):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("order request failed")
	}
	http.Error(w, err.Error(), status)
}
