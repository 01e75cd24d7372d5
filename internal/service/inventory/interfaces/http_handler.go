package interfaces

import (
	"context"
	"encoding/json"
	"net/http"

	"bazaar/internal/pkg/logger"
	"bazaar/internal/service/inventory/application"
	"bazaar/internal/service/inventory/domain"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "inventory-service"

// InventoryHandler exposes the reservation ledger over HTTP.
type InventoryHandler struct {
	service *application.Service
}

func NewInventoryHandler(service *application.Service) *InventoryHandler {
	return &InventoryHandler{service: service}
}

// RegisterRoutes registers all ledger routes on the ServeMux.
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/reserve_stock", h.reserveHandler)
	mux.HandleFunc("/confirm_reservation", h.confirmHandler)
	mux.HandleFunc("/release_reservation", h.releaseHandler)
	mux.HandleFunc("/stock", h.stockHandler)
	mux.HandleFunc("/seed_variant", h.seedHandler)
}

type reserveRequest struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Quantity  int64  `json:"quantity"`
	OrderID   string `json:"orderId"`
}

type reservationRequest struct {
	ProductID     string `json:"productId"`
	VariantID     string `json:"variantId"`
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
}

type seedRequest struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Stock     int64  `json:"stock"`
}

func (h *InventoryHandler) reserveHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "inventory.ReserveStock")
	defer span.End()

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("inventory.product_id", req.ProductID),
		attribute.String("inventory.variant_id", req.VariantID),
		attribute.Int64("inventory.quantity", req.Quantity),
	)

	res, err := h.service.Reserve(ctx, req.ProductID, req.VariantID, req.Quantity, req.OrderID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *InventoryHandler) confirmHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "inventory.ConfirmReservation")
	defer span.End()

	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.Confirm(ctx, req.ProductID, req.VariantID, req.ReservationID, req.OrderID); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (h *InventoryHandler) releaseHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "inventory.ReleaseReservation")
	defer span.End()

	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.service.Release(ctx, req.ProductID, req.VariantID, req.ReservationID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *InventoryHandler) stockHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "inventory.GetStock")
	defer span.End()

	productID := r.URL.Query().Get("productId")
	variantID := r.URL.Query().Get("variantId")
	stock, err := h.service.Stock(ctx, productID, variantID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"productId": productID,
		"variantId": variantID,
		"stock":     stock,
	})
}

func (h *InventoryHandler) seedHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "inventory.SeedVariant")
	defer span.End()

	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.SeedVariant(ctx, req.ProductID, req.VariantID, req.Stock); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seeded"})
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

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrVariantNotFound), errors.Is(err, domain.ErrReservationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrReservationExpired):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("ledger request failed")
	}
	http.Error(w, err.Error(), status)
}
