package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"bazaar/internal/pkg/httpclient"
	inventory "bazaar/internal/service/inventory/domain"
	"bazaar/internal/service/order/domain"

	"github.com/pkg/errors"
)

// InventoryHTTPAdapter implements the order service's inventory ports over
// the inventory-service HTTP surface.
type InventoryHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
	timeout time.Duration
}

// NewInventoryHTTPAdapter builds the adapter. A timeout of zero leaves call
// deadlines entirely to the caller's context.
func NewInventoryHTTPAdapter(client *httpclient.Client, baseURL string, timeout time.Duration) *InventoryHTTPAdapter {
	return &InventoryHTTPAdapter{client: client, baseURL: baseURL, timeout: timeout}
}

func (a *InventoryHTTPAdapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// Stock implements port.InventoryReader.
func (a *InventoryHTTPAdapter) Stock(ctx context.Context, productID, variantID string) (int64, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	params := url.Values{}
	params.Set("productId", productID)
	params.Set("variantId", variantID)

	body, err := a.client.Get(ctx, a.baseURL+"/stock", params)
	if err != nil {
		return 0, mapLedgerError(err, inventory.ErrVariantNotFound, inventory.ErrInsufficientStock)
	}
	var resp struct {
		Stock int64 `json:"stock"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errors.Wrap(err, "decode stock response")
	}
	return resp.Stock, nil
}

// Reserve implements port.LedgerClient.
func (a *InventoryHTTPAdapter) Reserve(ctx context.Context, item domain.LineItem, orderID string) (domain.ReservationRef, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	body, err := a.client.PostJSON(ctx, a.baseURL+"/reserve_stock", map[string]any{
		"productId": item.ProductID,
		"variantId": item.VariantID,
		"quantity":  item.Quantity,
		"orderId":   orderID,
	})
	if err != nil {
		return domain.ReservationRef{}, mapLedgerError(err, inventory.ErrVariantNotFound, inventory.ErrInsufficientStock)
	}

	var res inventory.Reservation
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.ReservationRef{}, errors.Wrap(err, "decode reservation response")
	}
	return domain.ReservationRef{
		ProductID:     res.ProductID,
		VariantID:     res.VariantID,
		ReservationID: res.ReservationID,
		Quantity:      res.Quantity,
	}, nil
}

// Confirm implements port.LedgerClient.
func (a *InventoryHTTPAdapter) Confirm(ctx context.Context, ref domain.ReservationRef, orderID string) error {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	_, err := a.client.PostJSON(ctx, a.baseURL+"/confirm_reservation", map[string]any{
		"productId":     ref.ProductID,
		"variantId":     ref.VariantID,
		"reservationId": ref.ReservationID,
		"orderId":       orderID,
	})
	return mapLedgerError(err, inventory.ErrReservationNotFound, inventory.ErrReservationExpired)
}

// Release implements port.LedgerClient.
func (a *InventoryHTTPAdapter) Release(ctx context.Context, ref domain.ReservationRef) error {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	_, err := a.client.PostJSON(ctx, a.baseURL+"/release_reservation", map[string]any{
		"productId":     ref.ProductID,
		"variantId":     ref.VariantID,
		"reservationId": ref.ReservationID,
	})
	return mapLedgerError(err, inventory.ErrReservationNotFound, inventory.ErrReservationExpired)
}

// mapLedgerError folds downstream status codes back into the ledger's error
// taxonomy so callers keep using errors.Is across the service boundary. The
// meaning of 404 and 409 depends on the endpoint, so the caller supplies both.
func mapLedgerError(err error, notFound, conflict error) error {
	if err == nil {
		return nil
	}
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch statusErr.Code {
	case http.StatusNotFound:
		return notFound
	case http.StatusConflict:
		return conflict
	case http.StatusBadRequest:
		return inventory.ErrValidation
	default:
		return err
	}
}
