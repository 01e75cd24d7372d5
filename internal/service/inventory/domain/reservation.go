package domain

import (
	"errors"
	"time"
)

// ReservationStatus is the lifecycle state of a stock reservation. The
// transition out of active is one-way and guarded by a match-on-active
// precondition, which is what makes release and expiry idempotent.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a time-bounded provisional hold on a variant's stock. Stock
// is deducted when the reservation is created, not when it is confirmed, so
// the variant's counter always shows what a shopper can actually buy.
type Reservation struct {
	ReservationID string            `json:"reservationId"`
	ProductID     string            `json:"productId"`
	VariantID     string            `json:"variantId"`
	OrderID       string            `json:"orderId"`
	Quantity      int64             `json:"quantity"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Variant is one inventory record: a stock counter plus its reservations.
// Stock is already net of every active and confirmed reservation.
type Variant struct {
	ProductID    string        `json:"productId"`
	VariantID    string        `json:"variantId"`
	Stock        int64         `json:"stock"`
	Reservations []Reservation `json:"reservations,omitempty"`
}

var (
	ErrInsufficientStock   = errors.New("inventory: insufficient stock")
	ErrVariantNotFound     = errors.New("inventory: variant not found")
	ErrReservationNotFound = errors.New("inventory: reservation not found or already processed")
	ErrReservationExpired  = errors.New("inventory: reservation expired")
	ErrValidation          = errors.New("inventory: invalid request")
)
