package model

import (
	"encoding/json"
	"time"
)

// BookingStatus enumerates the states of a finalized booking.
type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusCancelled BookingStatus = "CANCELLED"
)

// Booking is a finalized reservation.  It is created exactly once from an
// active hold (HoldID set) or entered directly by an operator (HoldID nil).
// Once CONFIRMED a booking is immutable apart from cancellation and
// payment-status updates.
//
// Payment carries the already-validated payment outcome (status, amount
// captured, processor references) as opaque JSON; the engine attaches it to
// the booking without inspecting it.
type Booking struct {
	ID          string          // bookings.id (uuid)
	OrgID       string          // bookings.org_id
	HoldID      *string         // bookings.hold_id (nullable)
	GameID      string          // bookings.game_id
	RoomID      string          // bookings.room_id
	StartAt     time.Time       // bookings.start_at (UTC)
	EndAt       time.Time       // bookings.end_at (UTC)
	BookingType BookingType     // bookings.booking_type
	Players     int             // bookings.players
	Status      BookingStatus   // bookings.status
	Payment     json.RawMessage // bookings.payment (opaque)
	Quote       json.RawMessage // bookings.quote (opaque, copied from the hold)
	Customer    json.RawMessage // bookings.customer (opaque, copied from the hold)
	CreatedAt   time.Time       // bookings.created_at
}
