package model

import (
	"encoding/json"
	"time"
)

// BookingType distinguishes how a room slot is sold.  A PRIVATE booking
// grants one party exclusive use of the room; a PUBLIC booking shares the
// room between parties up to its player capacity.
type BookingType string

const (
	BookingTypePrivate BookingType = "PRIVATE"
	BookingTypePublic  BookingType = "PUBLIC"
)

// HoldStatus enumerates the lifecycle states of a hold.  A hold starts
// ACTIVE and terminalizes exactly once into CONFIRMED, EXPIRED or
// CANCELLED.  Terminal states are never left again.
type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "ACTIVE"
	HoldStatusConfirmed HoldStatus = "CONFIRMED"
	HoldStatusExpired   HoldStatus = "EXPIRED"
	HoldStatusCancelled HoldStatus = "CANCELLED"
)

// Terminal reports whether the status is one a hold cannot leave.
func (s HoldStatus) Terminal() bool {
	return s == HoldStatusConfirmed || s == HoldStatusExpired || s == HoldStatusCancelled
}

// Hold is a provisional, time-bounded reservation of a room slot.  While a
// hold is ACTIVE it keeps either a slot lock (private) or a share of the
// slot's capacity counter (public) reserved.  ExpiresAt is the only
// mechanism that releases that reservation without confirmation.
//
// Quote and Customer carry the commercial snapshot (currency, amounts,
// promo, contact details) as opaque JSON.  The allocation engine stores and
// returns them untouched.
type Hold struct {
	ID          string          // holds.id (uuid)
	OrgID       string          // holds.org_id
	GameID      string          // holds.game_id
	RoomID      string          // holds.room_id
	StartAt     time.Time       // holds.start_at (UTC)
	EndAt       time.Time       // holds.end_at (UTC, half-open interval)
	BookingType BookingType     // holds.booking_type
	Players     int             // holds.players (>= 1)
	Status      HoldStatus      // holds.status
	ExpiresAt   time.Time       // holds.expires_at (UTC)
	CreatedAt   time.Time       // holds.created_at
	ConfirmedAt *time.Time      // holds.confirmed_at, set once on confirmation
	BookingID   *string         // holds.booking_id, set once on confirmation
	Quote       json.RawMessage // holds.quote (opaque commercial snapshot)
	Customer    json.RawMessage // holds.customer (opaque contact details)
}

// HoldRef identifies a hold for batch operations such as the reaper sweep.
type HoldRef struct {
	OrgID  string
	HoldID string
}
