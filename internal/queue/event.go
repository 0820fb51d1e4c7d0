// Package queue defines message payloads exchanged over the message broker.
package queue

// BookingConfirmedEvent is published when a hold is successfully confirmed
// into a booking.  It contains enough information for downstream consumers
// to notify the customer or feed analytics without querying the primary
// database.
type BookingConfirmedEvent struct {
	BookingID   string `json:"booking_id"`
	HoldID      string `json:"hold_id"`
	OrgID       string `json:"org_id"`
	GameID      string `json:"game_id"`
	RoomID      string `json:"room_id"`
	BookingType string `json:"booking_type"` // PRIVATE | PUBLIC
	Players     int    `json:"players"`
	StartsAt    string `json:"starts_at"` // RFC 3339 UTC
	EndsAt      string `json:"ends_at"`
	ConfirmedAt string `json:"confirmed_at"`
}
