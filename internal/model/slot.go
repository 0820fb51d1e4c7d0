package model

import "time"

// LockKind distinguishes the two lifetimes of a slot lock.  EPHEMERAL locks
// are created alongside an active private hold and carry a purge deadline;
// PERMANENT locks are created when a private hold is confirmed and never
// expire.
type LockKind string

const (
	LockKindEphemeral LockKind = "EPHEMERAL"
	LockKindPermanent LockKind = "PERMANENT"
)

// SlotLock is the exclusivity marker for private sessions, keyed by
// (org_id, room_id, start_at).  At most one lock per key may exist at any
// instant; its mere presence blocks every competing reservation for that
// exact slot.
type SlotLock struct {
	OrgID     string    // slot_locks.org_id
	RoomID    string    // slot_locks.room_id
	StartAt   time.Time // slot_locks.start_at (UTC)
	Kind      LockKind  // slot_locks.kind
	HoldID    *string   // slot_locks.hold_id (the hold that created it)
	BookingID *string   // slot_locks.booking_id (set when promoted)
	PurgeAt   *time.Time // slot_locks.purge_at; nil for permanent locks
	CreatedAt time.Time  // slot_locks.created_at
}

// CapacityCounter tracks the participants reserved against a public slot,
// keyed by (org_id, room_id, start_at).  UsedPlayers never exceeds
// MaxPlayers; increments that would cross the ceiling must fail atomically.
// PurgeAt is the storage-level expiry backstop and always trails the latest
// outstanding hold's expiry by a grace margin; it is cleared (nil) once any
// hold against the slot is confirmed, because confirmed capacity must
// survive indefinitely.
type CapacityCounter struct {
	OrgID       string     // capacity_counters.org_id
	RoomID      string     // capacity_counters.room_id
	StartAt     time.Time  // capacity_counters.start_at (UTC)
	UsedPlayers int        // capacity_counters.used_players
	MaxPlayers  int        // capacity_counters.max_players
	PurgeAt     *time.Time // capacity_counters.purge_at
	CreatedAt   time.Time  // capacity_counters.created_at
}
