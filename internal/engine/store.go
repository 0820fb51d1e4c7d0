package engine

import (
	"context"
	"time"

	"github.com/escaperoomhq/booking/internal/model"
)

// Store is the durable backend the engine coordinates through.  Every
// method is one atomic transaction: either all of its writes apply or none
// do, and every conditional write fails the whole transaction when its
// condition is unmet.  Implementations must provide this contract whatever
// the underlying technology; an ordinary upsert is not an acceptable
// substitute for the conditioned capacity update.
type Store interface {
	// CreateHold atomically allocates the hold's reservation and inserts the
	// hold record.  For private holds it inserts an ephemeral slot lock for
	// (org, room, startAt) conditioned on no lock of either kind existing;
	// for public holds it adds hold.Players to the slot's capacity counter
	// conditioned on used+players <= maxPlayers.  Lapsed ACTIVE holds for
	// the same slot are expired and released inside the same transaction
	// before the allocation is attempted, so a stalled reaper cannot block
	// a slot forever.  purgeAt is the storage-level expiry deadline for the
	// paired lock/counter row and must trail hold.ExpiresAt by the grace
	// margin.  Returns ErrSlotUnavailable or ErrCapacityExceeded when the
	// allocation condition fails.
	CreateHold(ctx context.Context, hold *model.Hold, maxPlayers int, purgeAt time.Time) error

	// GetHold returns the hold or ErrHoldNotFound.
	GetHold(ctx context.Context, orgID, holdID string) (*model.Hold, error)

	// ExtendHold pushes the hold's expiry and its paired lock/counter purge
	// deadline forward, conditioned on the hold still being ACTIVE and its
	// current expiry being after now.  A lapsed hold is dead even before
	// the reaper visits it; its lock/counter row may already be purged, so
	// extension must never revive it.  Deadlines never move backward.
	// Returns ErrHoldNotActive when the hold has terminalized or lapsed,
	// ErrHoldNotFound when it does not exist.
	ExtendHold(ctx context.Context, orgID, holdID string, now, expiresAt, purgeAt time.Time) error

	// ReleaseHold transitions an ACTIVE hold to the given terminal status
	// (EXPIRED or CANCELLED) and releases its reservation: the ephemeral
	// slot lock is deleted, or the capacity counter is decremented by the
	// hold's players.  The transition is conditioned on the hold still
	// being ACTIVE, and when to is EXPIRED additionally on the hold's
	// expiry being at or before now, so it can never override a concurrent
	// extension or confirmation.  It returns the status observed before the
	// attempt and whether the transition was applied.
	ReleaseHold(ctx context.Context, orgID, holdID string, to model.HoldStatus, now time.Time) (model.HoldStatus, bool, error)

	// ConfirmHold finalizes an ACTIVE hold: it inserts the booking, marks
	// the hold CONFIRMED with confirmedAt and the booking id, and for
	// private holds promotes the ephemeral slot lock to PERMANENT,
	// conditioned on that lock still belonging to this hold.  For public
	// holds the counter keeps its reservation and its purge deadline is
	// cleared so storage expiry can never drop confirmed capacity.  Returns
	// ErrHoldNotActive when the hold is no longer ACTIVE (the caller
	// re-reads to distinguish a lost confirm race from expiry).
	ConfirmHold(ctx context.Context, hold *model.Hold, booking *model.Booking, confirmedAt time.Time) error

	// GetBooking returns the booking or ErrBookingNotFound.
	GetBooking(ctx context.Context, orgID, bookingID string) (*model.Booking, error)

	// LapsedHolds lists up to limit ACTIVE holds whose expiresAt is at or
	// before now, oldest first.
	LapsedHolds(ctx context.Context, now time.Time, limit int) ([]model.HoldRef, error)

	// CountActiveHolds reports the number of ACTIVE holds for the org.
	CountActiveHolds(ctx context.Context, orgID string) (int, error)

	// PurgeLapsed deletes orphaned ephemeral locks and drained capacity
	// counters whose purge deadline has passed, returning how many rows
	// were removed.  This is the application-side mirror of the storage
	// backend's own expiry backstop and must never touch permanent locks or
	// counters whose deadline was cleared by a confirmation.
	PurgeLapsed(ctx context.Context, now time.Time) (int, error)
}

// Catalog validates reservation targets against the room/game/schedule
// configuration.  It is a read-only collaborator; the engine never writes
// catalog data.
type Catalog interface {
	// RoomSlotInfo loads the room, its game and its opening hours, scoped
	// to the org.  Implementations return ErrInvalidRequest when the room
	// does not exist, is not part of the org, or does not belong to the
	// given game.
	RoomSlotInfo(ctx context.Context, orgID, gameID, roomID string) (*model.RoomSlotInfo, error)
}
