// Package engine implements the hold and booking concurrency core: turning
// a reservation attempt into a time-bounded hold, a paid hold into a
// permanent booking, and reclaiming lapsed holds.  All coordination between
// concurrent callers is delegated to the Store's transactional primitives;
// the engine itself keeps no cross-request state.
package engine

import "errors"

// Sentinel errors returned by the engine and by Store implementations.
// Handlers translate these into HTTP responses; callers decide on retry
// policy.  None of them are retried inside the engine.
var (
	// ErrInvalidRequest signals a precondition failure (unknown room, player
	// count out of bounds, slot outside opening hours, disallowed booking
	// type).  Retrying the identical call cannot succeed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSlotUnavailable means a private reservation lost the race for its
	// slot: an active hold, a confirmed booking or a concurrent attempt
	// already owns the slot lock.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrCapacityExceeded means a public reservation would push the slot's
	// participant count past the room capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrHoldNotActive means the hold targeted by extend/confirm/cancel has
	// already terminalized.  The caller must start a new reservation.
	ErrHoldNotActive = errors.New("hold not active")

	// ErrHoldNotFound means no hold with the given id exists for the org.
	ErrHoldNotFound = errors.New("hold not found")

	// ErrBookingNotFound means no booking with the given id exists for the org.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrStorageConflict covers transactional aborts not explained by any of
	// the above, e.g. a transient deadlock.  Safe to retry with backoff.
	ErrStorageConflict = errors.New("storage conflict")
)
