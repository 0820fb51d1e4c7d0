package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/escaperoomhq/booking/internal/model"
)

// DefaultGrace is the margin between a hold's logical expiry and the
// storage-level purge deadline of its paired lock/counter row.  The purge
// deadline must always trail the logical expiry, never match it: a counter
// purged at the same instant its last hold expires could erase capacity a
// just-confirmed reservation still owns.
const DefaultGrace = 15 * time.Minute

// DefaultMaxTTL caps how long a single hold may keep a slot reserved
// without payment.
const DefaultMaxTTL = 30 * time.Minute

// Engine orchestrates holds and bookings on top of a Store and a Catalog.
// It is safe for concurrent use by any number of request handlers; all
// coordination happens inside the Store's transactions.
type Engine struct {
	store  Store
	cat    Catalog
	grace  time.Duration
	maxTTL time.Duration
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGrace overrides the purge-deadline grace margin.  Values <= 0 are
// ignored; a zero margin is an availability bug, not a tuning choice.
func WithGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithMaxTTL overrides the cap on a hold's requested TTL.  Values <= 0
// are ignored.
func WithMaxTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxTTL = d
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an Engine bound to the given store and catalog.
func New(store Store, cat Catalog, opts ...Option) *Engine {
	if store == nil || cat == nil {
		panic("nil store or catalog passed to engine.New")
	}
	e := &Engine{
		store:  store,
		cat:    cat,
		grace:  DefaultGrace,
		maxTTL: DefaultMaxTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateHoldRequest carries everything needed to attempt a reservation.
// Quote and Customer are opaque; the engine stores them on the hold without
// looking inside.
type CreateHoldRequest struct {
	OrgID       string
	GameID      string
	RoomID      string
	StartAt     time.Time
	EndAt       time.Time
	BookingType model.BookingType
	Players     int
	TTLSeconds  int
	Quote       json.RawMessage
	Customer    json.RawMessage
}

// CreateHold validates the request against the catalog and then allocates
// the hold in a single store transaction.  Exactly one of any set of
// concurrent private attempts for the same slot succeeds; concurrent public
// attempts succeed only while the summed players stay within the room
// capacity.  Losers receive ErrSlotUnavailable or ErrCapacityExceeded and
// are never retried here.
func (e *Engine) CreateHold(ctx context.Context, req CreateHoldRequest) (*model.Hold, error) {
	info, err := e.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	expiresAt := now.Add(time.Duration(req.TTLSeconds) * time.Second)
	hold := &model.Hold{
		ID:          uuid.NewString(),
		OrgID:       req.OrgID,
		GameID:      req.GameID,
		RoomID:      req.RoomID,
		StartAt:     req.StartAt.UTC(),
		EndAt:       req.EndAt.UTC(),
		BookingType: req.BookingType,
		Players:     req.Players,
		Status:      model.HoldStatusActive,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		Quote:       req.Quote,
		Customer:    req.Customer,
	}
	if err := e.store.CreateHold(ctx, hold, info.Room.MaxPlayers, expiresAt.Add(e.grace)); err != nil {
		return nil, err
	}
	return hold, nil
}

// ExtendHold pushes an active hold's expiry to newExpiresAt, keeping the
// paired lock/counter purge deadline ahead of it by the grace margin.  Used
// to keep a reservation alive while an external payment flow is in
// progress.
func (e *Engine) ExtendHold(ctx context.Context, orgID, holdID string, newExpiresAt time.Time) error {
	now := e.now()
	if newExpiresAt.IsZero() || !newExpiresAt.After(now) {
		return fmt.Errorf("%w: new expiry must be in the future", ErrInvalidRequest)
	}
	if newExpiresAt.Sub(now) > e.maxTTL {
		return fmt.Errorf("%w: expiry exceeds maximum ttl %s from now", ErrInvalidRequest, e.maxTTL)
	}
	newExpiresAt = newExpiresAt.UTC()
	return e.store.ExtendHold(ctx, orgID, holdID, now, newExpiresAt, newExpiresAt.Add(e.grace))
}

// CancelHold releases an active hold early.  Cancelling a hold that has
// already expired or been cancelled is an idempotent success; cancelling a
// confirmed hold fails with ErrHoldNotActive because its reservation has
// become permanent.
func (e *Engine) CancelHold(ctx context.Context, orgID, holdID string) error {
	prev, _, err := e.store.ReleaseHold(ctx, orgID, holdID, model.HoldStatusCancelled, e.now())
	if err != nil {
		return err
	}
	switch prev {
	case model.HoldStatusActive, model.HoldStatusCancelled, model.HoldStatusExpired:
		return nil
	default: // CONFIRMED lost the race
		return ErrHoldNotActive
	}
}

// GetHold returns a hold by id within the org.  A hold whose expiry has
// lapsed but which the reaper has not yet visited is reported as EXPIRED so
// callers never see a stale ACTIVE.
func (e *Engine) GetHold(ctx context.Context, orgID, holdID string) (*model.Hold, error) {
	h, err := e.store.GetHold(ctx, orgID, holdID)
	if err != nil {
		return nil, err
	}
	if h.Status == model.HoldStatusActive && !h.ExpiresAt.After(e.now()) {
		h.Status = model.HoldStatusExpired
	}
	return h, nil
}

// GetBooking returns a confirmed booking by id within the org.
func (e *Engine) GetBooking(ctx context.Context, orgID, bookingID string) (*model.Booking, error) {
	return e.store.GetBooking(ctx, orgID, bookingID)
}

// ConfirmHold turns an active hold into a permanent booking exactly once.
// Payment carries the already-validated payment outcome and is attached to
// the booking opaquely.  The operation is idempotent: a repeat call for an
// already-confirmed hold returns the same booking, so at-least-once
// payment-webhook delivery is safe.  The second return value reports whether
// this call created the booking, so callers can tell a first confirmation
// from a replay.
func (e *Engine) ConfirmHold(ctx context.Context, orgID, holdID string, payment json.RawMessage) (*model.Booking, bool, error) {
	hold, err := e.store.GetHold(ctx, orgID, holdID)
	if err != nil {
		return nil, false, err
	}
	if b, done, err := e.confirmedBooking(ctx, hold); done {
		return b, false, err
	}

	now := e.now()
	if !hold.ExpiresAt.After(now) {
		// Lapsed but not yet reaped: expire it here rather than confirm a
		// reservation whose slot may already be resold.
		prev, released, err := e.store.ReleaseHold(ctx, orgID, holdID, model.HoldStatusExpired, now)
		if err != nil {
			return nil, false, err
		}
		if prev == model.HoldStatusConfirmed {
			fresh, gerr := e.store.GetHold(ctx, orgID, holdID)
			if gerr != nil {
				return nil, false, gerr
			}
			if b, done, berr := e.confirmedBooking(ctx, fresh); done {
				return b, false, berr
			}
		}
		if released || prev != model.HoldStatusActive {
			return nil, false, ErrHoldNotActive
		}
		// An extension landed between the read and the release attempt.
		// Re-read and confirm against the fresh deadline.
		hold, err = e.store.GetHold(ctx, orgID, holdID)
		if err != nil {
			return nil, false, err
		}
		if b, done, berr := e.confirmedBooking(ctx, hold); done {
			return b, false, berr
		}
		if !hold.ExpiresAt.After(now) {
			return nil, false, ErrHoldNotActive
		}
	}

	booking := &model.Booking{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		HoldID:      &hold.ID,
		GameID:      hold.GameID,
		RoomID:      hold.RoomID,
		StartAt:     hold.StartAt,
		EndAt:       hold.EndAt,
		BookingType: hold.BookingType,
		Players:     hold.Players,
		Status:      model.BookingStatusConfirmed,
		Payment:     payment,
		Quote:       hold.Quote,
		Customer:    hold.Customer,
		CreatedAt:   now,
	}
	err = e.store.ConfirmHold(ctx, hold, booking, now)
	if errors.Is(err, ErrHoldNotActive) {
		// Lost a race.  If the winner was another confirmation of the same
		// hold, return its booking instead of an error.
		fresh, gerr := e.store.GetHold(ctx, orgID, holdID)
		if gerr != nil {
			return nil, false, err
		}
		if b, done, berr := e.confirmedBooking(ctx, fresh); done {
			return b, false, berr
		}
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return booking, true, nil
}

// confirmedBooking resolves the booking of an already-confirmed hold.  The
// second return value reports whether the hold was confirmed at all.
func (e *Engine) confirmedBooking(ctx context.Context, hold *model.Hold) (*model.Booking, bool, error) {
	if hold.Status != model.HoldStatusConfirmed {
		if hold.Status.Terminal() {
			return nil, true, ErrHoldNotActive
		}
		return nil, false, nil
	}
	if hold.BookingID == nil {
		return nil, true, fmt.Errorf("%w: confirmed hold %s has no booking id", ErrStorageConflict, hold.ID)
	}
	b, err := e.store.GetBooking(ctx, hold.OrgID, *hold.BookingID)
	if err != nil {
		return nil, true, err
	}
	return b, true, nil
}

// validate applies the catalog preconditions.  All failures map to
// ErrInvalidRequest with a reason; none of them are concurrency outcomes.
func (e *Engine) validate(ctx context.Context, req CreateHoldRequest) (*model.RoomSlotInfo, error) {
	if req.OrgID == "" || req.GameID == "" || req.RoomID == "" {
		return nil, fmt.Errorf("%w: org, game and room are required", ErrInvalidRequest)
	}
	if req.Players < 1 {
		return nil, fmt.Errorf("%w: players must be at least 1", ErrInvalidRequest)
	}
	if req.TTLSeconds < 1 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	}
	if time.Duration(req.TTLSeconds)*time.Second > e.maxTTL {
		return nil, fmt.Errorf("%w: ttl exceeds maximum %s", ErrInvalidRequest, e.maxTTL)
	}
	if req.StartAt.IsZero() || req.EndAt.IsZero() || !req.EndAt.After(req.StartAt) {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidRequest)
	}
	if req.BookingType != model.BookingTypePrivate && req.BookingType != model.BookingTypePublic {
		return nil, fmt.Errorf("%w: unknown booking type %q", ErrInvalidRequest, req.BookingType)
	}

	info, err := e.cat.RoomSlotInfo(ctx, req.OrgID, req.GameID, req.RoomID)
	if err != nil {
		return nil, err
	}
	if !info.Room.Enabled {
		return nil, fmt.Errorf("%w: room is disabled", ErrInvalidRequest)
	}
	if req.Players < info.Game.MinPlayers || req.Players > info.Game.MaxPlayers {
		return nil, fmt.Errorf("%w: players outside game bounds %d-%d",
			ErrInvalidRequest, info.Game.MinPlayers, info.Game.MaxPlayers)
	}
	switch req.BookingType {
	case model.BookingTypePrivate:
		if !info.Game.AllowPrivate {
			return nil, fmt.Errorf("%w: game does not offer private sessions", ErrInvalidRequest)
		}
	case model.BookingTypePublic:
		if !info.Game.AllowPublic {
			return nil, fmt.Errorf("%w: game does not offer public sessions", ErrInvalidRequest)
		}
		if req.Players > info.Room.MaxPlayers {
			return nil, fmt.Errorf("%w: players exceed room capacity %d",
				ErrInvalidRequest, info.Room.MaxPlayers)
		}
	}
	if !withinOpeningHours(info.Hours, req.StartAt.UTC(), req.EndAt.UTC()) {
		return nil, fmt.Errorf("%w: slot outside opening hours", ErrInvalidRequest)
	}
	return info, nil
}

// withinOpeningHours reports whether [start, end) falls inside one of the
// room's opening windows for the start day.  Windows never cross midnight;
// an end of exactly 24:00 is allowed when the window closes at 1440.
func withinOpeningHours(hours []model.OpeningWindow, start, end time.Time) bool {
	dayEnd := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	if end.After(dayEnd) {
		return false
	}
	startMins := start.Hour()*60 + start.Minute()
	endMins := startMins + int(end.Sub(start)/time.Minute)
	for _, w := range hours {
		if w.Weekday != start.Weekday() {
			continue
		}
		if startMins >= w.OpenMins && endMins <= w.CloseMins {
			return true
		}
	}
	return false
}
