// Package memory provides an in-process engine.Store used by tests and by
// single-node development setups.  It guards its maps with one mutex but
// applies exactly the same conditional checks as the MySQL store, so both
// backends enforce the same exclusivity and capacity invariants.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/model"
)

type holdKey struct {
	org string
	id  string
}

type slotKey struct {
	org   string
	room  string
	start int64 // unix seconds, UTC
}

// Store is an in-memory implementation of engine.Store.  The zero value is
// not usable; construct with New.
type Store struct {
	mu       sync.Mutex
	holds    map[holdKey]*model.Hold
	locks    map[slotKey]*model.SlotLock
	counters map[slotKey]*model.CapacityCounter
	bookings map[holdKey]*model.Booking
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		holds:    make(map[holdKey]*model.Hold),
		locks:    make(map[slotKey]*model.SlotLock),
		counters: make(map[slotKey]*model.CapacityCounter),
		bookings: make(map[holdKey]*model.Booking),
	}
}

func keyOf(orgID, roomID string, startAt time.Time) slotKey {
	return slotKey{org: orgID, room: roomID, start: startAt.UTC().Unix()}
}

// CreateHold implements engine.Store.  The whole allocation happens under
// the store mutex, which stands in for the transactional unit of the
// durable backend.
func (s *Store) CreateHold(ctx context.Context, hold *model.Hold, maxPlayers int, purgeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(hold.OrgID, hold.RoomID, hold.StartAt)
	s.expireLapsedSlotLocked(key, hold.CreatedAt)

	switch hold.BookingType {
	case model.BookingTypePrivate:
		if _, exists := s.locks[key]; exists {
			return engine.ErrSlotUnavailable
		}
		hid := hold.ID
		pa := purgeAt
		s.locks[key] = &model.SlotLock{
			OrgID:     hold.OrgID,
			RoomID:    hold.RoomID,
			StartAt:   hold.StartAt,
			Kind:      model.LockKindEphemeral,
			HoldID:    &hid,
			PurgeAt:   &pa,
			CreatedAt: hold.CreatedAt,
		}
	case model.BookingTypePublic:
		ctr, exists := s.counters[key]
		if !exists {
			ctr = &model.CapacityCounter{
				OrgID:      hold.OrgID,
				RoomID:     hold.RoomID,
				StartAt:    hold.StartAt,
				MaxPlayers: maxPlayers,
				CreatedAt:  hold.CreatedAt,
			}
			s.counters[key] = ctr
		}
		if ctr.UsedPlayers+hold.Players > ctr.MaxPlayers {
			if !exists {
				delete(s.counters, key)
			}
			return engine.ErrCapacityExceeded
		}
		ctr.UsedPlayers += hold.Players
		extendPurge(&ctr.PurgeAt, purgeAt, !exists)
	default:
		return engine.ErrInvalidRequest
	}

	s.holds[holdKey{hold.OrgID, hold.ID}] = cloneHold(hold)
	return nil
}

// extendPurge moves a purge deadline forward, never backward.  When fresh
// is true the deadline is set unconditionally; a nil deadline on an
// existing row means confirmed capacity and stays nil.
func extendPurge(dst **time.Time, purgeAt time.Time, fresh bool) {
	if fresh {
		pa := purgeAt
		*dst = &pa
		return
	}
	if *dst != nil && purgeAt.After(**dst) {
		pa := purgeAt
		*dst = &pa
	}
}

// GetHold implements engine.Store.
func (s *Store) GetHold(ctx context.Context, orgID, holdID string) (*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdKey{orgID, holdID}]
	if !ok {
		return nil, engine.ErrHoldNotFound
	}
	return cloneHold(h), nil
}

// ExtendHold implements engine.Store.  Deadlines only move forward, and a
// hold whose expiry has already passed is rejected rather than revived: its
// lock or counter may have been purged already.
func (s *Store) ExtendHold(ctx context.Context, orgID, holdID string, now, expiresAt, purgeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdKey{orgID, holdID}]
	if !ok {
		return engine.ErrHoldNotFound
	}
	if h.Status != model.HoldStatusActive {
		return engine.ErrHoldNotActive
	}
	if !h.ExpiresAt.After(now) {
		return engine.ErrHoldNotActive
	}
	if expiresAt.After(h.ExpiresAt) {
		h.ExpiresAt = expiresAt
	}
	key := keyOf(h.OrgID, h.RoomID, h.StartAt)
	switch h.BookingType {
	case model.BookingTypePrivate:
		if l, ok := s.locks[key]; ok && l.Kind == model.LockKindEphemeral && l.HoldID != nil && *l.HoldID == holdID {
			extendPurge(&l.PurgeAt, purgeAt, false)
		}
	case model.BookingTypePublic:
		if ctr, ok := s.counters[key]; ok {
			extendPurge(&ctr.PurgeAt, purgeAt, false)
		}
	}
	return nil
}

// ReleaseHold implements engine.Store.  Expiring a hold whose deadline has
// moved past now is refused, so a sweep never overrides an extension that
// landed between its listing and this call.
func (s *Store) ReleaseHold(ctx context.Context, orgID, holdID string, to model.HoldStatus, now time.Time) (model.HoldStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(orgID, holdID, to, now)
}

func (s *Store) releaseLocked(orgID, holdID string, to model.HoldStatus, now time.Time) (model.HoldStatus, bool, error) {
	h, ok := s.holds[holdKey{orgID, holdID}]
	if !ok {
		return "", false, engine.ErrHoldNotFound
	}
	prev := h.Status
	if prev != model.HoldStatusActive {
		return prev, false, nil
	}
	if to == model.HoldStatusExpired && h.ExpiresAt.After(now) {
		return prev, false, nil
	}
	h.Status = to
	key := keyOf(h.OrgID, h.RoomID, h.StartAt)
	switch h.BookingType {
	case model.BookingTypePrivate:
		if l, ok := s.locks[key]; ok && l.Kind == model.LockKindEphemeral && l.HoldID != nil && *l.HoldID == holdID {
			delete(s.locks, key)
		}
	case model.BookingTypePublic:
		if ctr, ok := s.counters[key]; ok {
			ctr.UsedPlayers -= h.Players
			if ctr.UsedPlayers <= 0 && ctr.PurgeAt != nil {
				delete(s.counters, key)
			}
		}
	}
	return prev, true, nil
}

// ConfirmHold implements engine.Store.
func (s *Store) ConfirmHold(ctx context.Context, hold *model.Hold, booking *model.Booking, confirmedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[holdKey{hold.OrgID, hold.ID}]
	if !ok {
		return engine.ErrHoldNotFound
	}
	if h.Status != model.HoldStatusActive {
		return engine.ErrHoldNotActive
	}

	key := keyOf(h.OrgID, h.RoomID, h.StartAt)
	switch h.BookingType {
	case model.BookingTypePrivate:
		l, ok := s.locks[key]
		if !ok || l.Kind != model.LockKindEphemeral || l.HoldID == nil || *l.HoldID != h.ID {
			return engine.ErrStorageConflict
		}
		bid := booking.ID
		l.Kind = model.LockKindPermanent
		l.BookingID = &bid
		l.PurgeAt = nil
	case model.BookingTypePublic:
		if ctr, ok := s.counters[key]; ok {
			// confirmed capacity never expires at the storage level
			ctr.PurgeAt = nil
		}
	}

	bid := booking.ID
	h.Status = model.HoldStatusConfirmed
	ca := confirmedAt
	h.ConfirmedAt = &ca
	h.BookingID = &bid
	s.bookings[holdKey{booking.OrgID, booking.ID}] = cloneBooking(booking)
	return nil
}

// GetBooking implements engine.Store.
func (s *Store) GetBooking(ctx context.Context, orgID, bookingID string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[holdKey{orgID, bookingID}]
	if !ok {
		return nil, engine.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

// LapsedHolds implements engine.Store, returning lapsed ACTIVE holds oldest
// first.
func (s *Store) LapsedHolds(ctx context.Context, now time.Time, limit int) ([]model.HoldRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type lapsed struct {
		ref model.HoldRef
		at  time.Time
	}
	var out []lapsed
	for k, h := range s.holds {
		if h.Status == model.HoldStatusActive && !h.ExpiresAt.After(now) {
			out = append(out, lapsed{model.HoldRef{OrgID: k.org, HoldID: k.id}, h.ExpiresAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	refs := make([]model.HoldRef, 0, len(out))
	for _, l := range out {
		refs = append(refs, l.ref)
	}
	return refs, nil
}

// CountActiveHolds implements engine.Store.
func (s *Store) CountActiveHolds(ctx context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, h := range s.holds {
		if k.org == orgID && h.Status == model.HoldStatusActive {
			n++
		}
	}
	return n, nil
}

// PurgeLapsed implements engine.Store.  It mirrors the storage backend's
// own expiry: ephemeral locks and counters whose purge deadline has passed
// are removed.  Permanent locks and counters with a cleared deadline are
// never touched.
func (s *Store) PurgeLapsed(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, l := range s.locks {
		if l.Kind == model.LockKindEphemeral && l.PurgeAt != nil && !l.PurgeAt.After(now) {
			delete(s.locks, k)
			n++
		}
	}
	for k, ctr := range s.counters {
		if ctr.PurgeAt != nil && !ctr.PurgeAt.After(now) {
			delete(s.counters, k)
			n++
		}
	}
	return n, nil
}

// expireLapsedSlotLocked performs the expire-before-allocate step inside the
// same critical section as the allocation itself: any ACTIVE hold for the
// slot whose deadline has passed is expired and its reservation released.
func (s *Store) expireLapsedSlotLocked(key slotKey, now time.Time) {
	for k, h := range s.holds {
		if k.org != key.org || h.RoomID != key.room || h.StartAt.UTC().Unix() != key.start {
			continue
		}
		if h.Status == model.HoldStatusActive && !h.ExpiresAt.After(now) {
			_, _, _ = s.releaseLocked(k.org, k.id, model.HoldStatusExpired, now)
		}
	}
}

func cloneHold(h *model.Hold) *model.Hold {
	c := *h
	if h.ConfirmedAt != nil {
		t := *h.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if h.BookingID != nil {
		id := *h.BookingID
		c.BookingID = &id
	}
	c.Quote = append([]byte(nil), h.Quote...)
	c.Customer = append([]byte(nil), h.Customer...)
	return &c
}

func cloneBooking(b *model.Booking) *model.Booking {
	c := *b
	if b.HoldID != nil {
		id := *b.HoldID
		c.HoldID = &id
	}
	c.Payment = append([]byte(nil), b.Payment...)
	c.Quote = append([]byte(nil), b.Quote...)
	c.Customer = append([]byte(nil), b.Customer...)
	return &c
}
