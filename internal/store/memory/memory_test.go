package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/model"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newHold(id string, typ model.BookingType, players int) *model.Hold {
	return &model.Hold{
		ID:          id,
		OrgID:       "org-1",
		GameID:      "game-1",
		RoomID:      "room-1",
		StartAt:     base.Add(4 * time.Hour),
		EndAt:       base.Add(5 * time.Hour),
		BookingType: typ,
		Players:     players,
		Status:      model.HoldStatusActive,
		ExpiresAt:   base.Add(10 * time.Minute),
		CreatedAt:   base,
	}
}

func newBooking(id, holdID string) *model.Booking {
	h := holdID
	return &model.Booking{
		ID:          id,
		OrgID:       "org-1",
		HoldID:      &h,
		GameID:      "game-1",
		RoomID:      "room-1",
		StartAt:     base.Add(4 * time.Hour),
		EndAt:       base.Add(5 * time.Hour),
		BookingType: model.BookingTypePrivate,
		Players:     4,
		Status:      model.BookingStatusConfirmed,
		CreatedAt:   base.Add(time.Minute),
	}
}

func TestReleaseHoldReportsPreviousStatus(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	h := newHold("h1", model.BookingTypePrivate, 4)
	if err := s.CreateHold(ctx, h, 6, h.ExpiresAt.Add(15*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	prev, released, err := s.ReleaseHold(ctx, "org-1", "h1", model.HoldStatusCancelled, base)
	if err != nil || prev != model.HoldStatusActive || !released {
		t.Fatalf("first release: prev=%s released=%t err=%v; want ACTIVE true", prev, released, err)
	}
	// Repeat release reports the terminal status and changes nothing.
	prev, released, err = s.ReleaseHold(ctx, "org-1", "h1", model.HoldStatusExpired, h.ExpiresAt)
	if err != nil || prev != model.HoldStatusCancelled || released {
		t.Fatalf("repeat release: prev=%s released=%t err=%v; want CANCELLED false", prev, released, err)
	}
	got, err := s.GetHold(ctx, "org-1", "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.HoldStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}

	if _, _, err := s.ReleaseHold(ctx, "org-1", "missing", model.HoldStatusExpired, base); !errors.Is(err, engine.ErrHoldNotFound) {
		t.Fatalf("release missing hold: want ErrHoldNotFound, got %v", err)
	}
}

func TestReleaseHoldKeepsUnlapsedHoldActive(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	h := newHold("h1", model.BookingTypePrivate, 4)
	if err := s.CreateHold(ctx, h, 6, h.ExpiresAt.Add(15*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Expiring a hold whose deadline is still ahead must be refused, so a
	// sweep working from a stale listing cannot undo an extension.
	prev, released, err := s.ReleaseHold(ctx, "org-1", "h1", model.HoldStatusExpired, h.ExpiresAt.Add(-time.Minute))
	if err != nil || prev != model.HoldStatusActive || released {
		t.Fatalf("premature expire: prev=%s released=%t err=%v; want ACTIVE false", prev, released, err)
	}
	got, err := s.GetHold(ctx, "org-1", "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.HoldStatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}

	// Cancellation carries no deadline condition.
	prev, released, err = s.ReleaseHold(ctx, "org-1", "h1", model.HoldStatusCancelled, h.ExpiresAt.Add(-time.Minute))
	if err != nil || prev != model.HoldStatusActive || !released {
		t.Fatalf("cancel: prev=%s released=%t err=%v; want ACTIVE true", prev, released, err)
	}
}

func TestPurgeLapsedHonorsGraceAndPinning(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	grace := 15 * time.Minute

	// One private hold that will be confirmed, one that lapses.
	a := newHold("a", model.BookingTypePrivate, 4)
	if err := s.CreateHold(ctx, a, 6, a.ExpiresAt.Add(grace)); err != nil {
		t.Fatalf("create a: %v", err)
	}
	b := newHold("b", model.BookingTypePrivate, 4)
	b.StartAt = b.StartAt.Add(2 * time.Hour)
	b.EndAt = b.EndAt.Add(2 * time.Hour)
	if err := s.CreateHold(ctx, b, 6, b.ExpiresAt.Add(grace)); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := s.ConfirmHold(ctx, a, newBooking("bk-a", "a"), base.Add(time.Minute)); err != nil {
		t.Fatalf("confirm a: %v", err)
	}

	// Before the purge deadline the lapsed lock is untouched even though
	// the hold's own expiry has passed.
	if n, err := s.PurgeLapsed(ctx, b.ExpiresAt.Add(time.Minute)); err != nil || n != 0 {
		t.Fatalf("purge inside grace removed %d, %v; want 0", n, err)
	}
	// Past the deadline only b's ephemeral lock goes; a's permanent lock
	// has no deadline and survives any horizon.
	if n, err := s.PurgeLapsed(ctx, b.ExpiresAt.Add(grace).Add(time.Minute)); err != nil || n != 1 {
		t.Fatalf("purge past grace removed %d, %v; want 1", n, err)
	}
	if n, err := s.PurgeLapsed(ctx, base.Add(1000*time.Hour)); err != nil || n != 0 {
		t.Fatalf("purge far future removed %d, %v; want 0", n, err)
	}

	// a's slot is still locked.
	c := newHold("c", model.BookingTypePrivate, 2)
	if err := s.CreateHold(ctx, c, 6, c.ExpiresAt.Add(grace)); !errors.Is(err, engine.ErrSlotUnavailable) {
		t.Fatalf("hold on confirmed slot: want ErrSlotUnavailable, got %v", err)
	}
}

func TestExtendHoldMovesDeadlinesForwardOnly(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	h := newHold("h1", model.BookingTypePublic, 3)
	if err := s.CreateHold(ctx, h, 6, h.ExpiresAt.Add(15*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := h.ExpiresAt.Add(10 * time.Minute)
	if err := s.ExtendHold(ctx, "org-1", "h1", base, later, later.Add(15*time.Minute)); err != nil {
		t.Fatalf("extend: %v", err)
	}
	got, err := s.GetHold(ctx, "org-1", "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ExpiresAt.Equal(later) {
		t.Fatalf("expires_at = %s, want %s", got.ExpiresAt, later)
	}

	// An earlier deadline never rolls the hold back.
	earlier := h.ExpiresAt.Add(-5 * time.Minute)
	if err := s.ExtendHold(ctx, "org-1", "h1", base, earlier, earlier.Add(15*time.Minute)); err != nil {
		t.Fatalf("extend earlier: %v", err)
	}
	got, err = s.GetHold(ctx, "org-1", "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ExpiresAt.Equal(later) {
		t.Fatalf("expires_at rolled back to %s", got.ExpiresAt)
	}
}

func TestExtendHoldRejectsLapsedHold(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	h := newHold("h1", model.BookingTypePublic, 4)
	if err := s.CreateHold(ctx, h, 6, h.ExpiresAt.Add(15*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Once the deadline has passed the hold cannot be brought back, even
	// before any reaper pass; its counter may already be purged.
	now := h.ExpiresAt.Add(time.Second)
	later := now.Add(20 * time.Minute)
	if err := s.ExtendHold(ctx, "org-1", "h1", now, later, later.Add(15*time.Minute)); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("extend lapsed hold: want ErrHoldNotActive, got %v", err)
	}
	got, err := s.GetHold(ctx, "org-1", "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ExpiresAt.Equal(h.ExpiresAt) {
		t.Fatalf("expires_at moved to %s after rejected extend", got.ExpiresAt)
	}
}

func TestConfirmHoldRequiresActiveHold(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	h := newHold("h1", model.BookingTypePrivate, 4)
	if err := s.CreateHold(ctx, h, 6, h.ExpiresAt.Add(15*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.ReleaseHold(ctx, "org-1", "h1", model.HoldStatusExpired, h.ExpiresAt); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ConfirmHold(ctx, h, newBooking("bk-1", "h1"), base.Add(time.Minute)); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("confirm expired hold: want ErrHoldNotActive, got %v", err)
	}
	if _, err := s.GetBooking(ctx, "org-1", "bk-1"); !errors.Is(err, engine.ErrBookingNotFound) {
		t.Fatalf("booking must not exist after failed confirm, got %v", err)
	}
}

func TestCreateHoldReclaimsLapsedSlot(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	stale := newHold("stale", model.BookingTypePrivate, 4)
	if err := s.CreateHold(ctx, stale, 6, stale.ExpiresAt.Add(15*time.Minute)); err != nil {
		t.Fatalf("create stale: %v", err)
	}

	// A later attempt for the same slot arrives after the first hold's
	// expiry but before any reaper pass.  The allocation itself expires
	// the stale hold and takes the slot.
	fresh := newHold("fresh", model.BookingTypePrivate, 2)
	fresh.CreatedAt = stale.ExpiresAt.Add(time.Second)
	fresh.ExpiresAt = fresh.CreatedAt.Add(10 * time.Minute)
	if err := s.CreateHold(ctx, fresh, 6, fresh.ExpiresAt.Add(15*time.Minute)); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	got, err := s.GetHold(ctx, "org-1", "stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if got.Status != model.HoldStatusExpired {
		t.Fatalf("stale hold status = %s, want EXPIRED", got.Status)
	}
}
