package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/model"
	"github.com/escaperoomhq/booking/internal/store/memory"
)

func TestSweepExpiresLapsedHolds(t *testing.T) {
	t.Parallel()
	eng, _, clk := newTestEngine(testInfo())
	ctx := context.Background()

	// Three private holds on distinct slots, one public hold.
	ids := make([]string, 0, 4)
	for i := 0; i < 3; i++ {
		req := baseRequest()
		req.StartAt = req.StartAt.Add(time.Duration(i) * 2 * time.Hour)
		req.EndAt = req.StartAt.Add(time.Hour)
		h, err := eng.CreateHold(ctx, req)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, h.ID)
	}
	pub := baseRequest()
	pub.BookingType = model.BookingTypePublic
	pub.Players = 2
	pub.StartAt = pub.StartAt.Add(8 * time.Hour)
	pub.EndAt = pub.StartAt.Add(time.Hour)
	h, err := eng.CreateHold(ctx, pub)
	if err != nil {
		t.Fatalf("create public: %v", err)
	}
	ids = append(ids, h.ID)

	if n, err := eng.CountActiveHolds(ctx, testOrg); err != nil || n != 4 {
		t.Fatalf("active holds = %d, %v; want 4", n, err)
	}

	// Nothing has lapsed yet; the sweep is a no-op.
	if n, err := eng.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep expired %d, %v; want 0", n, err)
	}

	clk.Advance(11 * time.Minute)
	n, err := eng.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 4 {
		t.Fatalf("sweep expired %d holds, want 4", n)
	}

	for _, id := range ids {
		got, err := eng.GetHold(ctx, testOrg, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != model.HoldStatusExpired {
			t.Fatalf("hold %s status = %s, want EXPIRED", id, got.Status)
		}
	}
	if n, err := eng.CountActiveHolds(ctx, testOrg); err != nil || n != 0 {
		t.Fatalf("active holds after sweep = %d, %v; want 0", n, err)
	}

	// A second sweep finds nothing left.
	if n, err := eng.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("repeat sweep expired %d, %v; want 0", n, err)
	}
}

func TestSweepFreesSlotsForNewHolds(t *testing.T) {
	t.Parallel()
	eng, _, clk := newTestEngine(testInfo())
	ctx := context.Background()

	if _, err := eng.CreateHold(ctx, baseRequest()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreateHold(ctx, baseRequest()); !errors.Is(err, engine.ErrSlotUnavailable) {
		t.Fatalf("second hold on held slot: want ErrSlotUnavailable, got %v", err)
	}

	clk.Advance(11 * time.Minute)
	if _, err := eng.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := eng.CreateHold(ctx, baseRequest()); err != nil {
		t.Fatalf("rehold after sweep: %v", err)
	}
}

func TestSweepKeepsConfirmedReservations(t *testing.T) {
	t.Parallel()
	eng, _, clk := newTestEngine(testInfo())
	ctx := context.Background()

	// Confirm a private hold, then let its nominal expiry and grace lapse
	// by a wide margin before sweeping.
	priv, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create private: %v", err)
	}
	if _, _, err := eng.ConfirmHold(ctx, testOrg, priv.ID, nil); err != nil {
		t.Fatalf("confirm private: %v", err)
	}

	pub := baseRequest()
	pub.BookingType = model.BookingTypePublic
	pub.Players = 4
	pub.StartAt = pub.StartAt.Add(2 * time.Hour)
	pub.EndAt = pub.StartAt.Add(time.Hour)
	ph, err := eng.CreateHold(ctx, pub)
	if err != nil {
		t.Fatalf("create public: %v", err)
	}
	if _, _, err := eng.ConfirmHold(ctx, testOrg, ph.ID, nil); err != nil {
		t.Fatalf("confirm public: %v", err)
	}

	clk.Advance(24 * time.Hour)
	if _, err := eng.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// The private slot stays taken by the permanent lock.
	if _, err := eng.CreateHold(ctx, baseRequest()); !errors.Is(err, engine.ErrSlotUnavailable) {
		t.Fatalf("hold on confirmed slot: want ErrSlotUnavailable, got %v", err)
	}

	// The confirmed public capacity is still counted: 4 used out of 6, so
	// a party of 3 does not fit but a party of 2 does.
	try := func(players int) error {
		req := pub
		req.Players = players
		_, err := eng.CreateHold(ctx, req)
		return err
	}
	if err := try(3); !errors.Is(err, engine.ErrCapacityExceeded) {
		t.Fatalf("hold of 3 beside confirmed 4: want ErrCapacityExceeded, got %v", err)
	}
	if err := try(2); err != nil {
		t.Fatalf("hold of 2 beside confirmed 4: %v", err)
	}
}

func TestSweepReleasesExpiredShareOfMixedCounter(t *testing.T) {
	t.Parallel()
	eng, _, clk := newTestEngine(testInfo())
	ctx := context.Background()

	hold := func(players int) (*model.Hold, error) {
		req := baseRequest()
		req.BookingType = model.BookingTypePublic
		req.Players = players
		return eng.CreateHold(ctx, req)
	}

	confirmed, err := hold(2)
	if err != nil {
		t.Fatalf("create confirmed party: %v", err)
	}
	if _, _, err := eng.ConfirmHold(ctx, testOrg, confirmed.ID, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := hold(4); err != nil {
		t.Fatalf("create lapsing party: %v", err)
	}

	clk.Advance(11 * time.Minute)
	if _, err := eng.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// Only the confirmed 2 remain; a party of 4 fits again, 5 does not.
	if _, err := hold(5); !errors.Is(err, engine.ErrCapacityExceeded) {
		t.Fatalf("hold of 5 beside confirmed 2: want ErrCapacityExceeded, got %v", err)
	}
	if _, err := hold(4); err != nil {
		t.Fatalf("hold of 4 beside confirmed 2: %v", err)
	}
}

// extendDuringListStore pushes one hold's deadline forward right after the
// sweep has listed it, standing in for an extension arriving from a node
// whose clock trails the sweeper's.
type extendDuringListStore struct {
	*memory.Store
	org, holdID                      string
	extendNow, extendTo, extendPurge time.Time
	once                             sync.Once
}

func (s *extendDuringListStore) LapsedHolds(ctx context.Context, now time.Time, limit int) ([]model.HoldRef, error) {
	refs, err := s.Store.LapsedHolds(ctx, now, limit)
	if err == nil && len(refs) > 0 {
		s.once.Do(func() {
			_ = s.Store.ExtendHold(ctx, s.org, s.holdID, s.extendNow, s.extendTo, s.extendPurge)
		})
	}
	return refs, err
}

func TestSweepSkipsHoldExtendedMidSweep(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	ws := &extendDuringListStore{Store: memory.New()}
	eng := engine.New(ws, &stubCatalog{info: testInfo()}, engine.WithClock(clk.Now))
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ws.org = testOrg
	ws.holdID = h.ID
	ws.extendNow = clk.Now() // a moment at which the hold had not lapsed
	ws.extendTo = clk.Now().Add(25 * time.Minute)
	ws.extendPurge = ws.extendTo.Add(15 * time.Minute)

	clk.Advance(11 * time.Minute)
	n, err := eng.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("sweep expired %d holds, want 0", n)
	}

	got, err := eng.GetHold(ctx, testOrg, h.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if got.Status != model.HoldStatusActive {
		t.Fatalf("hold status = %s, want ACTIVE", got.Status)
	}
	if !got.ExpiresAt.Equal(ws.extendTo) {
		t.Fatalf("expires_at = %s, want %s", got.ExpiresAt, ws.extendTo)
	}

	// The slot is still taken by the surviving hold.
	if _, err := eng.CreateHold(ctx, baseRequest()); !errors.Is(err, engine.ErrSlotUnavailable) {
		t.Fatalf("hold on extended slot: want ErrSlotUnavailable, got %v", err)
	}
}
