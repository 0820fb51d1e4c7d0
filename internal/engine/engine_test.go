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

const (
	testOrg  = "org-1"
	testGame = "game-1"
	testRoom = "room-1"
)

// fakeClock is a mutable time source shared between the test and the
// engine under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubCatalog struct {
	info *model.RoomSlotInfo
	err  error
}

func (c *stubCatalog) RoomSlotInfo(ctx context.Context, orgID, gameID, roomID string) (*model.RoomSlotInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.info, nil
}

func allDayHours() []model.OpeningWindow {
	hours := make([]model.OpeningWindow, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		hours = append(hours, model.OpeningWindow{Weekday: d, OpenMins: 0, CloseMins: 1440})
	}
	return hours
}

func testInfo() *model.RoomSlotInfo {
	return &model.RoomSlotInfo{
		Room: model.Room{
			ID: testRoom, OrgID: testOrg, GameID: testGame,
			Name: "The Vault", MaxPlayers: 6, Enabled: true,
		},
		Game: model.Game{
			ID: testGame, OrgID: testOrg, Name: "The Vault",
			MinPlayers: 1, MaxPlayers: 6, AllowPrivate: true, AllowPublic: true,
		},
		Hours: allDayHours(),
	}
}

// newTestEngine wires an engine to the in-memory store, a stub catalog and
// a controllable clock.
func newTestEngine(info *model.RoomSlotInfo, opts ...engine.Option) (*engine.Engine, *memory.Store, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	st := memory.New()
	opts = append([]engine.Option{engine.WithClock(clk.Now)}, opts...)
	return engine.New(st, &stubCatalog{info: info}, opts...), st, clk
}

func baseRequest() engine.CreateHoldRequest {
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	return engine.CreateHoldRequest{
		OrgID:       testOrg,
		GameID:      testGame,
		RoomID:      testRoom,
		StartAt:     start,
		EndAt:       start.Add(time.Hour),
		BookingType: model.BookingTypePrivate,
		Players:     4,
		TTLSeconds:  600,
	}
}

func TestCreateHoldPrivateExclusive(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.CreateHold(ctx, baseRequest())
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrSlotUnavailable):
		default:
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly 1 winner, got %d", wins)
	}
}

func TestCreateHoldPublicCapacityBound(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	// Room holds 6; six concurrent parties of 2 means at most 3 can win.
	const attempts = 6
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := baseRequest()
			req.BookingType = model.BookingTypePublic
			req.Players = 2
			_, errs[i] = eng.CreateHold(ctx, req)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrCapacityExceeded):
		default:
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if wins != 3 {
		t.Fatalf("want exactly 3 winners on a 6-seat room, got %d", wins)
	}
}

func TestCreateHoldPublicScenario(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	hold := func(players int) (*model.Hold, error) {
		req := baseRequest()
		req.BookingType = model.BookingTypePublic
		req.Players = players
		return eng.CreateHold(ctx, req)
	}

	a, err := hold(4)
	if err != nil {
		t.Fatalf("hold of 4 on empty room: %v", err)
	}
	if _, err := hold(3); !errors.Is(err, engine.ErrCapacityExceeded) {
		t.Fatalf("hold of 3 with 4 used: want ErrCapacityExceeded, got %v", err)
	}
	if _, err := hold(2); err != nil {
		t.Fatalf("hold of 2 with 4 used: %v", err)
	}
	if _, err := hold(1); !errors.Is(err, engine.ErrCapacityExceeded) {
		t.Fatalf("hold of 1 on full room: want ErrCapacityExceeded, got %v", err)
	}

	// Cancelling the 4-player hold frees its share immediately.
	if err := eng.CancelHold(ctx, testOrg, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := hold(3); err != nil {
		t.Fatalf("hold of 3 after cancel: %v", err)
	}
}

func TestFailedCreateLeavesNoPartialState(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	req := baseRequest()
	req.BookingType = model.BookingTypePublic
	req.Players = 4
	if _, err := eng.CreateHold(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	before, err := eng.CountActiveHolds(ctx, testOrg)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	// This attempt loses on capacity and must leave no trace behind.
	req.Players = 3
	if _, err := eng.CreateHold(ctx, req); !errors.Is(err, engine.ErrCapacityExceeded) {
		t.Fatalf("want ErrCapacityExceeded, got %v", err)
	}

	after, err := eng.CountActiveHolds(ctx, testOrg)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if after != before {
		t.Fatalf("active holds changed %d -> %d after a failed create", before, after)
	}
	// The counter still reads 4 used: a party of 2 fits exactly.
	req.Players = 2
	if _, err := eng.CreateHold(ctx, req); err != nil {
		t.Fatalf("hold of 2 after failed attempt: %v", err)
	}
}

func TestCreateHoldValidation(t *testing.T) {
	t.Parallel()
	start := baseRequest().StartAt

	cases := []struct {
		name   string
		mutate func(*engine.CreateHoldRequest)
		info   func(*model.RoomSlotInfo)
	}{
		{name: "zero players", mutate: func(r *engine.CreateHoldRequest) { r.Players = 0 }},
		{name: "zero ttl", mutate: func(r *engine.CreateHoldRequest) { r.TTLSeconds = 0 }},
		{name: "ttl over cap", mutate: func(r *engine.CreateHoldRequest) { r.TTLSeconds = 7200 }},
		{name: "unknown type", mutate: func(r *engine.CreateHoldRequest) { r.BookingType = "SHARED" }},
		{name: "end before start", mutate: func(r *engine.CreateHoldRequest) { r.EndAt = start.Add(-time.Hour) }},
		{name: "players over game max", mutate: func(r *engine.CreateHoldRequest) { r.Players = 7 }},
		{name: "missing room id", mutate: func(r *engine.CreateHoldRequest) { r.RoomID = "" }},
		{
			name:   "outside opening hours",
			mutate: func(r *engine.CreateHoldRequest) {},
			info: func(i *model.RoomSlotInfo) {
				i.Hours = []model.OpeningWindow{{Weekday: start.Weekday(), OpenMins: 9 * 60, CloseMins: 12 * 60}}
			},
		},
		{
			name:   "disabled room",
			mutate: func(r *engine.CreateHoldRequest) {},
			info:   func(i *model.RoomSlotInfo) { i.Room.Enabled = false },
		},
		{
			name:   "private not offered",
			mutate: func(r *engine.CreateHoldRequest) {},
			info:   func(i *model.RoomSlotInfo) { i.Game.AllowPrivate = false },
		},
		{
			name: "public players over room capacity",
			mutate: func(r *engine.CreateHoldRequest) {
				r.BookingType = model.BookingTypePublic
				r.Players = 5
			},
			info: func(i *model.RoomSlotInfo) {
				i.Room.MaxPlayers = 4
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			info := testInfo()
			if tc.info != nil {
				tc.info(info)
			}
			eng, _, _ := newTestEngine(info)
			req := baseRequest()
			tc.mutate(&req)
			if _, err := eng.CreateHold(context.Background(), req); !errors.Is(err, engine.ErrInvalidRequest) {
				t.Fatalf("want ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestConfirmHoldIdempotent(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, created, err := eng.ConfirmHold(ctx, testOrg, h.ID, []byte(`{"status":"captured"}`))
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if !created {
		t.Fatal("first confirm did not report the booking as created")
	}
	second, created, err := eng.ConfirmHold(ctx, testOrg, h.ID, []byte(`{"status":"captured"}`))
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if created {
		t.Fatal("repeat confirm reported the booking as created again")
	}
	if first.ID != second.ID {
		t.Fatalf("repeat confirm produced a different booking: %s vs %s", first.ID, second.ID)
	}
	if second.HoldID == nil || *second.HoldID != h.ID {
		t.Fatalf("booking not linked to hold %s", h.ID)
	}

	got, err := eng.GetHold(ctx, testOrg, h.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if got.Status != model.HoldStatusConfirmed {
		t.Fatalf("hold status = %s, want CONFIRMED", got.Status)
	}
}

func TestConfirmHoldConcurrent(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	bookings := make([]*model.Booking, attempts)
	createds := make([]bool, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bookings[i], createds[i], errs[i] = eng.ConfirmHold(ctx, testOrg, h.ID, nil)
		}(i)
	}
	wg.Wait()

	var id string
	winners := 0
	for i := 0; i < attempts; i++ {
		if errs[i] != nil {
			t.Fatalf("confirm %d: %v", i, errs[i])
		}
		if createds[i] {
			winners++
		}
		if id == "" {
			id = bookings[i].ID
		} else if bookings[i].ID != id {
			t.Fatalf("confirm %d returned booking %s, want %s", i, bookings[i].ID, id)
		}
	}
	if winners != 1 {
		t.Fatalf("%d confirms reported creating the booking, want exactly 1", winners)
	}
}

func TestConfirmExpiredHold(t *testing.T) {
	t.Parallel()
	eng, _, clk := newTestEngine(testInfo())
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(11 * time.Minute) // past the 600s TTL

	if _, _, err := eng.ConfirmHold(ctx, testOrg, h.ID, nil); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("confirm lapsed hold: want ErrHoldNotActive, got %v", err)
	}
	got, err := eng.GetHold(ctx, testOrg, h.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if got.Status != model.HoldStatusExpired {
		t.Fatalf("hold status = %s, want EXPIRED", got.Status)
	}

	// The slot is free again for the next caller.
	if _, err := eng.CreateHold(ctx, baseRequest()); err != nil {
		t.Fatalf("rehold after expiry: %v", err)
	}
}

func TestCancelHold(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.CancelHold(ctx, testOrg, h.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Repeat cancel is an idempotent success.
	if err := eng.CancelHold(ctx, testOrg, h.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if _, _, err := eng.ConfirmHold(ctx, testOrg, h.ID, nil); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("confirm cancelled hold: want ErrHoldNotActive, got %v", err)
	}
	// The slot is free for the next private party.
	if _, err := eng.CreateHold(ctx, baseRequest()); err != nil {
		t.Fatalf("rehold after cancel: %v", err)
	}

	if err := eng.CancelHold(ctx, testOrg, "no-such-hold"); !errors.Is(err, engine.ErrHoldNotFound) {
		t.Fatalf("cancel unknown hold: want ErrHoldNotFound, got %v", err)
	}
}

func TestCancelConfirmedHold(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := eng.ConfirmHold(ctx, testOrg, h.ID, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := eng.CancelHold(ctx, testOrg, h.ID); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("cancel confirmed hold: want ErrHoldNotActive, got %v", err)
	}
}

func TestExtendHold(t *testing.T) {
	t.Parallel()
	eng, _, clk := newTestEngine(testInfo())
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := clk.Now().Add(20 * time.Minute)
	if err := eng.ExtendHold(ctx, testOrg, h.ID, next); err != nil {
		t.Fatalf("extend: %v", err)
	}
	got, err := eng.GetHold(ctx, testOrg, h.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if !got.ExpiresAt.Equal(next) {
		t.Fatalf("expires_at = %s, want %s", got.ExpiresAt, next)
	}

	if err := eng.ExtendHold(ctx, testOrg, h.ID, clk.Now().Add(-time.Minute)); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("extend into the past: want ErrInvalidRequest, got %v", err)
	}
	if err := eng.ExtendHold(ctx, testOrg, h.ID, clk.Now().Add(2*time.Hour)); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("extend past max ttl: want ErrInvalidRequest, got %v", err)
	}

	if err := eng.CancelHold(ctx, testOrg, h.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := eng.ExtendHold(ctx, testOrg, h.ID, clk.Now().Add(10*time.Minute)); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("extend cancelled hold: want ErrHoldNotActive, got %v", err)
	}
}

func TestExtendHoldAfterLapse(t *testing.T) {
	t.Parallel()
	eng, st, clk := newTestEngine(testInfo())
	ctx := context.Background()

	req := baseRequest()
	req.BookingType = model.BookingTypePublic
	h, err := eng.CreateHold(ctx, req) // 4 players, 600s TTL
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Let the hold lapse past its purge grace and run the backstop, which
	// removes the slot's capacity counter.
	clk.Advance(30 * time.Minute)
	if _, err := st.PurgeLapsed(ctx, clk.Now()); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if err := eng.ExtendHold(ctx, testOrg, h.ID, clk.Now().Add(20*time.Minute)); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("extend lapsed hold: want ErrHoldNotActive, got %v", err)
	}
	if _, _, err := eng.ConfirmHold(ctx, testOrg, h.ID, nil); !errors.Is(err, engine.ErrHoldNotActive) {
		t.Fatalf("confirm lapsed hold: want ErrHoldNotActive, got %v", err)
	}

	// The lapsed players no longer count against the slot, so a full group
	// fits and confirms without exceeding the room.
	full := baseRequest()
	full.BookingType = model.BookingTypePublic
	full.Players = 6
	nh, err := eng.CreateHold(ctx, full)
	if err != nil {
		t.Fatalf("hold after purge: %v", err)
	}
	if _, created, err := eng.ConfirmHold(ctx, testOrg, nh.ID, nil); err != nil || !created {
		t.Fatalf("confirm after purge: created=%t err=%v", created, err)
	}
}

func TestHoldsAreOrgScoped(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine(testInfo())
	ctx := context.Background()

	h, err := eng.CreateHold(ctx, baseRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.GetHold(ctx, "other-org", h.ID); !errors.Is(err, engine.ErrHoldNotFound) {
		t.Fatalf("cross-org get: want ErrHoldNotFound, got %v", err)
	}
	if err := eng.CancelHold(ctx, "other-org", h.ID); !errors.Is(err, engine.ErrHoldNotFound) {
		t.Fatalf("cross-org cancel: want ErrHoldNotFound, got %v", err)
	}
	if _, _, err := eng.ConfirmHold(ctx, "other-org", h.ID, nil); !errors.Is(err, engine.ErrHoldNotFound) {
		t.Fatalf("cross-org confirm: want ErrHoldNotFound, got %v", err)
	}
}
