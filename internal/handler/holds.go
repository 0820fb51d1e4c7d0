package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/model"
	"github.com/escaperoomhq/booking/internal/queue"
	queue_publisher "github.com/escaperoomhq/booking/internal/service"
)

// HoldHandler exposes the hold lifecycle over HTTP.  Every route reads the
// org id from the verified access token, never from the request body, so a
// client can only ever touch its own tenant's holds.
type HoldHandler struct {
	Engine *engine.Engine
	// PublishEvents toggles the post-confirm broker publish.  Disabled in
	// tests so they do not need a running broker.
	PublishEvents bool
}

func NewHoldHandler(e *engine.Engine, publish bool) *HoldHandler {
	return &HoldHandler{Engine: e, PublishEvents: publish}
}

// ----- DTOs -----

type createHoldReq struct {
	GameID      string          `json:"game_id"`
	RoomID      string          `json:"room_id"`
	StartAt     time.Time       `json:"start_at"`
	EndAt       time.Time       `json:"end_at"`
	BookingType string          `json:"booking_type"` // PRIVATE | PUBLIC
	Players     int             `json:"players"`
	TTLSeconds  int             `json:"ttl_seconds"`
	Quote       json.RawMessage `json:"quote,omitempty"`
	Customer    json.RawMessage `json:"customer,omitempty"`
}

type extendHoldReq struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type confirmHoldReq struct {
	Payment json.RawMessage `json:"payment,omitempty"`
}

type holdResp struct {
	ID          string     `json:"id"`
	GameID      string     `json:"game_id"`
	RoomID      string     `json:"room_id"`
	StartAt     time.Time  `json:"start_at"`
	EndAt       time.Time  `json:"end_at"`
	BookingType string     `json:"booking_type"`
	Players     int        `json:"players"`
	Status      string     `json:"status"`
	ExpiresAt   time.Time  `json:"expires_at"`
	BookingID   *string    `json:"booking_id,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

type bookingResp struct {
	ID          string          `json:"id"`
	HoldID      *string         `json:"hold_id,omitempty"`
	GameID      string          `json:"game_id"`
	RoomID      string          `json:"room_id"`
	StartAt     time.Time       `json:"start_at"`
	EndAt       time.Time       `json:"end_at"`
	BookingType string          `json:"booking_type"`
	Players     int             `json:"players"`
	Status      string          `json:"status"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
	Quote       json.RawMessage `json:"quote,omitempty"`
	Customer    json.RawMessage `json:"customer,omitempty"`
}

func toHoldResp(h *model.Hold) holdResp {
	return holdResp{
		ID:          h.ID,
		GameID:      h.GameID,
		RoomID:      h.RoomID,
		StartAt:     h.StartAt,
		EndAt:       h.EndAt,
		BookingType: string(h.BookingType),
		Players:     h.Players,
		Status:      string(h.Status),
		ExpiresAt:   h.ExpiresAt,
		BookingID:   h.BookingID,
		ConfirmedAt: h.ConfirmedAt,
	}
}

func toBookingResp(b *model.Booking) bookingResp {
	return bookingResp{
		ID:          b.ID,
		HoldID:      b.HoldID,
		GameID:      b.GameID,
		RoomID:      b.RoomID,
		StartAt:     b.StartAt,
		EndAt:       b.EndAt,
		BookingType: string(b.BookingType),
		Players:     b.Players,
		Status:      string(b.Status),
		ConfirmedAt: b.CreatedAt, // bookings are created at confirm time
		Quote:       b.Quote,
		Customer:    b.Customer,
	}
}

// engineError maps engine sentinels to HTTP responses.  Conflicts over a
// slot are 409 so callers can distinguish "taken" from their own bad input.
func engineError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, engine.ErrSlotUnavailable):
		return c.JSON(http.StatusConflict, echo.Map{"error": "slot unavailable"})
	case errors.Is(err, engine.ErrCapacityExceeded):
		return c.JSON(http.StatusConflict, echo.Map{"error": "capacity exceeded"})
	case errors.Is(err, engine.ErrHoldNotActive):
		return c.JSON(http.StatusConflict, echo.Map{"error": "hold is not active"})
	case errors.Is(err, engine.ErrHoldNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "hold not found"})
	case errors.Is(err, engine.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	case errors.Is(err, engine.ErrStorageConflict):
		// transient; the client should retry
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage conflict, retry"})
	default:
		log.Printf("holds: unexpected error: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

// Create places a new hold on a slot.
func (h *HoldHandler) Create(c echo.Context) error {
	orgID, _ := c.Get("org_id").(string)
	var req createHoldReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	hold, err := h.Engine.CreateHold(ctx, engine.CreateHoldRequest{
		OrgID:       orgID,
		GameID:      strings.TrimSpace(req.GameID),
		RoomID:      strings.TrimSpace(req.RoomID),
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		BookingType: model.BookingType(strings.ToUpper(strings.TrimSpace(req.BookingType))),
		Players:     req.Players,
		TTLSeconds:  req.TTLSeconds,
		Quote:       req.Quote,
		Customer:    req.Customer,
	})
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusCreated, toHoldResp(hold))
}

// Get returns a single hold.
func (h *HoldHandler) Get(c echo.Context) error {
	orgID, _ := c.Get("org_id").(string)
	holdID := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	hold, err := h.Engine.GetHold(ctx, orgID, holdID)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, toHoldResp(hold))
}

// Extend pushes the expiry of an active hold further into the future.
func (h *HoldHandler) Extend(c echo.Context) error {
	orgID, _ := c.Get("org_id").(string)
	holdID := c.Param("id")
	var req extendHoldReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Engine.ExtendHold(ctx, orgID, holdID, req.ExpiresAt); err != nil {
		return engineError(c, err)
	}
	hold, err := h.Engine.GetHold(ctx, orgID, holdID)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, toHoldResp(hold))
}

// Cancel releases an active hold.  Repeat cancels are a no-op success.
func (h *HoldHandler) Cancel(c echo.Context) error {
	orgID, _ := c.Get("org_id").(string)
	holdID := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Engine.CancelHold(ctx, orgID, holdID); err != nil {
		return engineError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Confirm turns a hold into a booking.  Safe to retry: a repeat call for an
// already-confirmed hold returns the same booking with 200 instead of 201,
// and the confirmation event is published only for the call that created
// the booking.
func (h *HoldHandler) Confirm(c echo.Context) error {
	orgID, _ := c.Get("org_id").(string)
	holdID := c.Param("id")
	var req confirmHoldReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	booking, created, err := h.Engine.ConfirmHold(ctx, orgID, holdID, req.Payment)
	if err != nil {
		return engineError(c, err)
	}

	if created && h.PublishEvents {
		ev := queue.BookingConfirmedEvent{
			BookingID:   booking.ID,
			HoldID:      holdID,
			OrgID:       orgID,
			GameID:      booking.GameID,
			RoomID:      booking.RoomID,
			BookingType: string(booking.BookingType),
			Players:     booking.Players,
			StartsAt:    booking.StartAt.UTC().Format(time.RFC3339),
			EndsAt:      booking.EndAt.UTC().Format(time.RFC3339),
			ConfirmedAt: booking.CreatedAt.UTC().Format(time.RFC3339),
		}
		// Best effort off the request path.
		go func() {
			pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer pcancel()
			_ = queue_publisher.PublishBookingConfirmed(pctx, ev)
		}()
	}

	if created {
		return c.JSON(http.StatusCreated, toBookingResp(booking))
	}
	return c.JSON(http.StatusOK, toBookingResp(booking))
}

// GetBooking returns a confirmed booking by id.
func (h *HoldHandler) GetBooking(c echo.Context) error {
	orgID, _ := c.Get("org_id").(string)
	bookingID := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	booking, err := h.Engine.GetBooking(ctx, orgID, bookingID)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, toBookingResp(booking))
}
