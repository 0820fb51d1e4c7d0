package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/model"
)

// ConfirmHold implements engine.Store.  One transaction inserts the
// booking, promotes the ephemeral slot lock (private) or pins the capacity
// counter (public), and marks the hold CONFIRMED.  Every step is
// conditioned: the hold must still be ACTIVE under its row lock, the
// bookings table carries a unique key on hold_id, and the lock promotion
// matches only the ephemeral lock owned by this hold.  A pathological
// double-confirm therefore aborts instead of selling the slot twice.
func (s *Store) ConfirmHold(ctx context.Context, hold *model.Hold, booking *model.Booking, confirmedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT status FROM holds WHERE org_id = ? AND id = ? FOR UPDATE`
		var status string
		err := tx.QueryRowContext(ctx, sel, hold.OrgID, hold.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.ErrHoldNotFound
		}
		if err != nil {
			return mapErr(err)
		}
		if model.HoldStatus(status) != model.HoldStatusActive {
			return engine.ErrHoldNotActive
		}

		const ins = `INSERT INTO bookings
		             (id, org_id, hold_id, game_id, room_id, start_at, end_at, booking_type,
		              players, status, payment, quote, customer, created_at)
		             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'CONFIRMED', ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins,
			booking.ID, booking.OrgID, booking.HoldID, booking.GameID, booking.RoomID,
			utc(booking.StartAt), utc(booking.EndAt), string(booking.BookingType),
			booking.Players, nullJSON(booking.Payment), nullJSON(booking.Quote),
			nullJSON(booking.Customer), utc(booking.CreatedAt)); err != nil {
			if isDup(err) {
				return engine.ErrStorageConflict
			}
			return mapErr(err)
		}

		switch hold.BookingType {
		case model.BookingTypePrivate:
			const promote = `UPDATE slot_locks
			                 SET kind = 'PERMANENT', purge_at = NULL, booking_id = ?
			                 WHERE org_id = ? AND room_id = ? AND start_at = ?
			                   AND kind = 'EPHEMERAL' AND hold_id = ?`
			res, err := tx.ExecContext(ctx, promote,
				booking.ID, hold.OrgID, hold.RoomID, utc(hold.StartAt), hold.ID)
			if err != nil {
				return mapErr(err)
			}
			if n, err := res.RowsAffected(); err != nil || n != 1 {
				return engine.ErrStorageConflict
			}
		case model.BookingTypePublic:
			// The players were counted at hold creation; only the purge
			// deadline changes, so the backstop can never drop confirmed
			// capacity.
			const pin = `UPDATE capacity_counters SET purge_at = NULL
			             WHERE org_id = ? AND room_id = ? AND start_at = ?`
			if _, err := tx.ExecContext(ctx, pin, hold.OrgID, hold.RoomID, utc(hold.StartAt)); err != nil {
				return mapErr(err)
			}
		}

		const upd = `UPDATE holds SET status = 'CONFIRMED', confirmed_at = ?, booking_id = ?
		             WHERE org_id = ? AND id = ? AND status = 'ACTIVE'`
		res, err := tx.ExecContext(ctx, upd, utc(confirmedAt), booking.ID, hold.OrgID, hold.ID)
		if err != nil {
			return mapErr(err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return engine.ErrStorageConflict
		}
		return nil
	})
}

// GetBooking implements engine.Store.
func (s *Store) GetBooking(ctx context.Context, orgID, bookingID string) (*model.Booking, error) {
	const q = `SELECT id, org_id, hold_id, game_id, room_id, start_at, end_at, booking_type,
	                  players, status, payment, quote, customer, created_at
	           FROM bookings WHERE org_id = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, q, orgID, bookingID)
	var b model.Booking
	var holdID sql.NullString
	var btype, status string
	var payment, quote, customer sql.NullString
	err := row.Scan(&b.ID, &b.OrgID, &holdID, &b.GameID, &b.RoomID, &b.StartAt, &b.EndAt,
		&btype, &b.Players, &status, &payment, &quote, &customer, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrBookingNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if holdID.Valid {
		h := holdID.String
		b.HoldID = &h
	}
	b.BookingType = model.BookingType(btype)
	b.Status = model.BookingStatus(status)
	b.Payment = rawJSON(payment)
	b.Quote = rawJSON(quote)
	b.Customer = rawJSON(customer)
	return &b, nil
}

// scanHold reads one holds row.
func scanHold(row *sql.Row) (*model.Hold, error) {
	var h model.Hold
	var btype, status string
	var confirmedAt sql.NullTime
	var bookingID sql.NullString
	var quote, customer sql.NullString
	err := row.Scan(&h.ID, &h.OrgID, &h.GameID, &h.RoomID, &h.StartAt, &h.EndAt,
		&btype, &h.Players, &status, &h.ExpiresAt, &confirmedAt, &bookingID,
		&quote, &customer, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	h.BookingType = model.BookingType(btype)
	h.Status = model.HoldStatus(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		h.ConfirmedAt = &t
	}
	if bookingID.Valid {
		id := bookingID.String
		h.BookingID = &id
	}
	h.Quote = rawJSON(quote)
	h.Customer = rawJSON(customer)
	return &h, nil
}

// nullJSON converts an opaque payload to a driver value, storing NULL for
// an absent payload instead of an empty string.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}
