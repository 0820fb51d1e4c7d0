package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/model"
)

// CreateHold implements engine.Store.  The transaction first expires any
// lapsed ACTIVE holds for the same slot (so a stalled reaper cannot block a
// slot forever), then allocates the slot lock or capacity share and inserts
// the hold.  A failure at any step rolls back the whole transaction, so a
// failed attempt never leaves an orphaned lock or a partial increment.
func (s *Store) CreateHold(ctx context.Context, hold *model.Hold, maxPlayers int, purgeAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.expireLapsedSlotTx(ctx, tx, hold.OrgID, hold.RoomID, hold.StartAt, hold.CreatedAt); err != nil {
			return mapErr(err)
		}
		switch hold.BookingType {
		case model.BookingTypePrivate:
			if err := s.insertSlotLockTx(ctx, tx, hold, purgeAt); err != nil {
				return err
			}
		case model.BookingTypePublic:
			if err := s.reserveCapacityTx(ctx, tx, hold, maxPlayers, purgeAt); err != nil {
				return err
			}
		default:
			return engine.ErrInvalidRequest
		}
		return s.insertHoldTx(ctx, tx, hold)
	})
}

// insertSlotLockTx claims the slot for a private hold.  The unique key on
// (org_id, room_id, start_at) is the exclusivity condition: a duplicate
// entry means an ephemeral or permanent lock already owns the slot.
func (s *Store) insertSlotLockTx(ctx context.Context, tx *sql.Tx, hold *model.Hold, purgeAt time.Time) error {
	const q = `INSERT INTO slot_locks (org_id, room_id, start_at, kind, hold_id, purge_at)
	           VALUES (?, ?, ?, 'EPHEMERAL', ?, ?)`
	_, err := tx.ExecContext(ctx, q, hold.OrgID, hold.RoomID, utc(hold.StartAt), hold.ID, utc(purgeAt))
	if isDup(err) {
		return engine.ErrSlotUnavailable
	}
	return mapErr(err)
}

// reserveCapacityTx adds the hold's players to the slot counter, creating
// it when absent.  The ceiling check runs under FOR UPDATE so concurrent
// reservations for the same slot serialize; a competing insert of a brand
// new counter row surfaces as a duplicate key and is reported as a
// retryable conflict.
func (s *Store) reserveCapacityTx(ctx context.Context, tx *sql.Tx, hold *model.Hold, maxPlayers int, purgeAt time.Time) error {
	const sel = `SELECT used_players, max_players FROM capacity_counters
	             WHERE org_id = ? AND room_id = ? AND start_at = ? FOR UPDATE`
	var used, maxP int
	err := tx.QueryRowContext(ctx, sel, hold.OrgID, hold.RoomID, utc(hold.StartAt)).Scan(&used, &maxP)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if hold.Players > maxPlayers {
			return engine.ErrCapacityExceeded
		}
		const ins = `INSERT INTO capacity_counters (org_id, room_id, start_at, used_players, max_players, purge_at)
		             VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins, hold.OrgID, hold.RoomID, utc(hold.StartAt), hold.Players, maxPlayers, utc(purgeAt)); err != nil {
			if isDup(err) {
				return engine.ErrStorageConflict
			}
			return mapErr(err)
		}
		return nil
	case err != nil:
		return mapErr(err)
	}
	if used+hold.Players > maxP {
		return engine.ErrCapacityExceeded
	}
	// A NULL purge deadline means confirmed capacity and stays NULL.
	const upd = `UPDATE capacity_counters
	             SET used_players = used_players + ?,
	                 purge_at = IF(purge_at IS NULL, NULL, GREATEST(purge_at, ?))
	             WHERE org_id = ? AND room_id = ? AND start_at = ?`
	_, err = tx.ExecContext(ctx, upd, hold.Players, utc(purgeAt), hold.OrgID, hold.RoomID, utc(hold.StartAt))
	return mapErr(err)
}

func (s *Store) insertHoldTx(ctx context.Context, tx *sql.Tx, hold *model.Hold) error {
	const q = `INSERT INTO holds
	           (id, org_id, game_id, room_id, start_at, end_at, booking_type, players,
	            status, expires_at, quote, customer, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'ACTIVE', ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		hold.ID, hold.OrgID, hold.GameID, hold.RoomID,
		utc(hold.StartAt), utc(hold.EndAt), string(hold.BookingType), hold.Players,
		utc(hold.ExpiresAt), nullJSON(hold.Quote), nullJSON(hold.Customer), utc(hold.CreatedAt))
	if isDup(err) {
		return engine.ErrStorageConflict
	}
	return mapErr(err)
}

// GetHold implements engine.Store.
func (s *Store) GetHold(ctx context.Context, orgID, holdID string) (*model.Hold, error) {
	const q = `SELECT id, org_id, game_id, room_id, start_at, end_at, booking_type, players,
	                  status, expires_at, confirmed_at, booking_id, quote, customer, created_at
	           FROM holds WHERE org_id = ? AND id = ?`
	h, err := scanHold(s.db.QueryRowContext(ctx, q, orgID, holdID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrHoldNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return h, nil
}

// ExtendHold implements engine.Store.  The hold row is locked first so the
// status and deadline checks and the deadline updates form one unit;
// deadlines only move forward.  A hold whose expiry has already passed is
// rejected: its lock or counter may have been purged, and extending it would
// reintroduce a reservation the slot no longer accounts for.
func (s *Store) ExtendHold(ctx context.Context, orgID, holdID string, now, expiresAt, purgeAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT status, booking_type, room_id, start_at, expires_at FROM holds
		             WHERE org_id = ? AND id = ? FOR UPDATE`
		var status, btype, roomID string
		var startAt, curExpires time.Time
		err := tx.QueryRowContext(ctx, sel, orgID, holdID).Scan(&status, &btype, &roomID, &startAt, &curExpires)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.ErrHoldNotFound
		}
		if err != nil {
			return mapErr(err)
		}
		if model.HoldStatus(status) != model.HoldStatusActive {
			return engine.ErrHoldNotActive
		}
		if !curExpires.After(utc(now)) {
			return engine.ErrHoldNotActive
		}
		const upd = `UPDATE holds SET expires_at = GREATEST(expires_at, ?) WHERE org_id = ? AND id = ?`
		if _, err := tx.ExecContext(ctx, upd, utc(expiresAt), orgID, holdID); err != nil {
			return mapErr(err)
		}
		switch model.BookingType(btype) {
		case model.BookingTypePrivate:
			const lq = `UPDATE slot_locks SET purge_at = GREATEST(purge_at, ?)
			            WHERE org_id = ? AND room_id = ? AND start_at = ? AND kind = 'EPHEMERAL' AND hold_id = ?`
			if _, err := tx.ExecContext(ctx, lq, utc(purgeAt), orgID, roomID, utc(startAt), holdID); err != nil {
				return mapErr(err)
			}
		case model.BookingTypePublic:
			const cq = `UPDATE capacity_counters
			            SET purge_at = IF(purge_at IS NULL, NULL, GREATEST(purge_at, ?))
			            WHERE org_id = ? AND room_id = ? AND start_at = ?`
			if _, err := tx.ExecContext(ctx, cq, utc(purgeAt), orgID, roomID, utc(startAt)); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

// ReleaseHold implements engine.Store.  The ACTIVE -> to transition and the
// release of the paired lock/counter happen in one transaction, conditioned
// on the status and expiry observed under the row lock.  Expiring a hold
// whose deadline has moved past now is refused, so a sweep working from a
// stale listing never overrides an extension that landed in between.
func (s *Store) ReleaseHold(ctx context.Context, orgID, holdID string, to model.HoldStatus, now time.Time) (model.HoldStatus, bool, error) {
	var prev model.HoldStatus
	var released bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT status, booking_type, players, room_id, start_at, expires_at FROM holds
		             WHERE org_id = ? AND id = ? FOR UPDATE`
		var status, btype, roomID string
		var players int
		var startAt, curExpires time.Time
		err := tx.QueryRowContext(ctx, sel, orgID, holdID).Scan(&status, &btype, &players, &roomID, &startAt, &curExpires)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.ErrHoldNotFound
		}
		if err != nil {
			return mapErr(err)
		}
		prev = model.HoldStatus(status)
		if prev != model.HoldStatusActive {
			return nil
		}
		if to == model.HoldStatusExpired && curExpires.After(utc(now)) {
			return nil
		}
		const upd = `UPDATE holds SET status = ? WHERE org_id = ? AND id = ? AND status = 'ACTIVE'`
		if _, err := tx.ExecContext(ctx, upd, string(to), orgID, holdID); err != nil {
			return mapErr(err)
		}
		released = true
		return s.releasePairTx(ctx, tx, orgID, holdID, model.BookingType(btype), players, roomID, startAt)
	})
	if err != nil {
		return "", false, err
	}
	return prev, released, nil
}

// releasePairTx frees the reservation paired with a hold: the ephemeral
// slot lock is deleted, or the capacity counter is decremented.  Counters
// that drain to zero while still carrying a purge deadline are removed
// outright; a missing counter (already purged by the backstop) is a no-op.
func (s *Store) releasePairTx(ctx context.Context, tx *sql.Tx, orgID, holdID string, btype model.BookingType, players int, roomID string, startAt time.Time) error {
	switch btype {
	case model.BookingTypePrivate:
		const q = `DELETE FROM slot_locks
		           WHERE org_id = ? AND room_id = ? AND start_at = ? AND kind = 'EPHEMERAL' AND hold_id = ?`
		_, err := tx.ExecContext(ctx, q, orgID, roomID, utc(startAt), holdID)
		return mapErr(err)
	case model.BookingTypePublic:
		const q = `UPDATE capacity_counters SET used_players = GREATEST(used_players - ?, 0)
		           WHERE org_id = ? AND room_id = ? AND start_at = ?`
		if _, err := tx.ExecContext(ctx, q, players, orgID, roomID, utc(startAt)); err != nil {
			return mapErr(err)
		}
		const del = `DELETE FROM capacity_counters
		             WHERE org_id = ? AND room_id = ? AND start_at = ? AND used_players = 0 AND purge_at IS NOT NULL`
		_, err := tx.ExecContext(ctx, del, orgID, roomID, utc(startAt))
		return mapErr(err)
	}
	return nil
}

// expireLapsedSlotTx expires every lapsed ACTIVE hold for one slot inside
// the caller's transaction, releasing each hold's reservation before the
// new allocation is attempted.
func (s *Store) expireLapsedSlotTx(ctx context.Context, tx *sql.Tx, orgID, roomID string, startAt, now time.Time) error {
	const sel = `SELECT id, booking_type, players FROM holds
	             WHERE org_id = ? AND room_id = ? AND start_at = ? AND status = 'ACTIVE' AND expires_at <= ?
	             FOR UPDATE`
	rows, err := tx.QueryContext(ctx, sel, orgID, roomID, utc(startAt), utc(now))
	if err != nil {
		return err
	}
	type lapsed struct {
		id      string
		btype   string
		players int
	}
	var found []lapsed
	for rows.Next() {
		var l lapsed
		if err := rows.Scan(&l.id, &l.btype, &l.players); err != nil {
			rows.Close()
			return err
		}
		found = append(found, l)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, l := range found {
		const upd = `UPDATE holds SET status = 'EXPIRED' WHERE id = ? AND status = 'ACTIVE'`
		if _, err := tx.ExecContext(ctx, upd, l.id); err != nil {
			return err
		}
		if err := s.releasePairTx(ctx, tx, orgID, l.id, model.BookingType(l.btype), l.players, roomID, startAt); err != nil {
			return err
		}
	}
	return nil
}

// LapsedHolds implements engine.Store.
func (s *Store) LapsedHolds(ctx context.Context, now time.Time, limit int) ([]model.HoldRef, error) {
	const q = `SELECT org_id, id FROM holds
	           WHERE status = 'ACTIVE' AND expires_at <= ?
	           ORDER BY expires_at LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, utc(now), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var refs []model.HoldRef
	for rows.Next() {
		var r model.HoldRef
		if err := rows.Scan(&r.OrgID, &r.HoldID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return refs, nil
}

// CountActiveHolds implements engine.Store.
func (s *Store) CountActiveHolds(ctx context.Context, orgID string) (int, error) {
	const q = `SELECT COUNT(*) FROM holds WHERE org_id = ? AND status = 'ACTIVE'`
	var n int
	if err := s.db.QueryRowContext(ctx, q, orgID).Scan(&n); err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// PurgeLapsed implements engine.Store.  It is the application-side mirror
// of the scheduled purge events in schema.sql; running both is harmless
// because every delete is conditioned on the purge deadline.
func (s *Store) PurgeLapsed(ctx context.Context, now time.Time) (int, error) {
	total := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const locks = `DELETE FROM slot_locks
		               WHERE kind = 'EPHEMERAL' AND purge_at IS NOT NULL AND purge_at <= ?`
		res, err := tx.ExecContext(ctx, locks, utc(now))
		if err != nil {
			return mapErr(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
		const counters = `DELETE FROM capacity_counters
		                  WHERE purge_at IS NOT NULL AND purge_at <= ?`
		res, err = tx.ExecContext(ctx, counters, utc(now))
		if err != nil {
			return mapErr(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
