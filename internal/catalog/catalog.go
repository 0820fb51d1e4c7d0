// Package catalog provides read-only access to the room/game/schedule
// configuration the engine validates reservation attempts against.  It
// never writes; administration of games and rooms is handled elsewhere.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/model"
)

// Repo implements engine.Catalog on MySQL.
type Repo struct {
	db *sql.DB
}

// NewRepo returns a Repo bound to the provided database.
func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

// RoomSlotInfo loads a room together with its game configuration and
// opening hours, scoped to the org.  A room that does not exist, belongs to
// another org or belongs to a different game yields ErrInvalidRequest; the
// caller cannot distinguish those cases on purpose.
func (r *Repo) RoomSlotInfo(ctx context.Context, orgID, gameID, roomID string) (*model.RoomSlotInfo, error) {
	const q = `SELECT r.id, r.org_id, r.game_id, r.name, r.max_players, r.enabled,
	                  g.id, g.org_id, g.name, g.min_players, g.max_players, g.allow_private, g.allow_public
	           FROM rooms r
	           JOIN games g ON g.id = r.game_id
	           WHERE r.id = ? AND r.org_id = ? AND r.game_id = ?`
	var info model.RoomSlotInfo
	err := r.db.QueryRowContext(ctx, q, roomID, orgID, gameID).Scan(
		&info.Room.ID, &info.Room.OrgID, &info.Room.GameID, &info.Room.Name,
		&info.Room.MaxPlayers, &info.Room.Enabled,
		&info.Game.ID, &info.Game.OrgID, &info.Game.Name,
		&info.Game.MinPlayers, &info.Game.MaxPlayers,
		&info.Game.AllowPrivate, &info.Game.AllowPublic,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown room for this org and game", engine.ErrInvalidRequest)
	}
	if err != nil {
		return nil, err
	}

	const hoursQ = `SELECT weekday, open_mins, close_mins FROM room_hours
	                WHERE room_id = ? ORDER BY weekday, open_mins`
	rows, err := r.db.QueryContext(ctx, hoursQ, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var wd, openMins, closeMins int
		if err := rows.Scan(&wd, &openMins, &closeMins); err != nil {
			return nil, err
		}
		info.Hours = append(info.Hours, model.OpeningWindow{
			Weekday:   time.Weekday(wd),
			OpenMins:  openMins,
			CloseMins: closeMins,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &info, nil
}
