package model

import "time"

// Game is an escape-room experience published by an organization.  Player
// bounds and the permitted booking types are configured per game and are
// checked before any hold is allocated.
type Game struct {
	ID           string    // games.id
	OrgID        string    // games.org_id
	Name         string    // games.name
	MinPlayers   int       // games.min_players
	MaxPlayers   int       // games.max_players
	AllowPrivate bool      // games.allow_private
	AllowPublic  bool      // games.allow_public
	CreatedAt    time.Time // games.created_at
}

// Room is a physical copy of a game.  MaxPlayers is the hard participant
// ceiling for public sessions in this room.  Disabled rooms never accept
// holds.
type Room struct {
	ID         string    // rooms.id
	OrgID      string    // rooms.org_id
	GameID     string    // rooms.game_id
	Name       string    // rooms.name
	MaxPlayers int       // rooms.max_players
	Enabled    bool      // rooms.enabled
	CreatedAt  time.Time // rooms.created_at
}

// OpeningWindow is one opening-hours interval for a room on a given
// weekday.  Times are minutes since midnight UTC; Close is exclusive so a
// slot must satisfy Open <= start and end <= Close.
type OpeningWindow struct {
	Weekday   time.Weekday // room_hours.weekday
	OpenMins  int          // room_hours.open_mins
	CloseMins int          // room_hours.close_mins
}

// RoomSlotInfo bundles everything the engine needs to validate a
// reservation attempt against the catalog: the room, its game's booking
// configuration and the room's opening hours.
type RoomSlotInfo struct {
	Room  Room
	Game  Game
	Hours []OpeningWindow
}
