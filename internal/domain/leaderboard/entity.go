package leaderboard

import (
	"time"

	"github.com/google/uuid"
)

// Source names what earned the points.
type Source string

const (
	SourceAward     Source = "award"
	SourceGameScore Source = "game_score"
)

// Entry is one grant of points. (Source, SourceID, UserID) is unique, so
// replaying the same grant never counts twice.
type Entry struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	UserID    uuid.UUID  `db:"user_id" json:"userId"`
	StallID   *uuid.UUID `db:"stall_id" json:"stallId,omitempty"`
	Source    Source     `db:"source" json:"source"`
	SourceID  uuid.UUID  `db:"source_id" json:"sourceId"`
	Points    int64      `db:"points" json:"points"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// Standing is a user's position on the board.
type Standing struct {
	Rank   int       `db:"-" json:"rank"`
	UserID uuid.UUID `db:"user_id" json:"userId"`
	Points int64     `db:"points" json:"points"`
}

func key(e Entry) string {
	return string(e.Source) + "/" + e.SourceID.String() + "/" + e.UserID.String()
}

func rank(standings []Standing) []Standing {
	for i := range standings {
		standings[i].Rank = i + 1
	}
	return standings
}
