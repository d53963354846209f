// Package roomdb implements roommember.Lookup against a Postgres schema of
// pre-provisioned rooms and members. The tables are created by
// internal/database's migrations; whatever admin tool populates them is not
// part of this module.
package roomdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wchat/sfu/internal/database"
	"github.com/wchat/sfu/internal/roommember"
)

// Repository is a Postgres-backed roommember.Lookup.
type Repository struct {
	db *database.DB
}

// New creates a Repository over an already-connected pool.
func New(db *database.DB) *Repository {
	return &Repository{db: db}
}

const findRoomMemberSQL = `
	SELECT
		m.member_id,
		m.room_id,
		r.room_name,
		m.member_name
	FROM myappsch.members m
	INNER JOIN myappsch.rooms r ON m.room_id = r.room_id
	WHERE m.member_id = $1 AND m.secret_token = $2
`

// FindRoomMember implements roommember.Lookup.
func (r *Repository) FindRoomMember(ctx context.Context, memberID int64, secret string) (*roommember.RoomMember, error) {
	row := r.db.Pool.QueryRow(ctx, findRoomMemberSQL, memberID, secret)

	var m roommember.RoomMember
	if err := row.Scan(&m.MemberID, &m.RoomID, &m.RoomName, &m.MemberName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("find room member: %w", err)
	}

	return &m, nil
}
