// Package roommember defines the RoomMember record and the lookup contract
// the SFU core consumes. The storage behind the contract, and the service
// that issues member tokens, live outside this module.
package roommember

import "context"

// RoomMember is the verified identity of a peer for the life of one session.
// Immutable once fetched.
type RoomMember struct {
	MemberID   int64
	RoomID     int64
	RoomName   string
	MemberName string
}

// Lookup resolves a decoded member token to a RoomMember. Implementations
// must treat "not found" and "secret mismatch" identically: both are a
// failed lookup, never distinguished to the caller.
type Lookup interface {
	FindRoomMember(ctx context.Context, memberID int64, secret string) (*RoomMember, error)
}
