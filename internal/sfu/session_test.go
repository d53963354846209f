package sfu

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wchat/sfu/internal/ice"
	"github.com/wchat/sfu/internal/roommember"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	pm := NewPeerManager(testLogger())
	iceProvider := ice.NewProvider(ice.Config{StunURL: "stun.example.com"})
	member := roommember.RoomMember{MemberID: 1, RoomID: 100, MemberName: "alice"}

	s, err := NewSession(uuid.New(), member, pm, iceProvider, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestHasTrackPrefix(t *testing.T) {
	require.True(t, hasTrackPrefix("sfu-track-video-abc"))
	require.True(t, hasTrackPrefix(TrackIDPrefix))
	require.False(t, hasTrackPrefix("video-abc"))
	require.False(t, hasTrackPrefix(""))
	require.False(t, hasTrackPrefix("sfu-trac"))
}

func TestDerefHelpers(t *testing.T) {
	require.Equal(t, uint16(0), derefUint16(nil))
	var n uint16 = 7
	require.Equal(t, uint16(7), derefUint16(&n))

	require.Equal(t, "", derefString(nil))
	str := "mid"
	require.Equal(t, "mid", derefString(&str))
}

func TestHandleIceCandidateMessageNullIsNoop(t *testing.T) {
	s := newTestSession(t)
	err := s.handleIceCandidateMessage(SubscriberMessage{MsgType: MsgIceCandidate, Message: "null"})
	require.NoError(t, err)
}

func TestHandleIceCandidateMessageMalformedJSON(t *testing.T) {
	s := newTestSession(t)
	err := s.handleIceCandidateMessage(SubscriberMessage{MsgType: MsgIceCandidate, Message: "not json"})
	require.Error(t, err)
}

func TestHandleAnswerMessageMalformedJSON(t *testing.T) {
	s := newTestSession(t)
	err := s.handleAnswerMessage(SubscriberMessage{MsgType: MsgAnswer, Message: "not json"})
	require.Error(t, err)
}

func TestHandleInboundUnknownMsgType(t *testing.T) {
	s := newTestSession(t)
	raw, err := json.Marshal(SubscriberMessage{MsgType: "Bogus"})
	require.NoError(t, err)

	err = s.HandleInbound(raw)
	require.Error(t, err)
}

func TestHandleInboundMalformedFrame(t *testing.T) {
	s := newTestSession(t)
	err := s.HandleInbound([]byte("{not json"))
	require.Error(t, err)
}

func TestHandleInboundPingRepliesPong(t *testing.T) {
	s := newTestSession(t)
	raw, err := json.Marshal(SubscriberMessage{MsgType: MsgPing})
	require.NoError(t, err)

	require.NoError(t, s.HandleInbound(raw))

	frame, ok := s.txWS.Pop()
	require.True(t, ok)
	require.JSONEq(t, `{"msg_type":"Pong"}`, string(frame))
}

func TestHandleInboundPongIsNoop(t *testing.T) {
	s := newTestSession(t)
	raw, err := json.Marshal(SubscriberMessage{MsgType: MsgPong})
	require.NoError(t, err)

	require.NoError(t, s.HandleInbound(raw))
	s.txWS.Close()
	_, ok := s.txWS.Pop()
	require.False(t, ok)
}

func TestHandleInboundOfferIsRejectedWithoutError(t *testing.T) {
	s := newTestSession(t)
	raw, err := json.Marshal(SubscriberMessage{MsgType: MsgOffer, Message: "{}"})
	require.NoError(t, err)

	// Receiving an offer is logged and otherwise ignored, never surfaced as
	// a protocol error: negotiation in this protocol always starts server-side.
	require.NoError(t, s.HandleInbound(raw))
}

func TestHandleStartMessageWithNoPublisherIsNoop(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.handleStartMessage())
}
