package sfu

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/wchat/sfu/internal/queue"
	"github.com/wchat/sfu/internal/roommember"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChannels() OutboundChannels {
	return OutboundChannels{
		ToPublisher:      queue.New[*rtcp.PictureLossIndication](),
		ToSubscriber:     queue.New[SubscriberMessage](),
		ToSubscriberData: queue.New[DataMessage](),
	}
}

func TestPeerManagerRoomIsolation(t *testing.T) {
	pm := NewPeerManager(testLogger())

	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	pm.AddPeer(p1, roommember.RoomMember{MemberID: 1, RoomID: 100}, newTestChannels())
	pm.AddPeer(p2, roommember.RoomMember{MemberID: 2, RoomID: 100}, newTestChannels())
	pm.AddPeer(p3, roommember.RoomMember{MemberID: 3, RoomID: 200}, newTestChannels())

	track := &ForwardableTrack{ID: "sfu-track-video-x", PublisherPeerID: p1}
	pm.AddTrack(p1, track)

	ids, tracks := pm.PublisherTracksInfo(p3)
	require.Empty(t, ids)
	require.Empty(t, tracks)

	_, tracks = pm.PublisherTracksInfo(p2)
	require.Len(t, tracks, 1)
	require.Equal(t, track.ID, tracks[0].ID)
}

func TestPeerManagerNoSelfFanout(t *testing.T) {
	pm := NewPeerManager(testLogger())

	p1 := uuid.New()
	ch := newTestChannels()
	pm.AddPeer(p1, roommember.RoomMember{MemberID: 1, RoomID: 100}, ch)

	pm.SendToSubscribers(p1, SubscriberMessage{MsgType: MsgStart})
	pm.SendDataToSubscribers(p1, "hi")

	require.Zero(t, len(ch.ToSubscriber.Snapshot()))
	require.Zero(t, len(ch.ToSubscriberData.Snapshot()))
}

func TestPeerManagerRemovePeerClearsRoomsEntry(t *testing.T) {
	pm := NewPeerManager(testLogger())

	p1, p2 := uuid.New(), uuid.New()
	pm.AddPeer(p1, roommember.RoomMember{MemberID: 1, RoomID: 100}, newTestChannels())
	ch2 := newTestChannels()
	pm.AddPeer(p2, roommember.RoomMember{MemberID: 2, RoomID: 100}, ch2)

	roomID, ok := pm.RemovePeer(p1)
	require.True(t, ok)
	require.EqualValues(t, 100, roomID)

	// p1 must be completely gone, including from `rooms` -- a subsequent
	// fan-out sees no trace of it rather than a stale room-id.
	pm.SendToSubscribers(p1, SubscriberMessage{MsgType: MsgStart})
	require.Zero(t, len(ch2.ToSubscriber.Snapshot()))

	_, ok = pm.RemovePeer(p1)
	require.False(t, ok, "removing an already-removed peer reports ok=false")
}

func TestPeerManagerHasBothAudioAndVideo(t *testing.T) {
	pm := NewPeerManager(testLogger())
	p1 := uuid.New()
	pm.AddPeer(p1, roommember.RoomMember{MemberID: 1, RoomID: 1}, newTestChannels())

	require.False(t, pm.HasBothAudioAndVideo(p1))
	pm.AddTrack(p1, &ForwardableTrack{ID: "sfu-track-audio-a"})
	require.False(t, pm.HasBothAudioAndVideo(p1))
	pm.AddTrack(p1, &ForwardableTrack{ID: "sfu-track-video-b"})
	require.True(t, pm.HasBothAudioAndVideo(p1))
}
