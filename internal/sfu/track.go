package sfu

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// TrackIDPrefix is the load-bearing prefix every forwarded track id carries;
// the subscribe-path reconciliation in Session.handleStartMessage uses it to tell
// forwarded tracks apart from anything else a future sender might carry.
const TrackIDPrefix = "sfu-track-"

// ForwardableTrack is a publisher's media track made available to every
// other peer in the room. A single TrackLocalStaticRTP backs it: the
// publisher's RTP forwarder writes to it once, and pion fans that write out
// to every subscriber PeerConnection the track has been added to.
type ForwardableTrack struct {
	ID              string
	StreamID        string
	Kind            webrtc.RTPCodecType
	PublisherPeerID uuid.UUID
	Local           *webrtc.TrackLocalStaticRTP
}

// newForwardableTrack allocates the shared local track for a just-received
// remote track, per §4.4.3.
func newForwardableTrack(publisherID uuid.UUID, remote *webrtc.TrackRemote) (*ForwardableTrack, error) {
	id := TrackIDPrefix + remote.Kind().String() + "-" + uuid.NewString()
	streamID := "sfu-stream-" + publisherID.String()

	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, id, streamID)
	if err != nil {
		return nil, err
	}

	return &ForwardableTrack{
		ID:              id,
		StreamID:        streamID,
		Kind:            remote.Kind(),
		PublisherPeerID: publisherID,
		Local:           local,
	}, nil
}
