package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/wchat/sfu/internal/ice"
	"github.com/wchat/sfu/internal/queue"
	"github.com/wchat/sfu/internal/roommember"
	"github.com/wchat/sfu/internal/sfuerrors"
)

// iceSessionName is the literal TURN credential name every peer connection
// shares; per-peer names add nothing since credentials already scope to an
// expiry window rather than to an identity.
const iceSessionName = "sfu"

// rtcpReadBufSize is the scratch buffer size for draining RTCP off a sender.
const rtcpReadBufSize = 1500

// Session is the per-peer SignalingSession described in §4.4: one
// RTCPeerConnection, one data channel, and the signaling FSM that drives
// them from the WS connection above it. A Session is created once a peer's
// member token has been verified and is torn down on disconnect.
type Session struct {
	PeerID uuid.UUID
	member roommember.RoomMember

	pm  *PeerManager
	ice *ice.Provider
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel

	// txWS carries already-marshaled outbound WS text frames; the edge's
	// WritePump is the sole consumer.
	txWS *queue.Queue[[]byte]

	toPub     *queue.Queue[*rtcp.PictureLossIndication]
	toSub     *queue.Queue[SubscriberMessage]
	toSubData *queue.Queue[DataMessage]

	ssrcCh      chan webrtc.SSRC
	localTrackC chan *ForwardableTrack

	logger *slog.Logger
}

// NewSession builds the RTCPeerConnection, wires its callbacks, and
// registers the peer with pm. It does not start the FSM goroutines; call
// Run for that once the caller is ready to start pumping.
func NewSession(peerID uuid.UUID, member roommember.RoomMember, pm *PeerManager, iceProvider *ice.Provider, logger *slog.Logger) (*Session, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceProvider.ICEServers(iceSessionName),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %w", sfuerrors.ErrUpstream, err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: add video transceiver: %w", sfuerrors.ErrUpstream, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: add audio transceiver: %w", sfuerrors.ErrUpstream, err)
	}

	dc, err := pc.CreateDataChannel(fmt.Sprintf("sfu-data-ch-%s", peerID), nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: create data channel: %w", sfuerrors.ErrUpstream, err)
	}

	s := &Session{
		PeerID:      peerID,
		member:      member,
		pm:          pm,
		ice:         iceProvider,
		pc:          pc,
		dc:          dc,
		txWS:        queue.New[[]byte](),
		toPub:       queue.New[*rtcp.PictureLossIndication](),
		toSub:       queue.New[SubscriberMessage](),
		toSubData:   queue.New[DataMessage](),
		ssrcCh:      make(chan webrtc.SSRC, 1),
		localTrackC: make(chan *ForwardableTrack, 2),
		logger:      logger.With("component", "session", "peer_id", peerID),
	}

	pm.AddPeer(peerID, member, OutboundChannels{
		ToPublisher:      s.toPub,
		ToSubscriber:     s.toSub,
		ToSubscriberData: s.toSubData,
	})

	s.registerCallbacks()
	return s, nil
}

// registerCallbacks wires every RTCPeerConnection and data-channel event
// this session reacts to, per §4.4.2-§4.4.7.
func (s *Session) registerCallbacks() {
	s.dc.OnOpen(s.onDataChannelOpen)
	s.dc.OnMessage(s.onDataChannelMessage)
	s.pc.OnTrack(s.onTrack)
	s.pc.OnConnectionStateChange(s.onConnectionStateChange)
	s.pc.OnNegotiationNeeded(s.onNegotiationNeeded)
	s.pc.OnICECandidate(s.onICECandidate)
}

// Run starts the FSM's background pumps. It returns once ctx is canceled;
// callers spawn it in its own goroutine alongside the WS read loop.
func (s *Session) Run(ctx context.Context) {
	go s.pumpSubscriberMessages()
	go s.pumpPublisherRTCP()
	go s.pumpLocalTracks()
	<-ctx.Done()
}

// TxWS is the outbound WS frame queue; the HTTP edge's WritePump is the
// sole consumer.
func (s *Session) TxWS() *queue.Queue[[]byte] { return s.txWS }

// Close tears down the peer connection and every per-session queue.
func (s *Session) Close() {
	s.toPub.Close()
	s.toSub.Close()
	s.toSubData.Close()
	s.txWS.Close()
	if err := s.pc.Close(); err != nil {
		s.logger.Warn("close peer connection", "error", err)
	}
}

// pumpSubscriberMessages drains tx_to_sub, which carries the Start messages
// PeerManager fans out to this peer, and runs each through the same dispatch
// as an inbound WS frame, per §4.4.1.
func (s *Session) pumpSubscriberMessages() {
	for {
		msg, ok := s.toSub.Pop()
		if !ok {
			return
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("marshal queued message", "error", err)
			continue
		}
		if err := s.HandleInbound(raw); err != nil {
			s.logger.Error("handle queued message", "error", err)
		}
	}
}

// pumpPublisherRTCP waits to learn this peer's published video SSRC, then
// turns every queued PLI notification into a PictureLossIndication RTCP
// packet sent back to the publishing client, per §4.4.5.
func (s *Session) pumpPublisherRTCP() {
	ssrc, ok := <-s.ssrcCh
	if !ok {
		return
	}
	s.logger.Debug("video ssrc learned", "ssrc", ssrc)

	for {
		_, ok := s.toPub.Pop()
		if !ok {
			return
		}
		if err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
			s.logger.Warn("write pli", "error", err)
		}
	}
}

// pumpLocalTracks registers each published track with the PeerManager as it
// arrives, and once both audio and video have been seen, announces the peer
// to the rest of the room so subscribers can pull the new tracks in.
func (s *Session) pumpLocalTracks() {
	for t := range s.localTrackC {
		s.pm.AddTrack(s.PeerID, t)
		if s.pm.HasBothAudioAndVideo(s.PeerID) {
			s.pm.SendToSubscribers(s.PeerID, SubscriberMessage{MsgType: MsgStart})
			s.logger.Info("both audio and video tracks published")
			return
		}
	}
}

// onTrack handles a just-negotiated remote track: it allocates the shared
// forwardable local track, reports the video SSRC (if any) for the RTCP
// reverse path, and spawns the forwarder goroutine that copies RTP from the
// remote track onto the local one, per §4.4.3.
func (s *Session) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.logger.Info("on_track", "kind", remote.Kind().String())

	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		select {
		case s.ssrcCh <- remote.SSRC():
		default:
		}
	}

	local, err := newForwardableTrack(s.PeerID, remote)
	if err != nil {
		s.logger.Error("allocate forwardable track", "error", err)
		return
	}
	s.localTrackC <- local

	go s.forwardTrack(remote, local)
}

// forwardTrack copies RTP packets from remote onto local until the remote
// track ends or a write fails. A write failing with io.ErrClosedPipe is
// logged and skipped; any other write error ends the loop.
func (s *Session) forwardTrack(remote *webrtc.TrackRemote, local *ForwardableTrack) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if err := local.Local.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("write rtp: no subscribers attached", "error", err)
				continue
			}
			s.logger.Warn("write rtp", "error", err)
			return
		}
	}
}

// onConnectionStateChange handles disconnection: it removes the peer from
// the registry -- including its `rooms` entry, so a later lookup never sees
// a ghost room assignment -- and tells the rest of the room to renegotiate
// without this peer's tracks, per §4.4.7.
func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.logger.Info("connection state changed", "state", state.String())

	if state != webrtc.PeerConnectionStateDisconnected &&
		state != webrtc.PeerConnectionStateFailed &&
		state != webrtc.PeerConnectionStateClosed {
		return
	}

	roomID, ok := s.pm.RemovePeer(s.PeerID)
	if !ok {
		return
	}

	// SendToSubscribers resolves the room through this peer's rooms entry,
	// which RemovePeer has just deleted, so the broadcast goes by roomID.
	s.pm.mu.Lock()
	defer s.pm.mu.Unlock()
	for otherID, other := range s.pm.rooms {
		if other.RoomID != roomID {
			continue
		}
		if q, ok := s.pm.toSubscribers[otherID]; ok {
			q.Push(SubscriberMessage{MsgType: MsgStart})
		}
	}
}

// onNegotiationNeeded spawns an offer; negotiation always starts from the
// server side in this protocol.
func (s *Session) onNegotiationNeeded() {
	s.logger.Debug("negotiation needed", "signaling_state", s.pc.SignalingState().String())
	go func() {
		if err := s.doOffer(); err != nil {
			s.logger.Error("do_offer", "error", err)
		}
	}()
}

// onICECandidate relays a locally gathered ICE candidate to the client as
// an IceCandidate message, trickling it rather than waiting for gathering
// to complete.
func (s *Session) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	candidateInit := candidate.ToJSON()
	wire := ClientIceCandidate{
		Candidate:        candidateInit.Candidate,
		SdpMLineIndex:    derefUint16(candidateInit.SDPMLineIndex),
		UsernameFragment: derefString(candidateInit.UsernameFragment),
	}
	if candidateInit.SDPMid != nil {
		wire.SpdMid = *candidateInit.SDPMid
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		s.logger.Error("marshal ice candidate", "error", err)
		return
	}

	s.sendSubscriberMessage(SubscriberMessage{MsgType: MsgIceCandidate, Message: string(payload)})
}

func derefUint16(p *uint16) uint16 {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// onDataChannelOpen starts relaying queued outbound data-channel messages
// once the channel is ready to carry them. It exits when tx_to_sub_data is
// closed, i.e. on session teardown.
func (s *Session) onDataChannelOpen() {
	s.logger.Debug("data channel open")
	for {
		msg, ok := s.toSubData.Pop()
		if !ok {
			return
		}
		if msg.From == s.PeerID.String() {
			continue
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("marshal data message", "error", err)
			continue
		}
		if err := s.dc.SendText(string(payload)); err != nil {
			s.logger.Warn("send data channel text", "error", err)
		}
	}
}

// onDataChannelMessage relays an inbound data-channel message to every
// other peer in the room.
func (s *Session) onDataChannelMessage(msg webrtc.DataChannelMessage) {
	if !utf8.Valid(msg.Data) {
		s.logger.Warn("dropping non-utf8 data channel message")
		return
	}
	s.pm.SendDataToSubscribers(s.PeerID, string(msg.Data))
}

// HandleInbound dispatches one inbound signaling frame per §4.4.1's FSM
// table. raw is the exact WS text frame payload.
func (s *Session) HandleInbound(raw []byte) error {
	var msg SubscriberMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %w", sfuerrors.ErrSerdeDecode, err)
	}

	switch msg.MsgType {
	case MsgPrepare:
		s.logger.Info("preparation requested")
		if err := s.doOffer(); err != nil {
			return fmt.Errorf("do_offer: %w", err)
		}
	case MsgIceCandidate:
		if err := s.handleIceCandidateMessage(msg); err != nil {
			return fmt.Errorf("handle ice candidate: %w", err)
		}
	case MsgAnswer:
		if err := s.handleAnswerMessage(msg); err != nil {
			return fmt.Errorf("handle answer: %w", err)
		}
	case MsgStart:
		if err := s.handleStartMessage(); err != nil {
			return fmt.Errorf("handle start: %w", err)
		}
	case MsgPing:
		s.sendWS([]byte(`{"msg_type":"Pong"}`))
	case MsgPong:
		// no-op
	case MsgOffer:
		s.logger.Error("receiving offers is not supported")
	default:
		return fmt.Errorf("%w: unknown msg_type %q", sfuerrors.ErrBadRequest, msg.MsgType)
	}
	return nil
}

// handleIceCandidateMessage adds a trickled remote ICE candidate. The
// client sends the literal string "null" to signal end-of-candidates,
// which this protocol simply ignores.
func (s *Session) handleIceCandidateMessage(msg SubscriberMessage) error {
	if msg.Message == "null" {
		return nil
	}

	var wire ClientIceCandidate
	if err := json.Unmarshal([]byte(msg.Message), &wire); err != nil {
		return fmt.Errorf("%w: %w", sfuerrors.ErrSerdeDecode, err)
	}

	sdpMLineIndex := wire.SdpMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:        wire.Candidate,
		SDPMid:           &wire.SpdMid,
		SDPMLineIndex:    &sdpMLineIndex,
		UsernameFragment: &wire.UsernameFragment,
	}

	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: %w", sfuerrors.ErrUpstream, err)
	}
	return nil
}

// handleAnswerMessage applies a remote SDP answer.
func (s *Session) handleAnswerMessage(msg SubscriberMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(msg.Message), &answer); err != nil {
		return fmt.Errorf("%w: %w", sfuerrors.ErrSerdeDecode, err)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %w", sfuerrors.ErrUpstream, err)
	}
	return nil
}

// handleStartMessage reconciles this peer's senders against the current set
// of tracks published in its room, per §4.4.4: stale senders (publishing a
// track id that no longer exists) are removed, new tracks are added with a
// per-sender RTCP-reader goroutine, and an offer is sent whenever the room
// has at least one publisher track, even if every track was already
// attached. With no publisher tracks, stale senders are removed and no offer
// is sent.
func (s *Session) handleStartMessage() error {
	s.logger.Info("prepare tracks")

	ids, tracks := s.pm.PublisherTracksInfo(s.PeerID)

	existing := make(map[string]struct{})
	for _, sender := range s.pc.GetSenders() {
		t := sender.Track()
		if t == nil {
			continue
		}
		trackID := t.ID()
		if !hasTrackPrefix(trackID) {
			continue
		}
		if _, ok := ids[trackID]; !ok {
			s.logger.Info("removing stale track", "track_id", trackID)
			if err := s.pc.RemoveTrack(sender); err != nil {
				s.logger.Error("remove track", "track_id", trackID, "error", err)
			}
			continue
		}
		existing[trackID] = struct{}{}
	}

	s.logger.Debug("publisher tracks", "count", len(tracks), "existing", len(existing))

	if len(tracks) == 0 {
		s.logger.Info("no publisher for room")
		return nil
	}

	for _, t := range tracks {
		if _, ok := existing[t.ID]; ok {
			continue
		}

		sender, err := s.pc.AddTrack(t.Local)
		if err != nil {
			s.logger.Error("add track", "track_id", t.ID, "error", err)
			continue
		}
		s.logger.Info("added track", "track_id", t.ID)

		publisherID := t.PublisherPeerID
		go s.drainSenderRTCP(sender, publisherID)
	}

	return s.doOffer()
}

// drainSenderRTCP reads RTCP off a subscriber's sender and forwards any PLI
// it finds back to the track's publisher, per §4.4.5.
func (s *Session) drainSenderRTCP(sender *webrtc.RTPSender, publisherID uuid.UUID) {
	buf := make([]byte, rtcpReadBufSize)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range packets {
			if pli, ok := p.(*rtcp.PictureLossIndication); ok {
				s.pm.SendToPublisher(publisherID, pli)
			}
		}
	}
}

func hasTrackPrefix(id string) bool {
	return len(id) >= len(TrackIDPrefix) && id[:len(TrackIDPrefix)] == TrackIDPrefix
}

// doOffer creates and sets a local offer, then sends it immediately without
// waiting for ICE gathering to complete -- this protocol trickles candidates
// instead.
func (s *Session) doOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", sfuerrors.ErrUpstream, err)
	}

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %w", sfuerrors.ErrUpstream, err)
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return nil
	}

	payload, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("marshal local description: %w", err)
	}

	s.sendSubscriberMessage(SubscriberMessage{MsgType: MsgOffer, Message: string(payload)})
	return nil
}

// sendSubscriberMessage marshals msg and enqueues it on tx_ws.
func (s *Session) sendSubscriberMessage(msg SubscriberMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal subscriber message", "error", err)
		return
	}
	s.sendWS(payload)
}

func (s *Session) sendWS(payload []byte) {
	s.txWS.Push(payload)
}
