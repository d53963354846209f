package sfu

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"

	"github.com/wchat/sfu/internal/queue"
	"github.com/wchat/sfu/internal/roommember"
)

// OutboundChannels are the three per-peer queues PeerManager fans out onto.
// tx_ws (the WS sink) is owned by Session, not PeerManager.
type OutboundChannels struct {
	ToPublisher      *queue.Queue[*rtcp.PictureLossIndication]
	ToSubscriber     *queue.Queue[SubscriberMessage]
	ToSubscriberData *queue.Queue[DataMessage]
}

// PeerManager is the process-wide, mutex-guarded registry described in
// spec §4.3. There is exactly one instance per process.
type PeerManager struct {
	mu sync.Mutex

	rooms  map[uuid.UUID]roommember.RoomMember
	tracks map[uuid.UUID][]*ForwardableTrack

	toPublishers      map[uuid.UUID]*queue.Queue[*rtcp.PictureLossIndication]
	toSubscribers     map[uuid.UUID]*queue.Queue[SubscriberMessage]
	toSubscriberDatas map[uuid.UUID]*queue.Queue[DataMessage]

	logger *slog.Logger
}

// NewPeerManager creates an empty registry.
func NewPeerManager(logger *slog.Logger) *PeerManager {
	return &PeerManager{
		rooms:             make(map[uuid.UUID]roommember.RoomMember),
		tracks:            make(map[uuid.UUID][]*ForwardableTrack),
		toPublishers:      make(map[uuid.UUID]*queue.Queue[*rtcp.PictureLossIndication]),
		toSubscribers:     make(map[uuid.UUID]*queue.Queue[SubscriberMessage]),
		toSubscriberDatas: make(map[uuid.UUID]*queue.Queue[DataMessage]),
		logger:            logger.With("component", "peer_manager"),
	}
}

// AddPeer registers peerID and its outbound channels under member's room.
// Callers guarantee peerID freshness (a new UUID per session); duplicate
// registration is not handled specially.
func (m *PeerManager) AddPeer(peerID uuid.UUID, member roommember.RoomMember, ch OutboundChannels) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms[peerID] = member
	m.toPublishers[peerID] = ch.ToPublisher
	m.toSubscribers[peerID] = ch.ToSubscriber
	m.toSubscriberDatas[peerID] = ch.ToSubscriberData
}

// AddTrack appends t to peerID's published tracks.
func (m *PeerManager) AddTrack(peerID uuid.UUID, t *ForwardableTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracks[peerID] = append(m.tracks[peerID], t)
}

// HasBothAudioAndVideo reports whether peerID has published exactly two
// tracks (one audio, one video, by construction of the publish path).
func (m *PeerManager) HasBothAudioAndVideo(peerID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tracks[peerID]) == 2
}

// RemovePeer deletes peerID from every map, including rooms. roomID and ok
// report the room the peer was in, for the caller's post-removal broadcast;
// ok is false if peerID was never registered (e.g. removal raced a failed
// AddPeer, or ran twice).
func (m *PeerManager) RemovePeer(peerID uuid.UUID) (roomID int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.rooms[peerID]
	if !ok {
		return 0, false
	}

	delete(m.rooms, peerID)
	delete(m.tracks, peerID)
	delete(m.toPublishers, peerID)
	delete(m.toSubscribers, peerID)
	delete(m.toSubscriberDatas, peerID)

	return member.RoomID, true
}

// PublisherTracksInfo enumerates every track published by peers sharing
// peerID's room, excluding peerID's own tracks. ids is the union of track
// ids, useful for set-membership checks in the subscribe path.
func (m *PeerManager) PublisherTracksInfo(peerID uuid.UUID) (ids map[string]struct{}, tracks []*ForwardableTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids = make(map[string]struct{})

	member, ok := m.rooms[peerID]
	if !ok {
		return ids, nil
	}

	for otherID, otherMember := range m.rooms {
		if otherID == peerID || otherMember.RoomID != member.RoomID {
			continue
		}
		for _, t := range m.tracks[otherID] {
			tracks = append(tracks, t)
			ids[t.ID] = struct{}{}
		}
	}

	return ids, tracks
}

// SendToSubscribers pushes msg onto the tx_to_sub queue of every other peer
// sharing peerID's room. Best-effort: a missing or closed queue is skipped.
func (m *PeerManager) SendToSubscribers(peerID uuid.UUID, msg SubscriberMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.rooms[peerID]
	if !ok {
		return
	}

	for otherID, otherMember := range m.rooms {
		if otherID == peerID || otherMember.RoomID != member.RoomID {
			continue
		}
		if q, ok := m.toSubscribers[otherID]; ok {
			q.Push(msg)
		}
	}
}

// SendDataToSubscribers wraps text as a DataMessage from peerID and fans it
// out like SendToSubscribers.
func (m *PeerManager) SendDataToSubscribers(peerID uuid.UUID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.rooms[peerID]
	if !ok {
		return
	}

	msg := DataMessage{From: peerID.String(), Message: text}

	for otherID, otherMember := range m.rooms {
		if otherID == peerID || otherMember.RoomID != member.RoomID {
			continue
		}
		if q, ok := m.toSubscriberDatas[otherID]; ok {
			q.Push(msg)
		}
	}
}

// SendToPublisher best-effort delivers a PLI to peerID's tx_to_pub queue.
func (m *PeerManager) SendToPublisher(peerID uuid.UUID, pli *rtcp.PictureLossIndication) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.toPublishers[peerID]; ok {
		q.Push(pli)
	}
}

// GetNameByPeerID returns the member name registered for peerID, if any.
func (m *PeerManager) GetNameByPeerID(peerID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.rooms[peerID]
	if !ok {
		return "", false
	}
	return member.MemberName, true
}
