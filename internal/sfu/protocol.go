package sfu

// MsgType is the signaling message discriminator carried on the WS wire.
type MsgType string

const (
	MsgPrepare      MsgType = "Prepare"
	MsgStart        MsgType = "Start"
	MsgOffer        MsgType = "Offer"
	MsgAnswer       MsgType = "Answer"
	MsgIceCandidate MsgType = "IceCandidate"
	MsgPing         MsgType = "Ping"
	MsgPong         MsgType = "Pong"
)

// SubscriberMessage is the envelope carried on tx_ws and tx_to_sub. Message
// is always a string; for Offer/Answer it nests a JSON-encoded
// RTCSessionDescription, for IceCandidate a JSON-encoded ClientIceCandidate
// or the literal "null". Pong carries no message field at all, matching the
// upstream wire format.
type SubscriberMessage struct {
	MsgType MsgType `json:"msg_type"`
	Message string  `json:"message,omitempty"`
}

// ClientIceCandidate is the wire shape for IceCandidate payloads in both
// directions. The sdpMid field is deliberately named "spdMid" on the wire:
// that misspelling predates this service and clients depend on it.
type ClientIceCandidate struct {
	Candidate        string `json:"candidate"`
	SpdMid           string `json:"spdMid"`
	SdpMLineIndex    uint16 `json:"sdpMLineIndex"`
	UsernameFragment string `json:"usernameFragment"`
}

// DataMessage is the envelope the SFU wraps relayed data-channel text in.
type DataMessage struct {
	From    string `json:"from"`
	Message string `json:"message"`
}
