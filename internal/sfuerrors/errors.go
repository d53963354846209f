// Package sfuerrors defines the sentinel error kinds shared across the SFU core.
package sfuerrors

import "errors"

// Error kinds. Compare with errors.Is, never by string.
var (
	ErrInvalidToken     = errors.New("invalid member token")
	ErrRoomLookupFailed = errors.New("room member lookup failed")
	ErrBadRequest       = errors.New("bad request")
	ErrUpstream         = errors.New("webrtc stack error")
	ErrSerdeDecode      = errors.New("failed to decode message")
	ErrWsSend           = errors.New("failed to send websocket frame")
	ErrChannelClosed    = errors.New("outbound channel closed")
	ErrInternal         = errors.New("internal error")
)
