package httpedge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wchat/sfu/internal/database"
	"github.com/wchat/sfu/internal/ice"
	"github.com/wchat/sfu/internal/roommember"
	"github.com/wchat/sfu/internal/sfu"
	"github.com/wchat/sfu/internal/sfuerrors"
	"github.com/wchat/sfu/internal/tokencodec"
)

// secretHeaderKey is the header REST callers present their member token in.
// The WS subscribe endpoint takes its token from the path instead, since a
// browser's WS client cannot set arbitrary headers on the upgrade request.
const secretHeaderKey = "X-W-Chat-Secret"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the SFU's HTTP/WS edge.
type Handler struct {
	lookup  roommember.Lookup
	peerMgr *sfu.PeerManager
	ice     *ice.Provider
	limiter *sfu.AdmissionLimiter
	logger  *slog.Logger
}

// NewHandler wires a Handler over its dependencies.
func NewHandler(lookup roommember.Lookup, peerMgr *sfu.PeerManager, iceProvider *ice.Provider, limiter *sfu.AdmissionLimiter, logger *slog.Logger) *Handler {
	return &Handler{
		lookup:  lookup,
		peerMgr: peerMgr,
		ice:     iceProvider,
		limiter: limiter,
		logger:  logger.With("component", "httpedge"),
	}
}

// Routes returns the fully wrapped http.Handler for this edge, ready to
// mount at the root of an http.Server.
func Routes(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /app/ice-servers", h.handleICEServers)
	mux.HandleFunc("GET /app/member-name/{peerId}", h.handleMemberName)
	mux.HandleFunc("GET /ws-app/subscribe/{token}", h.handleSubscribe)

	return chainMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoverMiddleware(logger),
	)
}

// handleICEServers serves GET /app/ice-servers: the response JSON is an
// array of RTCIceServer-shaped objects per §6.
func (h *Handler) handleICEServers(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(secretHeaderKey)
	if _, err := h.authenticate(r.Context(), token); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	writeJSON(w, http.StatusOK, h.ice.BrowserICEServers("client"))
}

// handleMemberName serves GET /app/member-name/{peerId}: the member display
// name for a currently-connected peer, or "-" if unknown.
func (h *Handler) handleMemberName(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(secretHeaderKey)
	if _, err := h.authenticate(r.Context(), token); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	peerID, err := uuid.Parse(r.PathValue("peerId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id format")
		return
	}

	name, ok := h.peerMgr.GetNameByPeerID(peerID)
	if !ok {
		name = "-"
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// handleSubscribe serves WS /ws-app/subscribe/{token}: authenticates the
// token, upgrades the connection, creates a Session, and pumps frames in
// both directions until the socket closes.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	member, err := h.authenticate(r.Context(), r.PathValue("token"))
	if err != nil {
		http.Error(w, `{"message":"Invalid token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	peerID := uuid.New()
	logger := h.logger.With("peer_id", peerID, "member_id", member.MemberID, "room_id", member.RoomID)

	session, err := sfu.NewSession(peerID, *member, h.peerMgr, h.ice, logger)
	if err != nil {
		logger.Error("create session", "error", err)
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer session.Close()
	defer h.limiter.Forget(peerID)

	go session.Run(ctx)
	go h.writePump(ctx, conn, session, logger)
	h.readPump(ctx, conn, session, peerID, logger) // blocks until the peer disconnects
}

// readPump admits inbound WS frames onto the session's FSM, subject to the
// per-peer admission limiter: a frame that arrives too fast stalls here
// until the limiter admits it, rather than being dropped.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, session *sfu.Session, peerID uuid.UUID, logger *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if err := h.limiter.Wait(ctx, peerID); err != nil {
			return
		}

		if err := session.HandleInbound(message); err != nil {
			logger.Error("handle inbound message", "error", err)
		}
	}
}

// writePump drains the session's outbound frame queue onto the socket,
// keeping the connection alive with periodic pings.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, session *sfu.Session, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	frames := make(chan []byte)
	done := make(chan struct{})
	go func() {
		defer close(frames)
		for {
			frame, ok := session.TxWS().Pop()
			if !ok {
				return
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authenticate decodes a member token (§4.1) and looks up its RoomMember
// through the C2 lookup contract.
func (h *Handler) authenticate(ctx context.Context, token string) (*roommember.RoomMember, error) {
	memberID, secret, err := tokencodec.Decode(token)
	if err != nil {
		return nil, err
	}

	member, err := h.lookup.FindRoomMember(ctx, memberID, secret)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, sfuerrors.ErrInvalidToken
		}
		return nil, sfuerrors.ErrRoomLookupFailed
	}
	return member, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
