package httpedge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wchat/sfu/internal/database"
	"github.com/wchat/sfu/internal/ice"
	"github.com/wchat/sfu/internal/roommember"
	"github.com/wchat/sfu/internal/sfu"
	"github.com/wchat/sfu/internal/sfuerrors"
	"github.com/wchat/sfu/internal/tokencodec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLookup is a roommember.Lookup double keyed by (memberID, secret).
type fakeLookup struct {
	members map[int64]roommember.RoomMember
	secret  string
}

func (f *fakeLookup) FindRoomMember(_ context.Context, memberID int64, secret string) (*roommember.RoomMember, error) {
	member, ok := f.members[memberID]
	if !ok || secret != f.secret {
		return nil, database.ErrNotFound
	}
	return &member, nil
}

func newTestHandler() *Handler {
	lookup := &fakeLookup{
		members: map[int64]roommember.RoomMember{
			1: {MemberID: 1, RoomID: 100, MemberName: "alice"},
		},
		secret: "correct-secret",
	}
	return NewHandler(lookup, sfu.NewPeerManager(testLogger()), ice.NewProvider(ice.Config{StunURL: "stun.example.com"}), sfu.NewAdmissionLimiter(50, 20), testLogger())
}

func TestAuthenticateValidToken(t *testing.T) {
	h := newTestHandler()
	member, err := h.authenticate(context.Background(), tokencodec.Encode(1, "correct-secret"))
	require.NoError(t, err)
	require.Equal(t, int64(100), member.RoomID)
}

func TestAuthenticateBadTokenShape(t *testing.T) {
	h := newTestHandler()
	_, err := h.authenticate(context.Background(), "not-a-valid-token")
	require.ErrorIs(t, err, sfuerrors.ErrInvalidToken)
}

func TestAuthenticateUnknownMemberMapsToInvalidToken(t *testing.T) {
	h := newTestHandler()
	_, err := h.authenticate(context.Background(), tokencodec.Encode(999, "correct-secret"))
	require.ErrorIs(t, err, sfuerrors.ErrInvalidToken)
}

func TestAuthenticateWrongSecretMapsToInvalidToken(t *testing.T) {
	h := newTestHandler()
	_, err := h.authenticate(context.Background(), tokencodec.Encode(1, "wrong-secret"))
	require.ErrorIs(t, err, sfuerrors.ErrInvalidToken)
}

func TestHandleMemberNameRejectsBadUUID(t *testing.T) {
	h := newTestHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/member-name/{peerId}", h.handleMemberName)

	req := httptest.NewRequest(http.MethodGet, "/app/member-name/not-a-uuid", nil)
	req.Header.Set(secretHeaderKey, tokencodec.Encode(1, "correct-secret"))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"message":"Invalid id format"}`, rec.Body.String())
}

func TestHandleMemberNameUnknownPeerReturnsDash(t *testing.T) {
	h := newTestHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/member-name/{peerId}", h.handleMemberName)

	req := httptest.NewRequest(http.MethodGet, "/app/member-name/"+uuid.NewString(), nil)
	req.Header.Set(secretHeaderKey, tokencodec.Encode(1, "correct-secret"))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"name":"-"}`, rec.Body.String())
}

func TestHandleMemberNameRejectsBadToken(t *testing.T) {
	h := newTestHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/member-name/{peerId}", h.handleMemberName)

	req := httptest.NewRequest(http.MethodGet, "/app/member-name/"+uuid.NewString(), nil)
	req.Header.Set(secretHeaderKey, "garbage")
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"message":"Invalid token"}`, rec.Body.String())
}

func TestHandleICEServersReturnsStunEntry(t *testing.T) {
	h := newTestHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/ice-servers", h.handleICEServers)

	req := httptest.NewRequest(http.MethodGet, "/app/ice-servers", nil)
	req.Header.Set(secretHeaderKey, tokencodec.Encode(1, "correct-secret"))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stun:stun.example.com")
}

func TestHandleICEServersRejectsBadToken(t *testing.T) {
	h := newTestHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/ice-servers", h.handleICEServers)

	req := httptest.NewRequest(http.MethodGet, "/app/ice-servers", nil)
	req.Header.Set(secretHeaderKey, "garbage")
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"message":"Invalid token"}`, rec.Body.String())
}

func TestRoutesHealthz(t *testing.T) {
	h := newTestHandler()
	router := Routes(h, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRoutesSetsRequestIDHeader(t *testing.T) {
	h := newTestHandler()
	router := Routes(h, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
