// Package ice derives STUN/TURN server configuration, including time-limited
// TURN credentials in the coturn shared-secret format.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
)

// Config carries the environment inputs that shape ICE server derivation.
type Config struct {
	StunURL                 string
	TurnURL                 string
	TurnAuth                string
	TurnAuthExpirationHours int
}

// Server is a browser-shaped ICE server entry, as returned by the
// GET /app/ice-servers endpoint.
type Server struct {
	URLs           []string `json:"urls"`
	Username       string   `json:"username,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	CredentialType string   `json:"credentialType,omitempty"`
}

// Provider produces ICE server lists for both pion's PeerConnection
// configuration and the browser-facing JSON endpoint.
type Provider struct {
	cfg Config
}

// NewProvider wraps cfg. TurnAuthExpirationHours defaults to 3 when zero.
func NewProvider(cfg Config) *Provider {
	if cfg.TurnAuthExpirationHours == 0 {
		cfg.TurnAuthExpirationHours = 3
	}
	return &Provider{cfg: cfg}
}

// ICEServers produces the list consumed by webrtc.Configuration.ICEServers,
// deriving fresh TURN credentials for the given session name (the core
// always passes the literal "sfu").
func (p *Provider) ICEServers(name string) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:" + p.cfg.StunURL}},
	}

	if p.cfg.TurnURL != "" && p.cfg.TurnAuth != "" {
		username, credential := p.generateCredential(name)
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{"turn:" + p.cfg.TurnURL},
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return servers
}

// BrowserICEServers is the JSON-shaped equivalent returned by the HTTP edge.
// Empty STUN/TURN fields are simply omitted rather than sent as "".
func (p *Provider) BrowserICEServers(name string) []Server {
	servers := []Server{
		{URLs: []string{"stun:" + p.cfg.StunURL}},
	}

	if p.cfg.TurnURL != "" && p.cfg.TurnAuth != "" {
		username, credential := p.generateCredential(name)
		servers = append(servers, Server{
			URLs:           []string{"turn:" + p.cfg.TurnURL},
			Username:       username,
			Credential:     credential,
			CredentialType: "password",
		})
	}

	return servers
}

// generateCredential implements the coturn REST API shared-secret scheme:
// username = "<unix-expiry>:<name>", credential = base64(HMAC-SHA1(secret, username)).
func (p *Provider) generateCredential(name string) (username, credential string) {
	expiry := time.Now().Add(time.Duration(p.cfg.TurnAuthExpirationHours) * time.Hour).Unix()
	username = strconv.FormatInt(expiry, 10) + ":" + name

	mac := hmac.New(sha1.New, []byte(p.cfg.TurnAuth))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return username, credential
}

// VerifyCredential recomputes the HMAC for a previously issued username and
// reports whether it matches, and whether the embedded expiry has passed.
// Exercised by tests asserting TURN credential format (spec §8 property 6).
func VerifyCredential(turnAuth, username, credential string) (valid bool, expired bool, err error) {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return false, false, fmt.Errorf("malformed turn username %q", username)
	}

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false, false, fmt.Errorf("malformed turn username expiry %q: %w", parts[0], err)
	}

	mac := hmac.New(sha1.New, []byte(turnAuth))
	mac.Write([]byte(username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(want), []byte(credential)), time.Now().Unix() > expiry, nil
}
