// Package tokencodec decodes the opaque member token carried on the HTTP
// auth header and the WS subscribe path.
package tokencodec

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/wchat/sfu/internal/sfuerrors"
)

// Decode parses token as base64url(memberId ":" secret). Any deviation from
// that shape yields sfuerrors.ErrInvalidToken.
func Decode(token string) (memberID int64, secret string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate tokens minted with standard padding too.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return 0, "", fmt.Errorf("%w: not valid base64url", sfuerrors.ErrInvalidToken)
		}
	}

	if !utf8.Valid(raw) {
		return 0, "", fmt.Errorf("%w: not valid UTF-8", sfuerrors.ErrInvalidToken)
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: expected exactly one ':'", sfuerrors.ErrInvalidToken)
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: member id is not an integer", sfuerrors.ErrInvalidToken)
	}

	return id, parts[1], nil
}

// Encode is the inverse of Decode, used by tests and by any caller that needs
// to mint a token for a known (memberID, secret) pair.
func Encode(memberID int64, secret string) string {
	raw := strconv.FormatInt(memberID, 10) + ":" + secret
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}
