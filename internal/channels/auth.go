package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
)

// VerifyAuth checks the subscription signature for the private and presence
// families. The signed string is "socket_id:channel" or, with channel data,
// "socket_id:channel:channel_data"; the supplied token has the form
// "<app_key>:<hex signature>" and only the portion after the last colon
// participates in the comparison.
func VerifyAuth(app *apps.Application, socketID, channelName, auth, channelData string) error {
	sigStr := socketID + ":" + channelName
	if channelData != "" {
		sigStr += ":" + channelData
	}

	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(sigStr))
	expected := []byte(hex.EncodeToString(mac.Sum(nil)))

	provided := []byte(auth[strings.LastIndex(auth, ":")+1:])

	// Equal-length comparison is constant-time. A length mismatch fails, but
	// only after a dummy comparison so the timing stays length-independent.
	if len(provided) != len(expected) {
		hmac.Equal(expected, expected)
		return protocol.NewError(protocol.CodeUnauthorized, "Connection is unauthorized")
	}
	if !hmac.Equal(provided, expected) {
		return protocol.NewError(protocol.CodeUnauthorized, "Connection is unauthorized")
	}
	return nil
}

// SignChannel produces the auth token a backend would mint for a private or
// presence subscription. The HTTP API tests and local tooling share it.
func SignChannel(app *apps.Application, socketID, channelName, channelData string) string {
	sigStr := socketID + ":" + channelName
	if channelData != "" {
		sigStr += ":" + channelData
	}
	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(sigStr))
	return app.Key + ":" + hex.EncodeToString(mac.Sum(nil))
}
