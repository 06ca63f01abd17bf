package api

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
)

// Query parameters that never participate in the signature. body_md5 is
// recomputed from the actual body instead of trusted from the query.
var unsignedParams = map[string]struct{}{
	"auth_signature": {},
	"body_md5":       {},
	"appId":          {},
	"appKey":         {},
	"channelName":    {},
}

// Sign computes the control API signature: the uppercased method, the
// request path and the sorted query pairs, joined by newlines, keyed with
// the application secret.
func Sign(secret, method, path string, params map[string]string, body []byte) string {
	filtered := make(map[string]string, len(params)+1)
	for k, v := range params {
		if _, skip := unsignedParams[k]; skip {
			continue
		}
		filtered[k] = v
	}
	if len(body) > 0 {
		sum := md5.Sum(body)
		filtered["body_md5"] = hex.EncodeToString(sum[:])
	}

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+filtered[k])
	}

	base := strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(pairs, "&")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the auth_signature query parameter against the
// value recomputed from the request.
func VerifySignature(app *apps.Application, method, path string, query url.Values, body []byte) error {
	provided := []byte(query.Get("auth_signature"))
	if len(provided) == 0 {
		return fmt.Errorf("missing auth_signature")
	}

	params := make(map[string]string, len(query))
	for k, vals := range query {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	expected := []byte(Sign(app.Secret, method, path, params, body))

	// Equal-length comparison is constant-time. A length mismatch fails, but
	// only after a dummy comparison so the timing stays length-independent.
	if len(provided) != len(expected) {
		hmac.Equal(expected, expected)
		return fmt.Errorf("signature mismatch")
	}
	if !hmac.Equal(provided, expected) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
