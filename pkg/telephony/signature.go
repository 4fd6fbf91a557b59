package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the Twilio webhook request signature
const SignatureHeader = "X-Twilio-Signature"

// ErrBadSignature is returned for webhook requests not signed with the account auth token
var ErrBadSignature = errors.New("invalid twilio signature")

// Sign computes the Twilio signature of a webhook request: HMAC-SHA1 keyed
// with the auth token over the full URL followed by the POST parameters
// sorted by name, base64 encoded.
func Sign(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	h := hmac.New(sha1.New, []byte(authToken))
	h.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ValidateSignature checks a webhook signature in constant time
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) error {
	if signature == "" {
		return ErrBadSignature
	}
	expected := Sign(authToken, fullURL, params)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
