package signing

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/keithlinneman/reqguard/internal/reject"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderAPIKey    = "X-Api-Key"
)

// nonceRe bounds nonce length and charset so arbitrary bytes never reach store keys.
var nonceRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// Headers are the signing fields carried by a request.
type Headers struct {
	APIKey    string
	Signature string
	// Timestamp is the header value verbatim, as covered by the signature.
	Timestamp string
	Unix      int64
	Nonce     string
}

// ParseHeaders extracts signing headers. Any missing header is
// MissingSignature; a malformed timestamp or nonce is InvalidSignature.
func ParseHeaders(h http.Header) (Headers, error) {
	out := Headers{
		APIKey:    strings.TrimSpace(h.Get(HeaderAPIKey)),
		Signature: strings.TrimSpace(h.Get(HeaderSignature)),
		Timestamp: strings.TrimSpace(h.Get(HeaderTimestamp)),
		Nonce:     strings.TrimSpace(h.Get(HeaderNonce)),
	}
	if out.APIKey == "" || out.Signature == "" || out.Timestamp == "" || out.Nonce == "" {
		return Headers{}, &reject.AuthenticationError{Reason: reject.MissingSignature}
	}

	ts, err := strconv.ParseInt(out.Timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return Headers{}, &reject.AuthenticationError{Reason: reject.InvalidSignature}
	}
	out.Unix = ts

	if !nonceRe.MatchString(out.Nonce) {
		return Headers{}, &reject.AuthenticationError{Reason: reject.InvalidSignature}
	}
	return out, nil
}

// SetHeaders writes signing headers onto an outgoing request. Used by clients
// and the -sign helper.
func SetHeaders(h http.Header, apiKey, signature, timestamp, nonce string) {
	h.Set(HeaderAPIKey, apiKey)
	h.Set(HeaderSignature, signature)
	h.Set(HeaderTimestamp, timestamp)
	h.Set(HeaderNonce, nonce)
}
