package signing

import (
	"encoding/base64"
	"strings"

	"github.com/keithlinneman/reqguard/internal/cryptoutil"
)

// Canonical holds the fields covered by a request signature.
type Canonical struct {
	Method    string
	Path      string
	RawQuery  string
	Timestamp string
	Nonce     string
	Body      []byte
}

// String renders the exact byte sequence that is signed.
func (c Canonical) String() string {
	body := ""
	if len(c.Body) > 0 {
		body = base64.StdEncoding.EncodeToString(c.Body)
	}
	return Canonicalize(c.Method, c.Path, c.RawQuery, c.Timestamp, c.Nonce, body)
}

// Canonicalize joins the six fields with newlines in signing order. bodyB64 is
// the already-encoded body, or "" when there is none.
func Canonicalize(method, path, rawQuery, timestamp, nonce, bodyB64 string) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(rawQuery) + len(timestamp) + len(nonce) + len(bodyB64) + 5)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(rawQuery)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(bodyB64)
	return b.String()
}

// Sign returns the lowercase hex HMAC-SHA256 of canonical under secret.
func Sign(secret []byte, canonical string) string {
	return cryptoutil.HMACSHA256Hex(secret, []byte(canonical))
}

// Verify reports whether provided is the signature of canonical under
// secret, comparing in constant time.
func Verify(secret []byte, canonical, provided string) bool {
	return cryptoutil.VerifyHMACSHA256Hex(secret, []byte(canonical), provided)
}
