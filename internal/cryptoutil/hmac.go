package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACSHA256Hex computes HMAC-SHA256 of msg under key as lowercase hex.
func HMACSHA256Hex(key, msg []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyHMACSHA256Hex reports whether providedHex is the HMAC-SHA256 of msg
// under key. Hex case is ignored; the MAC comparison is constant time.
func VerifyHMACSHA256Hex(key, msg []byte, providedHex string) bool {
	provided, err := hex.DecodeString(providedHex)
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return hmac.Equal(m.Sum(nil), provided)
}
