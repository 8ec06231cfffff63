// Package signing verifies HMAC-signed requests.
//
// A client signs the canonical string
//
//	METHOD \n PATH \n RAW_QUERY \n TIMESTAMP \n NONCE \n BASE64(BODY)
//
// with HMAC-SHA256 under the secret identified by X-Api-Key and sends the hex
// digest in X-Signature, alongside X-Timestamp (unix seconds) and X-Nonce.
//
// The canonical form is frozen:
//   - PATH is the escaped request path exactly as sent (r.URL.EscapedPath()).
//   - RAW_QUERY is the literal query string without the leading '?', never
//     re-ordered or re-encoded.
//   - TIMESTAMP is the X-Timestamp header value verbatim.
//   - BODY is the raw request bytes as received, standard base64 with padding,
//     or the empty string when there is no body. Bodies are never decoded and
//     re-serialized before signing.
package signing
