package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/keithlinneman/reqguard/internal/signing"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// signSecretEnv holds the api key secret for -sign so it stays out of shell history.
const signSecretEnv = "REQGUARD_SIGN_SECRET"

type signFlags struct {
	enabled bool
	keyID   string
	method  string
	target  string
	body    string
}

func (f *signFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&f.enabled, "sign", false, "Print signature headers for a sample request and exit (secret read from "+signSecretEnv+")")
	fs.StringVar(&f.keyID, "sign-key-id", "", "api key id for -sign")
	fs.StringVar(&f.method, "sign-method", http.MethodGet, "http method for -sign")
	fs.StringVar(&f.target, "sign-target", "/", "request path and query for -sign")
	fs.StringVar(&f.body, "sign-body", "", "request body for -sign")
}

func (f *signFlags) run(w io.Writer, now time.Time, nonce string) error {
	return writeSignature(w, signRequest{
		KeyID:  f.keyID,
		Secret: []byte(os.Getenv(signSecretEnv)),
		Method: f.method,
		Target: f.target,
		Body:   []byte(f.body),
	}, now, nonce)
}

// signRequest describes the sample request printed by -sign.
type signRequest struct {
	KeyID  string
	Secret []byte
	Method string
	Target string // path with optional query, e.g. /api/orders?page=2
	Body   []byte
}

// writeSignature prints the canonical string and the headers a client must
// send for req at time now with the given nonce.
func writeSignature(w io.Writer, req signRequest, now time.Time, nonce string) error {
	if req.KeyID == "" {
		return xerrors.New("sign: key id is required")
	}
	if len(req.Secret) == 0 {
		return xerrors.New("sign: secret is required")
	}
	u, err := url.ParseRequestURI(req.Target)
	if err != nil {
		return xerrors.Wrapf(err, "sign: parse target %q", req.Target)
	}

	c := signing.Canonical{
		Method:    req.Method,
		Path:      u.EscapedPath(),
		RawQuery:  u.RawQuery,
		Timestamp: strconv.FormatInt(now.Unix(), 10),
		Nonce:     nonce,
		Body:      req.Body,
	}
	canonical := c.String()

	h := http.Header{}
	signing.SetHeaders(h, req.KeyID, signing.Sign(req.Secret, canonical), c.Timestamp, c.Nonce)

	fmt.Fprintf(w, "canonical string (%d bytes, fields separated by \\n):\n%q\n\nheaders:\n", len(canonical), canonical)
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "%s: %s\n", k, h.Get(k))
	}
	return nil
}
