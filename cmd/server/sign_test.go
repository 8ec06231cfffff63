package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/reqguard/internal/signing"
)

func TestWriteSignature(t *testing.T) {
	var out bytes.Buffer
	req := signRequest{
		KeyID:  "client-1",
		Secret: []byte("0123456789abcdef"),
		Method: "POST",
		Target: "/api/orders?page=2",
		Body:   []byte(`{"qty":1}`),
	}
	now := time.Unix(1_760_000_000, 0)

	if err := writeSignature(&out, req, now, "nonce-abcdef"); err != nil {
		t.Fatalf("writeSignature: %v", err)
	}

	canonical := signing.Canonical{
		Method:    "POST",
		Path:      "/api/orders",
		RawQuery:  "page=2",
		Timestamp: "1760000000",
		Nonce:     "nonce-abcdef",
		Body:      []byte(`{"qty":1}`),
	}.String()
	want := signing.Sign(req.Secret, canonical)

	got := out.String()
	if !strings.Contains(got, signing.HeaderSignature+": "+want) {
		t.Fatalf("output missing signature %s:\n%s", want, got)
	}
	for _, h := range []string{signing.HeaderAPIKey + ": client-1", signing.HeaderTimestamp + ": 1760000000", signing.HeaderNonce + ": nonce-abcdef"} {
		if !strings.Contains(got, h) {
			t.Errorf("output missing %q", h)
		}
	}
}

func TestWriteSignature_Errors(t *testing.T) {
	base := signRequest{KeyID: "k", Secret: []byte("s"), Method: "GET", Target: "/api/x"}
	tests := []struct {
		name   string
		mutate func(*signRequest)
	}{
		{"missing key id", func(r *signRequest) { r.KeyID = "" }},
		{"missing secret", func(r *signRequest) { r.Secret = nil }},
		{"relative target", func(r *signRequest) { r.Target = "api/x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			var out bytes.Buffer
			if err := writeSignature(&out, r, time.Now(), "nonce-12345678"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSignFlags_ReadsSecretFromEnv(t *testing.T) {
	t.Setenv(signSecretEnv, "0123456789abcdef")
	f := signFlags{keyID: "client-1", method: "GET", target: "/status"}

	var out bytes.Buffer
	now := time.Unix(1_760_000_000, 0)
	if err := f.run(&out, now, "nonce-123456"); err != nil {
		t.Fatalf("run: %v", err)
	}

	canonical := signing.Canonical{Method: "GET", Path: "/status", Timestamp: "1760000000", Nonce: "nonce-123456"}.String()
	want := signing.Sign([]byte("0123456789abcdef"), canonical)
	if !strings.Contains(out.String(), want) {
		t.Fatalf("output missing signature %q:\n%s", want, out.String())
	}
}

func TestSignFlags_MissingSecret(t *testing.T) {
	t.Setenv(signSecretEnv, "")
	f := signFlags{keyID: "client-1", method: "GET", target: "/"}
	if err := f.run(&bytes.Buffer{}, time.Now(), "nonce-123456"); err == nil {
		t.Fatal("expected error without a secret")
	}
}
