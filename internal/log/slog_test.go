package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/reqguard/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	opts.JsonFormat = true
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// lastRecord parses the last JSON line written to buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

func TestNew_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "reqguard", Version: "1.4.0", Commit: "abc123"})

	l.Info(context.Background(), "started")

	m := lastRecord(t, &buf)
	if m["app"] != "reqguard" || m["version"] != "1.4.0" || m["commit"] != "abc123" {
		t.Fatalf("base attrs = %v", m)
	}
	if _, ok := m["build_id"]; ok {
		t.Fatal("empty build_id should be omitted")
	}
	if _, ok := m["source"]; !ok {
		t.Fatal("source should be recorded")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", Level: slog.LevelWarn})
	ctx := context.Background()

	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	if buf.Len() != 0 {
		t.Fatalf("debug/info written at warn level: %s", buf.String())
	}
	l.Warn(ctx, "w")
	if lastRecord(t, &buf)["msg"] != "w" {
		t.Fatal("warn not written")
	}
}

func TestWith_CopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "t"})
	a := base.With("stage", "signature")
	_ = base.With("stage", "threat", 42, "ignored", "dangling")

	a.Info(context.Background(), "x")
	m := lastRecord(t, &buf)
	if m["stage"] != "signature" {
		t.Fatalf("stage = %v, want signature", m["stage"])
	}

	buf.Reset()
	base.Info(context.Background(), "y")
	if _, ok := lastRecord(t, &buf)["stage"]; ok {
		t.Fatal("child attrs leaked into parent")
	}
}

func TestRedact_CredentialKeys(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", Redact: []string{"X-API-Key"}}).With("session_id", "s-123")

	l.Warn(context.Background(), "rejected",
		"Signature", "deadbeef",
		"x-api-key", "client-1",
		"path", "/api/orders",
	)

	m := lastRecord(t, &buf)
	for _, k := range []string{"session_id", "Signature", "x-api-key"} {
		if m[k] != Redacted {
			t.Errorf("%s = %v, want redacted", k, m[k])
		}
	}
	if m["path"] != "/api/orders" {
		t.Errorf("path = %v", m["path"])
	}
	if strings.Contains(buf.String(), "deadbeef") || strings.Contains(buf.String(), "s-123") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
}

func TestRedact_Groups(t *testing.T) {
	h := newRedactHandler(slog.NewJSONHandler(&bytes.Buffer{}, nil), nil)
	got := h.mask(slog.Group("headers", slog.String("Authorization", "Bearer t"), slog.String("accept", "json")))

	want := map[string]string{"Authorization": Redacted, "accept": "json"}
	for _, a := range got.Value.Group() {
		if a.Value.String() != want[a.Key] {
			t.Errorf("%s = %q, want %q", a.Key, a.Value.String(), want[a.Key])
		}
	}
}

func TestError_Enrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", IncludeErrorLinks: true, MaxErrorLinks: 4})

	root := errors.New("connection refused")
	err := xerrors.Wrap(fmt.Errorf("dial redis: %w", root), "nonce store")
	l.Error(context.Background(), err, "store failed", "stage", "nonce")

	m := lastRecord(t, &buf)
	if m["cause_type"] != "*errors.errorString" {
		t.Errorf("cause_type = %v", m["cause_type"])
	}
	if m["error_type"] != "*errors.errorString" {
		t.Errorf("error_type = %v (wrappers should be skipped)", m["error_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Errorf("error_chain = %v", chain)
	}
	links, _ := m["error_links"].([]any)
	if len(links) == 0 {
		t.Fatal("error_links missing")
	}
	first, _ := links[0].(map[string]any)
	if !strings.Contains(fmt.Sprint(first["file"]), "slog_test.go") {
		t.Errorf("first link should point at the Wrap call site, got %v", first)
	}
	if s, _ := m["stack"].(string); s == "" {
		t.Error("stack missing at error level")
	}
}

func TestError_NilErrorAndLinksDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t"})

	l.Error(context.Background(), nil, "odd")
	m := lastRecord(t, &buf)
	if _, ok := m["err"]; ok {
		t.Fatal("nil error should add no err attr")
	}

	l.Error(context.Background(), errors.New("x"), "plain")
	if _, ok := lastRecord(t, &buf)["error_links"]; ok {
		t.Fatal("error_links present while disabled")
	}
}

func TestOtelHandler_TraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t"})

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	l.Info(ctx, "traced")
	m := lastRecord(t, &buf)
	if m["trace_id"] != traceID.String() || m["span_id"] != spanID.String() {
		t.Fatalf("trace fields = %v / %v", m["trace_id"], m["span_id"])
	}

	l.Info(context.Background(), "untraced")
	if _, ok := lastRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("trace_id without a span")
	}
}

func TestStackHandler_Threshold(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", StacktraceLevel: slog.LevelWarn})

	l.Info(context.Background(), "i")
	if _, ok := lastRecord(t, &buf)["stack"]; ok {
		t.Fatal("stack below threshold")
	}
	l.Warn(context.Background(), "w")
	s, _ := lastRecord(t, &buf)["stack"].(string)
	if s == "" || strings.Contains(s, "slogLogger") {
		t.Fatalf("stack should skip logger frames, got:\n%s", s)
	}
}

func TestErrorChain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"single", errors.New("a"), 1},
		{"wrapped", fmt.Errorf("b: %w", errors.New("a")), 2},
		{"duplicate messages", xerrors.EnsureTrace(errors.New("a")), 1},
		{"joined", errors.Join(errors.New("a"), errors.New("b")), 3},
		{"nil", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorChain(tt.err); len(got) != tt.want {
				t.Fatalf("errorChain = %q, want %d entries", got, tt.want)
			}
		})
	}
}

func TestChainLinks_RespectsMax(t *testing.T) {
	err := xerrors.Wrap(xerrors.Wrap(xerrors.New("root"), "mid"), "top")
	if got := chainLinks(err, 2); len(got) != 2 {
		t.Fatalf("links = %d, want 2", len(got))
	}
	if got := chainLinks(err, 0); len(got) != 3 {
		t.Fatalf("unbounded links = %d, want 3", len(got))
	}
	if got := chainLinks(nil, 4); len(got) != 0 {
		t.Fatalf("nil links = %v", got)
	}
}

func TestClassifyTypes_Nil(t *testing.T) {
	if s, r := classifyTypes(nil); s != "" || r != "" {
		t.Fatalf("classifyTypes(nil) = %q, %q", s, r)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{" INFO ", slog.LevelInfo, false},
		{"Warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNop_Safe(t *testing.T) {
	l := Nop().With("k", "v", "odd")
	ctx := context.Background()
	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")
	l.Error(ctx, nil, "e")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
