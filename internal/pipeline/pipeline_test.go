package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/keithlinneman/reqguard/internal/apiversion"
	"github.com/keithlinneman/reqguard/internal/audit"
	"github.com/keithlinneman/reqguard/internal/cfg"
	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/signing"
	"github.com/keithlinneman/reqguard/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testKeyID  = "client-1"
	testSecret = "0123456789abcdef0123456789abcdef"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// spyMetrics counts every call as "method:labels".
type spyMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newSpyMetrics() *spyMetrics { return &spyMetrics{counts: map[string]int{}} }

func (s *spyMetrics) inc(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
}

func (s *spyMetrics) get(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func (s *spyMetrics) IncRejection(kind, code string)    { s.inc("rejection:" + kind + "/" + code) }
func (s *spyMetrics) IncRateLimitDenied(class string)   { s.inc("ratelimit_denied:" + class) }
func (s *spyMetrics) IncRateLimitCapacity(class string) { s.inc("ratelimit_capacity:" + class) }
func (s *spyMetrics) IncViolation(typ, severity string) { s.inc("violation:" + typ + "/" + severity) }
func (s *spyMetrics) IncUploadProblem(reason string)    { s.inc("upload:" + reason) }
func (s *spyMetrics) IncStoreError(stage string)        { s.inc("store_error:" + stage) }
func (s *spyMetrics) IncSlowRequest()                   { s.inc("slow") }
func (s *spyMetrics) IncSnapshotError()                 { s.inc("snapshot_error") }

// nonceDownStore serves everything except nonce writes.
type nonceDownStore struct {
	*store.Memory
}

func (nonceDownStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}

func testPolicy() cfg.Policy {
	p := cfg.DefaultPolicy()
	p.Signature.Keys = map[string]string{testKeyID: testSecret}
	return p
}

type harness struct {
	clk     *clock.Fake
	mem     *store.Memory
	metrics *spyMetrics
	pl      *Pipeline
	handler http.Handler

	mu       sync.Mutex
	received [][]byte
}

func newHarness(t *testing.T, p cfg.Policy, wrap func(*store.Memory) store.Store) *harness {
	t.Helper()
	h := &harness{
		clk:     clock.NewFake(t0),
		metrics: newSpyMetrics(),
	}
	h.mem = store.NewMemory(h.clk)
	var s store.Store = h.mem
	if wrap != nil {
		s = wrap(h.mem)
	}

	pl, err := New(p, Deps{Store: s, Metrics: h.metrics, Clock: h.clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.pl = pl

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.received = append(h.received, b)
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	h.handler = httpmw.ClientIP(pl.Handler(echo))
	return h
}

func (h *harness) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) signed(method, target, body, nonce string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ts := strconv.FormatInt(h.clk.Now().Unix(), 10)
	c := signing.Canonical{
		Method:    method,
		Path:      req.URL.EscapedPath(),
		RawQuery:  req.URL.RawQuery,
		Timestamp: ts,
		Nonce:     nonce,
		Body:      []byte(body),
	}
	req.Header.Set(signing.HeaderAPIKey, testKeyID)
	req.Header.Set(signing.HeaderTimestamp, ts)
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSignature, signing.Sign([]byte(testSecret), c.String()))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiversion.HeaderVersion, "2.0")
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	if body["error"] == nil || body["message"] == nil {
		t.Fatalf("rejection body missing error/message: %v", body)
	}
	return body
}

func stageNames(pl *Pipeline) []Name {
	var names []Name
	for _, s := range pl.Stages() {
		names = append(names, s.Name)
	}
	return names
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(testPolicy(), Deps{}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestStages_Order(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	want := []Name{
		StageRecorder, StageCORS, StageVersion, StageRateLimit, StageBody,
		StageSignature, StageThreat, StageUpload, StageSession,
	}
	if diff := cmp.Diff(want, stageNames(h.pl)); diff != "" {
		t.Fatalf("stage order (-want +got):\n%s", diff)
	}
}

func TestStages_DisabledStagesOmitted(t *testing.T) {
	p := testPolicy()
	p.Threat.Enabled = false
	p.Session.Enabled = false
	h := newHarness(t, p, nil)

	want := []Name{StageRecorder, StageCORS, StageVersion, StageRateLimit, StageBody, StageSignature, StageUpload}
	if diff := cmp.Diff(want, stageNames(h.pl)); diff != "" {
		t.Fatalf("stage order (-want +got):\n%s", diff)
	}
	if h.pl.Sessions != nil {
		t.Fatal("session guard built while disabled")
	}
}

func TestEndToEnd_SignedPostThenReplay(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	body := `{"item":"widget","qty":2}`

	rec := h.do(h.signed(http.MethodPost, "/api/orders", body, "nonce-0001"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != body {
		t.Fatalf("handler saw %q, want body unmodified %q", rec.Body.String(), body)
	}
	if rec.Header().Get(audit.ResponseTimeHeader) == "" {
		t.Error("X-Response-Time missing")
	}
	if got := rec.Header().Get(apiversion.HeaderVersion); got != "2.0" {
		t.Errorf("%s = %q, want 2.0", apiversion.HeaderVersion, got)
	}

	replayed := h.do(h.signed(http.MethodPost, "/api/orders", body, "nonce-0001"))
	if replayed.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", replayed.Code)
	}
	errorCode(t, replayed)
	if h.calls() != 1 {
		t.Fatalf("handler called %d times, want 1", h.calls())
	}
	if got := h.metrics.get("rejection:authentication/replay_or_expired"); got != 1 {
		t.Fatalf("replay rejection metric = %d, want 1", got)
	}
}

func TestEndToEnd_ExpiredTimestamp(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	req := h.signed(http.MethodPost, "/api/orders", `{}`, "nonce-0002")
	h.clk.Advance(10 * time.Minute)

	rec := h.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if h.calls() != 0 {
		t.Fatal("handler reached with stale timestamp")
	}
}

func TestEndToEnd_UnsignedRejected(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/orders", http.NoBody)

	rec := h.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := h.metrics.get("rejection:authentication/missing_signature"); got != 1 {
		t.Fatalf("missing signature metric = %d, want 1", got)
	}
}

func TestEndToEnd_UnprotectedPathPasses(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/public/status", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestEndToEnd_ThreatBlockedAfterSignature(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	rec := h.do(h.signed(http.MethodPost, "/api/search", `{"q": "1; DROP TABLE users"}`, "nonce-0003"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := errorCode(t, rec)
	if body["message"] != "Malicious input detected" {
		t.Fatalf("message = %v", body["message"])
	}
	if h.calls() != 0 {
		t.Fatal("handler reached with malicious body")
	}
	if h.metrics.get("violation:sql_injection/critical") == 0 {
		t.Fatal("violation metric not recorded")
	}
	if h.metrics.get("rejection:validation/threat_detected") != 1 {
		t.Fatal("rejection metric not recorded")
	}
}

func TestEndToEnd_RateLimitRunsBeforeSignature(t *testing.T) {
	p := testPolicy()
	p.RateLimit.Classes["api"] = cfg.LimitClass{Max: 2, Window: time.Minute}
	h := newHarness(t, p, nil)

	var codes []int
	for i := 0; i < 3; i++ {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/api/orders", http.NoBody))
		codes = append(codes, rec.Code)
	}
	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Fatalf("status codes (-want +got):\n%s", diff)
	}
	if h.metrics.get("ratelimit_denied:api") != 1 {
		t.Fatal("denial metric not recorded")
	}

	// fixed window resets
	h.clk.Advance(time.Minute + time.Second)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/orders", http.NoBody))
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("limit did not reset after window")
	}
}

func TestEndToEnd_OversizedBody(t *testing.T) {
	p := testPolicy()
	p.MaxBodyBytes = 64
	h := newHarness(t, p, nil)

	rec := h.do(h.signed(http.MethodPost, "/api/orders", strings.Repeat("x", 100), "nonce-0004"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	errorCode(t, rec)
}

func TestEndToEnd_SunsetVersion(t *testing.T) {
	p := testPolicy()
	p.Versions.Versions[0].Deprecates = t0.Add(-48 * time.Hour)
	p.Versions.Versions[0].Sunset = t0.Add(-24 * time.Hour)
	h := newHarness(t, p, nil)

	req := h.signed(http.MethodPost, "/api/orders", `{}`, "nonce-0005")
	req.Header.Set(apiversion.HeaderVersion, "1.0")
	rec := h.do(req)

	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	if h.calls() != 0 {
		t.Fatal("handler reached for sunset version")
	}
}

func TestEndToEnd_NonceStoreOutageFailsClosed(t *testing.T) {
	h := newHarness(t, testPolicy(), func(m *store.Memory) store.Store {
		return nonceDownStore{Memory: m}
	})

	rec := h.do(h.signed(http.MethodPost, "/api/orders", `{}`, "nonce-0006"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 while nonce store is down", rec.Code)
	}
	if h.calls() != 0 {
		t.Fatal("handler reached without replay protection")
	}
	if h.metrics.get("store_error:nonce") != 1 {
		t.Fatal("nonce store error not counted")
	}
}

func TestEndToEnd_SnapshotRecorded(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	h.do(h.signed(http.MethodPost, "/api/orders", `{}`, "nonce-0007"))
	h.do(httptest.NewRequest(http.MethodGet, "/api/orders", http.NoBody))

	snap, err := h.pl.Recorder.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Requests != 2 || snap.Rejections != 1 {
		t.Fatalf("snapshot = %+v, want 2 requests and 1 rejection", snap)
	}
}
