package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		incoming string
		keep     bool
	}{
		{"missing", "", "", false},
		{"valid upstream id", "", "alb-1-67a8f2c3.trace_01", true},
		{"custom header", "X-Correlation-Id", "abc-123", true},
		{"max length", "", strings.Repeat("a", 64), true},
		{"too long", "", strings.Repeat("a", 65), false},
		{"log injection", "", "abc\nlevel=error msg=forged", false},
		{"spaces", "", "abc def", false},
		{"html", "", "<script>", false},
		{"unicode", "", "ïd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := tt.header
			if hdr == "" {
				hdr = "X-Request-Id"
			}
			var ctxID string
			h := RequestID(tt.header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header[hdr] = []string{tt.incoming}
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if got := w.Header().Get(hdr); got != ctxID {
				t.Fatalf("response %q != context %q", got, ctxID)
			}
			if tt.keep {
				if ctxID != tt.incoming {
					t.Fatalf("id = %q, want upstream %q", ctxID, tt.incoming)
				}
				return
			}
			if _, err := uuid.Parse(ctxID); err != nil {
				t.Fatalf("generated id %q is not a uuid: %v", ctxID, err)
			}
		})
	}
}

func TestRequestID_Unique(t *testing.T) {
	seen := map[string]bool{}
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		id := w.Header().Get("X-Request-Id")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	if WithRequestID(ctx, "") != ctx {
		t.Fatal("empty id should leave ctx untouched")
	}
	if got := RequestIDFromContext(WithRequestID(ctx, "r-1")); got != "r-1" {
		t.Fatalf("got %q", got)
	}
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("bare ctx: got %q", got)
	}
}

func FuzzValidRequestID(f *testing.F) {
	f.Add("abc-123")
	f.Add("a\r\nb")
	f.Fuzz(func(t *testing.T, id string) {
		if !validRequestID(id) {
			return
		}
		if len(id) > 64 || strings.ContainsAny(id, " \t\r\n\"<>") {
			t.Fatalf("accepted unsafe id %q", id)
		}
	})
}
