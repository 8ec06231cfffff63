package log

import (
	"bytes"
	"context"
	"testing"
)

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	stored := newTestLogger(t, &buf, Options{App: "t"}).With("request_id", "r-1")

	parent := context.Background()
	ctx := WithContext(parent, stored)

	FromContext(ctx).Info(ctx, "hit")
	if lastRecord(t, &buf)["request_id"] != "r-1" {
		t.Fatal("FromContext did not return the stored logger")
	}

	if _, ok := FromContext(parent).(nopLogger); !ok {
		t.Fatal("parent context should fall back to Nop")
	}
	if _, ok := FromContext(WithContext(parent, nil)).(nopLogger); !ok {
		t.Fatal("nil logger should fall back to Nop")
	}
	if _, ok := FromContext(context.WithValue(parent, ctxKey{}, "not a logger")).(nopLogger); !ok {
		t.Fatal("wrong value type should fall back to Nop")
	}
}
