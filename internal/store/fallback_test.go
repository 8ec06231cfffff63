package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/log"
)

// downStore fails every call as if the backend were unreachable.
type downStore struct{}

var errDown = errors.New("dial tcp: connection refused")

func (downStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.Join(ErrUnavailable, errDown)
}
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.Join(ErrUnavailable, errDown)
}
func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.Join(ErrUnavailable, errDown)
}
func (downStore) Delete(context.Context, ...string) error {
	return errors.Join(ErrUnavailable, errDown)
}
func (downStore) IncrBelow(context.Context, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, errors.Join(ErrUnavailable, errDown)
}
func (downStore) Update(context.Context, string, time.Duration, UpdateFunc) error {
	return errors.Join(ErrUnavailable, errDown)
}
func (downStore) Ping(context.Context) error { return errors.Join(ErrUnavailable, errDown) }

type warnCounter struct {
	log.Logger
	warns atomic.Int32
}

func (w *warnCounter) Warn(context.Context, string, ...any) { w.warns.Add(1) }

func TestFallback_DegradesToSecondary(t *testing.T) {
	spy := &warnCounter{Logger: log.Nop()}
	f := NewFallback(downStore{}, NewMemory(clock.NewFake(time.Unix(0, 0))), spy)
	var degraded atomic.Int32
	f.OnDegraded = func(string) { degraded.Add(1) }
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ok, err := f.IncrBelow(ctx, "k", 2, time.Minute)
		if err != nil {
			t.Fatalf("IncrBelow: %v", err)
		}
		if want := i <= 2; ok != want {
			t.Fatalf("call %d ok = %v, want %v (n=%d)", i, ok, want, n)
		}
	}

	if got := degraded.Load(); got != 3 {
		t.Fatalf("OnDegraded calls = %d, want 3", got)
	}
	// throttled to one warning per interval
	if got := spy.warns.Load(); got != 1 {
		t.Fatalf("warn logs = %d, want 1", got)
	}
}

func TestFallback_PingReportsPrimary(t *testing.T) {
	f := NewFallback(downStore{}, NewMemory(nil), nil)
	if err := f.Ping(context.Background()); !IsUnavailable(err) {
		t.Fatalf("Ping err = %v, want unavailable", err)
	}
}

func TestFallback_HealthyPrimaryIsUsed(t *testing.T) {
	primary := NewMemory(nil)
	secondary := NewMemory(nil)
	f := NewFallback(primary, secondary, nil)
	ctx := context.Background()

	if err := f.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if primary.Len() != 1 || secondary.Len() != 0 {
		t.Fatalf("primary=%d secondary=%d, want 1/0", primary.Len(), secondary.Len())
	}
}

func TestFallback_NotFoundIsNotDegraded(t *testing.T) {
	f := NewFallback(NewMemory(nil), NewMemory(nil), nil)
	called := false
	f.OnDegraded = func(string) { called = true }
	if _, err := f.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if called {
		t.Fatal("ErrNotFound must not trigger degradation")
	}
}
