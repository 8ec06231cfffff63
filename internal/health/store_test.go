package health

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/reqguard/internal/store"
)

// pingStore is a memory store whose Ping can be switched off.
type pingStore struct {
	*store.Memory
	fail atomic.Bool
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.fail.Load() {
		return errors.New("dial tcp 10.0.0.5:6379: connection refused")
	}
	return nil
}

// slowStore blocks Ping until the context ends.
type slowStore struct{ *store.Memory }

func (slowStore) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStoreProbe_Up(t *testing.T) {
	p := StoreProbe(&pingStore{Memory: store.NewMemory(nil)}, time.Second)
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestStoreProbe_DownHidesDriverError(t *testing.T) {
	s := &pingStore{Memory: store.NewMemory(nil)}
	s.fail.Store(true)

	err := StoreProbe(s, time.Second).Check(context.Background())
	if err == nil {
		t.Fatal("expected error while store is down")
	}
	if strings.Contains(err.Error(), "10.0.0.5") {
		t.Fatalf("probe leaked driver detail: %q", err.Error())
	}
}

func TestStoreProbe_Timeout(t *testing.T) {
	p := StoreProbe(slowStore{Memory: store.NewMemory(nil)}, 20*time.Millisecond)

	start := time.Now()
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("probe did not honor its timeout")
	}
}

func TestStoreProbe_NilStore(t *testing.T) {
	if err := StoreProbe(nil, 0).Check(context.Background()); err == nil {
		t.Fatal("nil store should not be ready")
	}
}
