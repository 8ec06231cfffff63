package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/keithlinneman/reqguard/internal/clock"
)

type memEntry struct {
	val []byte
	exp time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.exp.IsZero() && !now.Before(e.exp)
}

// sweepEvery controls how many writes pass between expired-entry sweeps.
const sweepEvery = 1024

// Memory is an in-process Store. Expiry is evaluated lazily against the
// injected clock, with an occasional sweep on write, so it never runs a
// background goroutine.
type Memory struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]memEntry
	writes  int
}

// NewMemory returns an empty Memory store. A nil clock uses wall time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System()
	}
	return &Memory{clk: clk, entries: make(map[string]memEntry)}
}

func (m *Memory) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// lookupLocked returns the live entry for key, dropping it if expired.
func (m *Memory) lookupLocked(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) putLocked(key string, e memEntry, now time.Time) {
	m.entries[key] = e
	m.writes++
	if m.writes%sweepEvery == 0 {
		for k, v := range m.entries {
			if v.expired(now) {
				delete(m.entries, k)
			}
		}
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key, m.clk.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	m.putLocked(key, memEntry{val: append([]byte(nil), val...), exp: m.expiry(now, ttl)}, now)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	if _, ok := m.lookupLocked(key, now); ok {
		return false, nil
	}
	m.putLocked(key, memEntry{val: append([]byte(nil), val...), exp: m.expiry(now, ttl)}, now)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()

	var cur int64
	e, ok := m.lookupLocked(key, now)
	if ok {
		n, err := strconv.ParseInt(string(e.val), 10, 64)
		if err != nil {
			return 0, false, err
		}
		cur = n
	}
	if cur >= limit {
		return cur, false, nil
	}
	cur++
	if !ok {
		e.exp = m.expiry(now, ttl)
	}
	e.val = []byte(strconv.FormatInt(cur, 10))
	m.putLocked(key, e, now)
	return cur, true, nil
}

func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()

	e, exists := m.lookupLocked(key, now)
	var cur []byte
	if exists {
		cur = append([]byte(nil), e.val...)
	}
	next, err := fn(cur, exists)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.entries, key)
		return nil
	}
	if !exists {
		e.exp = m.expiry(now, ttl)
	}
	e.val = append([]byte(nil), next...)
	m.putLocked(key, e, now)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
