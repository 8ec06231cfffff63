package opshttp

import (
	"context"
	"net/http"

	"github.com/keithlinneman/reqguard/internal/audit"
	"github.com/keithlinneman/reqguard/internal/health"
)

// SnapshotSource reads the rolling request snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (audit.Snapshot, error)
}

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Snapshot, when set, is served as JSON at /-/snapshot.
	Snapshot     SnapshotSource
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters
}
