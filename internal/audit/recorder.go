// Package audit records every request that passes through the gateway: a
// structured audit log line per request, response and panic, plus a shared
// rolling metrics snapshot in the store.
//
// Recording is a side effect. Store failures are counted and logged but
// never change the response.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/store"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// SnapshotKey is the fixed store key of the rolling metrics snapshot.
var SnapshotKey = store.Key(store.NSMetrics, "snapshot")

// Meta identifies the request being recorded.
type Meta struct {
	Method string
	Path   string
	Client string
}

func (m Meta) endpoint() string { return m.Method + " " + m.Path }

// Config configures a Recorder.
type Config struct {
	Store         store.Store
	SnapshotTTL   time.Duration
	SlowThreshold time.Duration
	OpTimeout     time.Duration
	Clock         clock.Clock

	// OnRejection is called for every request a stage refused.
	OnRejection func(kind, code string)
	// OnSlow is called when a request takes longer than SlowThreshold.
	OnSlow func()
	// OnSnapshotError is called when the snapshot update fails.
	OnSnapshotError func()
}

type Recorder struct {
	cfg Config
}

// New returns a Recorder. A nil Store disables the snapshot.
func New(cfg Config) *Recorder {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = time.Hour
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Recorder{cfg: cfg}
}

// elevated reports statuses that are logged at warning level.
func elevated(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return status >= http.StatusInternalServerError
}

func auditLogger(ctx context.Context) log.Logger {
	return log.FromContext(ctx).With("component", "audit")
}

// RecordRequest logs the arrival of a request.
func (rc *Recorder) RecordRequest(ctx context.Context, m Meta) {
	auditLogger(ctx).Debug(ctx, "request received",
		"endpoint", m.endpoint(),
		"client", m.Client,
	)
}

// RecordResponse logs the outcome of a request and folds it into the
// snapshot.
func (rc *Recorder) RecordResponse(ctx context.Context, m Meta, status int, d time.Duration) {
	o := reqmeta.OutcomeFrom(ctx)
	kind, code, rejected := "", "", false
	var violations []string
	if o != nil {
		kind, code, rejected = o.Rejection()
		violations = o.Violations()
	}

	slow := rc.cfg.SlowThreshold > 0 && d > rc.cfg.SlowThreshold
	if slow && rc.cfg.OnSlow != nil {
		rc.cfg.OnSlow()
	}
	if rejected && rc.cfg.OnRejection != nil {
		rc.cfg.OnRejection(kind, code)
	}

	kv := []any{
		"endpoint", m.endpoint(),
		"client", m.Client,
		"status", status,
		"duration_seconds", d.Seconds(),
	}
	if rejected {
		kv = append(kv, "rejection.kind", kind, "rejection.code", code)
	}
	if len(violations) > 0 {
		kv = append(kv, "violations", violations)
	}
	if slow {
		kv = append(kv, "slow", true)
	}

	L := auditLogger(ctx)
	if elevated(status) {
		L.Warn(ctx, "request completed", kv...)
	} else {
		L.Info(ctx, "request completed", kv...)
	}

	rc.updateSnapshot(ctx, sample{
		endpoint:   m.endpoint(),
		status:     status,
		duration:   d,
		rejected:   rejected,
		slow:       slow,
		violations: violations,
		at:         rc.cfg.Clock.Now(),
	})
}

// RecordException logs a request that ended in a panic or internal error.
// The error text goes to the log only.
func (rc *Recorder) RecordException(ctx context.Context, m Meta, err error, d time.Duration) {
	auditLogger(ctx).Error(ctx, xerrors.EnsureTrace(err), "request failed",
		"endpoint", m.endpoint(),
		"client", m.Client,
		"duration_seconds", d.Seconds(),
	)
	rc.updateSnapshot(ctx, sample{
		endpoint: m.endpoint(),
		status:   http.StatusInternalServerError,
		duration: d,
		at:       rc.cfg.Clock.Now(),
	})
}

func (rc *Recorder) updateSnapshot(ctx context.Context, s sample) {
	if rc.cfg.Store == nil {
		return
	}
	// detached from the request so a client disconnect does not drop the update
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.cfg.OpTimeout)
	defer cancel()

	err := rc.cfg.Store.Update(opCtx, SnapshotKey, rc.cfg.SnapshotTTL, func(cur []byte, exists bool) ([]byte, error) {
		return apply(cur, exists, s)
	})
	if err != nil {
		if rc.cfg.OnSnapshotError != nil {
			rc.cfg.OnSnapshotError()
		}
		log.FromContext(ctx).Warn(ctx, "metrics snapshot update failed", "error", err.Error())
	}
}

// Snapshot reads the current aggregate. A missing snapshot is returned as
// an empty one.
func (rc *Recorder) Snapshot(ctx context.Context) (Snapshot, error) {
	if rc.cfg.Store == nil {
		return Snapshot{}, nil
	}
	b, err := rc.cfg.Store.Get(ctx, SnapshotKey)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{Endpoints: map[string]*EndpointStats{}}, nil
	}
	if err != nil {
		return Snapshot{}, xerrors.Wrap(err, "read metrics snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, xerrors.Wrap(err, "decode metrics snapshot")
	}
	return snap, nil
}
