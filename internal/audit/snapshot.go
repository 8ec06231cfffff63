package audit

import (
	"encoding/json"
	"time"
)

// maxEndpoints bounds the per-endpoint rollup. Probing traffic can hit any
// number of distinct paths, so anything past the cap folds into otherEndpoint.
const (
	maxEndpoints  = 200
	otherEndpoint = "other"
)

// EndpointStats is a running rollup for one endpoint. AvgSeconds is
// recomputed from TotalSeconds/Count on every update.
type EndpointStats struct {
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	Rejections   int64   `json:"rejections"`
	TotalSeconds float64 `json:"total_seconds"`
	AvgSeconds   float64 `json:"avg_seconds"`
}

// Snapshot is the shared aggregate stored under metrics:snapshot. It expires
// with the TTL set when it is first created, so a fresh aggregate starts
// every SnapshotTTL.
type Snapshot struct {
	Requests     int64                     `json:"requests"`
	Errors       int64                     `json:"errors"`
	Rejections   int64                     `json:"rejections"`
	Slow         int64                     `json:"slow"`
	TotalSeconds float64                   `json:"total_seconds"`
	Violations   map[string]int64          `json:"violations,omitempty"`
	Endpoints    map[string]*EndpointStats `json:"endpoints"`
	StartedAt    time.Time                 `json:"started_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// sample is one finished request folded into the snapshot.
type sample struct {
	endpoint   string
	status     int
	duration   time.Duration
	rejected   bool
	slow       bool
	violations []string
	at         time.Time
}

// apply folds s into the encoded snapshot cur and returns the new encoding.
// An undecodable snapshot is replaced rather than blocking all updates.
func apply(cur []byte, exists bool, s sample) ([]byte, error) {
	var snap Snapshot
	if exists {
		if err := json.Unmarshal(cur, &snap); err != nil {
			snap = Snapshot{}
		}
	}
	if snap.Endpoints == nil {
		snap.Endpoints = make(map[string]*EndpointStats)
	}
	if snap.StartedAt.IsZero() {
		snap.StartedAt = s.at
	}

	snap.Requests++
	snap.TotalSeconds += s.duration.Seconds()
	if s.status >= 500 {
		snap.Errors++
	}
	if s.rejected {
		snap.Rejections++
	}
	if s.slow {
		snap.Slow++
	}
	for _, v := range s.violations {
		if snap.Violations == nil {
			snap.Violations = make(map[string]int64)
		}
		snap.Violations[v]++
	}

	name := s.endpoint
	if _, ok := snap.Endpoints[name]; !ok && len(snap.Endpoints) >= maxEndpoints {
		name = otherEndpoint
	}
	ep := snap.Endpoints[name]
	if ep == nil {
		ep = &EndpointStats{}
		snap.Endpoints[name] = ep
	}
	ep.Count++
	if s.status >= 500 {
		ep.Errors++
	}
	if s.rejected {
		ep.Rejections++
	}
	ep.TotalSeconds += s.duration.Seconds()
	ep.AvgSeconds = ep.TotalSeconds / float64(ep.Count)

	snap.UpdatedAt = s.at
	return json.Marshal(&snap)
}
