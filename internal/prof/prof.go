// Package prof pushes continuous profiles of the gateway to a Pyroscope
// server.
package prof

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// MutexFraction and BlockRate turn on contention profiling. Both change
	// process wide runtime sampling, so zero leaves them off.
	MutexFraction int
	BlockRate     int

	// OnActive is told when pushing starts and stops.
	OnActive func(bool)
}

var baseProfiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

func profileTypes(opts Options) []pyroscope.ProfileType {
	out := append([]pyroscope.ProfileType(nil), baseProfiles...)
	if opts.MutexFraction > 0 {
		out = append(out, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockRate > 0 {
		out = append(out, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return out
}

// agentLogger routes the agent's printf logging into the structured logger.
type agentLogger struct{ L log.Logger }

func (a agentLogger) Infof(format string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (a agentLogger) Debugf(format string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (a agentLogger) Errorf(format string, args ...any) {
	a.L.Warn(context.Background(), fmt.Sprintf(format, args...))
}

// Start begins pushing profiles. The stop func is never nil, and calling it
// more than once is safe.
func Start(ctx context.Context, opts Options) (stop func(), err error) {
	L := log.FromContext(ctx).With("profiler", "pyroscope")
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "continuous profiling disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("profiling enabled without a server address")
	}

	if opts.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexFraction)
	}
	if opts.BlockRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          agentLogger{L},
		ProfileTypes:    profileTypes(opts),
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "start profiler for %s", opts.ServerAddress)
	}
	setActive(opts.OnActive, true)
	L.Info(ctx, "continuous profiling started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			setActive(opts.OnActive, false)
			L.Info(context.Background(), "continuous profiling stopped")
		})
	}, nil
}

func setActive(fn func(bool), v bool) {
	if fn != nil {
		fn(v)
	}
}
