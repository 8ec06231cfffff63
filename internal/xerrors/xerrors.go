// Package xerrors records where errors are created and wrapped so log lines
// can point at the code path that failed. The log package reads the
// captured positions back through the PC and StackPCs methods.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the full call stack at creation.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// wrapped adds a message and the single call site of the wrap.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// marked makes errors.Is match sentinel while keeping cause in the chain.
type marked struct {
	cause    error
	sentinel error
	pc       uintptr
}

func (m *marked) Error() string   { return m.sentinel.Error() + ": " + m.cause.Error() }
func (m *marked) Unwrap() []error { return []error{m.sentinel, m.cause} }
func (m *marked) PC() uintptr     { return m.pc }

// stack returns the PCs above the exported function that called it.
func stack() []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// skip runtime.Callers, stack and the exported caller
	return pcs[:runtime.Callers(3, pcs)]
}

// caller returns the PC of whoever called the exported function.
func caller() uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return &stacked{err: errors.New(msg), pcs: stack()} }

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stack()}
}

// EnsureTrace attaches a stack to err unless something in its chain
// already carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stack()}
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}

// Mark classifies cause as sentinel: errors.Is(result, sentinel) is true and
// errors.Is against anything in cause's chain still works. The message reads
// "<sentinel>: <cause>".
func Mark(cause, sentinel error) error {
	if cause == nil {
		return nil
	}
	return &marked{cause: cause, sentinel: sentinel, pc: caller()}
}
