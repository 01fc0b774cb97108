// Package remote defines the capability interfaces the live target is
// reached through. The transport itself is supplied by the environment
// (see gdbrsp for the stub-protocol implementation); everything above it
// only sees these interfaces.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrInaccessible reports a memory range the channel cannot read.
	// Routine during early boot; callers retry or treat it as a
	// walk-termination signal, never as fatal.
	ErrInaccessible = errors.New("remote: memory inaccessible")

	// ErrEval reports that an expression or register read failed,
	// typically because the channel is not ready yet.
	ErrEval = errors.New("remote: expression evaluation failed")
)

// Plausible kernel address window. Pointers outside it are corruption or
// uninitialized cells; they are never dereferenced.
const (
	AddrWindowLow  = 0x10000
	AddrWindowHigh = 1 << 48 // canonical-form ceiling
)

// PlausibleAddr reports whether a points into the plausible window.
func PlausibleAddr(a uint64) bool {
	return a >= AddrWindowLow && a < AddrWindowHigh
}

// Channel is the remote-memory capability: blocking round-trips against a
// live, possibly-paused target. A session owns exactly one Channel and
// issues requests sequentially.
type Channel interface {
	// ReadMemory reads n bytes at addr. Unmapped or unreadable ranges
	// fail with an error wrapping ErrInaccessible.
	ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error)

	// Evaluate resolves an expression ("$pc", "$rip", a numeric
	// literal) to an integer. Fails with an error wrapping ErrEval.
	Evaluate(ctx context.Context, expr string) (uint64, error)
}

// Stop describes why a resumed target stopped.
type Stop struct {
	Exited   bool
	ExitCode int
	Signal   int
	// WatchAddr is the data address for a watchpoint hit, 0 otherwise.
	WatchAddr uint64
}

// Control is the execution-control capability. Watches are fire-once:
// after a hit the caller must explicitly clear (and re-arm, if it wants
// more) to avoid re-triggering on later writes to the same cell.
type Control interface {
	// SetWatch arms a hardware write watch covering length bytes at addr.
	SetWatch(ctx context.Context, addr uint64, length int) error

	// ClearWatch disarms a previously armed watch.
	ClearWatch(ctx context.Context, addr uint64, length int) error

	// Continue resumes the target and blocks until it stops or exits.
	Continue(ctx context.Context) (Stop, error)

	// Interrupt asks a running (or wedged) target to stop.
	Interrupt(ctx context.Context) error

	// Reconnect tears the transport down and re-establishes it.
	Reconnect(ctx context.Context) error
}
