// Package locate discovers where the self-relocating kernel image actually
// loaded. The primary strategy is the boot marker protocol: early in boot
// the kernel writes a sentinel to a fixed low cell, then its own load
// address to the next cell. When the marker cells are unavailable (for
// example when attaching mid-boot), a signature scan around the
// instruction pointer takes over.
package locate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"kernsym/internal/remote"
)

// ErrBaseNotFound reports that every discovery strategy was exhausted.
// No partial offset is published when it is returned.
var ErrBaseNotFound = errors.New("locate: base address not found")

// Sweep is one ring of the widening fallback scan: page-aligned probes out
// to Radius on either side of the instruction pointer, Step bytes apart.
type Sweep struct {
	Radius uint64 `yaml:"radius"`
	Step   uint64 `yaml:"step"`
}

// Config carries the protocol constants and scan tuning. The defaults
// match the kernel's boot stub; all of them are environment-dependent
// knobs rather than format constants, so they stay configurable.
type Config struct {
	// MarkerAddr is the low cell the kernel writes MarkerValue to.
	// The actual load address follows 8 bytes after it.
	MarkerAddr    uint64 `yaml:"marker_addr"`
	MarkerValue   uint64 `yaml:"marker_value"`
	PreferredBase uint64 `yaml:"preferred_base"`

	// Signature is the byte pattern probed for at each scan candidate.
	Signature string `yaml:"signature"`

	// NearAlignments generate the high-priority candidates: the
	// instruction pointer rounded down to each alignment, plus one step
	// below. Checked before any sweep ring.
	NearAlignments []uint64 `yaml:"near_alignments"`
	Sweeps         []Sweep  `yaml:"sweeps"`

	// MaxProbes bounds the whole scan; past it the locator gives up
	// rather than sweeping indefinitely.
	MaxProbes int `yaml:"max_probes"`

	// Retry bounds the scan-level retries taken when the channel looks
	// like it is still warming up.
	Retry backoff.Config `yaml:"retry"`
}

// DefaultConfig returns the tuning for the stock QEMU boot environment.
func DefaultConfig() Config {
	return Config{
		MarkerAddr:    0x10000,
		MarkerValue:   0xDEADBEEF,
		PreferredBase: 0x140000000,
		Signature:     "MZ",
		NearAlignments: []uint64{
			0x200000, // huge page
			0x10000,  // 64 KiB allocation granularity
			0x1000,   // page
		},
		Sweeps: []Sweep{
			{Radius: 4 << 20, Step: 64 << 10},
			{Radius: 1 << 20, Step: 4 << 10},
			{Radius: 256 << 10, Step: 2 << 10},
		},
		MaxProbes: 8192,
		Retry: backoff.Config{
			MinBackoff: 250 * time.Millisecond,
			MaxBackoff: 4 * time.Second,
			MaxRetries: 5,
		},
	}
}

// ImageBaseAddr is the cell holding the actual load address, written
// immediately after the marker.
func (c Config) ImageBaseAddr() uint64 { return c.MarkerAddr + 8 }

// Result is a successful discovery. Offset is signed: an image loaded
// below its preferred base yields a negative offset.
type Result struct {
	Base     uint64 `json:"base"`
	Offset   int64  `json:"offset"`
	Strategy string `json:"strategy"` // "marker", "direct" or "scan"
}

// Locator runs base discovery over a session's channel. ctrl may be nil
// when the environment provides no execution control; only the direct
// read and signature scan are available then.
type Locator struct {
	cfg    Config
	ch     remote.Channel
	ctrl   remote.Control
	logger log.Logger
}

func New(cfg Config, ch remote.Channel, ctrl remote.Control, logger log.Logger) *Locator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Locator{cfg: cfg, ch: ch, ctrl: ctrl, logger: logger}
}

// Locate runs the marker protocol, falling back to the signature scan.
// Intended for a target started from reset that has not booted yet.
func (l *Locator) Locate(ctx context.Context) (Result, error) {
	if l.ctrl != nil {
		res, err := l.locateMarker(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		level.Warn(l.logger).Log("msg", "marker protocol failed, trying signature scan", "err", err)
	}
	return l.locateScan(ctx)
}

// LocateAttached computes the offset from the image-base cell directly,
// without arming a watch. Intended for attaching to a target that already
// booted past the marker write. Falls back to the signature scan when the
// cells are unreadable or not yet written.
func (l *Locator) LocateAttached(ctx context.Context) (Result, error) {
	res, err := l.locateDirect(ctx)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	level.Warn(l.logger).Log("msg", "image-base cell unavailable, trying signature scan", "err", err)
	return l.locateScan(ctx)
}

// locateMarker arms a fire-once watch on the marker cell, resumes the
// target and waits for the boot stub's write. The watch is disarmed
// exactly once, on every exit path, so later writes to the cell cannot
// re-trigger it.
func (l *Locator) locateMarker(ctx context.Context) (Result, error) {
	const watchLen = 8

	if err := l.ctrl.SetWatch(ctx, l.cfg.MarkerAddr, watchLen); err != nil {
		return Result{}, fmt.Errorf("locate: arm marker watch: %w", err)
	}
	armed := true
	defer func() {
		if armed {
			_ = l.ctrl.ClearWatch(context.WithoutCancel(ctx), l.cfg.MarkerAddr, watchLen)
		}
	}()

	level.Debug(l.logger).Log("msg", "waiting for marker write", "addr", fmt.Sprintf("0x%x", l.cfg.MarkerAddr))
	stop, err := l.ctrl.Continue(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("locate: wait for marker: %w", err)
	}
	if stop.Exited {
		return Result{}, fmt.Errorf("locate: target exited (code %d) before writing marker", stop.ExitCode)
	}

	marker, err := l.readU64(ctx, l.cfg.MarkerAddr)
	if err != nil {
		return Result{}, fmt.Errorf("locate: re-read marker: %w", err)
	}
	if marker != l.cfg.MarkerValue {
		return Result{}, fmt.Errorf("locate: marker is 0x%x, want 0x%x", marker, l.cfg.MarkerValue)
	}

	base, err := l.readU64(ctx, l.cfg.ImageBaseAddr())
	if err != nil {
		return Result{}, fmt.Errorf("locate: read image base cell: %w", err)
	}
	if base == 0 {
		return Result{}, errors.New("locate: image base cell is zero")
	}

	// The watch served its purpose.
	if err := l.ctrl.ClearWatch(ctx, l.cfg.MarkerAddr, watchLen); err != nil {
		level.Warn(l.logger).Log("msg", "disarm marker watch", "err", err)
	}
	armed = false

	return l.result(base, "marker"), nil
}

// locateDirect reads the image-base cell without touching execution state.
func (l *Locator) locateDirect(ctx context.Context) (Result, error) {
	base, err := l.readU64(ctx, l.cfg.ImageBaseAddr())
	if err != nil {
		return Result{}, fmt.Errorf("locate: read image base cell: %w", err)
	}
	if base == 0 {
		return Result{}, errors.New("locate: image base cell is zero, kernel may not have started")
	}
	if !remote.PlausibleAddr(base) {
		return Result{}, fmt.Errorf("locate: image base cell holds implausible address 0x%x", base)
	}
	return l.result(base, "direct"), nil
}

func (l *Locator) result(base uint64, strategy string) Result {
	return Result{
		Base:     base,
		Offset:   int64(base) - int64(l.cfg.PreferredBase),
		Strategy: strategy,
	}
}

func (l *Locator) readU64(ctx context.Context, addr uint64) (uint64, error) {
	buf, err := l.ch.ReadMemory(ctx, addr, 8)
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 {
		return 0, fmt.Errorf("locate: short read at 0x%x: %d bytes", addr, len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}
