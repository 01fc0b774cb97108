// Package jitreg walks the target-resident registry through which the
// kernel's JIT-compiled methods announce themselves: a linked list of
// fixed-size nodes, each pointing at a small embedded object image that
// carries one method's name and entry address.
//
// The registry belongs to the target and mutates underneath us, so a scan
// is always a fresh disposable snapshot, never an incremental merge.
package jitreg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"kernsym/internal/diag"
	"kernsym/internal/remote"
)

const (
	descriptorSize = 24
	entrySize      = 32

	// MaxBlobSize is the sanity ceiling for an embedded object image.
	// Zero-length and oversized blobs are corruption, skipped not fatal.
	MaxBlobSize = 1 << 20

	// maxNodes caps one walk independently of the cycle guard.
	maxNodes = 1 << 16
)

// Config locates the registry inside the target.
type Config struct {
	// DescriptorAddr is the fixed address of the registry descriptor.
	// When zero, DescriptorExpr is evaluated over the channel instead.
	DescriptorAddr uint64 `yaml:"descriptor_addr"`
	DescriptorExpr string `yaml:"descriptor_expr"`
}

// DefaultConfig resolves the descriptor through the conventional
// registration symbol.
func DefaultConfig() Config {
	return Config{DescriptorExpr: "&__jit_debug_descriptor"}
}

// Descriptor is the fixed 24-byte record at the head of the registry.
// Read fresh on every scan; the target rewrites it between scans.
type Descriptor struct {
	Version       uint32 `json:"version"`
	Action        uint32 `json:"action"`
	RelevantEntry uint64 `json:"relevant_entry"`
	FirstEntry    uint64 `json:"first_entry"`
}

// Entry is one discovered registry node plus host-side resolution state.
// Entries are keyed by BlobAddr, which is unique while the node persists
// in the target.
type Entry struct {
	Addr     uint64 `json:"addr"` // node address in the target
	Next     uint64 `json:"next"`
	Prev     uint64 `json:"prev"`
	BlobAddr uint64 `json:"blob_addr"`
	BlobSize uint64 `json:"blob_size"`

	// Filled lazily by the resolver.
	Name     string `json:"name,omitempty"`
	CodeAddr uint64 `json:"code_addr,omitempty"`
	Resolved bool   `json:"resolved"`
	Loaded   bool   `json:"loaded"`
}

// Snapshot is the result of one scan. Callers treat it as immutable until
// the next scan replaces it wholesale.
type Snapshot struct {
	Descriptor Descriptor  `json:"descriptor"`
	Entries    []*Entry    `json:"entries"`
	Partial    bool        `json:"partial"`
	Reason     string      `json:"reason,omitempty"`
	Diags      []diag.Diag `json:"diagnostics,omitempty"`
}

// Walker scans the registry over a session's channel.
type Walker struct {
	cfg    Config
	ch     remote.Channel
	logger log.Logger
}

func NewWalker(cfg Config, ch remote.Channel, logger log.Logger) *Walker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Walker{cfg: cfg, ch: ch, logger: logger}
}

// Scan reads the descriptor and walks the entry list, producing a fresh
// snapshot. An unreadable node terminates the walk early with a partial
// snapshot and a reason; entries found before it remain valid. A missing
// descriptor or a cancelled context is a hard error: a cancelled scan
// yields no snapshot at all, so callers never publish one.
func (w *Walker) Scan(ctx context.Context) (*Snapshot, error) {
	descAddr, err := w.descriptorAddr(ctx)
	if err != nil {
		return nil, err
	}

	buf, err := w.ch.ReadMemory(ctx, descAddr, descriptorSize)
	if err != nil {
		return nil, fmt.Errorf("jitreg: read descriptor at 0x%x: %w", descAddr, err)
	}
	if len(buf) < descriptorSize {
		return nil, fmt.Errorf("jitreg: short descriptor read: %d bytes", len(buf))
	}

	snap := &Snapshot{
		Descriptor: Descriptor{
			Version:       binary.LittleEndian.Uint32(buf[0:4]),
			Action:        binary.LittleEndian.Uint32(buf[4:8]),
			RelevantEntry: binary.LittleEndian.Uint64(buf[8:16]),
			FirstEntry:    binary.LittleEndian.Uint64(buf[16:24]),
		},
	}

	if snap.Descriptor.FirstEntry == 0 {
		snap.Reason = "empty registry"
		return snap, nil
	}

	if err := w.walk(ctx, snap); err != nil {
		return nil, err
	}
	level.Debug(w.logger).Log("msg", "registry scanned", "entries", len(snap.Entries), "partial", snap.Partial)
	return snap, nil
}

func (w *Walker) walk(ctx context.Context, snap *Snapshot) error {
	var diags diag.Diags
	visited := make(map[uint64]bool)
	ptr := snap.Descriptor.FirstEntry

	for ptr != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !remote.PlausibleAddr(ptr) {
			diags.Addf(ptr, diag.KindAnomaly, "entry pointer outside plausible window")
			snap.Partial = true
			snap.Reason = fmt.Sprintf("implausible entry pointer 0x%x", ptr)
			break
		}
		if visited[ptr] {
			diags.Addf(ptr, diag.KindCycle, "entry already visited")
			snap.Partial = true
			snap.Reason = fmt.Sprintf("cycle at 0x%x", ptr)
			break
		}
		if len(visited) >= maxNodes {
			snap.Partial = true
			snap.Reason = fmt.Sprintf("node budget exhausted after %d entries", maxNodes)
			break
		}
		visited[ptr] = true

		buf, err := w.ch.ReadMemory(ctx, ptr, entrySize)
		if err != nil || len(buf) < entrySize {
			// Typical for nodes that live in low memory the channel
			// cannot reach. Keep what we have.
			diags.Addf(ptr, diag.KindUnreadable, "entry unreadable: %v", err)
			snap.Partial = true
			snap.Reason = fmt.Sprintf("entry at 0x%x unreadable", ptr)
			break
		}

		e := &Entry{
			Addr:     ptr,
			Next:     binary.LittleEndian.Uint64(buf[0:8]),
			Prev:     binary.LittleEndian.Uint64(buf[8:16]),
			BlobAddr: binary.LittleEndian.Uint64(buf[16:24]),
			BlobSize: binary.LittleEndian.Uint64(buf[24:32]),
		}

		if e.BlobSize == 0 || e.BlobSize >= MaxBlobSize || !remote.PlausibleAddr(e.BlobAddr) {
			diags.Addf(ptr, diag.KindCorrupt, "blob addr=0x%x size=0x%x rejected", e.BlobAddr, e.BlobSize)
		} else {
			snap.Entries = append(snap.Entries, e)
		}

		ptr = e.Next
	}

	snap.Diags = diags.Items()
	return nil
}

func (w *Walker) descriptorAddr(ctx context.Context) (uint64, error) {
	if w.cfg.DescriptorAddr != 0 {
		return w.cfg.DescriptorAddr, nil
	}
	expr := w.cfg.DescriptorExpr
	if expr == "" {
		return 0, errors.New("jitreg: no descriptor address configured")
	}
	addr, err := w.ch.Evaluate(ctx, expr)
	if err != nil {
		return 0, fmt.Errorf("jitreg: resolve descriptor %q: %w", expr, err)
	}
	if !remote.PlausibleAddr(addr) {
		return 0, fmt.Errorf("jitreg: descriptor address 0x%x implausible", addr)
	}
	return addr, nil
}
