package locate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"kernsym/internal/remote"
)

// locateScan searches for the image signature around the instruction
// pointer. Every unreadable candidate is a soft error; only when the
// unreadable probes outnumber the readable ones two to one is the whole
// pass retried with backoff, since that pattern means the channel is
// still warming up rather than that no image exists.
func (l *Locator) locateScan(ctx context.Context) (Result, error) {
	if l.cfg.Signature == "" {
		return Result{}, fmt.Errorf("%w: no image signature configured", ErrBaseNotFound)
	}
	pc, err := l.confirmedPC(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrBaseNotFound, err)
	}

	cands := candidates(pc, l.cfg)
	level.Debug(l.logger).Log("msg", "signature scan", "pc", fmt.Sprintf("0x%x", pc), "candidates", len(cands))

	boff := backoff.New(ctx, l.cfg.Retry)
	for boff.Ongoing() {
		base, retry, err := l.sweep(ctx, cands)
		if err == nil {
			return l.result(base, "scan"), nil
		}
		// Cancellation is the operator's doing, not exhaustion.
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !retry {
			return Result{}, fmt.Errorf("%w: %v", ErrBaseNotFound, err)
		}
		level.Warn(l.logger).Log("msg", "scan pass mostly unreadable, channel may be warming up", "err", err)
		boff.Wait()
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	return Result{}, fmt.Errorf("%w: retries exhausted after %d passes", ErrBaseNotFound, boff.NumRetries())
}

// sweep runs one pass over the candidate list. retry reports whether the
// failure looked transient (warming-up channel) rather than conclusive.
func (l *Locator) sweep(ctx context.Context, cands []uint64) (base uint64, retry bool, err error) {
	sig := []byte(l.cfg.Signature)
	checked, unreadable := 0, 0

	for _, addr := range cands {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		if l.cfg.MaxProbes > 0 && checked >= l.cfg.MaxProbes {
			return 0, false, fmt.Errorf("probe budget exhausted after %d candidates", checked)
		}
		checked++

		buf, rerr := l.ch.ReadMemory(ctx, addr, len(sig))
		if rerr != nil {
			if errors.Is(rerr, remote.ErrInaccessible) {
				unreadable++
				continue
			}
			// Transport-level trouble, same treatment as unreadable.
			unreadable++
			continue
		}
		if len(buf) >= len(sig) && bytes.Equal(buf[:len(sig)], sig) {
			level.Debug(l.logger).Log("msg", "signature hit", "addr", fmt.Sprintf("0x%x", addr), "checked", checked)
			return addr, false, nil
		}
	}

	readable := checked - unreadable
	if unreadable > 2*readable {
		return 0, true, fmt.Errorf("%d of %d probes unreadable", unreadable, checked)
	}
	return 0, false, fmt.Errorf("no signature match in %d candidates (%d unreadable)", checked, unreadable)
}

// confirmedPC reads the instruction pointer and confirms that memory
// there is actually readable. If it is not, a bounded recovery sequence
// runs: first an interrupt, then a disconnect-and-reconnect, then give up.
func (l *Locator) confirmedPC(ctx context.Context) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if attempt > 0 && l.ctrl != nil {
			switch attempt {
			case 1:
				level.Warn(l.logger).Log("msg", "memory at pc unreadable, interrupting target")
				if err := l.ctrl.Interrupt(ctx); err != nil {
					level.Warn(l.logger).Log("msg", "interrupt", "err", err)
				}
			case 2:
				level.Warn(l.logger).Log("msg", "memory at pc still unreadable, reconnecting")
				if err := l.ctrl.Reconnect(ctx); err != nil {
					return 0, fmt.Errorf("reconnect: %w", err)
				}
			}
		}

		pc, err := l.ch.Evaluate(ctx, "$pc")
		if err != nil {
			lastErr = err
			continue
		}
		if !remote.PlausibleAddr(pc) {
			lastErr = fmt.Errorf("implausible pc 0x%x", pc)
			continue
		}
		if _, err := l.ch.ReadMemory(ctx, pc&^0xF, 16); err != nil {
			lastErr = fmt.Errorf("memory at pc 0x%x: %w", pc, err)
			continue
		}
		return pc, nil
	}
	return 0, fmt.Errorf("instruction pointer unusable: %w", lastErr)
}

// candidates builds the prioritized probe list for pc: first the "likely"
// bases (pc rounded down to each near alignment, and one unit below),
// then the widening sweep rings, everything deduplicated, restricted to
// the plausible window and ordered by distance from pc so the most
// probable hits are checked first.
func candidates(pc uint64, cfg Config) []uint64 {
	type cand struct {
		addr uint64
		prio int
		dist uint64
	}
	var out []cand
	seen := make(map[uint64]bool)

	add := func(addr uint64, prio int) {
		if !remote.PlausibleAddr(addr) || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, cand{addr: addr, prio: prio, dist: absDiff(addr, pc)})
	}

	for _, align := range cfg.NearAlignments {
		if align == 0 {
			continue
		}
		base := pc &^ (align - 1)
		add(base, 0)
		if base >= align {
			add(base-align, 0)
		}
	}

	for _, sw := range cfg.Sweeps {
		if sw.Step == 0 {
			continue
		}
		center := pc &^ (sw.Step - 1)
		for d := uint64(0); d <= sw.Radius; d += sw.Step {
			if center >= d {
				add(center-d, 1)
			}
			add(center+d, 1)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].prio != out[j].prio {
			return out[i].prio < out[j].prio
		}
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].addr < out[j].addr
	})

	addrs := make([]uint64, len(out))
	for i, c := range out {
		addrs[i] = c.addr
	}
	return addrs
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
