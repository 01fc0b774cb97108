package jitreg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"kernsym/internal/elfobj"
	"kernsym/internal/remote"
)

// ErrMalformedBlob reports an embedded object image that failed the
// signature or table-location checks. The entry stays unresolved and is
// skipped by callers; it is not retried automatically.
var ErrMalformedBlob = errors.New("jitreg: malformed object blob")

// Resolver parses embedded object images out of target memory.
// Resolution is lazy and cached on the entry: most callers only need a
// few names at a time, and a scan may run frequently.
type Resolver struct {
	ch     remote.Channel
	logger log.Logger
}

func NewResolver(ch remote.Channel, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Resolver{ch: ch, logger: logger}
}

// Resolve fills in the entry's name and code address from its blob.
// A second call on a resolved entry is free.
func (r *Resolver) Resolve(ctx context.Context, e *Entry) error {
	if e.Resolved {
		return nil
	}
	im, err := r.readImage(ctx, e)
	if err != nil {
		return err
	}
	return r.resolveFrom(e, im)
}

func (r *Resolver) resolveFrom(e *Entry, im *elfobj.Image) error {
	name, value, err := im.FirstFunc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	e.Name = name
	e.CodeAddr = value
	e.Resolved = true
	level.Debug(r.logger).Log("msg", "resolved jit entry", "name", name, "code", fmt.Sprintf("0x%x", value))
	return nil
}

// ResolveAll resolves every entry in the snapshot, skipping malformed
// blobs, and returns how many entries ended up resolved.
func (r *Resolver) ResolveAll(ctx context.Context, snap *Snapshot) (int, error) {
	n := 0
	for _, e := range snap.Entries {
		if err := r.Resolve(ctx, e); err != nil {
			if errors.Is(err, ErrMalformedBlob) || errors.Is(err, remote.ErrInaccessible) {
				level.Warn(r.logger).Log("msg", "entry left unresolved", "blob", fmt.Sprintf("0x%x", e.BlobAddr), "err", err)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Extract writes the entry's blob to dir as a loadable per-method object
// file named by resolved code address, so repeated extraction of the same
// method overwrites rather than accumulates. The blob is read once and
// serves both resolution and the file contents.
func (r *Resolver) Extract(ctx context.Context, e *Entry, dir string) (string, error) {
	im, err := r.readImage(ctx, e)
	if err != nil {
		return "", err
	}
	if !e.Resolved {
		if err := r.resolveFrom(e, im); err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, fmt.Sprintf("jit_%016x.o", e.CodeAddr))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("jitreg: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := im.WriteTo(f); err != nil {
		return "", fmt.Errorf("jitreg: write %s: %w", path, err)
	}
	return path, nil
}

func (r *Resolver) readImage(ctx context.Context, e *Entry) (*elfobj.Image, error) {
	if e.BlobSize == 0 || e.BlobSize >= MaxBlobSize {
		return nil, fmt.Errorf("%w: blob size 0x%x", ErrMalformedBlob, e.BlobSize)
	}
	blob, err := r.ch.ReadMemory(ctx, e.BlobAddr, int(e.BlobSize))
	if err != nil {
		return nil, fmt.Errorf("jitreg: read blob at 0x%x: %w", e.BlobAddr, err)
	}
	im, err := elfobj.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	return im, nil
}
