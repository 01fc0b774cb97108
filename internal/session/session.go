// Package session holds the per-connection state the resolution paths
// share: the discovered load offset and the latest registry snapshot.
// A session is owned by one control thread and accessed sequentially,
// mirroring a debugger's command-response model.
package session

import (
	"errors"

	"kernsym/internal/jitreg"
)

// ErrOffsetSet rejects a second publication of the load offset; it is
// write-once for the life of the connection.
var ErrOffsetSet = errors.New("session: load offset already set")

// Session is created on connect and torn down on disconnect. The locator
// is the only writer of the offset; the walker is the only writer of the
// snapshot, and replaces it wholesale.
type Session struct {
	offset    int64
	offsetSet bool
	snap      *jitreg.Snapshot
}

func New() *Session { return &Session{} }

// SetLoadOffset publishes the locator's result. Failed or cancelled
// locates must not call this; there is no partial publication.
func (s *Session) SetLoadOffset(off int64) error {
	if s.offsetSet {
		return ErrOffsetSet
	}
	s.offset = off
	s.offsetSet = true
	return nil
}

// LoadOffset returns the published offset, and whether one exists yet.
// Static-table addresses are meaningless before it does.
func (s *Session) LoadOffset() (int64, bool) {
	return s.offset, s.offsetSet
}

// ReplaceSnapshot installs a fresh scan result, discarding the previous
// one wholesale. Never merges.
func (s *Session) ReplaceSnapshot(snap *jitreg.Snapshot) {
	s.snap = snap
}

// Snapshot returns the current scan result, nil before the first scan.
// Callers must treat it as immutable until the next ReplaceSnapshot.
func (s *Session) Snapshot() *jitreg.Snapshot {
	return s.snap
}
