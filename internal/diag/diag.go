// Package diag provides shared non-fatal diagnostics for scan and parse
// paths. A failure that should not abort the whole operation is recorded
// here and reported with the result.
package diag

import "fmt"

// Kind classifies a diagnostic message.
type Kind string

const (
	KindUnreadable Kind = "unreadable"
	KindCorrupt    Kind = "corrupt"
	KindAnomaly    Kind = "anomaly"
	KindCycle      Kind = "cycle"
	KindMalformed  Kind = "malformed"
	KindSkipped    Kind = "skipped"
)

// Diag records a non-fatal issue encountered during a scan or parse.
type Diag struct {
	Addr uint64 `json:"addr"` // target address or input line number
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Addr, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(addr uint64, kind Kind, msg string) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(addr uint64, kind Kind, format string, args ...any) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Count returns how many diagnostics of the given kind were recorded.
func (d *Diags) Count(kind Kind) int {
	n := 0
	for _, it := range d.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}
