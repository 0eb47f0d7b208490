// Package stats renders the optional per-engine counters a Storage
// implementation may expose, for the mqstore-bench summary and any
// future introspection endpoint.
//
// The table rendering is grounded on the teacher's ValuesStoreStats
// (valuesstore.go): an extended/non-extended two-column aligned table
// via brimtext, generalized from a fixed stat struct to an ordered
// key/value list so each engine can contribute its own counters
// without this package knowing their names in advance.
package stats

import (
	"fmt"

	"github.com/gholt/brimtext"
)

// Counters is an ordered list of name/value pairs one engine
// contributes to a Snapshot.
type Counters struct {
	Component string
	Values    [][2]string
}

// Provider is implemented by engines that want to expose internal
// counters. It is deliberately not part of storage.Storage: most
// engines (pass-through decorators) have nothing of their own to
// report.
type Provider interface {
	Stats() Counters
}

// Snapshot is the full set of counters gathered from a composed
// Storage stack.
type Snapshot []Counters

// Collect walks layers, calling Stats() on every one that implements
// Provider, in the order given (normally outermost to innermost).
func Collect(layers ...any) Snapshot {
	var snap Snapshot
	for _, l := range layers {
		if p, ok := l.(Provider); ok {
			snap = append(snap, p.Stats())
		}
	}
	return snap
}

// String renders the snapshot as a single aligned table: a header row
// per component followed by its indented counters, matching the teacher's ValuesStoreStats.String() layout.
func (s Snapshot) String() string {
	var rows [][]string
	for _, c := range s {
		rows = append(rows, []string{c.Component, ""})
		for _, kv := range c.Values {
			rows = append(rows, []string{"  " + kv[0], kv[1]})
		}
	}
	if len(rows) == 0 {
		return "(no stats providers in this stack)"
	}
	return brimtext.Align(rows, nil)
}

// U64 formats an unsigned counter value.
func U64(n uint64) string { return fmt.Sprintf("%d", n) }

// I formats a plain int counter value.
func I(n int) string { return fmt.Sprintf("%d", n) }
