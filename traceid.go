package pemi

//
// Opaque per-flow trace identifiers.
//
// Grounded on the teacher's nic.go, which hands out unique per-NIC names
// for log messages via an atomic counter. PEMI needs the same thing for
// flows — a short, unique label for log lines and the observation log that
// carries no information about the flow's actual addressing — but the pack
// gives a more idiomatic building block for it than a bare counter: both
// runZeroInc-conniver and runZeroInc-sockstats depend on github.com/rs/xid
// for exactly this purpose (compact, sortable, globally-unique IDs), so
// PEMI uses it here instead of reinventing a counter.
//

import "github.com/rs/xid"

// newFlowTraceID returns a new opaque identifier for a flow.
func newFlowTraceID() string {
	return xid.New().String()
}
