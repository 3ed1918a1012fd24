package pemi

//
// Observation log (spec §6): an optional, append-only CSV record of engine
// activity. Grounded on the teacher's pcap.go PCAPDumper for the overall
// shape (a background-free, synchronous writer opened once at startup and
// closed at shutdown) but the teacher writes PCAP binary frames via
// gopacket/pcapgo; PEMI's log is the flat per-event record spec §6
// describes ("CSV-like"), which the standard library's encoding/csv
// already expresses cleanly — no repo in the pack pulls in a third-party
// CSV library, so this is one of the few places PEMI stays on the standard
// library, per DESIGN.md.
//

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ObservationAction is the kind of event an observation-log row records.
type ObservationAction string

const (
	ActionForward ObservationAction = "forward"
	ActionInject  ObservationAction = "inject"
	ActionExpire  ObservationAction = "expire"
	ActionNewFlow ObservationAction = "newflow"
)

// ObservationLog is an append-only, flush-per-row CSV log of engine
// activity. No payload bytes or raw addresses are ever written, per
// spec §6 ("no personal data; payloads are never logged").
type ObservationLog struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// OpenObservationLog creates or truncates path and returns a log ready to
// receive rows.
func OpenObservationLog(path string) (*ObservationLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pemi: obslog: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"monotonic_ns", "side", "action", "flow_key_hash", "buffer_index", "fingerprint_hex"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("pemi: obslog: %w", err)
	}
	w.Flush()
	return &ObservationLog{f: f, w: w}, nil
}

// Record appends one row. bufferIndex is -1 when the event has no
// associated sent-buffer entry (e.g. expire, newflow).
func (ol *ObservationLog) Record(monotonicNS int64, side Side, action ObservationAction, flowKeyHash uint64, bufferIndex int, fp Fingerprint) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	row := []string{
		strconv.FormatInt(monotonicNS, 10),
		side.String(),
		string(action),
		strconv.FormatUint(flowKeyHash, 16),
		strconv.Itoa(bufferIndex),
		fmt.Sprintf("%x", fp),
	}
	if err := ol.w.Write(row); err != nil {
		return fmt.Errorf("pemi: obslog: %w", err)
	}
	ol.w.Flush()
	return ol.w.Error()
}

// Close flushes and closes the underlying file.
func (ol *ObservationLog) Close() error {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	ol.w.Flush()
	return ol.f.Close()
}
