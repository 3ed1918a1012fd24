package pemi

//
// Per-direction sent buffer (spec §3, §4.3, §4.4).
//
// Grounded on the teacher's linkfwdcore.go forwarding queue: a bounded,
// arena-indexed slice owned by a single mutex, with eviction from the front
// and stable indices handed out to callers so they can reference an entry
// after later ones have arrived. PEMI's twist is that eviction is driven by
// both a count cap and an age bound (the age bound itself derived from the
// flow's smoothed RTT, spec §4.3), and every insertion also runs through the
// flowlet segmenter (spec §4.4).
//

import "time"

// entryState is the lifecycle state of a sent-buffer entry as loss
// inference and injection observe it (spec §4.6).
type entryState int

const (
	stateSent entryState = iota
	stateImplicitAcked
	stateSuspectedLost
	stateInjectedOnce
)

func (s entryState) String() string {
	switch s {
	case stateSent:
		return "sent"
	case stateImplicitAcked:
		return "implicit-acked"
	case stateSuspectedLost:
		return "suspected-lost"
	case stateInjectedOnce:
		return "injected-once"
	default:
		return "unknown"
	}
}

// sentEntry is one forward-path packet retained for possible
// retransmission.
type sentEntry struct {
	obs   PacketObservation
	state entryState
}

// sentBuffer is a bounded, age-bounded ring of [sentEntry] for one flow
// direction, plus the flowlet segmentation derived from the arrival times
// of the packets it holds.
//
// Entries are addressed by a monotonically increasing global index: the
// first packet ever appended is index 0, the next is 1, and so on, for the
// lifetime of the flow. Evicting the oldest entries never renumbers the
// survivors, so a flowlet range or an inference-loop cursor computed
// earlier stays valid until the entry it names is itself evicted.
type sentBuffer struct {
	cfg     *Config
	clock   Clock
	metrics *Metrics

	entries []sentEntry
	base    int // global index of entries[0]; base+len(entries) == next index

	hasLast     bool
	lastArrival time.Time
	ewmaGap     time.Duration
	gapSamples  int

	flowlets *flowletList

	evictions int64 // count of entries evicted, for metrics
}

// newSentBuffer creates an empty sent buffer. metrics may be nil.
func newSentBuffer(cfg *Config, clock Clock, metrics *Metrics) *sentBuffer {
	return &sentBuffer{
		cfg:      cfg,
		clock:    clock,
		metrics:  metrics,
		flowlets: newFlowletList(),
	}
}

// ewmaGapWindow caps the sample count ewmaAlpha uses, giving a smoothing
// factor for a window of approximately 64 samples, per spec §4.4 ("EWMA g of inter-send gaps over the last N≈64
// packets").
const ewmaGapWindow = 64

func ewmaAlpha(samples int) float64 {
	n := samples + 1
	if n > ewmaGapWindow {
		n = ewmaGapWindow
	}
	return 2.0 / float64(n+1)
}

// flowletThreshold returns the gap, in nanoseconds, above which a new
// flowlet is opened: max(gap_abs, mult * g) per spec §4.4.
func (sb *sentBuffer) flowletThreshold() time.Duration {
	scaled := time.Duration(float64(sb.ewmaGap) * sb.cfg.FlowletGapMult)
	if scaled > sb.cfg.FlowletGapAbs {
		return scaled
	}
	return sb.cfg.FlowletGapAbs
}

// append inserts obs at the next global index, updates the inter-send gap
// EWMA, runs flowlet segmentation, and evicts from the front down to
// cfg.SentBufferCap entries and ageBound of age. It returns the global
// index assigned to obs.
func (sb *sentBuffer) append(obs PacketObservation, ageBound time.Duration) int {
	idx := sb.base + len(sb.entries)

	opensNewFlowlet := true
	if sb.hasLast {
		gap := obs.Arrival.Sub(sb.lastArrival)
		opensNewFlowlet = gap > sb.flowletThreshold()

		alpha := ewmaAlpha(sb.gapSamples)
		if sb.gapSamples == 0 {
			sb.ewmaGap = gap
		} else {
			sb.ewmaGap = time.Duration(alpha*float64(gap) + (1-alpha)*float64(sb.ewmaGap))
		}
		sb.gapSamples++
	}

	if opensNewFlowlet {
		if sb.hasLast {
			sb.flowlets.closeCurrent(obs.Arrival)
		}
		sb.flowlets.openNew(idx)
	} else {
		sb.flowlets.extendCurrent(idx)
	}

	sb.entries = append(sb.entries, sentEntry{obs: obs, state: stateSent})
	sb.lastArrival = obs.Arrival
	sb.hasLast = true

	sb.evict(ageBound)
	return idx
}

// evict drops entries from the front until the buffer is within
// cfg.SentBufferCap entries and no live entry is older than ageBound
// relative to the clock's current time (spec §4.3).
func (sb *sentBuffer) evict(ageBound time.Duration) {
	now := sb.clock.Now()
	dropped := 0
	for len(sb.entries) > 0 {
		oldest := sb.entries[0]
		overCap := len(sb.entries) > sb.cfg.SentBufferCap
		tooOld := ageBound > 0 && now.Sub(oldest.obs.Arrival) > ageBound
		if !overCap && !tooOld {
			break
		}
		sb.entries = sb.entries[1:]
		sb.base++
		dropped++
	}
	if dropped > 0 {
		sb.evictions += int64(dropped)
		sb.flowlets.evictBefore(sb.base)
		if sb.metrics != nil {
			sb.metrics.sentBufferEvictions.Add(float64(dropped))
		}
	}
}

// at returns the entry at global index idx, or false if it has been
// evicted or does not exist yet.
func (sb *sentBuffer) at(idx int) (*sentEntry, bool) {
	pos := idx - sb.base
	if pos < 0 || pos >= len(sb.entries) {
		return nil, false
	}
	return &sb.entries[pos], true
}

// lastIndex returns the most recently assigned global index, or -1 if the
// buffer has never had an entry appended.
func (sb *sentBuffer) lastIndex() int {
	if !sb.hasLast {
		return -1
	}
	return sb.base + len(sb.entries) - 1
}

// bounds returns the inclusive range of live global indices. If the
// buffer is empty, ok is false.
func (sb *sentBuffer) bounds() (lo, hi int, ok bool) {
	if len(sb.entries) == 0 {
		return 0, 0, false
	}
	return sb.base, sb.base + len(sb.entries) - 1, true
}
