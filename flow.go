package pemi

//
// Flow state and the flow table (spec §3, §4.2).
//
// Grounded on the teacher's dpiengine.go (DPIEngine.flows map[uint64]*dpiFlow,
// looked up and lazily expired on every packet) and router.go (Router.table
// map[string]*RouterPort, a second index keyed differently from the
// primary one). PEMI needs both patterns at once: a primary index by
// [FlowKey] and a secondary index by DCID for migration rebinding
// (spec §4.2, Open Question (a)).
//

import (
	"sync"
	"time"
)

// direction holds everything tracked for one traffic direction of a flow:
// its sent buffer (and derived flowlet list), duplicate-suppression set,
// injection token bucket, and byte counters for the amplification cap
// (spec §4.7).
type direction struct {
	buf         *sentBuffer
	dupSuppress *dupSuppressSet
	bucket      *tokenBucket

	forwardedBytes int64
	injectedBytes  int64

	// nextIPID hands out a fresh IPv4 Identification value for each
	// injected datagram from a per-direction counter (spec §4.1). The
	// original packet's IP ID is not recorded, so nothing prevents the two
	// from coinciding.
	nextIPID uint16
}

func newDirection(cfg *Config, clock Clock, metrics *Metrics) *direction {
	return &direction{
		buf:         newSentBuffer(cfg, clock, metrics),
		dupSuppress: newDupSuppressSet(cfg.DupSuppressTTL),
		bucket:      newTokenBucket(cfg.InjectRatePerSecond, cfg.InjectBurst, clock),
	}
}

// allocIPID returns the next IPv4 Identification value to stamp on an
// injected datagram, wrapping per uint16 semantics. Callers hold the
// owning flow's mutex.
func (d *direction) allocIPID() uint16 {
	d.nextIPID++
	return d.nextIPID
}

// amplificationRatio returns injectedBytes/forwardedBytes, or 0 if nothing
// has been forwarded yet (spec §4.7).
func (d *direction) amplificationRatio() float64 {
	if d.forwardedBytes == 0 {
		return 0
	}
	return float64(d.injectedBytes) / float64(d.forwardedBytes)
}

// flow is the per-5-tuple-ish state PEMI tracks across both directions.
// FlowKey deliberately omits the client's source port (spec §3), so a flow
// survives the client rebinding its local port, which middleboxes
// otherwise routinely break QUIC connections over.
type flow struct {
	mu sync.Mutex

	Key      FlowKey
	TraceID  string
	dcids    map[string]struct{} // every DCID seen from the client for this flow
	Forward  *direction          // server -> client (the path PEMI injects into)
	Reverse  *direction          // client -> server (feeds implicit-ack inference)

	SmoothedRTT time.Duration
	rttSamples  int
	rttWatermark time.Time // ClosedAt of the most recently RTT-matched flowlet closure

	LastForwardArrival time.Time
	LastReverseArrival time.Time
	createdAt          time.Time
}

func newFlow(key FlowKey, cfg *Config, clock Clock, metrics *Metrics) *flow {
	return &flow{
		Key:       key,
		TraceID:   newFlowTraceID(),
		dcids:     make(map[string]struct{}),
		Forward:   newDirection(cfg, clock, metrics),
		Reverse:   newDirection(cfg, clock, metrics),
		createdAt: clock.Now(),
	}
}

// observeDCID records dcid as belonging to this flow, for migration
// rebinding lookups.
func (f *flow) observeDCID(dcid []byte) {
	if len(dcid) == 0 {
		return
	}
	f.dcids[string(dcid)] = struct{}{}
}

// updateRTT folds a fresh one-way-delay-derived RTT sample into the
// smoothed estimate using the same alpha=1/8 EWMA TCP uses for SRTT, since
// the spec leaves the smoothing constant unspecified.
func (f *flow) updateRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if f.rttSamples == 0 {
		f.SmoothedRTT = sample
	} else {
		f.SmoothedRTT += (sample - f.SmoothedRTT) / 8
	}
	f.rttSamples++
}

// sentBufferAgeBound returns the age bound sent-buffer eviction should use:
// the configured floor, or twice the smoothed RTT if that is larger
// (spec §4.3: "age-bounded ... by a floor and by a multiple of the flow's
// current smoothed RTT").
func (f *flow) sentBufferAgeBound(cfg *Config) time.Duration {
	bound := cfg.SentBufferAge
	if twice := 2 * f.SmoothedRTT; twice > bound {
		bound = twice
	}
	return bound
}

// flowTable owns every live flow, indexed both by [FlowKey] and by every
// DCID observed for it.
type flowTable struct {
	mu      sync.Mutex
	cfg     *Config
	clock   Clock
	metrics *Metrics

	byKey  map[FlowKey]*flow
	byDCID map[string]*flow
}

func newFlowTable(cfg *Config, clock Clock, metrics *Metrics) *flowTable {
	return &flowTable{
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		byKey:   make(map[FlowKey]*flow),
		byDCID:  make(map[string]*flow),
	}
}

// flowKeyForObservation derives the [FlowKey] that identifies the flow an
// observation belongs to. Forward packets (ingress on the near/server
// side) key on the server as seen from its own address; reverse packets
// (ingress on the far/client side) key on the server as the client
// addresses it. Client port is never part of the key (spec §3).
func flowKeyForObservation(dd *DissectedDatagram, side Side, dcidPrefix string) FlowKey {
	switch side {
	case SideNear:
		return FlowKey{
			ClientAddr: dd.DestIP(),
			ServerAddr: dd.SourceIP(),
			ServerPort: dd.SourcePort(),
			DCIDPrefix: dcidPrefix,
		}
	default: // SideFar
		return FlowKey{
			ClientAddr: dd.SourceIP(),
			ServerAddr: dd.DestIP(),
			ServerPort: dd.DestPort(),
			DCIDPrefix: dcidPrefix,
		}
	}
}

// lookupOrCreate returns the flow for key, rebinding by DCID match first
// (spec §4.2 Open Question (a): a packet whose DCID is already known to a
// different-keyed flow is treated as a migration of that flow, not a new
// one), creating a fresh flow only if neither lookup succeeds.
func (ft *flowTable) lookupOrCreate(key FlowKey, dcid []byte) (fl *flow, created bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(dcid) > 0 {
		if existing, ok := ft.byDCID[string(dcid)]; ok {
			if existing.Key != key {
				ft.rebindLocked(existing, key)
			}
			return existing, false
		}
	}

	if existing, ok := ft.byKey[key]; ok {
		existing.observeDCID(dcid)
		if len(dcid) > 0 {
			ft.byDCID[string(dcid)] = existing
		}
		return existing, false
	}

	if len(ft.byKey) >= ft.cfg.MaxFlows {
		ft.evictOldestLocked()
	}

	fl = newFlow(key, ft.cfg, ft.clock, ft.metrics)
	fl.observeDCID(dcid)
	ft.byKey[key] = fl
	if len(dcid) > 0 {
		ft.byDCID[string(dcid)] = fl
	}
	if ft.metrics != nil {
		ft.metrics.flowsCreated.Inc()
	}
	return fl, true
}

// rebindLocked updates the flow table's primary index for a flow whose key
// has changed (address/port migration detected via DCID continuity). The
// flow keeps its buffers, flowlets, and RTT estimate; only the indices
// move (spec §4.2: migration rebinds, it never splits the flow).
func (ft *flowTable) rebindLocked(fl *flow, newKey FlowKey) {
	delete(ft.byKey, fl.Key)
	fl.Key = newKey
	ft.byKey[newKey] = fl
}

// evictOldestLocked drops the least-recently-active flow to make room for
// a new one when MaxFlows is reached. A linear scan is acceptable here:
// eviction-by-overflow is rare in practice (spec §4.2 default MaxFlows is
// large relative to expected concurrent flows on a middlebox link).
func (ft *flowTable) evictOldestLocked() {
	var oldestKey FlowKey
	var oldest *flow
	for k, fl := range ft.byKey {
		last := fl.LastForwardArrival
		if fl.LastReverseArrival.After(last) {
			last = fl.LastReverseArrival
		}
		if oldest == nil || last.Before(func() time.Time {
			l := oldest.LastForwardArrival
			if oldest.LastReverseArrival.After(l) {
				l = oldest.LastReverseArrival
			}
			return l
		}()) {
			oldest, oldestKey = fl, k
		}
	}
	if oldest == nil {
		return
	}
	ft.removeLocked(oldestKey, oldest)
	if ft.metrics != nil {
		ft.metrics.flowEvictions.Inc()
	}
}

func (ft *flowTable) removeLocked(key FlowKey, fl *flow) {
	delete(ft.byKey, key)
	for dcid := range fl.dcids {
		delete(ft.byDCID, dcid)
	}
}

// expireIdle removes every flow whose last activity on either direction is
// older than idleTimeout, returning the keys of the flows removed.
func (ft *flowTable) expireIdle(idleTimeout time.Duration) []FlowKey {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	now := ft.clock.Now()
	var removed []FlowKey
	for key, fl := range ft.byKey {
		last := fl.LastForwardArrival
		if fl.LastReverseArrival.After(last) {
			last = fl.LastReverseArrival
		}
		if last.IsZero() {
			last = fl.createdAt
		}
		if now.Sub(last) > idleTimeout {
			ft.removeLocked(key, fl)
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 && ft.metrics != nil {
		ft.metrics.flowEvictions.Add(float64(len(removed)))
	}
	return removed
}

// len reports the number of live flows.
func (ft *flowTable) len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.byKey)
}

// sweepDupSuppress evicts expired duplicate-suppression entries across
// every live flow (spec testable property 3: "no fingerprint appears in
// the duplicate-suppression set after its TTL has elapsed"). Run
// periodically from the engine's maintenance pass.
func (ft *flowTable) sweepDupSuppress(now time.Time) {
	ft.mu.Lock()
	flows := make([]*flow, 0, len(ft.byKey))
	for _, fl := range ft.byKey {
		flows = append(flows, fl)
	}
	ft.mu.Unlock()

	for _, fl := range flows {
		fl.Forward.dupSuppress.sweep(now)
		fl.Reverse.dupSuppress.sweep(now)
	}
}

// truncateDCID returns dcid truncated to at most n bytes, or dcid
// unchanged if it is already shorter. Used to derive a stable
// [FlowKey.DCIDPrefix] / DCID-index key regardless of the DCID's actual
// on-wire length (spec §3: "dcid_prefix").
func truncateDCID(dcid []byte, n int) []byte {
	if n <= 0 || n >= len(dcid) {
		return dcid
	}
	return dcid[:n]
}
