package pemi

//
// End-to-end scenarios, run against a real [Engine] driven directly (no
// PacketIO polling loop): each test hand-builds IP/UDP/QUIC datagrams with
// [buildDatagram] and [buildShortHeaderPacket], feeds them through
// Engine.handlePacket in scripted order, and asserts on what a
// [FakePacketIO] recorded as injected.
//

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	scenarioServerAddr = "9.9.9.9"
	scenarioClientAddr = "10.0.0.2"
	scenarioServerPort = 443
	scenarioClientPort = 51000
)

func scenarioForwardTemplate() datagramTemplate {
	return datagramTemplate{
		srcIP: scenarioServerAddr, dstIP: scenarioClientAddr,
		srcPort: scenarioServerPort, dstPort: scenarioClientPort,
	}
}

func scenarioReverseTemplate() datagramTemplate {
	return datagramTemplate{
		srcIP: scenarioClientAddr, dstIP: scenarioServerAddr,
		srcPort: scenarioClientPort, dstPort: scenarioServerPort,
	}
}

func scenarioDatagram(t *testing.T, tpl datagramTemplate, dcid []byte, fp byte) []byte {
	t.Helper()
	quic := buildShortHeaderPacket(dcid, bytes.Repeat([]byte{fp}, 32))
	raw, err := buildDatagram(tpl, quic, uint16(fp)+1)
	if err != nil {
		t.Fatalf("buildDatagram: %v", err)
	}
	return raw
}

func scenarioConfig() *Config {
	cfg := DefaultConfig()
	cfg.IfaceNear, cfg.IfaceFar = "eth0", "eth1"
	cfg.SentBufferAge = 10 * time.Second // generous: these scenarios span well under this
	return cfg
}

func scenarioEngine(t *testing.T, cfg *Config, clock Clock, metrics *Metrics) (*Engine, *FakePacketIO) {
	t.Helper()
	io := NewFakePacketIO(nil)
	e := NewEngine(cfg, io, clock, nil, metrics, nil)
	return e, io
}

// scenarioFlowKey mirrors flowKeyForObservation for SideNear (forward
// ingress), so tests can reach into the flow table without going through
// the engine's private lookup path.
func scenarioFlowKey(dcid []byte, cfg *Config) FlowKey {
	return FlowKey{
		ClientAddr: scenarioClientAddr,
		ServerAddr: scenarioServerAddr,
		ServerPort: scenarioServerPort,
		DCIDPrefix: string(truncateDCID(dcid, cfg.DCIDLen)),
	}
}

// pinRTT freezes a flow's smoothed RTT against further automatic
// refinement, so a scenario can drive the matcher off a known srtt exactly
// as the worked examples assume.
func pinRTT(fl *flow, srtt time.Duration) {
	fl.SmoothedRTT = srtt
	fl.rttSamples = 1
	fl.rttWatermark = time.Unix(0, 0).Add(1_000_000 * time.Hour)
}

// scenarioSend advances the engine's wall clock to at least `at`, without
// ever moving it backwards, then hands the packet to the engine tagged
// with its own logical arrival time `at` — which may itself be earlier
// than the clock's current high-water mark. This lets a scenario script
// reverse-direction packets whose matcher-relevant arrival time precedes
// forward packets already appended to the sent buffer, exactly as a real
// late-arriving implicit ACK would, while keeping the [FakeClock] itself
// (used for age checks and the token bucket) strictly monotonic.
func scenarioSend(e *Engine, clock *FakeClock, at time.Time, raw []byte, side Side) {
	if at.After(clock.Now()) {
		clock.Set(at)
	}
	e.handlePacket(raw, at, side)
}

// S1 — clean flowlet, no loss (spec §8).
func TestScenarioS1CleanFlowletNoLoss(t *testing.T) {
	cfg := scenarioConfig()
	cfg.WindowDelta = time.Millisecond
	clock := NewFakeClock(time.Unix(0, 0))
	e, io := scenarioEngine(t, cfg, clock, nil)

	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	base := time.Unix(0, 0)
	for i, ms := range []int{0, 1, 2, 3} {
		scenarioSend(e, clock, base.Add(time.Duration(ms)*time.Millisecond),
			scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte('a'+i)), SideNear)
	}

	key := scenarioFlowKey(dcid, cfg)
	fl := e.flows.byKey[key]
	if fl == nil {
		t.Fatal("expected the forward bursts to have created a flow")
	}
	pinRTT(fl, 24*time.Millisecond)

	scenarioSend(e, clock, base.Add(25*time.Millisecond),
		scenarioDatagram(t, scenarioReverseTemplate(), dcid, 0xee), SideFar)

	if got := len(io.Injected()); got != 0 {
		t.Errorf("injected = %d, want 0", got)
	}
}

// S2 — single loss inside a closed flowlet, both variants (spec §8).
func TestScenarioS2LossAcrossFlowlets(t *testing.T) {
	build := func(t *testing.T) (*Engine, *FakePacketIO, *FakeClock, []byte, time.Time) {
		cfg := scenarioConfig()
		cfg.WindowDelta = 5 * time.Millisecond
		cfg.AmplificationCap = 10 // isolate the token bucket as the only binding constraint
		clock := NewFakeClock(time.Unix(0, 0))
		e, io := scenarioEngine(t, cfg, clock, nil)

		dcid := []byte{9, 9, 9, 9, 9, 9, 9, 9}
		base := time.Unix(0, 0)
		for i, ms := range []int{0, 1, 2, 3} { // flowlet A: a,b,c,d
			scenarioSend(e, clock, base.Add(time.Duration(ms)*time.Millisecond),
				scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte('a'+i)), SideNear)
		}
		for i, ms := range []int{40, 41, 42, 43} { // flowlet B: e,f,g,h
			scenarioSend(e, clock, base.Add(time.Duration(ms)*time.Millisecond),
				scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte('e'+i)), SideNear)
		}

		key := scenarioFlowKey(dcid, cfg)
		fl := e.flows.byKey[key]
		if fl == nil {
			t.Fatal("expected the forward bursts to have created a flow")
		}
		pinRTT(fl, 24*time.Millisecond)
		return e, io, clock, dcid, base
	}

	t.Run("both reverses acked, no injection", func(t *testing.T) {
		e, io, clock, dcid, base := build(t)
		scenarioSend(e, clock, base.Add(30*time.Millisecond),
			scenarioDatagram(t, scenarioReverseTemplate(), dcid, 0xd0), SideFar)
		scenarioSend(e, clock, base.Add(65*time.Millisecond),
			scenarioDatagram(t, scenarioReverseTemplate(), dcid, 0xd1), SideFar)

		if got := len(io.Injected()); got != 0 {
			t.Errorf("injected = %d, want 0 (both flowlets were individually acked)", got)
		}
	})

	t.Run("only the later reverse arrives, flowlet A flagged lost", func(t *testing.T) {
		e, io, clock, dcid, base := build(t)
		scenarioSend(e, clock, base.Add(65*time.Millisecond),
			scenarioDatagram(t, scenarioReverseTemplate(), dcid, 0xd1), SideFar)

		if got := len(io.Injected()); got != 4 {
			t.Errorf("injected = %d, want 4 (a,b,c,d)", got)
		}
	})
}

// S3 — reverse arriving in the inter-flowlet gap: no inference performed,
// uninformative_reverse increments (spec §8).
func TestScenarioS3UninformativeReverseInGap(t *testing.T) {
	cfg := scenarioConfig()
	cfg.WindowDelta = 2 * time.Millisecond
	clock := NewFakeClock(time.Unix(0, 0))
	metrics := NewMetrics()
	e, io := scenarioEngine(t, cfg, clock, metrics)

	dcid := []byte{3, 3, 3, 3, 3, 3, 3, 3}
	base := time.Unix(0, 0)
	for i, ms := range []int{0, 1, 2} { // flowlet A
		scenarioSend(e, clock, base.Add(time.Duration(ms)*time.Millisecond),
			scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte('a'+i)), SideNear)
	}
	for i, ms := range []int{50, 51, 52} { // flowlet B, well past the gap
		scenarioSend(e, clock, base.Add(time.Duration(ms)*time.Millisecond),
			scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte('x'+i)), SideNear)
	}

	key := scenarioFlowKey(dcid, cfg)
	fl := e.flows.byKey[key]
	if fl == nil {
		t.Fatal("expected the forward bursts to have created a flow")
	}
	pinRTT(fl, 24*time.Millisecond)
	fl.Forward.buf.ewmaGap = 500 * time.Microsecond // pin so the one large gap doesn't skew delta

	// t_s = 39-24 = 15ms, squarely in the gap between flowlet A (ends 2ms)
	// and flowlet B (starts 50ms); arrives, in wall-clock terms, after both.
	scenarioSend(e, clock, base.Add(39*time.Millisecond),
		scenarioDatagram(t, scenarioReverseTemplate(), dcid, 0xaa), SideFar)

	if got := len(io.Injected()); got != 0 {
		t.Errorf("injected = %d, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.uninformativeReverse); got != 1 {
		t.Errorf("uninformative_reverse = %v, want 1", got)
	}
}

// S4 — duplicate suppression: a candidate already injected within
// dup_suppress_ttl_ms must not be injected again (spec §8).
func TestScenarioS4DuplicateSuppression(t *testing.T) {
	cfg := scenarioConfig()
	cfg.WindowDelta = 5 * time.Millisecond
	cfg.AmplificationCap = 10
	cfg.DupSuppressTTL = 100 * time.Millisecond
	clock := NewFakeClock(time.Unix(0, 0))
	e, io := scenarioEngine(t, cfg, clock, nil)

	dcid := []byte{4, 4, 4, 4, 4, 4, 4, 4}
	base := time.Unix(0, 0)

	scenarioSend(e, clock, base, scenarioDatagram(t, scenarioForwardTemplate(), dcid, 'X'), SideNear) // flowlet A: one packet, fingerprint X
	for i, ms := range []int{40, 41, 42} {                                                            // flowlet B closes A and gets its own ack
		scenarioSend(e, clock, base.Add(time.Duration(ms)*time.Millisecond),
			scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte('e'+i)), SideNear)
	}

	key := scenarioFlowKey(dcid, cfg)
	fl := e.flows.byKey[key]
	if fl == nil {
		t.Fatal("expected the forward bursts to have created a flow")
	}
	pinRTT(fl, 24*time.Millisecond)

	rev := scenarioDatagram(t, scenarioReverseTemplate(), dcid, 0xd1)
	scenarioSend(e, clock, base.Add(65*time.Millisecond), rev, SideFar)
	if got := len(io.Injected()); got != 1 {
		t.Fatalf("first round: injected = %d, want 1", got)
	}

	// The identical candidate window is re-evaluated well within the TTL.
	scenarioSend(e, clock, base.Add(70*time.Millisecond), rev, SideFar)
	if got := len(io.Injected()); got != 1 {
		t.Errorf("second round: injected = %d, want still 1 (duplicate suppressed)", got)
	}
}

// S5 — amplification cap: 20 candidates flagged, cap=0.1 permits only 10
// (spec §8).
func TestScenarioS5AmplificationCap(t *testing.T) {
	cfg := scenarioConfig()
	cfg.WindowDelta = 50 * time.Millisecond
	cfg.AmplificationCap = 0.1
	cfg.MinLossAge = 0
	clock := NewFakeClock(time.Unix(0, 0))
	metrics := NewMetrics()
	e, io := scenarioEngine(t, cfg, clock, metrics)

	dcid := []byte{5, 5, 5, 5, 5, 5, 5, 5}
	base := time.Unix(0, 0)

	for i := 0; i < 20; i++ { // flowlet A: 20 packets that will go unacked on their own
		scenarioSend(e, clock, base.Add(time.Duration(i)*time.Millisecond),
			scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte(i)), SideNear)
	}
	for i := 0; i < 80; i++ { // large gap opens flowlet B
		scenarioSend(e, clock, base.Add(1000*time.Millisecond+time.Duration(i)*time.Millisecond),
			scenarioDatagram(t, scenarioForwardTemplate(), dcid, byte(20+i)), SideNear)
	}

	key := scenarioFlowKey(dcid, cfg)
	fl := e.flows.byKey[key]
	if fl == nil {
		t.Fatal("expected the forward bursts to have created a flow")
	}
	pinRTT(fl, 0) // srtt=0: t_s = t_r exactly, keeps the match trivial to reason about

	// Reverse packet whose t_s lands on flowlet B's very last packet; its
	// wide candidate window (WindowDelta=50ms) reaches back over B's last 51
	// packets, and implicit acks run from B's start up to that last packet.
	reverseAt := base.Add(1000*time.Millisecond + 79*time.Millisecond)
	scenarioSend(e, clock, reverseAt, scenarioDatagram(t, scenarioReverseTemplate(), dcid, 0xff), SideFar)

	if got := len(io.Injected()); got != 10 {
		t.Fatalf("injected = %d, want 10 (amplification_cap=0.1)", got)
	}
	if got := testutil.ToFloat64(metrics.injectCapDrops); got != 10 {
		t.Errorf("inject_cap_drops = %v, want 10", got)
	}
}

// S6 — flow expiry: a flow silent past idle_timeout_ms is torn down, and a
// subsequent packet with its old key starts a fresh flow; an active sibling
// flow is unaffected (spec §8).
func TestScenarioS6FlowExpiry(t *testing.T) {
	cfg := scenarioConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	clock := NewFakeClock(time.Unix(0, 0))
	e, _ := scenarioEngine(t, cfg, clock, nil)

	dcidF1 := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	dcidF2 := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	base := time.Unix(0, 0)

	scenarioSend(e, clock, base, scenarioDatagram(t, scenarioForwardTemplate(), dcidF1, 1), SideNear)
	scenarioSend(e, clock, base, scenarioDatagram(t, scenarioForwardTemplate(), dcidF2, 2), SideNear)

	keyF1 := scenarioFlowKey(dcidF1, cfg)
	keyF2 := scenarioFlowKey(dcidF2, cfg)
	originalF1 := e.flows.byKey[keyF1]
	if originalF1 == nil || e.flows.byKey[keyF2] == nil {
		t.Fatal("expected both flows to exist")
	}

	scenarioSend(e, clock, base.Add(10*time.Millisecond),
		scenarioDatagram(t, scenarioForwardTemplate(), dcidF2, 3), SideNear) // keep F2 active

	clock.Advance(cfg.IdleTimeout) // F1 now silent past idle_timeout
	e.runMaintenance(clock.Now())

	if _, ok := e.flows.byKey[keyF1]; ok {
		t.Error("F1 should have been expired")
	}
	if _, ok := e.flows.byKey[keyF2]; !ok {
		t.Error("F2 should still be live")
	}

	scenarioSend(e, clock, clock.Now(), scenarioDatagram(t, scenarioForwardTemplate(), dcidF1, 4), SideNear)
	fresh := e.flows.byKey[keyF1]
	if fresh == nil {
		t.Fatal("expected F1's key to resolve to a freshly created flow")
	}
	if fresh == originalF1 {
		t.Error("the new flow must not be the same instance as the expired one")
	}
	if fresh.TraceID == originalF1.TraceID {
		t.Error("a fresh flow should get a new trace ID, not inherit the expired one's")
	}
}
