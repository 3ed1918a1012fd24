package pemi

//
// Engine (spec §2, §4, §5).
//
// Grounded on the teacher's link.go forwarding loop: a single-threaded,
// event-driven pump that reads a frame, decides what to do with it, and
// loops, with a periodic housekeeping pass instead of per-packet timers
// (the same shape as the teacher's link-layer delay/jitter state machine,
// generalized from "delay and maybe drop" to "forward, maybe infer loss,
// maybe inject"). Per spec §5 there is exactly one goroutine doing this
// work; sharding across flow-hash-partitioned engines is the caller's
// responsibility (NewEngine takes one already-scoped [PacketIO]).
//

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Engine is one shard of the PEMI data plane: it owns a [PacketIO], a
// [flowTable], and drives the parse -> lookup -> (forward | infer+inject)
// pipeline for every packet it reads.
type Engine struct {
	cfg     *Config
	clock   Clock
	io      PacketIO
	logger  Logger
	metrics *Metrics
	obslog  *ObservationLog

	flows *flowTable
}

// NewEngine constructs an Engine. cfg must already be valid (see
// [Config.Validate]); logger, metrics, and obslog may be nil, in which
// case logging/metrics/observation-logging are no-ops.
func NewEngine(cfg *Config, io PacketIO, clock Clock, logger Logger, metrics *Metrics, obslog *ObservationLog) *Engine {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Engine{
		cfg:     cfg,
		clock:   clock,
		io:      io,
		logger:  logger,
		metrics: metrics,
		obslog:  obslog,
		flows:   newFlowTable(cfg, clock, metrics),
	}
}

// noopLogger is used when NewEngine is called with a nil Logger.
type noopLogger struct{}

func (*noopLogger) Debug(string)          {}
func (*noopLogger) Debugf(string, ...any) {}
func (*noopLogger) Info(string)           {}
func (*noopLogger) Infof(string, ...any)  {}
func (*noopLogger) Warn(string)           {}
func (*noopLogger) Warnf(string, ...any)  {}

// Run drives the packet pump until ctx is cancelled, the packet I/O shim
// is closed, or a fatal I/O error occurs. It returns nil on a clean
// shutdown and a wrapped [ErrFatalIO] otherwise (spec §6/§7).
func (e *Engine) Run(ctx context.Context) error {
	lastMaintenance := e.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		payload, arrival, side, err := e.io.NextPacket(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			case errors.Is(err, ErrShimClosed):
				return nil
			case errors.Is(err, ErrFakePacketIOExhausted):
				return nil
			default:
				return fmt.Errorf("%w: %s", ErrFatalIO, err.Error())
			}
		}

		e.handlePacket(payload, arrival, side)

		now := e.clock.Now()
		if now.Sub(lastMaintenance) >= e.cfg.MaintenanceInterval {
			e.runMaintenance(now)
			lastMaintenance = now
		}
	}
}

// handlePacket implements the per-packet pipeline of spec §2: forward
// unconditionally, then parse/attribute/infer/inject on a best-effort
// basis. No error arising past the initial forward may propagate (spec
// §7: "every per-packet path must be total").
func (e *Engine) handlePacket(payload []byte, arrival time.Time, side Side) {
	egress := side.Opposite()
	if err := e.io.Forward(payload, egress); err != nil {
		e.logger.Warnf("pemi: forward failed: %s", err.Error())
	} else if e.metrics != nil {
		e.metrics.packetsForwarded.Inc()
	}

	dd, err := DissectUDPDatagram(payload)
	if err != nil {
		if e.metrics != nil {
			e.metrics.packetsSkipped.Inc()
		}
		return
	}

	obs, lh, err := parsePacket(dd.Payload(), side, arrival, e.cfg.DCIDLen)
	if err != nil {
		if e.metrics != nil {
			e.metrics.packetsSkipped.Inc()
		}
		return
	}

	if lh != nil {
		e.handleLongHeader(dd, side, lh)
		return
	}
	e.handleShortHeader(dd, side, obs)
}

func (e *Engine) dcidPrefix(dcid []byte) string {
	return string(truncateDCID(dcid, e.cfg.DCIDLen))
}

func (e *Engine) handleLongHeader(dd *DissectedDatagram, side Side, lh *longHeaderInfo) {
	key := flowKeyForObservation(dd, side, e.dcidPrefix(lh.DCID))
	fl, created := e.flows.lookupOrCreate(key, truncateDCID(lh.DCID, e.cfg.DCIDLen))
	e.touchArrival(fl, side, e.clock.Now())
	if created {
		e.logObservation(e.clock.Now(), side, ActionNewFlow, key, -1, Fingerprint{})
	}
}

func (e *Engine) handleShortHeader(dd *DissectedDatagram, side Side, obs *PacketObservation) {
	key := flowKeyForObservation(dd, side, e.dcidPrefix(obs.DCID))
	obs.FlowKey = key
	obs.Datagram = templateFromDatagram(dd)

	fl, created := e.flows.lookupOrCreate(key, truncateDCID(obs.DCID, e.cfg.DCIDLen))
	if created {
		e.logObservation(obs.Arrival, side, ActionNewFlow, key, -1, Fingerprint{})
	}
	e.touchArrival(fl, side, obs.Arrival)

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if directionForIngress(side) == DirForward {
		e.handleForwardPacket(fl, *obs)
		return
	}
	e.handleReversePacket(fl, obs.Arrival)
}

func (e *Engine) touchArrival(fl *flow, side Side, t time.Time) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if side == SideNear {
		fl.LastForwardArrival = t
	} else {
		fl.LastReverseArrival = t
	}
}

// handleForwardPacket records a server->client packet into the flow's
// forward sent buffer and flowlet segmentation (spec §4.4). fl.mu is held
// by the caller.
func (e *Engine) handleForwardPacket(fl *flow, obs PacketObservation) {
	ageBound := fl.sentBufferAgeBound(e.cfg)
	idx := fl.Forward.buf.append(obs, ageBound)
	fl.Forward.forwardedBytes += int64(obs.Length)
	e.logObservation(obs.Arrival, obs.Side, ActionForward, fl.Key, idx, obs.Fingerprint)
}

// handleReversePacket runs the reverse matcher and loss inference for a
// client->server packet, and attempts injection for every packet flagged
// suspected-lost (spec §4.5, §4.6, §4.7). fl.mu is held by the caller.
func (e *Engine) handleReversePacket(fl *flow, reverseArrival time.Time) {
	cw := matchReverse(fl, reverseArrival, e.cfg)
	if !cw.ok {
		if e.metrics != nil {
			e.metrics.uninformativeReverse.Inc()
		}
		return
	}

	now := e.clock.Now()
	candidates := runLossInference(fl, cw, e.cfg, now)
	for _, c := range candidates {
		e.tryInject(fl, c)
	}
}

// tryInject evaluates and, if permitted, performs one injected
// retransmission for a suspected-lost sent-buffer entry (spec §4.7).
func (e *Engine) tryInject(fl *flow, c lossCandidate) {
	now := e.clock.Now()
	verdict := evaluateInjection(fl.Forward, c.entry.obs.Fingerprint, c.entry.obs.Length, e.cfg, now)
	if e.metrics != nil {
		e.metrics.recordInjectionVerdict(verdict)
	}
	if verdict != verdictInject {
		return
	}

	datagram, err := buildDatagram(c.entry.obs.Datagram, c.entry.obs.Payload, fl.Forward.allocIPID())
	if err != nil {
		e.logger.Warnf("pemi: rebuild datagram for injection failed: %s", err.Error())
		return
	}

	egress := egressForDirection(DirForward)
	if err := e.io.Inject(datagram, egress); err != nil {
		e.logger.Warnf("pemi: inject failed: %s", err.Error())
		return
	}
	// Only a packet that was actually emitted may poison the duplicate
	// suppression window (spec §3): a rate-limited or cap-dropped
	// candidate never reaches this line.
	fl.Forward.dupSuppress.record(c.entry.obs.Fingerprint, now)
	fl.Forward.injectedBytes += int64(c.entry.obs.Length)
	c.entry.state = stateInjectedOnce
	e.logObservation(now, egress, ActionInject, fl.Key, c.index, c.entry.obs.Fingerprint)
}

// runMaintenance is the engine's bounded periodic housekeeping pass
// (spec §5: "a bounded periodic maintenance pass invoked at most every
// maintenance_interval").
func (e *Engine) runMaintenance(now time.Time) {
	removed := e.flows.expireIdle(e.cfg.IdleTimeout)
	for _, key := range removed {
		e.logObservation(now, SideNear, ActionExpire, key, -1, Fingerprint{})
	}
	e.flows.sweepDupSuppress(now)
}

func (e *Engine) logObservation(t time.Time, side Side, action ObservationAction, key FlowKey, bufferIndex int, fp Fingerprint) {
	if e.obslog == nil {
		return
	}
	if err := e.obslog.Record(t.UnixNano(), side, action, key.Hash(), bufferIndex, fp); err != nil {
		e.logger.Warnf("pemi: obslog write failed: %s", err.Error())
	}
}

// Close releases the engine's packet I/O.
func (e *Engine) Close() error {
	return e.io.Close()
}

// FlowCount reports the number of live flows, for tests and metrics
// scraping glue.
func (e *Engine) FlowCount() int {
	return e.flows.len()
}
