package pemi

//
// Reverse matcher (spec §4.5).
//
// No pack repo has anything resembling one-way-delay-based flowlet
// matching; this file is authored directly from spec §4.5. It keeps the
// same free-function-over-shared-state shape the teacher uses for its
// forwarding-decision helpers in linkfwdcore.go (a pure function taking
// the relevant state and returning a decision, rather than a method with
// hidden side effects), so the matcher can be unit-tested against
// synthetic sent buffers without an engine around it.
//

import "time"

// candidateWindow is the result of matching a reverse-direction packet
// arrival to a window of the forward sent buffer.
type candidateWindow struct {
	ok      bool
	lo, hi  int // inclusive global sent-buffer indices
	flowlet flowletRange
}

// selectFlowlet locates the forward-direction flowlet that most likely
// produced the reverse packet observed at time ts, per spec §4.5 steps 3
// and its gap tie-break: scanning from the most recent flowlet backwards,
// the first flowlet that either contains ts or ended before ts is the
// selection — which is, by construction, "the flowlet that closed most
// recently before ts" whenever ts falls in an inter-flowlet gap.
func selectFlowlet(buf *sentBuffer, ts time.Time) (flowletRange, bool) {
	ranges := buf.flowlets.ranges
	for i := len(ranges) - 1; i >= 0; i-- {
		r := ranges[i]
		startEntry, ok := buf.at(r.Start)
		if !ok {
			continue
		}
		endEntry, ok := buf.at(r.End)
		if !ok {
			continue
		}
		aStart, aEnd := startEntry.obs.Arrival, endEntry.obs.Arrival

		if !ts.Before(aStart) && !ts.After(aEnd) {
			return r, true
		}
		if ts.After(aEnd) {
			return r, true
		}
		// ts.Before(aStart): t_s precedes this flowlet entirely, keep
		// looking at earlier flowlets.
	}
	if len(ranges) > 0 {
		return ranges[0], true
	}
	return flowletRange{}, false
}

// candidateWindowDelta returns δ for the forward direction's current gap
// EWMA (spec §4.5: "δ = max(2·g, window_delta_us)"; window_delta_us
// defaults to the spec's literal 1 ms floor, spec §6).
func candidateWindowDelta(buf *sentBuffer, floor time.Duration) time.Duration {
	scaled := 2 * buf.ewmaGap
	if scaled > floor {
		return scaled
	}
	return floor
}

// matchReverse computes the candidate window on fl.Forward's sent buffer
// for a reverse packet observed at reverseArrival, updating the flow's
// smoothed RTT estimate along the way (spec §4.5: "RTT refinement").
func matchReverse(fl *flow, reverseArrival time.Time, cfg *Config) candidateWindow {
	refineRTTOnReverseArrival(fl, reverseArrival)

	// owd_ns and owd_nf both default to srtt/2 (spec §4.5 step 2), so
	// t_s = t_r - owd_ns - owd_nf = t_r - srtt.
	ts := reverseArrival.Add(-fl.SmoothedRTT)

	flet, ok := selectFlowlet(fl.Forward.buf, ts)
	if !ok {
		return candidateWindow{}
	}

	delta := candidateWindowDelta(fl.Forward.buf, cfg.WindowDelta)
	lo, hi := ts.Add(-delta), ts.Add(delta)

	var winLo, winHi int
	found := false
	for idx := flet.Start; idx <= flet.End; idx++ {
		entry, ok := fl.Forward.buf.at(idx)
		if !ok {
			continue
		}
		a := entry.obs.Arrival
		if a.Before(lo) || a.After(hi) {
			continue
		}
		if !found {
			winLo = idx
			found = true
		}
		winHi = idx
	}
	if !found {
		return candidateWindow{}
	}
	return candidateWindow{ok: true, lo: winLo, hi: winHi, flowlet: flet}
}

// refineRTTOnReverseArrival implements spec §4.5's RTT refinement: "track
// the arrival time of the first reverse packet following each flowlet
// closure; EWMA of these gaps yields the smoothed RTT". fl.rttWatermark
// is the ClosedAt time of the most recently consumed closure, so a
// closure is matched against reverseArrival at most once, and always
// against the first reverse packet to arrive after it.
func refineRTTOnReverseArrival(fl *flow, reverseArrival time.Time) {
	// ranges are in arrival order, so ClosedAt only grows along the loop
	// and every pending closure up to reverseArrival is consumed here.
	for _, r := range fl.Forward.buf.flowlets.ranges {
		if !r.Closed() {
			continue
		}
		if !r.ClosedAt.After(fl.rttWatermark) && !fl.rttWatermark.IsZero() {
			continue
		}
		if r.ClosedAt.After(reverseArrival) {
			continue
		}
		fl.updateRTT(reverseArrival.Sub(r.ClosedAt))
		fl.rttWatermark = r.ClosedAt
	}
}
