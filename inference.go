package pemi

//
// Loss inference (spec §4.6).
//
// Authored directly from spec §4.6; there is no pack analogue for
// implicit-ack gap analysis. It reuses the teacher's habit (dpiengine.go,
// linkfwdcore.go) of expressing a policy decision as a pure function over
// explicit state rather than a method with side effects buried in it,
// which is what makes the S1-S6 scenarios in engine_scenario_test.go
// straightforward to drive without a running engine.
//

import "time"

// lossCandidate names a sent-buffer entry that loss inference has just
// flagged as suspected lost and that the injector should evaluate.
type lossCandidate struct {
	index int
	entry *sentEntry
}

// minLossAge returns the per-flow minimum age a packet must reach before
// it can be declared suspected lost: max(cfg.MinLossAge, srtt/8)
// (spec §4.6: "default srtt/8, floor 1 ms").
func (fl *flow) minLossAge(cfg *Config) time.Duration {
	v := fl.SmoothedRTT / 8
	if v < cfg.MinLossAge {
		return cfg.MinLossAge
	}
	return v
}

// applyImplicitAcks marks every live forward sent-buffer entry in
// [from, ackUpTo] as implicitly acked (spec §4.6: "a sent packet at index
// j ≤ i_hi is considered implicitly acked once any reverse packet maps to
// a window whose upper index ≥ j + acked_offset"). from is always the
// start of the flowlet the current reverse packet actually matched: a
// flowlet that has never itself received a matching reverse packet stays
// unacked even though its indices are numerically below a later flowlet's
// ackUpTo (spec §8 scenario S2 depends on this — cumulative ack semantics
// across flowlet boundaries would mask the loss entirely). ImplicitAcked
// is terminal: an entry already in that state is left alone.
func applyImplicitAcks(buf *sentBuffer, from, ackUpTo int) {
	lo, hi, ok := buf.bounds()
	if !ok {
		return
	}
	if from < lo {
		from = lo
	}
	if ackUpTo > hi {
		ackUpTo = hi
	}
	for idx := from; idx <= ackUpTo; idx++ {
		entry, ok := buf.at(idx)
		if !ok {
			continue
		}
		entry.state = stateImplicitAcked
	}
}

// runLossInference applies spec §4.6's policy to a newly computed
// candidate window: it marks the matched flowlet's entries up to the window's
// upper index as implicitly acked, then scans every flowlet that the
// candidate window's flowlet has already fully passed, flagging entries that meet the suspected-loss
// condition. It returns the entries flagged this round, in ascending
// index order, for the injector to evaluate.
func runLossInference(fl *flow, cw candidateWindow, cfg *Config, now time.Time) []lossCandidate {
	if !cw.ok {
		return nil
	}

	buf := fl.Forward.buf
	ackUpTo := cw.hi - cfg.AckedOffset
	applyImplicitAcks(buf, cw.flowlet.Start, ackUpTo)

	if cfg.DupThreshold <= 0 {
		// dup_threshold <= 0 stands for infinity: nothing is ever flagged.
		return nil
	}

	minAge := fl.minLossAge(cfg)

	var out []lossCandidate
	for _, flet := range buf.flowlets.allClosedUpTo(cw.flowlet.Start - 1) {
		for idx := flet.Start; idx <= flet.End; idx++ {
			entry, ok := buf.at(idx)
			if !ok {
				continue
			}
			if entry.state == stateImplicitAcked {
				continue
			}
			laterAcked := ackUpTo - idx
			if laterAcked < cfg.DupThreshold {
				continue
			}
			age := now.Sub(entry.obs.Arrival)
			if age < minAge {
				continue
			}
			entry.state = stateSuspectedLost
			out = append(out, lossCandidate{index: idx, entry: entry})
		}
	}
	return out
}
