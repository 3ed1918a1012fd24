package pemi

//
// Duplicate suppression and rate limiting for injected retransmissions
// (spec §4.7).
//
// The token bucket is grounded on golang.org/x/time/rate, the same
// dependency runZeroInc-doublezero and several other pack repos reach for
// whenever they need a leaky-bucket limiter; rate.Limiter's *N variants
// accept an explicit `now time.Time`, which lets PEMI drive it from its own
// injectable [Clock] instead of wall-clock time, so rate-limiting behavior
// stays deterministic under tests. The duplicate-suppression set has no
// direct analogue in the teacher, since ooni-netem never needs to recall
// "have I seen this payload before" — it is authored from spec §4.7
// directly, in the same mutex-guarded-map style as the teacher's
// dpiengine.go flow table.
//

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket rate-limits injected retransmissions per flow direction
// (spec §4.7: "injections are rate-limited per flow by a token bucket").
type tokenBucket struct {
	limiter *rate.Limiter
	clock   Clock
}

func newTokenBucket(ratePerSecond float64, burst int, clock Clock) *tokenBucket {
	return &tokenBucket{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		clock:   clock,
	}
}

// allow reports whether an injection may proceed right now, consuming one
// token if so.
func (tb *tokenBucket) allow() bool {
	return tb.limiter.AllowN(tb.clock.Now(), 1)
}

// dupSuppressSet remembers recently-injected packet fingerprints so the
// same loss is not retransmitted twice within the TTL (spec §4.7: "a fingerprint already
// injected within dup_suppress_ttl is never injected again").
type dupSuppressSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[Fingerprint]time.Time
}

func newDupSuppressSet(ttl time.Duration) *dupSuppressSet {
	return &dupSuppressSet{
		ttl:     ttl,
		expires: make(map[Fingerprint]time.Time),
	}
}

// isDuplicate reports whether fp is still within a previously recorded
// TTL window as of now. It performs no mutation: a fingerprint appears in
// the set if and only if an injection carrying it was actually emitted
// within the TTL (spec §3), so merely checking must never itself count as
// a sighting.
func (ds *dupSuppressSet) isDuplicate(fp Fingerprint, now time.Time) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	expiry, ok := ds.expires[fp]
	return ok && now.Before(expiry)
}

// record marks fp as having just been injected, starting a fresh TTL
// window. Callers must only call this once the injection it corresponds
// to has actually been emitted (spec §4.6: the set is updated at the last
// step, after a successful emit, not at evaluation time).
func (ds *dupSuppressSet) record(fp Fingerprint, now time.Time) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.expires[fp] = now.Add(ds.ttl)
}

// sweep evicts every expired entry, bounding the set's memory use. Called
// from the engine's periodic maintenance pass (spec §4.8).
func (ds *dupSuppressSet) sweep(now time.Time) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	removed := 0
	for fp, expiry := range ds.expires {
		if !now.Before(expiry) {
			delete(ds.expires, fp)
			removed++
		}
	}
	return removed
}

// injectionVerdict is the outcome of evaluating whether a suspected-lost
// entry should be retransmitted, and why not when it should not be
// (spec §4.7).
type injectionVerdict int

const (
	verdictInject injectionVerdict = iota
	verdictSuppressedDuplicate
	verdictRateLimited
	verdictAmplificationCapped
)

func (v injectionVerdict) String() string {
	switch v {
	case verdictInject:
		return "inject"
	case verdictSuppressedDuplicate:
		return "suppressed-duplicate"
	case verdictRateLimited:
		return "rate-limited"
	case verdictAmplificationCapped:
		return "amplification-capped"
	default:
		return "unknown"
	}
}

// evaluateInjection decides whether the candidate entry should actually be
// retransmitted, applying the checks of spec §4.7 in order: duplicate
// suppression, amplification cap, then the token bucket. It never mutates
// the duplicate-suppression set itself — a verdictInject result still
// needs the caller to actually emit the packet, and only a successful
// emit may be recorded (see [dupSuppressSet.record]); otherwise a
// rate-limited or cap-dropped candidate would poison the set against a
// retransmission that was never sent.
func evaluateInjection(d *direction, fp Fingerprint, payloadLen int, cfg *Config, now time.Time) injectionVerdict {
	if d.dupSuppress.isDuplicate(fp, now) {
		return verdictSuppressedDuplicate
	}
	// cfg.AmplificationCap == 0 disallows injection outright (spec §8
	// boundary case): projected is always > 0 for a non-empty payload, so
	// the comparison below already rejects every candidate in that case.
	projected := float64(d.injectedBytes+int64(payloadLen)) / float64(max64(d.forwardedBytes, 1))
	if projected > cfg.AmplificationCap {
		return verdictAmplificationCapped
	}
	if !d.bucket.allow() {
		return verdictRateLimited
	}
	return verdictInject
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
