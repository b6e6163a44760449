// Package timing implements the adaptive timeout estimator (C3):
// smoothed RTT/RTTVAR in the style of RFC 6298, per-operation RTO
// multipliers, and Karn's rule (never sample RTT from a retransmitted
// exchange).
package timing

import "time"

// Operation names the protocol exchange a timeout is being computed
// for; each carries its own RTO multiplier (§4.3).
type Operation int

const (
	OpHandshake Operation = iota
	OpMeta
	OpDataAck
	OpVerify
	OpDoneAck
	OpEOTAck
	OpDataRecv
)

var multipliers = map[Operation]int64{
	OpHandshake: 5,
	OpMeta:      4,
	OpDataAck:   3,
	OpVerify:    3,
	OpDoneAck:   4,
	OpEOTAck:    4,
	OpDataRecv:  6,
}

// Estimator tracks smoothed RTT and RTTVAR for one session.
type Estimator struct {
	minTimeout   time.Duration
	maxTimeout   time.Duration
	srtt         time.Duration
	rttvar       time.Duration
	samplesTaken uint8
	inRetransmit bool
}

// New creates an Estimator initialized per §4.3: srtt = max/2, rttvar =
// max/4. If minTimeout > maxTimeout the two are silently swapped; if
// both are zero the defaults 200ms/8000ms apply (§8 boundary behavior).
func New(minTimeout, maxTimeout time.Duration) *Estimator {
	if minTimeout == 0 && maxTimeout == 0 {
		minTimeout, maxTimeout = 200*time.Millisecond, 8000*time.Millisecond
	}
	if minTimeout > maxTimeout {
		minTimeout, maxTimeout = maxTimeout, minTimeout
	}
	return &Estimator{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
		srtt:       maxTimeout / 2,
		rttvar:     maxTimeout / 4,
	}
}

// SetInRetransmit marks the next record_rtt call as ineligible for
// sampling (Karn's rule). The caller sets this before retransmitting
// and clears it upon receiving a response that isn't itself a
// retransmit-triggering duplicate.
func (e *Estimator) SetInRetransmit(v bool) { e.inRetransmit = v }

func (e *Estimator) InRetransmit() bool { return e.inRetransmit }

// RecordRTT folds one RTT sample into the estimator (§4.3). No-op under
// Karn's rule.
func (e *Estimator) RecordRTT(measured time.Duration) {
	if e.inRetransmit {
		return
	}
	if e.samplesTaken == 0 {
		e.srtt = measured
		e.rttvar = measured / 2
	} else {
		diff := e.srtt - measured
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + measured) / 8
	}
	if e.samplesTaken < 255 {
		e.samplesTaken++
	}
}

// GetTimeout returns clamp(srtt + 4*rttvar, min, max) * multiplier(op),
// itself clamped to [min, max] (§4.3, §8 invariant 3).
func (e *Estimator) GetTimeout(op Operation) time.Duration {
	base := e.srtt + 4*e.rttvar
	base = e.clamp(base)

	mult, ok := multipliers[op]
	if !ok {
		mult = 1
	}
	scaled := time.Duration(int64(base) * mult)
	return e.clamp(scaled)
}

func (e *Estimator) clamp(d time.Duration) time.Duration {
	if d < e.minTimeout {
		return e.minTimeout
	}
	if d > e.maxTimeout {
		return e.maxTimeout
	}
	return d
}

// SamplesTaken returns the saturating sample counter (caps at 255).
func (e *Estimator) SamplesTaken() uint8 { return e.samplesTaken }

// SRTT and RTTVAR expose the raw smoothed values, mostly useful for
// debug logging and tests.
func (e *Estimator) SRTT() time.Duration   { return e.srtt }
func (e *Estimator) RTTVAR() time.Duration { return e.rttvar }

// Bounds returns the configured [min, max] timeout range.
func (e *Estimator) Bounds() (time.Duration, time.Duration) {
	return e.minTimeout, e.maxTimeout
}
