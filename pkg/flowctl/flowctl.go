// Package flowctl implements the window-rung flow controller (C4):
// AIMD-style degrade on consecutive errors and upgrade on consecutive
// successes across the enumerated rungs {1, 2, 4, 8, 16, 32, 64}.
package flowctl

// Rungs are the only valid window sizes, stop-and-wait through 64
// packets in flight.
var Rungs = []int{1, 2, 4, 8, 16, 32, 64}

const (
	DefaultDegradeThreshold  = 3
	DefaultRecoveryThreshold = 10
)

// Controller tracks one session's adaptive window rung.
type Controller struct {
	minNegotiatedMode    int
	currentMode          int
	peerMode             int
	consecutiveErrors    int
	consecutiveSuccesses int
	degradeThreshold     int
	recoveryThreshold    int

	// onModeChange is invoked (best-effort) whenever currentMode
	// changes, so the caller can fire a MODE_SYNC packet the way
	// §4.4 requires, without flowctl knowing about the wire.
	onModeChange func(newMode int)
}

// New initializes a Controller per §4.4: min_negotiated_mode is the
// smaller of the two peers' advertised max_performance_mode, and
// current_mode starts at the smaller of both peers' preferred_initial_mode
// and min_negotiated_mode.
func New(localMax, peerMax, localPreferred, peerPreferred int, onModeChange func(int)) *Controller {
	minNegotiated := min3(snapToRung(localMax), snapToRung(peerMax), Rungs[len(Rungs)-1])
	initial := min3(snapToRung(localPreferred), snapToRung(peerPreferred), minNegotiated)
	return &Controller{
		minNegotiatedMode: minNegotiated,
		currentMode:       initial,
		degradeThreshold:  DefaultDegradeThreshold,
		recoveryThreshold: DefaultRecoveryThreshold,
		onModeChange:      onModeChange,
	}
}

// SetThresholds overrides the default degrade/recovery thresholds from
// configuration (§6 adaptive_tx.*).
func (c *Controller) SetThresholds(degrade, recovery int) {
	if degrade > 0 {
		c.degradeThreshold = degrade
	}
	if recovery > 0 {
		c.recoveryThreshold = recovery
	}
}

func (c *Controller) CurrentMode() int       { return c.currentMode }
func (c *Controller) MinNegotiatedMode() int { return c.minNegotiatedMode }
func (c *Controller) PeerMode() int          { return c.peerMode }

// ObservePeerMode updates the last-known peer transmit mode from an
// incoming MODE_SYNC. Per the spec's Open Questions resolution, this
// never forces a local mode change — it is an advisory mirror only.
func (c *Controller) ObservePeerMode(mode int) {
	c.peerMode = mode
}

// RecordError increments the consecutive-error counter and degrades the
// rung once the threshold is hit (§4.4).
func (c *Controller) RecordError() (changed bool) {
	c.consecutiveErrors++
	c.consecutiveSuccesses = 0
	if c.consecutiveErrors < c.degradeThreshold {
		return false
	}
	next := degrade(c.currentMode)
	c.consecutiveErrors = 0
	if next == c.currentMode {
		return false
	}
	c.currentMode = next
	c.notify()
	return true
}

// RecordSuccess increments the consecutive-success counter and upgrades
// the rung once the threshold is hit and headroom remains below
// min_negotiated_mode (§4.4).
func (c *Controller) RecordSuccess() (changed bool) {
	c.consecutiveSuccesses++
	c.consecutiveErrors = 0
	if c.consecutiveSuccesses < c.recoveryThreshold {
		return false
	}
	c.consecutiveSuccesses = 0
	if c.currentMode >= c.minNegotiatedMode {
		return false
	}
	next := upgrade(c.currentMode, c.minNegotiatedMode)
	if next == c.currentMode {
		return false
	}
	c.currentMode = next
	c.notify()
	return true
}

func (c *Controller) notify() {
	if c.onModeChange != nil {
		c.onModeChange(c.currentMode)
	}
}

// degrade halves the rung, flooring at 2 and then 1 (stop-and-wait).
func degrade(mode int) int {
	if mode <= 1 {
		return 1
	}
	half := mode / 2
	if half < 1 {
		half = 1
	}
	return snapToRung(half)
}

// upgrade doubles the rung, clamped to ceiling.
func upgrade(mode, ceiling int) int {
	doubled := mode * 2
	if doubled > ceiling {
		doubled = ceiling
	}
	return snapToRung(doubled)
}

// snapToRung rounds v down to the nearest valid rung, floor 1.
func snapToRung(v int) int {
	if v <= 0 {
		return 1
	}
	best := 1
	for _, r := range Rungs {
		if r <= v {
			best = r
		}
	}
	return best
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
