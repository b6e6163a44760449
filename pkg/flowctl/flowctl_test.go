package flowctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialModeIsMinOfPreferredAndNegotiated(t *testing.T) {
	c := New(64, 64, 8, 4, nil)
	assert.Equal(t, 64, c.MinNegotiatedMode())
	assert.Equal(t, 4, c.CurrentMode())
}

func TestMinNegotiatedModeIsSmallerPeerMax(t *testing.T) {
	c := New(64, 8, 64, 64, nil)
	assert.Equal(t, 8, c.MinNegotiatedMode())
	assert.Equal(t, 8, c.CurrentMode())
}

func TestDegradeOnThreeConsecutiveErrors(t *testing.T) {
	var notified []int
	c := New(64, 64, 16, 16, func(m int) { notified = append(notified, m) })
	require.Equal(t, 16, c.CurrentMode())

	c.RecordError()
	c.RecordError()
	changed := c.RecordError()

	assert.True(t, changed)
	assert.Equal(t, 8, c.CurrentMode())
	require.Len(t, notified, 1)
	assert.Equal(t, 8, notified[0])
}

func TestDegradeFloorsAtOne(t *testing.T) {
	c := New(2, 2, 2, 2, nil)
	for i := 0; i < 3; i++ {
		c.RecordError()
	}
	assert.Equal(t, 1, c.CurrentMode())
	for i := 0; i < 3; i++ {
		c.RecordError()
	}
	assert.Equal(t, 1, c.CurrentMode())
}

func TestRecoveryAfterTenSuccessesBelowCeiling(t *testing.T) {
	c := New(64, 64, 1, 1, nil)
	require.Equal(t, 1, c.CurrentMode())

	var changed bool
	for i := 0; i < 10; i++ {
		changed = c.RecordSuccess()
	}
	assert.True(t, changed)
	assert.Equal(t, 2, c.CurrentMode())
}

func TestRecoveryDoesNotExceedMinNegotiatedMode(t *testing.T) {
	c := New(4, 4, 4, 4, nil)
	require.Equal(t, 4, c.CurrentMode())
	for i := 0; i < 10; i++ {
		c.RecordSuccess()
	}
	assert.Equal(t, 4, c.CurrentMode())
}

func TestSuccessResetsErrorCounterAndViceVersa(t *testing.T) {
	c := New(64, 64, 16, 16, nil)
	c.RecordError()
	c.RecordError()
	c.RecordSuccess() // should reset consecutiveErrors
	c.RecordError()
	c.RecordError()
	assert.Equal(t, 16, c.CurrentMode(), "two errors after a success reset should not trigger a degrade")
}

func TestObservePeerModeNeverForcesLocalChange(t *testing.T) {
	c := New(64, 64, 8, 8, nil)
	before := c.CurrentMode()
	c.ObservePeerMode(1)
	assert.Equal(t, before, c.CurrentMode())
	assert.Equal(t, 1, c.PeerMode())
}
