package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultsWhenBothZero(t *testing.T) {
	e := New(0, 0)
	min, max := e.Bounds()
	assert.Equal(t, 200*time.Millisecond, min)
	assert.Equal(t, 8000*time.Millisecond, max)
}

func TestMinMaxSwappedWhenInverted(t *testing.T) {
	e := New(500*time.Millisecond, 100*time.Millisecond)
	min, max := e.Bounds()
	assert.Equal(t, 100*time.Millisecond, min)
	assert.Equal(t, 500*time.Millisecond, max)
}

func TestKarnsRuleSkipsSampleDuringRetransmit(t *testing.T) {
	e := New(100*time.Millisecond, 2*time.Second)
	e.RecordRTT(300 * time.Millisecond)
	srttBefore, rttvarBefore := e.SRTT(), e.RTTVAR()

	e.SetInRetransmit(true)
	e.RecordRTT(5 * time.Second)

	assert.Equal(t, srttBefore, e.SRTT())
	assert.Equal(t, rttvarBefore, e.RTTVAR())
}

func TestGetTimeoutAlwaysWithinBounds(t *testing.T) {
	e := New(50*time.Millisecond, 1*time.Second)
	samples := []time.Duration{1 * time.Millisecond, 2 * time.Second, 300 * time.Millisecond, 0}
	ops := []Operation{OpHandshake, OpMeta, OpDataAck, OpVerify, OpDoneAck, OpEOTAck, OpDataRecv}

	for _, s := range samples {
		e.RecordRTT(s)
		for _, op := range ops {
			to := e.GetTimeout(op)
			assert.GreaterOrEqual(t, to, 50*time.Millisecond)
			assert.LessOrEqual(t, to, 1*time.Second)
		}
	}
}

func TestSamplesTakenSaturatesAt255(t *testing.T) {
	e := New(10*time.Millisecond, 100*time.Millisecond)
	for i := 0; i < 1000; i++ {
		e.RecordRTT(20 * time.Millisecond)
	}
	assert.Equal(t, uint8(255), e.SamplesTaken())
}

func TestFirstSampleSetsSRTTDirectly(t *testing.T) {
	e := New(10*time.Millisecond, 10*time.Second)
	e.RecordRTT(1234 * time.Millisecond)
	assert.Equal(t, 1234*time.Millisecond, e.SRTT())
	assert.Equal(t, 617*time.Millisecond, e.RTTVAR())
}
