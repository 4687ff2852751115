package lossbwe

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pion/transport-cc/pkg/ccunits"
)

func newTestEstimator() *Estimator {
	e := NewEstimator(logr.Discard())
	e.SetMinMaxBitrate(ccunits.Kbps(30), ccunits.Mbps(10))
	e.SetSendBitrate(ccunits.Kbps(500))
	return e
}

func TestLowLossIncreasesByEightPercentPlusOneKbps(t *testing.T) {
	e := newTestEstimator()
	e.UpdatePacketsLost(0, 20, ccunits.TimestampMillis(0))
	rate, loss, _ := e.CurrentEstimate()
	assert.Equal(t, uint8(0), loss)
	assert.Equal(t, ccunits.Kbps(500).MulFloat(1.08).Add(ccunits.BitsPerSecond(1000)), rate)
}

func TestModerateLossHolds(t *testing.T) {
	e := newTestEstimator()
	// fraction=0.05 -> Q8≈13, strictly between lossLow(5) and lossHigh(26):
	// the hold branch, bitrate unchanged.
	e.UpdatePacketsLost(5, 100, ccunits.TimestampMillis(0))
	rate, loss, _ := e.CurrentEstimate()
	assert.Greater(t, loss, uint8(lossLow))
	assert.LessOrEqual(t, loss, uint8(lossHigh))
	assert.Equal(t, ccunits.Kbps(500), rate)
}

func TestHighLossDecreasesWithTFRCFloor(t *testing.T) {
	e := newTestEstimator()
	e.UpdateRTT(ccunits.Milliseconds(100), ccunits.TimestampMillis(0))
	e.UpdatePacketsLost(60, 100, ccunits.TimestampMillis(0)) // fraction=0.60 -> Q8=153
	rate, loss, _ := e.CurrentEstimate()
	require.Greater(t, loss, uint8(lossHigh))
	assert.True(t, rate.Less(ccunits.Kbps(500)))
	assert.True(t, rate.GreaterOrEqual(ccunits.DataRateZero))
}

func TestDecreaseRateLimited(t *testing.T) {
	e := newTestEstimator()
	e.UpdateRTT(ccunits.Milliseconds(100), ccunits.TimestampMillis(0))
	e.UpdatePacketsLost(60, 100, ccunits.TimestampMillis(0))
	firstRate, _, _ := e.CurrentEstimate()

	// A second high-loss report 50ms later is within the decrease
	// interval (300ms + rtt) and must not decrease again.
	e.UpdatePacketsLost(60, 100, ccunits.TimestampMillis(50))
	secondRate, _, _ := e.CurrentEstimate()
	assert.Equal(t, firstRate, secondRate)
}

func TestReceiverEstimateCapsBitrate(t *testing.T) {
	e := newTestEstimator()
	e.UpdateReceiverEstimate(ccunits.Kbps(100))
	rate, _, _ := e.CurrentEstimate()
	assert.Equal(t, ccunits.Kbps(100), rate)
}

func TestBelowMinBitrateStillReportsMin(t *testing.T) {
	e := newTestEstimator()
	e.UpdateReceiverEstimate(ccunits.Kbps(10))
	rate, _, _ := e.CurrentEstimate()
	assert.Equal(t, ccunits.Kbps(30), rate)
}
