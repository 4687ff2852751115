package delaybwe

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccunits"
)

func newTestController() *Controller {
	return NewController(DefaultConfig(), logr.Discard(), ccunits.Kbps(300), ccunits.Kbps(30), ccunits.Mbps(10))
}

func feedbackRound(seq int64, sendMs, recvMs, feedbackMs int64) ccfeedback.TransportPacketsFeedback {
	return ccfeedback.TransportPacketsFeedback{
		FeedbackTime:         ccunits.TimestampMillis(feedbackMs),
		FirstUnackedSendTime: ccunits.TimestampMillis(sendMs),
		PacketFeedbacks: []ccfeedback.PacketResult{
			{
				SentPacket: &ccfeedback.SentPacketResult{
					SequenceNumber: seq,
					SendTime:       ccunits.TimestampMillis(sendMs),
					Size:           ccunits.Bytes(1200),
				},
				ReceiveTime: ccunits.TimestampMillis(recvMs),
			},
		},
	}
}

func TestControllerProbeSetsTargetDirectly(t *testing.T) {
	c := newTestController()
	c.OnTransportPacketsFeedback(feedbackRound(1, 0, 10, 20), ccunits.Mbps(2))
	assert.Equal(t, ccunits.Mbps(2).MulFloat(0.85), c.TargetRate())
}

func TestControllerStaysWithinConstraints(t *testing.T) {
	c := newTestController()
	c.UpdateConstraints(ccunits.DataRateNotInitialized, ccunits.Kbps(500), ccunits.DataRateNotInitialized)
	c.OnTransportPacketsFeedback(feedbackRound(1, 0, 10, 20), ccunits.Mbps(2))
	assert.True(t, c.TargetRate().LessOrEqual(ccunits.Kbps(500)))
}

func TestControllerOnRemoteBitrateControlOverridesTarget(t *testing.T) {
	c := newTestController()
	c.OnRemoteBitrateControl(ccunits.Kbps(777))
	assert.Equal(t, ccunits.Kbps(777), c.TargetRate())
	assert.False(t, c.InUnderuse())
}

func TestControllerExpectedBandwidthPeriodIsClamped(t *testing.T) {
	c := newTestController()
	period := c.GetExpectedBandwidthPeriod()
	require.True(t, period.GreaterOrEqual(ccunits.Seconds(1)))
	require.True(t, period.LessOrEqual(ccunits.Seconds(20)))
}

func TestControllerOnTimeUpdateNoopWithoutIncreaseState(t *testing.T) {
	c := newTestController()
	before := c.TargetRate()
	c.OnTimeUpdate(ccunits.TimestampMillis(1000))
	assert.Equal(t, before, c.TargetRate())
}
