package cc

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pion/transport-cc/pkg/ccconfig"
	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccunits"
)

type recordingObserver struct {
	targets       []TargetTransferRate
	pacerConfigs  []PacerConfig
	probeClusters []ProbeClusterConfig
	cwnds         []CongestionWindow
}

func (r *recordingObserver) OnTargetTransferRate(m TargetTransferRate)     { r.targets = append(r.targets, m) }
func (r *recordingObserver) OnPacerConfig(m PacerConfig)                  { r.pacerConfigs = append(r.pacerConfigs, m) }
func (r *recordingObserver) OnProbeClusterConfig(m ProbeClusterConfig)    { r.probeClusters = append(r.probeClusters, m) }
func (r *recordingObserver) OnCongestionWindow(m CongestionWindow)        { r.cwnds = append(r.cwnds, m) }

func (r *recordingObserver) lastTarget() TargetTransferRate {
	return r.targets[len(r.targets)-1]
}

func newTestArbiter(obs Observer) *Arbiter {
	cfg := ccconfig.DefaultConfig()
	return NewArbiter(cfg, ccconfig.FieldTrials{}, logr.Discard(), obs)
}

func ackedFeedback(baseSeq int64, n int, sendStepMs, recvStepMs, feedbackMs int64, size ccunits.DataSize) ccfeedback.TransportPacketsFeedback {
	feedbacks := make([]ccfeedback.PacketResult, 0, n)
	for i := 0; i < n; i++ {
		feedbacks = append(feedbacks, ccfeedback.PacketResult{
			SentPacket: &ccfeedback.SentPacketResult{
				SequenceNumber: baseSeq + int64(i),
				SendTime:       ccunits.TimestampMillis(int64(i) * sendStepMs),
				Size:           size,
				PacingInfo:     ccfeedback.PacingInfo{ProbeClusterID: ccfeedback.NoProbeCluster},
			},
			ReceiveTime: ccunits.TimestampMillis(int64(i) * recvStepMs),
		})
	}
	return ccfeedback.TransportPacketsFeedback{
		FeedbackTime:         ccunits.TimestampMillis(feedbackMs),
		FirstUnackedSendTime: ccunits.TimestampMillis(0),
		PacketFeedbacks:      feedbacks,
	}
}

func TestNewArbiterEmitsInitialStateOnRouteChange(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)

	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(300),
		MaxRate:      ccunits.Mbps(10),
	})

	require.NotEmpty(t, obs.targets)
	assert.Equal(t, ccunits.Kbps(300), obs.lastTarget().TargetRate)
	require.NotEmpty(t, obs.pacerConfigs)
}

func TestRecomputeClampsTargetToConfiguredBounds(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(100),
		StartingRate: ccunits.Kbps(500),
		MaxRate:      ccunits.Kbps(600),
	})

	a.OnRemoteBitrateReport(ccunits.TimestampMillis(1), ccunits.Mbps(50))
	assert.True(t, obs.lastTarget().TargetRate.LessOrEqual(ccunits.Kbps(600)))

	a.OnTargetRateConstraints(TargetRateConstraints{
		AtTime:  ccunits.TimestampMillis(2),
		MinRate: ccunits.Kbps(50),
		MaxRate: ccunits.Kbps(40),
	})
	// the new max (40) is below the new min (50): Clamp treats lo/hi in
	// the order given, so the floor wins here, matching DataRate.Clamp's
	// defined behavior of checking lo before hi.
	assert.True(t, obs.lastTarget().TargetRate.GreaterOrEqual(ccunits.Kbps(40)))
}

func TestOnTransportLossReportDecreasesTarget(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(1000),
		MaxRate:      ccunits.Mbps(10),
	})
	before := obs.lastTarget().TargetRate

	// 20 packets, all lost: fraction_lost = 255/255, well above the
	// decrease threshold.
	a.OnTransportLossReport(TransportLossReport{
		AtTime:               ccunits.TimestampMillis(100),
		PacketsLostDelta:     20,
		PacketsReceivedDelta: 0,
	})

	assert.True(t, obs.lastTarget().TargetRate.Less(before))
}

func TestOnTransportPacketsFeedbackRequestsProbeAfterRecovery(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(300),
		MaxRate:      ccunits.Mbps(10),
	})

	// Steady acked traffic with no delay growth drives the controller
	// into Increase, which is the Hold-to-Increase transition that
	// triggers a probe request.
	for i := 0; i < 6; i++ {
		fb := ackedFeedback(int64(i*5), 5, 20, 20, int64((i+1)*100), ccunits.Bytes(1200))
		a.OnTransportPacketsFeedback(fb)
	}

	assert.NotEmpty(t, obs.probeClusters)
}

func TestCongestionWindowExperimentEmitsWhenEnabled(t *testing.T) {
	obs := &recordingObserver{}
	cfg := ccconfig.DefaultConfig()
	trials := ccconfig.FieldTrials{"WebRTC-CwndExperiment": "Enabled-200,pushback"}
	a := NewArbiter(cfg, trials, logr.Discard(), obs)

	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(300),
		MaxRate:      ccunits.Mbps(10),
	})

	require.NotEmpty(t, obs.cwnds)
	assert.True(t, obs.cwnds[len(obs.cwnds)-1].Enabled)
	assert.True(t, obs.cwnds[len(obs.cwnds)-1].DataWindow.GreaterOrEqual(congestionWindowFloor))
}

func TestOnTransportPacketsFeedbackGrowsCongestionWindowWithFeedbackRTT(t *testing.T) {
	obs := &recordingObserver{}
	cfg := ccconfig.DefaultConfig()
	trials := ccconfig.FieldTrials{"WebRTC-CwndExperiment": "Enabled-200"}
	a := NewArbiter(cfg, trials, logr.Discard(), obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Mbps(10),
		MaxRate:      ccunits.Mbps(10),
	})
	baseline := obs.cwnds[len(obs.cwnds)-1].DataWindow

	// A batch whose feedback arrives 200ms after the packets were sent
	// pushes a 200ms sample into the feedback-RTT window, which at a
	// multi-Mbps target should grow the window well past the floor and
	// past the route-change baseline.
	fb := ackedFeedback(0, 5, 10, 10, 200, ccunits.Bytes(1200))
	a.OnTransportPacketsFeedback(fb)

	assert.True(t, obs.cwnds[len(obs.cwnds)-1].DataWindow.Greater(baseline))
}

func TestOnSentPacketFeedsAlrDetectorWithoutPanicking(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(300),
		MaxRate:      ccunits.Mbps(10),
	})

	a.OnSentPacket(SentPacket{AtTime: ccunits.TimestampMillis(10), Size: ccunits.Bytes(1200)})
	// Below any plausible utilisation threshold at startup: not yet ALR.
	assert.False(t, a.DebugState().InApplicationLimitedRegion)
}

func TestOnRoundTripTimeUpdateRoutesRawRTTToLossEstimator(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(1000),
		MaxRate:      ccunits.Mbps(10),
	})

	// A large raw RTT pushes the loss-based decrease-rate-limiter's
	// interval (300ms + rtt) well past a smoothed RTT that, if used
	// instead, would have let a second decrease apply almost immediately.
	a.OnRoundTripTimeUpdate(ccunits.TimestampMillis(1), ccunits.Milliseconds(10), ccunits.Milliseconds(2000))

	a.OnTransportLossReport(TransportLossReport{
		AtTime:               ccunits.TimestampMillis(100),
		PacketsLostDelta:     20,
		PacketsReceivedDelta: 0,
	})
	afterFirstDecrease := obs.lastTarget().TargetRate

	// Only 50ms later: with the 2s raw RTT in effect, the decrease
	// interval (300ms + 2000ms) has not elapsed, so this report must not
	// apply a second decrease.
	a.OnTransportLossReport(TransportLossReport{
		AtTime:               ccunits.TimestampMillis(150),
		PacketsLostDelta:     20,
		PacketsReceivedDelta: 0,
	})
	assert.True(t, obs.lastTarget().TargetRate.Equal(afterFirstDecrease))
}

func TestPacerConfigFloorsPacingRateBeforeApplyingFactor(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.pacingFactor = 2.5
	a.minPacingRate = ccunits.Kbps(1000)
	a.maxPaddingRate = ccunits.Kbps(200)

	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(300),
		MaxRate:      ccunits.Mbps(10),
	})

	require.NotEmpty(t, obs.pacerConfigs)
	pc := obs.pacerConfigs[len(obs.pacerConfigs)-1]
	// target (300kbps) is below minPacingRate (1000kbps): the floor applies
	// before pacingFactor, so data_window uses 1000kbps * 2.5, not
	// 300kbps * 2.5 floored afterwards.
	want := ccunits.Kbps(1000).MulFloat(2.5).MulDuration(ccunits.Seconds(1))
	assert.Equal(t, want, pc.DataWindow)
	// pad_window uses min(maxPaddingRate, target): maxPaddingRate (200kbps)
	// is below target (300kbps), so padRate is 200kbps.
	wantPad := ccunits.Kbps(200).MulDuration(ccunits.Seconds(1))
	assert.Equal(t, wantPad, pc.PadWindow)
}

func TestNetworkUnavailableSuppressesProbeRequests(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(300),
		MaxRate:      ccunits.Mbps(10),
	})
	a.OnNetworkAvailability(NetworkAvailability{NetworkAvailable: false})

	for i := 0; i < 6; i++ {
		fb := ackedFeedback(int64(i*5), 5, 20, 20, int64((i+1)*100), ccunits.Bytes(1200))
		a.OnTransportPacketsFeedback(fb)
	}

	assert.Empty(t, obs.probeClusters)
}

func TestDebugStateReflectsRouteConstraints(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestArbiter(obs)
	a.OnNetworkRouteChange(NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      ccunits.Kbps(30),
		StartingRate: ccunits.Kbps(300),
		MaxRate:      ccunits.Mbps(10),
	})

	state := a.DebugState()
	assert.Equal(t, ccunits.Kbps(300), state.TargetRate)
	assert.False(t, state.InApplicationLimitedRegion)
}
