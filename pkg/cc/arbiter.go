package cc

import (
	"github.com/go-logr/logr"
	"github.com/pion/rtcp"

	"github.com/pion/transport-cc/pkg/alr"
	"github.com/pion/transport-cc/pkg/ccconfig"
	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccunits"
	"github.com/pion/transport-cc/pkg/delaybwe"
	"github.com/pion/transport-cc/pkg/lossbwe"
	"github.com/pion/transport-cc/pkg/probebwe"
)

const (
	congestionWindowFloor = ccunits.DataSize(3000)
	probeClusterDuration  = ccunits.TimeDelta(15 * 1000)
	probeClusterCount     = 5
	rttWindowSize         = 32
)

// Arbiter owns the feedback adapter, delay-based and loss-based
// controllers, probe estimator, and ALR detector for one network route,
// and combines their outputs into the messages reported on Observer. Not
// safe for concurrent use; serialize calls onto a single goroutine the
// way its teacher's selective forwarder does.
type Arbiter struct {
	logger   logr.Logger
	cfg      ccconfig.Config
	trials   ccconfig.FieldTrials
	observer Observer

	adapter *ccfeedback.Adapter
	delay   *delaybwe.Controller
	loss    *lossbwe.Estimator
	probe   *probebwe.Estimator
	alrDet  *alr.Detector
	ack     ackBitrateEstimator

	minRate ccunits.DataRate
	maxRate ccunits.DataRate

	pacingFactor   float64
	minPacingRate  ccunits.DataRate
	maxPaddingRate ccunits.DataRate

	networkAvailable bool

	rttWindow []ccunits.TimeDelta

	cwndEnabled       bool
	cwndAcceptedQueue ccunits.TimeDelta
	cwndPushback      bool

	lastTarget          ccunits.DataRate
	haveLastPacerConfig bool
	lastPacerConfig     PacerConfig

	lastProbeRequestAt ccunits.Timestamp
	nextProbeClusterID int
	lastProbeBitrate   ccunits.DataRate
}

// NewArbiter builds an Arbiter seeded from cfg's min/start/max bitrates,
// applying any recognised field trial overrides from trials. observer
// receives every message the arbiter emits; it must not be nil.
func NewArbiter(cfg ccconfig.Config, trials ccconfig.FieldTrials, logger logr.Logger, observer Observer) *Arbiter {
	a := &Arbiter{
		logger:             logger,
		cfg:                cfg,
		trials:             trials,
		observer:           observer,
		pacingFactor:       cfg.PacingFactor,
		minPacingRate:      cfg.MinPacingRate(),
		maxPaddingRate:     cfg.MaxPaddingRate(),
		networkAvailable:   true,
		nextProbeClusterID: 1,
	}
	if queue, pushback, enabled := trials.CwndExperiment(); enabled {
		a.cwndEnabled = true
		a.cwndAcceptedQueue = queue
		a.cwndPushback = pushback
	}
	a.resetEstimators(cfg.MinBitrate(), cfg.MaxBitrate(), cfg.StartBitrate())
	return a
}

// resetEstimators rebuilds every per-route component from scratch. Shared
// by NewArbiter and OnNetworkRouteChange.
func (a *Arbiter) resetEstimators(minRate, maxRate, startingRate ccunits.DataRate) {
	a.minRate = minRate
	a.maxRate = maxRate

	a.adapter = ccfeedback.NewAdapter(a.logger)

	delayCfg, _ := a.trials.DelayBasedRateController()
	a.delay = delaybwe.NewController(delayCfg, a.logger, startingRate, minRate, maxRate)

	a.loss = lossbwe.NewEstimator(a.logger)
	a.loss.SetSendBitrate(startingRate)
	a.loss.SetMinMaxBitrate(minRate, maxRate)

	a.probe = probebwe.NewEstimator(a.logger, a.cfg.MinProbeSize())

	a.alrDet = alr.NewDetector(a.logger)
	if settings, ok := a.trials.ProbingScreenshareBwe(); ok {
		a.alrDet.ApplyExperimentSettings(settings)
	}

	a.ack.reset()
	a.rttWindow = a.rttWindow[:0]

	a.lastTarget = startingRate
	a.haveLastPacerConfig = false
	a.lastProbeRequestAt = ccunits.TimestampNotInitialized
	a.lastProbeBitrate = ccunits.DataRateNotInitialized
}

func (a *Arbiter) pushRTTSample(rtt ccunits.TimeDelta) {
	a.rttWindow = append(a.rttWindow, rtt)
	if len(a.rttWindow) > rttWindowSize {
		a.rttWindow = a.rttWindow[1:]
	}
}

// updateFeedbackRTT folds one feedback batch's round trip into the
// feedback-RTT window: the largest (feedback_time - send_time) across
// this batch's received packets, accounting for a receiver that delays
// its own feedback report.
func (a *Arbiter) updateFeedbackRTT(fb ccfeedback.TransportPacketsFeedback) {
	haveSample := false
	var sample ccunits.TimeDelta
	for _, pr := range fb.ReceivedPackets() {
		if pr.SentPacket == nil {
			continue
		}
		rtt := fb.FeedbackTime.Sub(pr.SentPacket.SendTime)
		if !haveSample || rtt.Greater(sample) {
			sample = rtt
			haveSample = true
		}
	}
	if haveSample {
		a.pushRTTSample(sample)
	}
}

func (a *Arbiter) minRTT() ccunits.TimeDelta {
	if len(a.rttWindow) == 0 {
		return ccunits.TimeDeltaZero
	}
	min := a.rttWindow[0]
	for _, rtt := range a.rttWindow[1:] {
		if rtt.Less(min) {
			min = rtt
		}
	}
	return min
}

// OnNetworkAvailability records whether the active route can currently
// carry traffic. A down route still accepts calls. While it is down no
// probe clusters are requested; target and pacer messages are still
// emitted.
func (a *Arbiter) OnNetworkAvailability(msg NetworkAvailability) {
	a.networkAvailable = msg.NetworkAvailable
}

// OnNetworkRouteChange discards all accumulated estimator state and
// starts over with the new route's constraints.
func (a *Arbiter) OnNetworkRouteChange(msg NetworkRouteChange) {
	a.resetEstimators(msg.MinRate, msg.MaxRate, msg.StartingRate)
	a.recomputeAndEmit(msg.AtTime)
}

// OnProcessInterval drives the periodic maintenance every component that
// isn't purely feedback-driven needs: the loss estimator's sliding-window
// minimum, the delay controller's Increase-state ramp, the probe
// estimator's stale-cluster eviction, and a read of the ALR detector's
// current state (logged for diagnostics; its estimated-bitrate input is
// kept current by recomputeAndEmit on every call, feedback-driven or not).
func (a *Arbiter) OnProcessInterval(now ccunits.Timestamp) {
	a.loss.UpdateEstimate(now)
	a.delay.OnTimeUpdate(now)
	a.probe.Tick(now)

	if since, inAlr := a.alrDet.ApplicationLimitedRegionStartTime(); inAlr {
		a.logger.V(1).Info("application-limited region active", "since", since)
	}

	a.recomputeAndEmit(now)
}

// OnRemoteBitrateReport applies a REMB/TMMBR-style receiver-reported cap.
func (a *Arbiter) OnRemoteBitrateReport(now ccunits.Timestamp, bitrate ccunits.DataRate) {
	a.loss.UpdateReceiverEstimate(bitrate)
	a.recomputeAndEmit(now)
}

// OnRoundTripTimeUpdate forwards a smoothed RTT sample to the delay-based
// controller and the corresponding raw (unsmoothed) RTT sample to the
// loss-based estimator's TFRC floor/decrease-rate-limiter. This is
// independent of the feedback-RTT window the congestion-window
// experiment reads, which is derived from transport feedback round trips
// in OnTransportPacketsFeedback, not from either RTT signaled here.
func (a *Arbiter) OnRoundTripTimeUpdate(at ccunits.Timestamp, smoothedRTT, rawRTT ccunits.TimeDelta) {
	a.delay.SetRTT(smoothedRTT)
	a.loss.UpdateRTT(rawRTT, at)
}

// OnSentPacket feeds the ALR detector's sent-byte accounting. Callers
// should invoke this after, not instead of, ProcessSentPacket.
func (a *Arbiter) OnSentPacket(sent SentPacket) {
	a.alrDet.OnBytesSent(sent.Size, sent.AtTime)
}

// OnStreamsConfig updates the pacing/padding knobs PacerConfig derives
// from, re-emitting immediately so the pacer doesn't wait a full process
// interval to pick up the change.
func (a *Arbiter) OnStreamsConfig(msg StreamsConfig) {
	if msg.PacingFactor != nil {
		a.pacingFactor = *msg.PacingFactor
	}
	if msg.MinPacingRate.IsInitialized() {
		a.minPacingRate = msg.MinPacingRate
	}
	if msg.MaxPaddingRate.IsInitialized() {
		a.maxPaddingRate = msg.MaxPaddingRate
	}
	a.recomputeAndEmit(msg.AtTime)
}

// OnTargetRateConstraints updates the min/starting/max bitrate bounds.
// Unset fields leave the corresponding bound and the running target
// unchanged, rather than snapping back to a stale starting rate.
func (a *Arbiter) OnTargetRateConstraints(msg TargetRateConstraints) {
	minRate := a.minRate
	if msg.MinRate.IsInitialized() {
		minRate = msg.MinRate
	}
	maxRate := a.maxRate
	if msg.MaxRate.IsInitialized() {
		maxRate = msg.MaxRate
	}
	startingRate := a.lastTarget
	if msg.StartingRate.IsInitialized() {
		startingRate = msg.StartingRate
	}

	a.minRate = minRate
	a.maxRate = maxRate
	a.delay.UpdateConstraints(minRate, maxRate, startingRate)
	a.loss.SetMinMaxBitrate(minRate, maxRate)
	a.recomputeAndEmit(msg.AtTime)
}

// OnTransportLossReport folds one reporting interval's cumulative
// lost/received packet deltas into the loss-based estimator.
func (a *Arbiter) OnTransportLossReport(msg TransportLossReport) {
	a.loss.UpdatePacketsLost(msg.PacketsLostDelta, msg.PacketsLostDelta+msg.PacketsReceivedDelta, msg.AtTime)
	a.recomputeAndEmit(msg.AtTime)
}

// OnTransportPacketsFeedback is the hot path: it runs the probe
// estimator, acknowledged-rate estimator, and delay-based controller over
// one reconstructed feedback report, requests a fresh probe if the delay
// controller has just recovered from overuse into Increase, and caps the
// loss-based estimator by the resulting delay-based target.
func (a *Arbiter) OnTransportPacketsFeedback(fb ccfeedback.TransportPacketsFeedback) {
	wasIncreasing := a.delay.InIncrease()

	a.updateFeedbackRTT(fb)

	probeResults := a.probe.OnTransportPacketsFeedback(fb)
	probeBitrate := ccunits.DataRateNotInitialized
	if len(probeResults) > 0 {
		probeBitrate = probeResults[len(probeResults)-1].Bitrate
		a.lastProbeBitrate = probeBitrate
	}

	for _, pr := range fb.ReceivedPackets() {
		if pr.SentPacket != nil {
			a.ack.onAcked(pr.SentPacket.Size, pr.ReceiveTime)
		}
	}
	a.delay.SetAcknowledgedRate(a.ack.rate())

	a.delay.OnTransportPacketsFeedback(fb, probeBitrate)
	a.loss.UpdateDelayBasedEstimate(fb.FeedbackTime, a.delay.TargetRate())

	if recovered := !wasIncreasing && a.delay.InIncrease(); recovered {
		a.maybeRequestProbe(fb.FeedbackTime)
	}

	a.recomputeAndEmit(fb.FeedbackTime)
}

// maybeRequestProbe emits a ProbeClusterConfig sized at pacingFactor times
// the current delay-based target, rate-limited by
// ccconfig.Config.MinProbeInterval so a run of rapid overuse/recovery
// cycles doesn't flood the pacer with probe requests.
func (a *Arbiter) maybeRequestProbe(now ccunits.Timestamp) {
	if !a.networkAvailable {
		return
	}
	if a.lastProbeRequestAt.IsInitialized() && now.Sub(a.lastProbeRequestAt).Less(a.cfg.MinProbeIntervalDelta()) {
		return
	}
	a.lastProbeRequestAt = now

	target := a.delay.TargetRate().MulFloat(a.pacingFactor).Clamp(a.minRate, a.maxRate)
	id := a.nextProbeClusterID
	a.nextProbeClusterID++

	a.observer.OnProbeClusterConfig(ProbeClusterConfig{
		ID:               id,
		AtTime:           now,
		TargetDataRate:   target,
		TargetDuration:   probeClusterDuration,
		TargetProbeCount: probeClusterCount,
	})
}

// recomputeAndEmit arbitrates the delay-based and loss-based targets,
// feeds the result back into the ALR detector, and emits any output
// message whose value actually changed.
func (a *Arbiter) recomputeAndEmit(now ccunits.Timestamp) {
	delayTarget := a.delay.TargetRate()
	lossTarget, lossFractionQ8, rtt := a.loss.CurrentEstimate()

	target := delayTarget
	if lossTarget.Less(target) {
		target = lossTarget
	}
	target = target.Clamp(a.minRate, a.maxRate)

	a.alrDet.SetEstimatedBitrate(target)

	if !target.Equal(a.lastTarget) {
		a.lastTarget = target
		a.observer.OnTargetTransferRate(TargetTransferRate{
			AtTime:     now,
			TargetRate: target,
			NetworkEstimate: NetworkEstimate{
				AtTime:           now,
				DelayBasedTarget: delayTarget,
				LossBasedTarget:  lossTarget,
				RoundTripTime:    rtt,
				LossRateRatio:    float64(lossFractionQ8) / 255.0,
			},
		})
	}

	pacingBase := target
	if pacingBase.Less(a.minPacingRate) {
		pacingBase = a.minPacingRate
	}
	padRate := a.maxPaddingRate
	if target.Less(padRate) {
		padRate = target
	}
	window := ccunits.Seconds(1)
	pc := PacerConfig{
		AtTime:     now,
		DataWindow: pacingBase.MulFloat(a.pacingFactor).MulDuration(window),
		TimeWindow: window,
		PadWindow:  padRate.MulDuration(window),
	}
	if !a.haveLastPacerConfig || pc != a.lastPacerConfig {
		a.haveLastPacerConfig = true
		a.lastPacerConfig = pc
		a.observer.OnPacerConfig(pc)
	}

	if a.cwndEnabled {
		a.emitCongestionWindow(target)
	}
}

// emitCongestionWindow implements the WebRTC-CwndExperiment behavior:
// cap the outstanding-data window at target_rate * (min_feedback_rtt +
// accepted_queue), floored at 3KB. In pushback mode it additionally
// scales the pacer's data window down when the adapter reports more data
// outstanding than the window allows, rather than only reporting the cap
// for an external caller to enforce.
func (a *Arbiter) emitCongestionWindow(target ccunits.DataRate) {
	cwndDuration := a.minRTT().Add(a.cwndAcceptedQueue)
	cwnd := target.MulDuration(cwndDuration)
	if cwnd.Less(congestionWindowFloor) {
		cwnd = congestionWindowFloor
	}
	a.observer.OnCongestionWindow(CongestionWindow{Enabled: true, DataWindow: cwnd})

	if !a.cwndPushback {
		return
	}
	outstanding := a.adapter.GetOutstandingData()
	if !outstanding.Greater(cwnd) || outstanding.IsZero() {
		return
	}
	scale := float64(cwnd.BytesValue()) / float64(outstanding.BytesValue())
	pushedBack := a.lastPacerConfig
	pushedBack.DataWindow = pushedBack.DataWindow.MulFloat(scale)
	a.observer.OnPacerConfig(pushedBack)
}

// AddPacket forwards to the feedback adapter. See ccfeedback.Adapter.AddPacket.
func (a *Arbiter) AddPacket(info ccfeedback.PacketInfo, overheadBytes ccunits.DataSize, creationTime ccunits.Timestamp) int64 {
	return a.adapter.AddPacket(info, overheadBytes, creationTime)
}

// ProcessSentPacket forwards to the feedback adapter. See
// ccfeedback.Adapter.ProcessSentPacket.
func (a *Arbiter) ProcessSentPacket(sent ccfeedback.SentPacket) (ccfeedback.SentPacketSummary, bool) {
	return a.adapter.ProcessSentPacket(sent)
}

// RegisterPacketFeedbackObserver forwards to the feedback adapter. See
// ccfeedback.Adapter.RegisterPacketFeedbackObserver.
func (a *Arbiter) RegisterPacketFeedbackObserver(observer ccfeedback.PacketFeedbackObserver) {
	a.adapter.RegisterPacketFeedbackObserver(observer)
}

// DeregisterPacketFeedbackObserver forwards to the feedback adapter. See
// ccfeedback.Adapter.DeregisterPacketFeedbackObserver.
func (a *Arbiter) DeregisterPacketFeedbackObserver(observer ccfeedback.PacketFeedbackObserver) {
	a.adapter.DeregisterPacketFeedbackObserver(observer)
}

// ProcessTransportFeedback decodes report through the feedback adapter
// and, on success, dispatches the reconstructed feedback through
// OnTransportPacketsFeedback. Returns false if the adapter could not use
// the report (it carried no packet status entries).
func (a *Arbiter) ProcessTransportFeedback(report *rtcp.TransportLayerCC, feedbackReceiveTime ccunits.Timestamp) bool {
	fb, ok := a.adapter.ProcessTransportFeedback(report, feedbackReceiveTime)
	if !ok {
		return false
	}
	a.OnTransportPacketsFeedback(fb)
	return true
}

// DebugState snapshots the current estimator state for diagnostics.
func (a *Arbiter) DebugState() DebugState {
	delayTarget := a.delay.TargetRate()
	lossTarget, lossFractionQ8, rtt := a.loss.CurrentEstimate()
	target := delayTarget
	if lossTarget.Less(target) {
		target = lossTarget
	}
	target = target.Clamp(a.minRate, a.maxRate)

	alrStart, inAlr := a.alrDet.ApplicationLimitedRegionStartTime()

	return DebugState{
		TargetRate:                 target,
		DelayBasedTarget:           delayTarget,
		LossBasedTarget:            lossTarget,
		LossFractionQ8:             lossFractionQ8,
		RoundTripTime:              rtt,
		InUnderuse:                 a.delay.InUnderuse(),
		TrendlineState:             a.delay.TrendlineState(),
		LinkCapacityHasEstimate:    a.delay.LinkCapacityHasEstimate(),
		InApplicationLimitedRegion: inAlr,
		ApplicationLimitedSince:    alrStart,
		OutstandingData:            a.adapter.GetOutstandingData(),
		CongestionWindow:           CongestionWindow{Enabled: a.cwndEnabled},
		LastProbeBitrate:           a.lastProbeBitrate,
	}
}
