package ccfeedback

import (
	"errors"
	"sync"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"
	"github.com/pion/rtcp"

	"github.com/pion/transport-cc/pkg/ccunits"
)

var (
	errUnknownNetworkIDPair = errors.New("packet reported in-flight for an unknown network id pair")
)

// packetAgeLimit bounds how long an unacknowledged send record is kept
// around waiting for feedback before it is evicted as stale.
const packetAgeLimit = ccunits.TimeDelta(60 * 1000 * 1000) // 60s in microseconds

// maxClockJump is the feedback base-time change, in either direction, that
// is treated as a clock discontinuity rather than network reordering.
const maxClockJump = ccunits.TimeDelta(3 * 1000 * 1000) // 3s

type networkIDPair struct {
	local  NetworkID
	remote NetworkID
}

// PacketFeedbackObserver is notified whenever a packet is handed to the
// adapter (AddPacket), mirroring the per-stream observer hook a pacer or
// retransmission scheduler hangs off the transport feedback adapter.
type PacketFeedbackObserver interface {
	OnPacketAdded(ssrc uint32, transportSequenceNumber uint16)
}

// Adapter reconstructs TransportPacketsFeedback reports from a pacer's
// AddPacket/ProcessSentPacket notifications and the remote's transport-wide
// congestion control feedback. It is safe for concurrent use; in
// particular GetOutstandingData is expected to be called from a pacer
// goroutine while AddPacket/ProcessTransportFeedback run on a send thread.
type Adapter struct {
	logger logr.Logger

	mu sync.Mutex

	history      map[int64]*packetRecord
	historyOrder deque.Deque // of int64 seq numbers, oldest first

	seqUnwrapper sequenceUnwrapper
	lastAckSeq   int64 // -1 until the first feedback is processed

	inFlight    map[networkIDPair]ccunits.DataSize
	localNetID  NetworkID
	remoteNetID NetworkID

	pendingUntrackedSize  ccunits.DataSize
	lastSendTime          ccunits.Timestamp // tracked packets' most recent send time
	lastUntrackedSendTime ccunits.Timestamp // allocation-only packets' most recent send time

	// haveBaseTime/lastBaseTime track the raw (un-ticked) reference time
	// of the previous feedback report, used to detect and absorb the
	// 24-bit reference-time wraparound and clock jumps.
	haveBaseTime  bool
	lastBaseTime  ccunits.TimeDelta
	currentOffset ccunits.TimeDelta

	observersMu sync.Mutex
	observers   []PacketFeedbackObserver
}

// NewAdapter constructs an empty Adapter. A zero logr.Logger discards
// all log output.
func NewAdapter(logger logr.Logger) *Adapter {
	return &Adapter{
		logger:                logger,
		history:               make(map[int64]*packetRecord),
		inFlight:              make(map[networkIDPair]ccunits.DataSize),
		lastAckSeq:            -1,
		lastSendTime:          ccunits.TimestampNotInitialized,
		lastUntrackedSendTime: ccunits.TimestampNotInitialized,
	}
}

// RegisterPacketFeedbackObserver adds observer to the set notified by every
// subsequent AddPacket call. Registering the same observer twice is the
// caller's mistake, not detected here.
func (a *Adapter) RegisterPacketFeedbackObserver(observer PacketFeedbackObserver) {
	a.observersMu.Lock()
	defer a.observersMu.Unlock()
	a.observers = append(a.observers, observer)
}

// DeregisterPacketFeedbackObserver removes observer if registered; a no-op
// otherwise.
func (a *Adapter) DeregisterPacketFeedbackObserver(observer PacketFeedbackObserver) {
	a.observersMu.Lock()
	defer a.observersMu.Unlock()
	for i, o := range a.observers {
		if o == observer {
			a.observers = append(a.observers[:i], a.observers[i+1:]...)
			return
		}
	}
}

func (a *Adapter) notifyPacketAdded(info PacketInfo) {
	a.observersMu.Lock()
	observers := append([]PacketFeedbackObserver(nil), a.observers...)
	a.observersMu.Unlock()
	for _, o := range observers {
		o.OnPacketAdded(info.SSRC, info.TransportSequenceNumber)
	}
}

// SetNetworkIds scopes subsequent AddPacket/in-flight accounting to the
// given local/remote route. Changing the pair does not clear history for
// packets already in flight on the previous route.
func (a *Adapter) SetNetworkIds(local, remote NetworkID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localNetID = local
	a.remoteNetID = remote
}

// AddPacket records a packet about to be handed to the pacer/transport,
// folding in overheadBytes (the transport/network header weight the pacer
// doesn't otherwise account for), and returns the unwrapped sequence number
// it was filed under. Registered observers are notified afterward, outside
// the history lock.
func (a *Adapter) AddPacket(info PacketInfo, overheadBytes ccunits.DataSize, creationTime ccunits.Timestamp) int64 {
	a.mu.Lock()

	a.evictOldLocked(creationTime)

	seq := a.seqUnwrapper.unwrap(info.TransportSequenceNumber)
	rec := &packetRecord{
		seq:          seq,
		creationTime: creationTime,
		sendTime:     ccunits.TimestampNotInitialized,
		size:         info.Length.Add(overheadBytes),
		localNetID:   a.localNetID,
		remoteNetID:  a.remoteNetID,
		info:         info,
	}
	a.history[seq] = rec
	a.historyOrder.PushBack(seq)
	a.mu.Unlock()

	a.notifyPacketAdded(info)
	return seq
}

// SentPacketSummary is returned by ProcessSentPacket for a packet newly
// confirmed sent (not a retransmit, not allocation-only accounting).
type SentPacketSummary struct {
	SequenceNumber   int64
	SendTime         ccunits.Timestamp
	Size             ccunits.DataSize
	PriorUnackedData ccunits.DataSize
	DataInFlight     ccunits.DataSize
}

// ProcessSentPacket attaches the transport's actual send time to a
// previously added packet, returning its SentPacketSummary and true.
// Packets that only affect pacing allocation (IncludedInAllocation but not
// IncludedInFeedback, or with no tracked record at all) accumulate into
// pendingUntrackedSize, which is folded into the next real record's
// PriorUnackedData, and return false. A retransmit — a packet whose record
// already has a send time — also returns false, since the in-flight tally
// was already credited the first time it was sent. A send time older than
// the adapter's most recent one for the same class of packet is accepted
// but logged as a warning, rather than rejected.
func (a *Adapter) ProcessSentPacket(sent SentPacket) (SentPacketSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sent.PacketID < 0 || !sent.Info.IncludedInFeedback {
		if sent.Info.IncludedInAllocation {
			if sent.SendTime.Less(a.lastSendTime) {
				a.logger.Info("ignoring untracked data for out of order packet", "sendTime", sent.SendTime)
			}
			a.pendingUntrackedSize = a.pendingUntrackedSize.Add(sent.Info.Length)
			if sent.SendTime.Greater(a.lastUntrackedSendTime) {
				a.lastUntrackedSendTime = sent.SendTime
			}
		}
		return SentPacketSummary{}, false
	}

	rec, ok := a.history[sent.PacketID]
	if !ok {
		if sent.Info.IncludedInAllocation {
			a.pendingUntrackedSize = a.pendingUntrackedSize.Add(sent.Info.Length)
			if sent.SendTime.Greater(a.lastUntrackedSendTime) {
				a.lastUntrackedSendTime = sent.SendTime
			}
		}
		return SentPacketSummary{}, false
	}

	retransmit := rec.sendTime.IsFinite()
	if sent.SendTime.Less(a.lastUntrackedSendTime) {
		a.logger.Info("appending acknowledged data for out of order packet", "seq", rec.seq, "sendTime", sent.SendTime)
	}
	if sent.SendTime.Greater(a.lastSendTime) {
		a.lastSendTime = sent.SendTime
	}

	rec.sendTime = sent.SendTime
	rec.priorUnackedData = a.pendingUntrackedSize
	a.pendingUntrackedSize = ccunits.DataSizeZero

	if retransmit {
		return SentPacketSummary{}, false
	}

	if rec.info.IncludedInFeedback {
		a.addInFlightBytesLocked(rec)
	}

	return SentPacketSummary{
		SequenceNumber:   rec.seq,
		SendTime:         rec.sendTime,
		Size:             rec.size,
		PriorUnackedData: rec.priorUnackedData,
		DataInFlight:     a.totalInFlightLocked(),
	}, true
}

func (a *Adapter) addInFlightBytesLocked(rec *packetRecord) {
	if rec.seq <= a.lastAckSeq {
		return
	}
	key := networkIDPair{local: rec.localNetID, remote: rec.remoteNetID}
	a.inFlight[key] = a.inFlight[key].Add(rec.size)
}

func (a *Adapter) removeInFlightBytesLocked(rec *packetRecord) {
	key := networkIDPair{local: rec.localNetID, remote: rec.remoteNetID}
	cur, ok := a.inFlight[key]
	if !ok {
		a.logger.Error(errUnknownNetworkIDPair, "no in-flight tally for packet's network id pair", "seq", rec.seq)
		return
	}
	a.inFlight[key] = cur.Sub(rec.size)
}

// GetOutstandingData returns the total bytes currently believed to be in
// flight on the adapter's currently configured network-id pair.
func (a *Adapter) GetOutstandingData() ccunits.DataSize {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := networkIDPair{local: a.localNetID, remote: a.remoteNetID}
	if v, ok := a.inFlight[key]; ok {
		return v
	}
	return ccunits.DataSizeZero
}

func (a *Adapter) evictOldLocked(now ccunits.Timestamp) {
	for a.historyOrder.Len() > 0 {
		seq := a.historyOrder.Front().(int64)
		rec, ok := a.history[seq]
		if !ok {
			a.historyOrder.PopFront()
			continue
		}
		if now.Sub(rec.creationTime).Less(packetAgeLimit) {
			return
		}
		a.historyOrder.PopFront()
		delete(a.history, seq)
		if rec.sendTime.IsFinite() && rec.info.IncludedInFeedback && rec.seq > a.lastAckSeq {
			a.removeInFlightBytesLocked(rec)
		}
	}
}

// ProcessTransportFeedback decodes one remote transport-wide congestion
// control report and reconciles it against the send history, returning
// the reconstructed feedback and true, or false if the report carried no
// packet status entries. Sequence numbers with no send record are still
// returned, as PacketResults with a nil SentPacket.
func (a *Adapter) ProcessTransportFeedback(report *rtcp.TransportLayerCC, feedbackReceiveTime ccunits.Timestamp) (TransportPacketsFeedback, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	arrivals, seqs, ok := a.decodeArrivalsLocked(report, feedbackReceiveTime)
	if !ok {
		return TransportPacketsFeedback{}, false
	}

	priorInFlight := a.totalInFlightLocked()

	results := make([]PacketResult, 0, len(seqs))
	maxSeq := a.lastAckSeq
	for i, seq := range seqs {
		rec, ok := a.history[seq]
		receiveTime := ccunits.TimestampPlusInfinity
		if arrivals[i].IsFinite() {
			receiveTime = arrivals[i]
		}
		var spr *SentPacketResult
		if ok {
			spr = &SentPacketResult{
				SequenceNumber:   rec.seq,
				SendTime:         rec.sendTime,
				Size:             rec.size,
				PacingInfo:       rec.info.PacingInfo,
				PriorUnackedData: rec.priorUnackedData,
			}
			if receiveTime.IsFinite() && rec.sendTime.IsFinite() {
				a.removeInFlightBytesLocked(rec)
			}
		}
		results = append(results, PacketResult{SentPacket: spr, ReceiveTime: receiveTime})
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if maxSeq > a.lastAckSeq {
		a.lastAckSeq = maxSeq
	}

	firstUnacked := ccunits.TimestampPlusInfinity
	if a.historyOrder.Len() > 0 {
		head := a.historyOrder.Front().(int64)
		if rec, ok := a.history[head]; ok {
			firstUnacked = rec.sendTime
		}
	}

	return TransportPacketsFeedback{
		FeedbackTime:         feedbackReceiveTime,
		PriorInFlight:        priorInFlight,
		DataInFlight:         a.totalInFlightLocked(),
		FirstUnackedSendTime: firstUnacked,
		PacketFeedbacks:      results,
	}, true
}

func (a *Adapter) totalInFlightLocked() ccunits.DataSize {
	key := networkIDPair{local: a.localNetID, remote: a.remoteNetID}
	if v, ok := a.inFlight[key]; ok {
		return v
	}
	return ccunits.DataSizeZero
}

// referenceTimeTickUS is the unit (in TimeDelta microseconds) of a
// TransportLayerCC ReferenceTime tick, per the transport-wide-cc draft.
const referenceTimeTickUS = 64 * 1000

// decodeArrivalsLocked walks a TransportLayerCC's status chunks, folding
// the RecvDeltas into absolute receive timestamps, and unwraps each
// reported status's base sequence number against the adapter's running
// sequence counter. It returns parallel arrival/sequence slices; an
// arrival of ccunits.TimestampNotInitialized means the packet was
// reported not-received.
func (a *Adapter) decodeArrivalsLocked(report *rtcp.TransportLayerCC, feedbackReceiveTime ccunits.Timestamp) ([]ccunits.Timestamp, []int64, bool) {
	if report.PacketStatusCount == 0 {
		return nil, nil, false
	}

	baseUS := int64(report.ReferenceTime) * referenceTimeTickUS
	offsetUS := a.absorbClockJumpLocked(ccunits.Microseconds(baseUS), feedbackReceiveTime)

	arrivals := make([]ccunits.Timestamp, 0, report.PacketStatusCount)
	seqs := make([]int64, 0, report.PacketStatusCount)

	runningUS := baseUS
	deltaIdx := 0
	sn := report.BaseSequenceNumber
	for _, chunk := range report.PacketChunks {
		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < c.RunLength; i++ {
				received := c.PacketStatusSymbol != rtcp.TypeTCCPacketNotReceived
				arrivals = append(arrivals, a.resolveArrivalLocked(received, &runningUS, &deltaIdx, report, offsetUS))
				seqs = append(seqs, a.seqUnwrapper.unwrap(sn))
				sn++
			}
		case *rtcp.StatusVectorChunk:
			for _, symbol := range c.SymbolList {
				received := symbol != uint16(rtcp.TypeTCCPacketNotReceived)
				arrivals = append(arrivals, a.resolveArrivalLocked(received, &runningUS, &deltaIdx, report, offsetUS))
				seqs = append(seqs, a.seqUnwrapper.unwrap(sn))
				sn++
			}
		}
	}
	return arrivals, seqs, true
}

func (a *Adapter) resolveArrivalLocked(received bool, runningUS *int64, deltaIdx *int, report *rtcp.TransportLayerCC, offsetUS int64) ccunits.Timestamp {
	if !received {
		return ccunits.TimestampNotInitialized
	}
	if *deltaIdx >= len(report.RecvDeltas) {
		return ccunits.TimestampNotInitialized
	}
	*runningUS += report.RecvDeltas[*deltaIdx].Delta
	*deltaIdx++
	return ccunits.TimestampMicros(*runningUS + offsetUS)
}

// absorbClockJumpLocked maintains a running offset so that the reported
// 24-bit reference time, which wraps and can regress relative to the
// previous report, maps onto a monotone timeline anchored at the first
// report's receive time. A change larger than maxClockJump in either
// direction is treated as a clock step rather than packet reordering and
// re-anchors the offset instead of folding it in.
func (a *Adapter) absorbClockJumpLocked(base ccunits.TimeDelta, feedbackReceiveTime ccunits.Timestamp) int64 {
	if !a.haveBaseTime {
		a.haveBaseTime = true
		a.lastBaseTime = base
		a.currentOffset = feedbackReceiveTime.Sub(ccunits.TimestampMicros(int64(base)))
		return a.currentOffset.MicrosecondsValue()
	}
	delta := base.Sub(a.lastBaseTime)
	a.lastBaseTime = base
	if delta.Less(ccunits.TimeDelta(0).Sub(maxClockJump)) || maxClockJump.Less(delta) {
		a.currentOffset = feedbackReceiveTime.Sub(ccunits.TimestampMicros(int64(base)))
	}
	return a.currentOffset.MicrosecondsValue()
}
