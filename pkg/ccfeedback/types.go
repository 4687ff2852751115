// Package ccfeedback reconstructs per-packet send/receive history from a
// pacer's send notifications and the remote transport-wide feedback
// reports, producing the TransportPacketsFeedback consumed by the rate
// controllers in pkg/delaybwe and pkg/lossbwe.
package ccfeedback

import (
	"github.com/pion/rtp"

	"github.com/pion/transport-cc/pkg/ccunits"
)

// NetworkID identifies one leg of a local/remote network path pair, used
// to scope in-flight byte accounting to a single route.
type NetworkID uint16

// PacingInfo carries the pacer's view of a packet at the moment it left
// the send queue.
type PacingInfo struct {
	// ProbeClusterID is the id of the probe cluster the packet belongs to,
	// or -1 if it was not sent as part of a probe.
	ProbeClusterID int
	SendBitrate    ccunits.DataRate
}

// NoProbeCluster is the ProbeClusterID value for packets sent outside any
// probe cluster.
const NoProbeCluster = -1

// PacketInfo is supplied by the caller when a packet is handed to the
// transport, before the transport reports back the actual send time.
type PacketInfo struct {
	SSRC                    uint32
	HasSSRC                 bool
	HasRTPSequenceNumber    bool
	RTPSequenceNumber       uint16
	TransportSequenceNumber uint16
	Length                  ccunits.DataSize
	PacingInfo              PacingInfo
	IncludedInAllocation    bool
	IncludedInFeedback      bool
}

// NewPacketInfoFromHeader builds the PacketInfo for an outgoing RTP
// packet, the shape AddPacket is normally called with from a pacer that
// has already stamped an RTP header and assigned a wide transport
// sequence number. included controls IncludedInAllocation and
// IncludedInFeedback together, the common case for a media packet (set
// both false only for something like a pure padding packet).
func NewPacketInfoFromHeader(header *rtp.Header, transportSequenceNumber uint16, length ccunits.DataSize, pacing PacingInfo, included bool) PacketInfo {
	return PacketInfo{
		SSRC:                    header.SSRC,
		HasSSRC:                 true,
		HasRTPSequenceNumber:    true,
		RTPSequenceNumber:       header.SequenceNumber,
		TransportSequenceNumber: transportSequenceNumber,
		Length:                  length,
		PacingInfo:              pacing,
		IncludedInAllocation:    included,
		IncludedInFeedback:      included,
	}
}

// SentPacket is the transport's notification that a packet actually left
// the socket, mirroring rtc::SentPacket from the original stack.
type SentPacket struct {
	SendTime ccunits.Timestamp
	// PacketID is the wide (transport) sequence number carried in
	// PacketInfo.TransportSequenceNumber, or -1 if the notification does
	// not correspond to a tracked packet (pure allocation accounting).
	PacketID int64
	Info     PacketInfo
}

// packetRecord is the adapter's internal bookkeeping entry, one per
// AddPacket call.
type packetRecord struct {
	seq          int64
	creationTime ccunits.Timestamp
	sendTime     ccunits.Timestamp // TimestampNotInitialized until ProcessSentPacket
	size         ccunits.DataSize
	localNetID   NetworkID
	remoteNetID  NetworkID
	info         PacketInfo
	// priorUnackedData is the pending-untracked-size carried forward onto
	// this record when ProcessSentPacket attaches allocation-only bytes
	// to the next real, feedback-eligible packet.
	priorUnackedData ccunits.DataSize
}

// SentPacketResult describes one packet's fate as reported, or not
// reported, by a transport feedback message.
type SentPacketResult struct {
	SequenceNumber   int64
	SendTime         ccunits.Timestamp
	Size             ccunits.DataSize
	PacingInfo       PacingInfo
	PriorUnackedData ccunits.DataSize
}

// PacketResult is one entry of a TransportPacketsFeedback. SentPacket is
// nil when the feedback referenced a sequence number this adapter never
// saw an AddPacket call for (e.g. it predates the adapter's history
// window).
type PacketResult struct {
	SentPacket  *SentPacketResult
	ReceiveTime ccunits.Timestamp // TimestampPlusInfinity means "not received"
}

// Received reports whether the packet was acknowledged as received.
func (p PacketResult) Received() bool {
	return p.ReceiveTime.IsFinite()
}

// TransportPacketsFeedback is the adapter's reconstruction of one remote
// feedback report, ready for delay-based and loss-based processing.
type TransportPacketsFeedback struct {
	FeedbackTime         ccunits.Timestamp
	PriorInFlight        ccunits.DataSize
	DataInFlight         ccunits.DataSize
	FirstUnackedSendTime ccunits.Timestamp
	PacketFeedbacks      []PacketResult
}

// ReceivedPackets returns only the acknowledged entries, in the order
// they appear in PacketFeedbacks.
func (f TransportPacketsFeedback) ReceivedPackets() []PacketResult {
	out := make([]PacketResult, 0, len(f.PacketFeedbacks))
	for _, p := range f.PacketFeedbacks {
		if p.Received() {
			out = append(out, p)
		}
	}
	return out
}

// SortedByReceiveTime returns the acknowledged entries ordered by
// ReceiveTime, the grouping used by pkg/ccgroup.
func (f TransportPacketsFeedback) SortedByReceiveTime() []PacketResult {
	out := f.ReceivedPackets()
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ReceiveTime.Less(out[j-1].ReceiveTime); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
