package ccfeedback

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pion/transport-cc/pkg/ccunits"
)

func newTestAdapter() *Adapter {
	return NewAdapter(logr.Discard())
}

func TestSequenceUnwrapperMonotone(t *testing.T) {
	var u sequenceUnwrapper
	raw := []uint16{65530, 65531, 65532, 65533, 65534, 65535, 0, 1, 2}
	prev := int64(-1)
	for _, v := range raw {
		got := u.unwrap(v)
		assert.Greater(t, got, prev)
		prev = got
	}
}

func TestAddPacketThenSentTracksInFlight(t *testing.T) {
	a := newTestAdapter()
	info := PacketInfo{
		TransportSequenceNumber: 10,
		Length:                  ccunits.Bytes(1200),
		IncludedInFeedback:      true,
	}
	seq := a.AddPacket(info, ccunits.DataSizeZero, ccunits.TimestampMillis(0))
	require.Equal(t, int64(10), seq)

	summary, ok := a.ProcessSentPacket(SentPacket{
		SendTime: ccunits.TimestampMillis(1),
		PacketID: seq,
		Info:     info,
	})
	require.True(t, ok)
	assert.Equal(t, ccunits.Bytes(1200), summary.Size)
	assert.Equal(t, ccunits.TimestampMillis(1), summary.SendTime)

	assert.Equal(t, ccunits.Bytes(1200), a.GetOutstandingData())
}

func TestAddPacketIncludesOverheadInRecordSize(t *testing.T) {
	a := newTestAdapter()
	info := PacketInfo{
		TransportSequenceNumber: 0,
		Length:                  ccunits.Bytes(1000),
		IncludedInFeedback:      true,
	}
	seq := a.AddPacket(info, ccunits.Bytes(40), ccunits.TimestampMillis(0))

	summary, ok := a.ProcessSentPacket(SentPacket{SendTime: ccunits.TimestampMillis(1), PacketID: seq, Info: info})
	require.True(t, ok)
	assert.Equal(t, ccunits.Bytes(1040), summary.Size)
}

func TestProcessSentPacketRetransmitReturnsFalse(t *testing.T) {
	a := newTestAdapter()
	info := PacketInfo{TransportSequenceNumber: 0, Length: ccunits.Bytes(1000), IncludedInFeedback: true}
	seq := a.AddPacket(info, ccunits.DataSizeZero, ccunits.TimestampMillis(0))

	_, ok := a.ProcessSentPacket(SentPacket{SendTime: ccunits.TimestampMillis(1), PacketID: seq, Info: info})
	require.True(t, ok)

	// A second ProcessSentPacket for the same record is a retransmit: it
	// must not be double-counted or re-reported.
	_, ok = a.ProcessSentPacket(SentPacket{SendTime: ccunits.TimestampMillis(2), PacketID: seq, Info: info})
	assert.False(t, ok)
	assert.Equal(t, ccunits.Bytes(1000), a.GetOutstandingData())
}

type recordingPacketFeedbackObserver struct {
	ssrcs []uint32
	seqs  []uint16
}

func (r *recordingPacketFeedbackObserver) OnPacketAdded(ssrc uint32, transportSequenceNumber uint16) {
	r.ssrcs = append(r.ssrcs, ssrc)
	r.seqs = append(r.seqs, transportSequenceNumber)
}

func TestAddPacketNotifiesRegisteredObservers(t *testing.T) {
	a := newTestAdapter()
	obs := &recordingPacketFeedbackObserver{}
	a.RegisterPacketFeedbackObserver(obs)

	info := PacketInfo{SSRC: 0x1234, HasSSRC: true, TransportSequenceNumber: 7, Length: ccunits.Bytes(100)}
	a.AddPacket(info, ccunits.DataSizeZero, ccunits.TimestampMillis(0))

	require.Len(t, obs.ssrcs, 1)
	assert.Equal(t, uint32(0x1234), obs.ssrcs[0])
	assert.Equal(t, uint16(7), obs.seqs[0])

	a.DeregisterPacketFeedbackObserver(obs)
	a.AddPacket(info, ccunits.DataSizeZero, ccunits.TimestampMillis(1))
	assert.Len(t, obs.ssrcs, 1)
}

func TestProcessSentPacketAllocationOnlyIsUntracked(t *testing.T) {
	a := newTestAdapter()
	_, ok := a.ProcessSentPacket(SentPacket{
		PacketID: -1,
		SendTime: ccunits.TimestampMillis(1),
		Info: PacketInfo{
			Length:               ccunits.Bytes(200),
			IncludedInAllocation: true,
		},
	})
	assert.False(t, ok)
	assert.Equal(t, ccunits.DataSizeZero, a.GetOutstandingData())

	info := PacketInfo{
		TransportSequenceNumber: 1,
		Length:                  ccunits.Bytes(1000),
		IncludedInFeedback:      true,
	}
	seq := a.AddPacket(info, ccunits.DataSizeZero, ccunits.TimestampMillis(2))
	a.ProcessSentPacket(SentPacket{SendTime: ccunits.TimestampMillis(2), PacketID: seq, Info: info})

	rec := a.history[seq]
	require.NotNil(t, rec)
	assert.Equal(t, ccunits.Bytes(200), rec.priorUnackedData)
}

func TestProcessTransportFeedbackReconcilesInFlight(t *testing.T) {
	a := newTestAdapter()

	for i := uint16(0); i < 3; i++ {
		info := PacketInfo{
			TransportSequenceNumber: i,
			Length:                  ccunits.Bytes(1000),
			IncludedInFeedback:      true,
		}
		seq := a.AddPacket(info, ccunits.DataSizeZero, ccunits.TimestampMillis(int64(i)))
		a.ProcessSentPacket(SentPacket{SendTime: ccunits.TimestampMillis(int64(i)), PacketID: seq, Info: info})
	}
	require.Equal(t, ccunits.Bytes(3000), a.GetOutstandingData())

	report := &rtcp.TransportLayerCC{
		BaseSequenceNumber: 0,
		PacketStatusCount:  3,
		ReferenceTime:      0,
		PacketChunks: []rtcp.PacketStatusChunk{
			&rtcp.RunLengthChunk{
				PacketStatusSymbol: rtcp.TypeTCCPacketReceivedSmallDelta,
				RunLength:          3,
			},
		},
		RecvDeltas: []*rtcp.RecvDelta{
			{Delta: 1000},
			{Delta: 1000},
			{Delta: 1000},
		},
	}

	fb, ok := a.ProcessTransportFeedback(report, ccunits.TimestampMillis(100))
	require.True(t, ok)
	assert.Equal(t, ccunits.Bytes(3000), fb.PriorInFlight)
	assert.Equal(t, ccunits.DataSizeZero, fb.DataInFlight)
	require.Len(t, fb.PacketFeedbacks, 3)
	for _, p := range fb.PacketFeedbacks {
		assert.True(t, p.Received())
		require.NotNil(t, p.SentPacket)
		assert.Equal(t, ccunits.Bytes(1000), p.SentPacket.Size)
	}
	assert.Equal(t, ccunits.DataSizeZero, a.GetOutstandingData())
}

func TestProcessTransportFeedbackMarksGapsUnreceived(t *testing.T) {
	a := newTestAdapter()
	for i := uint16(0); i < 2; i++ {
		info := PacketInfo{TransportSequenceNumber: i, Length: ccunits.Bytes(500), IncludedInFeedback: true}
		seq := a.AddPacket(info, ccunits.DataSizeZero, ccunits.TimestampMillis(int64(i)))
		a.ProcessSentPacket(SentPacket{SendTime: ccunits.TimestampMillis(int64(i)), PacketID: seq, Info: info})
	}

	report := &rtcp.TransportLayerCC{
		BaseSequenceNumber: 0,
		PacketStatusCount:  2,
		PacketChunks: []rtcp.PacketStatusChunk{
			&rtcp.StatusVectorChunk{
				SymbolList: []uint16{uint16(rtcp.TypeTCCPacketReceivedSmallDelta), uint16(rtcp.TypeTCCPacketNotReceived)},
			},
		},
		RecvDeltas: []*rtcp.RecvDelta{{Delta: 500}},
	}

	fb, ok := a.ProcessTransportFeedback(report, ccunits.TimestampMillis(50))
	require.True(t, ok)
	require.Len(t, fb.PacketFeedbacks, 2)
	assert.True(t, fb.PacketFeedbacks[0].Received())
	assert.False(t, fb.PacketFeedbacks[1].Received())
	assert.Equal(t, ccunits.Bytes(500), a.GetOutstandingData())
}

func TestNewPacketInfoFromHeaderCarriesRTPFields(t *testing.T) {
	header := &rtp.Header{SSRC: 0xabcd1234, SequenceNumber: 42}
	info := NewPacketInfoFromHeader(header, 1001, ccunits.Bytes(1200), PacingInfo{ProbeClusterID: NoProbeCluster}, true)

	assert.Equal(t, header.SSRC, info.SSRC)
	assert.True(t, info.HasSSRC)
	assert.True(t, info.HasRTPSequenceNumber)
	assert.Equal(t, header.SequenceNumber, info.RTPSequenceNumber)
	assert.Equal(t, uint16(1001), info.TransportSequenceNumber)
	assert.True(t, info.IncludedInAllocation)
	assert.True(t, info.IncludedInFeedback)
}
