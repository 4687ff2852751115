// Command bwectl replays a recorded packet trace through the congestion
// controller facade and prints the resulting target-rate stream, as a
// runnable demonstration of the full estimator pipeline.
package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/pion/transport-cc/pkg/cc"
	"github.com/pion/transport-cc/pkg/ccconfig"
	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccmetrics"
	"github.com/pion/transport-cc/pkg/ccunits"
	"github.com/pion/transport-cc/pkg/trendline"
)

func main() {
	var (
		tracePath  = pflag.StringP("trace", "t", "", "path to a CSV trace (send_ms,recv_ms,size_bytes columns)")
		configPath = pflag.StringP("config", "c", "", "optional config file for ccconfig.Config")
		verbose    = pflag.BoolP("verbose", "v", false, "enable verbose (V(1)) logging")
		metricsAddr = pflag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	)
	pflag.Parse()

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "bwectl: -trace is required")
		pflag.Usage()
		os.Exit(2)
	}

	logger := funcr.New(func(prefix, args string) {
		log.Println(prefix, args)
	}, funcr.Options{Verbosity: boolToVerbosity(*verbose)})

	cfg := ccconfig.DefaultConfig()
	if *configPath != "" {
		loaded, err := ccconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("bwectl: loading config: %v", err)
		}
		cfg = loaded
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Printf("bwectl: serving metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("bwectl: metrics server stopped: %v", err)
			}
		}()
	}

	f, err := os.Open(*tracePath)
	if err != nil {
		log.Fatalf("bwectl: opening trace: %v", err)
	}
	defer f.Close()

	rows, err := readTrace(f)
	if err != nil {
		log.Fatalf("bwectl: reading trace: %v", err)
	}

	obs := &printingObserver{}
	arbiter := cc.NewArbiter(cfg, ccconfig.FieldTrials{}, logger, obs)
	arbiter.OnNetworkRouteChange(cc.NetworkRouteChange{
		AtTime:       ccunits.TimestampMillis(0),
		MinRate:      cfg.MinBitrate(),
		StartingRate: cfg.StartBitrate(),
		MaxRate:      cfg.MaxBitrate(),
	})

	replay(arbiter, rows)
}

type traceRow struct {
	sendMs, recvMs int64
	sizeBytes      int64
}

// readTrace parses a CSV of "send_ms,recv_ms,size_bytes" rows, one packet
// per row, skipping a header row if the first column doesn't parse as an
// integer.
func readTrace(r io.Reader) ([]traceRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3

	var rows []traceRow
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		sendMs, perr := strconv.ParseInt(record[0], 10, 64)
		if perr != nil {
			if first {
				first = false
				continue
			}
			return nil, perr
		}
		first = false
		recvMs, err := strconv.ParseInt(record[1], 10, 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseInt(record[2], 10, 64)
		if err != nil {
			return nil, err
		}
		rows = append(rows, traceRow{sendMs: sendMs, recvMs: recvMs, sizeBytes: size})
	}
	return rows, nil
}

// replay groups rows into one TransportPacketsFeedback batch per distinct
// recvMs value (modeling one transport-wide feedback report per reporting
// tick) and feeds them through the arbiter in order.
func replay(arbiter *cc.Arbiter, rows []traceRow) {
	var batch []ccfeedback.PacketResult
	var batchRecvMs int64 = -1
	var seq int64
	lastTrendlineState := trendline.Normal
	haveLastTrendlineState := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		fb := ccfeedback.TransportPacketsFeedback{
			FeedbackTime:         ccunits.TimestampMillis(batchRecvMs),
			FirstUnackedSendTime: batch[0].SentPacket.SendTime,
			PacketFeedbacks:      batch,
		}
		arbiter.OnTransportPacketsFeedback(fb)
		batch = nil

		state := arbiter.DebugState()
		ccmetrics.OutstandingBytes.Set(float64(state.OutstandingData.BytesValue()))
		if state.InApplicationLimitedRegion {
			ccmetrics.InApplicationLimitedRegion.Set(1)
		} else {
			ccmetrics.InApplicationLimitedRegion.Set(0)
		}
		if !haveLastTrendlineState || state.TrendlineState != lastTrendlineState {
			haveLastTrendlineState = true
			lastTrendlineState = state.TrendlineState
			ccmetrics.TrendlineStateTransitions.With(prometheus.Labels{"state": state.TrendlineState.String()}).Inc()
		}
		if state.LastProbeBitrate.IsInitialized() {
			ccmetrics.ProbeClusterBitrate.Observe(float64(state.LastProbeBitrate.BitsPerSecondValue()))
		}
	}

	for _, row := range rows {
		if row.recvMs != batchRecvMs {
			flush()
			batchRecvMs = row.recvMs
		}
		batch = append(batch, ccfeedback.PacketResult{
			SentPacket: &ccfeedback.SentPacketResult{
				SequenceNumber: seq,
				SendTime:       ccunits.TimestampMillis(row.sendMs),
				Size:           ccunits.Bytes(row.sizeBytes),
				PacingInfo:     ccfeedback.PacingInfo{ProbeClusterID: ccfeedback.NoProbeCluster},
			},
			ReceiveTime: ccunits.TimestampMillis(row.recvMs),
		})
		seq++
	}
	flush()
}

func boolToVerbosity(v bool) int {
	if v {
		return 1
	}
	return 0
}

// printingObserver prints TargetTransferRate and ProbeClusterConfig
// messages to stdout and feeds the ccmetrics collectors from the target
// messages. PacerConfig and CongestionWindow messages are ignored.
type printingObserver struct{}

func (p *printingObserver) OnTargetTransferRate(m cc.TargetTransferRate) {
	fmt.Printf("t=%dms target=%dkbps delay=%dkbps loss=%dkbps rtt=%dms\n",
		m.AtTime.Milliseconds(),
		m.TargetRate.KbpsValue(),
		m.NetworkEstimate.DelayBasedTarget.KbpsValue(),
		m.NetworkEstimate.LossBasedTarget.KbpsValue(),
		m.NetworkEstimate.RoundTripTime.Milliseconds(),
	)
	ccmetrics.TargetBitrate.Set(float64(m.TargetRate.BitsPerSecondValue()))
	ccmetrics.DelayBasedTarget.Set(float64(m.NetworkEstimate.DelayBasedTarget.BitsPerSecondValue()))
	ccmetrics.LossBasedTarget.Set(float64(m.NetworkEstimate.LossBasedTarget.BitsPerSecondValue()))
	ccmetrics.LossFraction.Set(m.NetworkEstimate.LossRateRatio * 255)
}

func (p *printingObserver) OnPacerConfig(m cc.PacerConfig) {}

func (p *printingObserver) OnProbeClusterConfig(m cc.ProbeClusterConfig) {
	fmt.Printf("t=%dms probe cluster %d requested at %dkbps\n",
		m.AtTime.Milliseconds(), m.ID, m.TargetDataRate.KbpsValue())
}

func (p *printingObserver) OnCongestionWindow(m cc.CongestionWindow) {}
