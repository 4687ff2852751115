package ccconfig

import (
	"strconv"
	"strings"

	"github.com/pion/transport-cc/pkg/alr"
	"github.com/pion/transport-cc/pkg/ccunits"
	"github.com/pion/transport-cc/pkg/delaybwe"
)

// FieldTrials is the key-value experiment provider consulted once at
// construction time, injected by the caller rather than read from a
// process-wide global. Unrecognised keys are ignored; malformed values
// fall back to defaults.
type FieldTrials map[string]string

// Lookup returns the raw group string for key, or "" if not present.
func (f FieldTrials) Lookup(key string) string { return f[key] }

// parseGroup parses a "Enabled,key1:val1,key2:val2" style group string.
// Groups not starting with "Enabled" are treated as disabled, the
// convention these experiments use to mean "off".
func parseGroup(group string) (enabled bool, values map[string]string) {
	if group == "" {
		return false, nil
	}
	parts := strings.Split(group, ",")
	if parts[0] != "Enabled" {
		return false, nil
	}
	values = make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, ":", 2)
		if len(kv) == 2 {
			values[kv[0]] = kv[1]
		}
	}
	return true, values
}

func parseFloat(values map[string]string, key string, fallback float64) float64 {
	if s, ok := values[key]; ok {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return fallback
}

func parseMillis(values map[string]string, key string, fallback ccunits.TimeDelta) ccunits.TimeDelta {
	if s, ok := values[key]; ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ccunits.Milliseconds(ms)
		}
	}
	return fallback
}

func parseKbps(values map[string]string, key string, fallback ccunits.DataRate) ccunits.DataRate {
	if s, ok := values[key]; ok {
		if kbps, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ccunits.Kbps(kbps)
		}
	}
	return fallback
}

// DelayBasedRateController overrides delaybwe.DefaultConfig() from the
// "WebRTC-Bwe-DelayBasedRateController" group. Returns ok=false (and the
// unmodified default) if the group is absent or disabled. The group's
// "min_step" subkey has no corresponding field in this port's
// delaybwe.Config (this controller has no separate first-period increase
// rate) and is silently ignored, consistent with the "unknown keys
// ignored" policy.
func (f FieldTrials) DelayBasedRateController() (delaybwe.Config, bool) {
	cfg := delaybwe.DefaultConfig()
	enabled, values := parseGroup(f.Lookup("WebRTC-Bwe-DelayBasedRateController"))
	if !enabled {
		return cfg, false
	}
	cfg.NoAckBackoffFraction = parseFloat(values, "no_ack_frac", cfg.NoAckBackoffFraction)
	cfg.NoAckBackoffInterval = parseMillis(values, "no_ack_int", cfg.NoAckBackoffInterval)
	cfg.AckBackoffFraction = parseFloat(values, "ack_dec", cfg.AckBackoffFraction)
	cfg.ProbeBackoffFraction = parseFloat(values, "probe_dec", cfg.ProbeBackoffFraction)
	cfg.InitialIncreaseRate = parseFloat(values, "probe_inc", cfg.InitialIncreaseRate)
	cfg.IncreaseRate = parseFloat(values, "inc", cfg.IncreaseRate)
	cfg.StopIncreaseAfter = parseMillis(values, "stop", cfg.StopIncreaseAfter)
	cfg.MinIncreaseInterval = parseMillis(values, "int", cfg.MinIncreaseInterval)
	cfg.LinearIncreaseThreshold = parseKbps(values, "cut", cfg.LinearIncreaseThreshold)
	cfg.ReferenceDurationOffset = parseMillis(values, "dur_offs", cfg.ReferenceDurationOffset)
	return cfg, true
}

// ProbingScreenshareBwe parses "WebRTC-ProbingScreenshareBwe" via
// alr.ParseScreenshareProbingBweSettings.
func (f FieldTrials) ProbingScreenshareBwe() (alr.ExperimentSettings, bool) {
	return alr.ParseScreenshareProbingBweSettings(f.Lookup("WebRTC-ProbingScreenshareBwe"))
}

// CwndExperiment parses "WebRTC-CwndExperiment"'s
// "Enabled-<accepted_queue_ms>[,pushback]" form.
func (f FieldTrials) CwndExperiment() (acceptedQueue ccunits.TimeDelta, pushback, enabled bool) {
	group := f.Lookup("WebRTC-CwndExperiment")
	if !strings.HasPrefix(group, "Enabled-") {
		return 0, false, false
	}
	parts := strings.SplitN(strings.TrimPrefix(group, "Enabled-"), ",", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false, false
	}
	pushback = len(parts) == 2 && parts[1] == "pushback"
	return ccunits.Milliseconds(ms), pushback, true
}
