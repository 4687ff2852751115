package ccunits

import "math"

// DataRate is a non-negative bitrate, stored internally in bits per second.
type DataRate int64

const (
	DataRateZero DataRate = 0
	// DataRatePlusInfinity represents an unbounded rate.
	DataRatePlusInfinity DataRate = math.MaxInt64
	// DataRateNotInitialized is the "unset" state.
	DataRateNotInitialized DataRate = math.MinInt64
)

// BitsPerSecond constructs a DataRate from a bits-per-second count.
func BitsPerSecond(bps int64) DataRate { return DataRate(bps) }

// BytesPerSecond constructs a DataRate from a bytes-per-second count.
func BytesPerSecond(bytesPerSec int64) DataRate {
	return DataRate(mulSaturatingInt(bytesPerSec, 8))
}

// Kbps constructs a DataRate from a kilobits-per-second count.
func Kbps(kbps int64) DataRate { return DataRate(mulSaturatingInt(kbps, 1000)) }

// Mbps constructs a DataRate from a megabits-per-second count.
func Mbps(mbps int64) DataRate { return DataRate(mulSaturatingInt(mbps, 1000000)) }

func (r DataRate) IsZero() bool        { return r == DataRateZero }
func (r DataRate) IsInitialized() bool { return r != DataRateNotInitialized }
func (r DataRate) IsInfinite() bool    { return r == DataRatePlusInfinity }
func (r DataRate) IsFinite() bool      { return r.IsInitialized() && !r.IsInfinite() }

// BitsPerSecondValue returns the rate in bits per second. Panics if non-finite.
func (r DataRate) BitsPerSecondValue() int64 {
	if !r.IsFinite() {
		panic(&InvalidValueError{Type: "DataRate"})
	}
	return int64(r)
}

func (r DataRate) BytesPerSecondValue() int64 { return r.BitsPerSecondValue() / 8 }
func (r DataRate) KbpsValue() int64           { return divideAndRound(r.BitsPerSecondValue(), 1000) }

func (r DataRate) Add(o DataRate) DataRate {
	return DataRate(addSaturating(r.BitsPerSecondValue(), o.BitsPerSecondValue()))
}

func (r DataRate) Sub(o DataRate) DataRate {
	return DataRate(addSaturating(r.BitsPerSecondValue(), -o.BitsPerSecondValue()))
}

func (r DataRate) MulFloat(scalar float64) DataRate {
	return DataRate(mulSaturatingFloat(r.BitsPerSecondValue(), scalar))
}

func (r DataRate) Equal(o DataRate) bool   { return r == o }
func (r DataRate) Less(o DataRate) bool    { return r < o }
func (r DataRate) Greater(o DataRate) bool { return r > o }
func (r DataRate) LessOrEqual(o DataRate) bool {
	return r < o || r == o
}
func (r DataRate) GreaterOrEqual(o DataRate) bool {
	return r > o || r == o
}

// Clamp returns r clamped to [lo, hi].
func (r DataRate) Clamp(lo, hi DataRate) DataRate {
	if r.Less(lo) {
		return lo
	}
	if r.Greater(hi) {
		return hi
	}
	return r
}

// mulDivSaturating computes a*mul/div, checking for overflow of a*mul and
// saturating to MaxInt64 rather than wrapping, per the ~9TB overflow note
// in the unit conversions (a naive bytes*1e6 overflows once bytes exceeds
// roughly 9.2 * 10^12, i.e. ~9 TB).
func mulDivSaturating(a, mul, div int64) int64 {
	if mul == 0 || a == 0 {
		return 0
	}
	limit := math.MaxInt64 / mul
	if a > limit || a < -limit {
		if (a > 0) == (mul > 0) {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return a * mul / div
}

// DivDuration divides a DataSize by a TimeDelta to produce a DataRate.
// Both operands must be finite and dur must be non-zero.
func (d DataSize) DivDuration(dur TimeDelta) DataRate {
	bytes := d.BytesValue()
	us := dur.MicrosecondsValue()
	bytesPerSec := mulDivSaturating(bytes, 1000000, us)
	return BytesPerSecond(bytesPerSec)
}

// MulDuration multiplies a DataRate by a TimeDelta to produce a DataSize.
func (r DataRate) MulDuration(dur TimeDelta) DataSize {
	bps := r.BitsPerSecondValue()
	us := dur.MicrosecondsValue()
	microBytes := mulSaturatingInt(bps, us) / 8
	return Bytes(divideAndRound(microBytes, 1000000))
}

// DivRate divides a DataSize by a DataRate to produce a TimeDelta.
func (d DataSize) DivRate(r DataRate) TimeDelta {
	bytes := d.BytesValue()
	bps := r.BitsPerSecondValue()
	us := mulDivSaturating(bytes, 8000000, bps)
	return Microseconds(us)
}
