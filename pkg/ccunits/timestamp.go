package ccunits

import "math"

// Timestamp is a non-negative, epoch-less instant with microsecond
// resolution. Subtracting two Timestamps yields a TimeDelta.
type Timestamp int64

const (
	// TimestampPlusInfinity represents an unbounded future instant.
	TimestampPlusInfinity Timestamp = math.MaxInt64
	// TimestampNotInitialized is the "unset" state.
	TimestampNotInitialized Timestamp = math.MinInt64
)

// TimestampMicros constructs a Timestamp from a microsecond count.
func TimestampMicros(us int64) Timestamp { return Timestamp(us) }

// TimestampMillis constructs a Timestamp from a millisecond count.
func TimestampMillis(ms int64) Timestamp { return Timestamp(ms * 1000) }

// TimestampSeconds constructs a Timestamp from a whole-second count.
func TimestampSeconds(s int64) Timestamp { return Timestamp(s * 1000000) }

func (t Timestamp) IsInitialized() bool { return t != TimestampNotInitialized }
func (t Timestamp) IsInfinite() bool    { return t == TimestampPlusInfinity }
func (t Timestamp) IsFinite() bool      { return t.IsInitialized() && !t.IsInfinite() }

// MicrosecondsValue returns the value in microseconds. Panics if t is not finite.
func (t Timestamp) MicrosecondsValue() int64 {
	if !t.IsFinite() {
		panic(&InvalidValueError{Type: "Timestamp"})
	}
	return int64(t)
}

func (t Timestamp) Milliseconds() int64 { return divideAndRound(t.MicrosecondsValue(), 1000) }
func (t Timestamp) SecondsValue() int64 { return divideAndRound(t.MicrosecondsValue(), 1000000) }

// Sub returns the TimeDelta between two finite Timestamps: t-o.
func (t Timestamp) Sub(o Timestamp) TimeDelta {
	return TimeDelta(addSaturating(t.MicrosecondsValue(), -o.MicrosecondsValue()))
}

// Add returns t+d, a Timestamp shifted by a finite TimeDelta.
func (t Timestamp) Add(d TimeDelta) Timestamp {
	return Timestamp(addSaturating(t.MicrosecondsValue(), d.MicrosecondsValue()))
}

// AddDelta is an alias of Add kept for call sites that read better with it.
func (t Timestamp) AddDelta(d TimeDelta) Timestamp { return t.Add(d) }

// Minus returns t-d, a Timestamp shifted back by a finite TimeDelta.
func (t Timestamp) Minus(d TimeDelta) Timestamp {
	return Timestamp(addSaturating(t.MicrosecondsValue(), -d.MicrosecondsValue()))
}

func (t Timestamp) Equal(o Timestamp) bool   { return t == o }
func (t Timestamp) Less(o Timestamp) bool    { return t < o }
func (t Timestamp) Greater(o Timestamp) bool { return t > o }
func (t Timestamp) LessOrEqual(o Timestamp) bool {
	return t < o || t == o
}
func (t Timestamp) GreaterOrEqual(o Timestamp) bool {
	return t > o || t == o
}
