package ccunits

import "math"

// DataSize is a non-negative byte count.
type DataSize int64

const (
	DataSizeZero DataSize = 0
	// DataSizePlusInfinity represents an unbounded size.
	DataSizePlusInfinity DataSize = math.MaxInt64
	// DataSizeNotInitialized is the "unset" state.
	DataSizeNotInitialized DataSize = math.MinInt64
)

// Bytes constructs a DataSize from a byte count.
func Bytes(b int64) DataSize { return DataSize(b) }

// Bits constructs a DataSize from a bit count, truncating to whole bytes.
func Bits(b int64) DataSize { return DataSize(b / 8) }

func (d DataSize) IsZero() bool        { return d == DataSizeZero }
func (d DataSize) IsInitialized() bool { return d != DataSizeNotInitialized }
func (d DataSize) IsInfinite() bool    { return d == DataSizePlusInfinity }
func (d DataSize) IsFinite() bool      { return d.IsInitialized() && !d.IsInfinite() }

// BytesValue returns the value in bytes. Panics if d is not finite.
func (d DataSize) BytesValue() int64 {
	if !d.IsFinite() {
		panic(&InvalidValueError{Type: "DataSize"})
	}
	return int64(d)
}

func (d DataSize) BitsValue() int64 { return d.BytesValue() * 8 }

func (d DataSize) Add(o DataSize) DataSize {
	return DataSize(addSaturating(d.BytesValue(), o.BytesValue()))
}

func (d DataSize) Sub(o DataSize) DataSize {
	return DataSize(addSaturating(d.BytesValue(), -o.BytesValue()))
}

func (d DataSize) MulFloat(scalar float64) DataSize {
	return DataSize(mulSaturatingFloat(d.BytesValue(), scalar))
}

func (d DataSize) Equal(o DataSize) bool   { return d == o }
func (d DataSize) Less(o DataSize) bool    { return d < o }
func (d DataSize) Greater(o DataSize) bool { return d > o }
func (d DataSize) LessOrEqual(o DataSize) bool {
	return d < o || d == o
}
func (d DataSize) GreaterOrEqual(o DataSize) bool {
	return d > o || d == o
}
