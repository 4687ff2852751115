package ccunits

import "fmt"

func (d TimeDelta) String() string {
	switch {
	case d == TimeDeltaNotInitialized:
		return "TimeDelta(uninitialized)"
	case d == TimeDeltaPlusInfinity:
		return "+inf"
	case d == TimeDeltaMinusInfinity:
		return "-inf"
	default:
		return fmt.Sprintf("%dus", int64(d))
	}
}

func (t Timestamp) String() string {
	switch {
	case t == TimestampNotInitialized:
		return "Timestamp(uninitialized)"
	case t == TimestampPlusInfinity:
		return "+inf"
	default:
		return fmt.Sprintf("%dus", int64(t))
	}
}

func (d DataSize) String() string {
	switch {
	case d == DataSizeNotInitialized:
		return "DataSize(uninitialized)"
	case d == DataSizePlusInfinity:
		return "+inf"
	default:
		return fmt.Sprintf("%dB", int64(d))
	}
}

func (r DataRate) String() string {
	switch {
	case r == DataRateNotInitialized:
		return "DataRate(uninitialized)"
	case r == DataRatePlusInfinity:
		return "+inf"
	default:
		return fmt.Sprintf("%dbps", int64(r))
	}
}
