package models

// Timescale is the rational clock's ticks-per-second resolution. It must be
// at least 10,000 ticks/s per spec so sub-millisecond fragment boundaries
// round losslessly.
const Timescale = 90000

// RationalTime is a (value, timescale) pair allowing exact arithmetic on
// fragment boundaries instead of accumulating floating-point error across a
// long playback session.
type RationalTime struct {
	Value     int64
	Timescale int64
}

// Seconds converts the rational time to a float64 second count.
func (t RationalTime) Seconds() float64 {
	if t.Timescale == 0 {
		return 0
	}
	return float64(t.Value) / float64(t.Timescale)
}

// NewRationalTime builds a RationalTime at the engine's fixed Timescale from
// a fractional second count.
func NewRationalTime(seconds float64) RationalTime {
	return RationalTime{Value: int64(seconds * float64(Timescale)), Timescale: Timescale}
}

// Add returns t+o, rescaling o to t's timescale if needed.
func (t RationalTime) Add(o RationalTime) RationalTime {
	if o.Timescale == t.Timescale || o.Timescale == 0 {
		return RationalTime{Value: t.Value + o.Value, Timescale: t.Timescale}
	}
	rescaled := o.Value * t.Timescale / o.Timescale
	return RationalTime{Value: t.Value + rescaled, Timescale: t.Timescale}
}

// TimeFragment is a precomputed (timestamp, duration) pair in the rational
// clock, built once per session from the first media playlist's fragment
// durations. timeFragments[i].timestamp = sum(durations[0..i]).
type TimeFragment struct {
	Timestamp RationalTime
	Duration  RationalTime
}

// End returns the timestamp at which this fragment's span ends.
func (f TimeFragment) End() RationalTime {
	return f.Timestamp.Add(f.Duration)
}

// BuildTimeFragments constructs the session-wide fragment timing grid from a
// single media playlist's fragment durations, per spec.md's invariant that
// all variants share an identical fragment count and matching per-index
// durations (within rounding).
func BuildTimeFragments(fragments []Fragment) []TimeFragment {
	out := make([]TimeFragment, len(fragments))
	var cursor RationalTime
	cursor.Timescale = Timescale
	for i, f := range fragments {
		dur := NewRationalTime(f.Duration)
		out[i] = TimeFragment{Timestamp: cursor, Duration: dur}
		cursor = cursor.Add(dur)
	}
	return out
}
