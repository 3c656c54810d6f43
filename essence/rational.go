package essence

// Rational is an exact edit or sampling rate.
type Rational struct {
	Numerator   int32
	Denominator int32
}

// samplesPerEditUnit returns how many samples at samplingRate fit in
// one edit unit at editRate, and whether that count is constant. A
// non integral ratio (for example 48kHz at 29.97fps) has no constant
// count.
func samplesPerEditUnit(editRate, samplingRate Rational) (int64, bool) {
	num := int64(samplingRate.Numerator) * int64(editRate.Denominator)
	den := int64(samplingRate.Denominator) * int64(editRate.Numerator)
	if den == 0 || num <= 0 || num%den != 0 {
		return 0, false
	}
	return num / den, true
}
