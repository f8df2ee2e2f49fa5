package codec

// Resample converts samples from srcRate to dstRate using linear
// interpolation. It is good enough for speech between the device's native
// rate and the 16kHz the endpoint expects.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || len(samples) == 0 {
		return samples
	}

	n := len(samples) * dstRate / srcRate
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(len(samples)-1) / float64(n)

	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)

		if j+1 < len(samples) {
			out[i] = int16(float64(samples[j])*(1-frac) + float64(samples[j+1])*frac)
		} else {
			out[i] = samples[j]
		}
	}

	return out
}
