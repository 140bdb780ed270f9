package audio

// Resampling between the telephony rate (8 kHz) and the provider rates
// (16 kHz recognition input, 24 kHz synthesis output). Linear
// interpolation for the 2x upsample and a 3-tap average for the 3x
// decimation; output sample counts are exact multiples of the rate ratio.

// Upsample2x doubles the sample rate. N input samples yield exactly 2N
// output samples; interpolated samples are the midpoint of their
// neighbors, with the final sample repeated.
func Upsample2x(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, 2*len(in))
	for i, s := range in {
		out[2*i] = s
		if i+1 < len(in) {
			out[2*i+1] = int16((int32(s) + int32(in[i+1])) / 2)
		} else {
			out[2*i+1] = s
		}
	}
	return out
}

// Downsample3x reduces the sample rate by three. M input samples yield
// exactly M/3 output samples (a trailing remainder shorter than one
// output sample is dropped); each output sample averages three inputs
// as a cheap anti-aliasing pass.
func Downsample3x(in []int16) []int16 {
	n := len(in) / 3
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		sum := int32(in[3*i]) + int32(in[3*i+1]) + int32(in[3*i+2])
		out[i] = int16(sum / 3)
	}
	return out
}
