package audio

// G.711 mu-law companding. Encode follows the standard segment/bias
// algorithm (CCITT G.711); decode is table driven so the hot path on
// inbound telephony audio is a single lookup per sample.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

var muLawSegments = [8]int16{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

var muLawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
	}
}

// EncodeMuLawSample compresses one 16-bit linear PCM sample to 8-bit mu-law.
func EncodeMuLawSample(pcm int16) byte {
	sign := byte(0)
	if pcm < 0 {
		if pcm == -32768 {
			pcm = -32767
		}
		pcm = -pcm
		sign = 0x80
	}
	if pcm > muLawClip {
		pcm = muLawClip
	}
	pcm += muLawBias

	seg := 0
	for seg < 8 && pcm > muLawSegments[seg] {
		seg++
	}
	if seg >= 8 {
		return ^(sign | 0x7F)
	}
	mantissa := byte((pcm >> (uint(seg) + 3)) & 0x0F)
	return ^(sign | byte(seg)<<4 | mantissa)
}

// DecodeMuLawSample expands one 8-bit mu-law sample to 16-bit linear PCM.
func DecodeMuLawSample(mu byte) int16 {
	return muLawDecodeTable[mu]
}

func decodeMuLawSample(mu byte) int16 {
	mu = ^mu
	sign := mu & 0x80
	seg := (mu >> 4) & 0x07
	mantissa := mu & 0x0F
	value := ((int16(mantissa) << 3) + muLawBias) << seg
	value -= muLawBias
	if sign != 0 {
		return -value
	}
	return value
}

// DecodeMuLaw expands a mu-law byte stream into 16-bit linear PCM samples.
func DecodeMuLaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = muLawDecodeTable[b]
	}
	return out
}

// EncodeMuLaw compresses 16-bit linear PCM samples into a mu-law byte stream.
func EncodeMuLaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = EncodeMuLawSample(s)
	}
	return out
}

// MuLawSilence is the mu-law encoding of a zero sample.
const MuLawSilence byte = 0xFF
