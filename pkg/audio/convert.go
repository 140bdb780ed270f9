package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/yyup/voicebridge/pkg/errorsx"
)

// Conversions between telephony companded audio and the linear PCM
// formats the speech providers expect. Both directions are pure and
// safe for concurrent use across sessions.
//
// Telephony: 8 kHz mono mu-law, 1 byte per sample.
// Recognition input: 16 kHz mono signed 16-bit little-endian PCM.
// Synthesis output: 24 kHz mono signed 16-bit little-endian PCM.

const (
	TelephonyRate   = 8000
	RecognitionRate = 16000
	SynthesisRate   = 24000
)

// ConversionError reports malformed audio input.
type ConversionError struct {
	Op  string
	Msg string
}

func (e ConversionError) Error() string {
	return fmt.Sprintf("audio %s: %s", e.Op, e.Msg)
}

// TelephonyToRecognition expands an 8 kHz mu-law chunk to 16 kHz linear
// PCM. N companded samples yield exactly 2N PCM samples (4N bytes).
func TelephonyToRecognition(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, errorsx.Wrap(ConversionError{Op: "telephony_to_recognition", Msg: "empty chunk"}, errorsx.ReasonConversion)
	}
	pcm := Upsample2x(DecodeMuLaw(chunk))
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out, nil
}

// SynthesisToTelephony reduces a 24 kHz 16-bit linear PCM chunk to an
// 8 kHz mu-law chunk. M PCM samples yield exactly M/3 companded bytes.
func SynthesisToTelephony(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, errorsx.Wrap(ConversionError{Op: "synthesis_to_telephony", Msg: "empty chunk"}, errorsx.ReasonConversion)
	}
	if len(chunk)%2 != 0 {
		return nil, errorsx.Wrap(ConversionError{Op: "synthesis_to_telephony", Msg: "odd-length PCM chunk"}, errorsx.ReasonConversion)
	}
	pcm := make([]int16, len(chunk)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(chunk[2*i:]))
	}
	return EncodeMuLaw(Downsample3x(pcm)), nil
}
