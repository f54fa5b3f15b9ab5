package audio

import "encoding/binary"

// G.711 mu-law codec for the 8 kHz telephony leg.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncodeSample converts one PCM16 sample to a mu-law byte.
func MulawEncodeSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// MulawDecodeSample converts one mu-law byte to a PCM16 sample.
func MulawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	s := (int32(mantissa)<<3 + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// MulawEncodePCM16LE converts raw PCM16LE mono bytes to mu-law bytes.
// A trailing odd byte is ignored.
func MulawEncodePCM16LE(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2]))
		out[i] = MulawEncodeSample(sample)
	}
	return out
}

// MulawDecodeToPCM16LE converts mu-law bytes to raw PCM16LE mono bytes.
func MulawDecodeToPCM16LE(mulaw []byte) []byte {
	out := make([]byte, 2*len(mulaw))
	for i, b := range mulaw {
		binary.LittleEndian.PutUint16(out[2*i:2*i+2], uint16(MulawDecodeSample(b)))
	}
	return out
}
