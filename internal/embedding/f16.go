package embedding

import (
	"fmt"
	"math"

	"statetape/internal/evidence"
)

// The tape persists embeddings as IEEE 754 binary16 ("f16") to halve the
// storage footprint. Conversion uses round-to-nearest-even; both directions
// are exact for every value a builder run can produce twice, which is what
// the reproducibility guarantee needs.

// F16FromF32 converts a float32 to its binary16 bit pattern.
func F16FromF32(f float32) uint16 {
	u32 := math.Float32bits(f)
	sign := uint16((u32 >> 16) & 0x8000)
	exp := (u32 >> 23) & 0xff
	coef := u32 & 0x7fffff

	if exp == 0xff {
		if coef == 0 {
			return sign | 0x7c00 // infinity
		}
		return sign | 0x7e00 | uint16(coef>>13) // quiet NaN, payload truncated
	}

	halfExp := int32(exp) - 127 + 15

	if halfExp >= 0x1f {
		return sign | 0x7c00 // overflow to infinity
	}

	if halfExp <= 0 {
		if 14-halfExp > 24 {
			return sign // underflow to signed zero
		}
		c := coef | 0x800000
		halfCoef := c >> uint32(14-halfExp)
		roundBit := uint32(1) << uint32(13-halfExp)
		if c&roundBit != 0 && c&(3*roundBit-1) != 0 {
			halfCoef++
		}
		return sign | uint16(halfCoef)
	}

	half := uint16(halfExp)<<10 | uint16(coef>>13)
	roundBit := uint32(0x1000)
	if coef&roundBit != 0 && coef&(3*roundBit-1) != 0 {
		half++ // round to nearest even; may carry into the exponent
	}
	return sign | half
}

// F16ToF32 converts a binary16 bit pattern back to float32. The mapping is
// exact: binary16 values are a subset of binary32.
func F16ToF32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	coef := uint32(h & 0x3ff)

	switch exp {
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | coef<<13)
	case 0:
		if coef == 0 {
			return math.Float32frombits(sign)
		}
		exp32 := uint32(113) // 127 - 14
		for coef&0x400 == 0 {
			coef <<= 1
			exp32--
		}
		return math.Float32frombits(sign | exp32<<23 | (coef&0x3ff)<<13)
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | coef<<13)
	}
}

// EncodeF16 packs a vector as little-endian binary16 bytes.
func EncodeF16(vec []float32) []byte {
	data := make([]byte, 2*len(vec))
	for i, v := range vec {
		h := F16FromF32(v)
		data[2*i] = byte(h)
		data[2*i+1] = byte(h >> 8)
	}
	return data
}

// DecodeF16 unpacks little-endian binary16 bytes into float32s.
func DecodeF16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("f16 data has odd length %d", len(data))
	}
	vec := make([]float32, len(data)/2)
	for i := range vec {
		h := uint16(data[2*i]) | uint16(data[2*i+1])<<8
		vec[i] = F16ToF32(h)
	}
	return vec, nil
}

// Encode wraps a vector in its persisted wire shape.
func Encode(vec []float32) evidence.Embedding {
	return evidence.Embedding{Dim: len(vec), Dtype: "f16", Data: EncodeF16(vec)}
}

// Decode unpacks a persisted embedding, checking shape consistency.
func Decode(e evidence.Embedding) ([]float32, error) {
	if e.Dtype != "f16" {
		return nil, fmt.Errorf("unsupported embedding dtype %q", e.Dtype)
	}
	vec, err := DecodeF16(e.Data)
	if err != nil {
		return nil, err
	}
	if len(vec) != e.Dim {
		return nil, fmt.Errorf("embedding declares dim %d but carries %d values", e.Dim, len(vec))
	}
	return vec, nil
}

// Roundtrip quantizes a vector through f16 and back. The builder applies it
// before computing deltas so that persisted values and in-memory values can
// never disagree.
func Roundtrip(vec []float32) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = F16ToF32(F16FromF32(v))
	}
	return out
}
