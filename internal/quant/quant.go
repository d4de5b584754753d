// Package quant models the receiver's 8-bit color pipeline.
//
// Frames arrive as full-range RGB, are converted to limited-range BT.709
// YCbCr with fixed-point coefficients, scaled in that space and converted
// back to RGB for display. Every stage rounds half up:
//
//	round(x / 2^n) = (x + 2^(n-1)) >> n   (arithmetic shift, so floor)
//
// The dither optimizer depends on these exact quantization boundaries.
package quant

// RGB8 is a full-range display color.
type RGB8 [3]uint8

// YCC8 is a limited-range Y, Cb, Cr triple.
type YCC8 [3]uint8

const (
	coeffShift = 14
	coeffHalf  = 1 << (coeffShift - 1)
)

// Forward matrix: 219/255 and 224/255 range compression folded into the
// BT.709 coefficients, scaled by 2^14. Chroma rows sum to zero.
var forward = [3][3]int32{
	{2991, 10064, 1016},
	{-1649, -5547, 7196},
	{7196, -6536, -660},
}

var forwardOffset = [3]int32{16 << coeffShift, 128 << coeffShift, 128 << coeffShift}

// Inverse matrix coefficients, scaled by 2^14.
const (
	invY   = 19077
	invRCr = 29372
	invGCb = -3494
	invGCr = -8731
	invBCb = 34610
)

func clip8(v int32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

func roundShift(v int32, shift uint) int32 {
	return (v + 1<<(shift-1)) >> shift
}

// ToIntermediate converts full-range RGB to limited-range YCbCr.
func ToIntermediate(c RGB8) YCC8 {
	r, g, b := int32(c[0]), int32(c[1]), int32(c[2])
	var out YCC8
	for i := range 3 {
		acc := forward[i][0]*r + forward[i][1]*g + forward[i][2]*b + forwardOffset[i] + coeffHalf
		out[i] = clip8(acc >> coeffShift)
	}
	return out
}

// FromIntermediate converts limited-range YCbCr back to full-range RGB,
// clipping to [0,255].
func FromIntermediate(c YCC8) RGB8 {
	y := int32(c[0]) - 16
	cb := int32(c[1]) - 128
	cr := int32(c[2]) - 128
	return RGB8{
		clip8((invY*y + invRCr*cr + coeffHalf) >> coeffShift),
		clip8((invY*y + invGCb*cb + invGCr*cr + coeffHalf) >> coeffShift),
		clip8((invY*y + invBCb*cb + coeffHalf) >> coeffShift),
	}
}

// RoundTrip is the value a uniform frame of c displays as.
func RoundTrip(c RGB8) RGB8 {
	return FromIntermediate(ToIntermediate(c))
}

// IsFixedPoint reports whether c survives the round trip unchanged.
func IsFixedPoint(c RGB8) bool {
	return RoundTrip(c) == c
}

// Float returns c as float components.
func (c RGB8) Float() [3]float64 {
	return [3]float64{float64(c[0]), float64(c[1]), float64(c[2])}
}
