// Package filter implements separable, in-place lifting-wavelet kernels
// applied to a field's samples before a lossy codec encodes them, and the
// Dtype<->float64 round-trip used to apply a kernel to any numeric dtype.
package filter

import (
	"math"

	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/endian"
	"github.com/xiyuyi/visusgo/internal/pool"
)

// Kernel transforms a contiguous run of samples[:window] in place.
// Forward decomposes it into a coarse half (samples[:window/2]) and a
// detail half (samples[window/2:window]); Inverse undoes that exactly.
// window must be even. Implementations are separable: callers apply a
// kernel one axis at a time to go from a 1D transform to an N-D one.
type Kernel interface {
	Forward(samples []float64, window int)
	Inverse(samples []float64, window int)
}

// Haar is the simplest lifting wavelet: pairwise average and difference.
var Haar Kernel = haarKernel{}

// Linear is a biorthogonal (2,2) lifting wavelet: linear prediction from
// the two neighboring coarse samples, quarter-weighted update.
var Linear Kernel = linearKernel{}

// Cubic is a biorthogonal (4,4)-like lifting wavelet using four-tap
// predict/update stencils, giving smoother reconstruction than Linear at
// the cost of touching more neighbors per sample.
var Cubic Kernel = cubicKernel{}

type haarKernel struct{}

func (haarKernel) Forward(samples []float64, window int) {
	half := window / 2
	tmp := make([]float64, window)
	for i := 0; i < half; i++ {
		e := samples[2*i]
		o := samples[2*i+1] - e
		e += o / 2
		tmp[i] = e
		tmp[half+i] = o
	}
	copy(samples[:window], tmp)
}

func (haarKernel) Inverse(samples []float64, window int) {
	half := window / 2
	tmp := make([]float64, window)
	for i := 0; i < half; i++ {
		e := samples[i]
		o := samples[half+i]
		e -= o / 2
		o += e
		tmp[2*i] = e
		tmp[2*i+1] = o
	}
	copy(samples[:window], tmp)
}

type linearKernel struct{}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}

	return i
}

func (linearKernel) Forward(samples []float64, window int) {
	half := window / 2
	even := make([]float64, half)
	odd := make([]float64, half)
	for i := 0; i < half; i++ {
		even[i] = samples[2*i]
		odd[i] = samples[2*i+1]
	}
	for i := 0; i < half; i++ {
		odd[i] -= (even[i] + even[clampIndex(i+1, half)]) / 2
	}
	for i := 0; i < half; i++ {
		even[i] += (odd[clampIndex(i-1, half)] + odd[i]) / 4
	}
	copy(samples[:half], even)
	copy(samples[half:window], odd)
}

func (linearKernel) Inverse(samples []float64, window int) {
	half := window / 2
	even := append([]float64(nil), samples[:half]...)
	odd := append([]float64(nil), samples[half:window]...)
	for i := 0; i < half; i++ {
		even[i] -= (odd[clampIndex(i-1, half)] + odd[i]) / 4
	}
	for i := 0; i < half; i++ {
		odd[i] += (even[i] + even[clampIndex(i+1, half)]) / 2
	}
	for i := 0; i < half; i++ {
		samples[2*i] = even[i]
		samples[2*i+1] = odd[i]
	}
}

type cubicKernel struct{}

func (cubicKernel) Forward(samples []float64, window int) {
	half := window / 2
	even := make([]float64, half)
	odd := make([]float64, half)
	for i := 0; i < half; i++ {
		even[i] = samples[2*i]
		odd[i] = samples[2*i+1]
	}
	for i := 0; i < half; i++ {
		near := even[clampIndex(i, half)] + even[clampIndex(i+1, half)]
		far := even[clampIndex(i-1, half)] + even[clampIndex(i+2, half)]
		odd[i] -= (9*near - far) / 16
	}
	for i := 0; i < half; i++ {
		near := odd[clampIndex(i-1, half)] + odd[clampIndex(i, half)]
		far := odd[clampIndex(i-2, half)] + odd[clampIndex(i+1, half)]
		even[i] += (9*near - far) / 32
	}
	copy(samples[:half], even)
	copy(samples[half:window], odd)
}

func (cubicKernel) Inverse(samples []float64, window int) {
	half := window / 2
	even := append([]float64(nil), samples[:half]...)
	odd := append([]float64(nil), samples[half:window]...)
	for i := 0; i < half; i++ {
		near := odd[clampIndex(i-1, half)] + odd[clampIndex(i, half)]
		far := odd[clampIndex(i-2, half)] + odd[clampIndex(i+1, half)]
		even[i] -= (9*near - far) / 32
	}
	for i := 0; i < half; i++ {
		near := even[clampIndex(i, half)] + even[clampIndex(i+1, half)]
		far := even[clampIndex(i-1, half)] + even[clampIndex(i+2, half)]
		odd[i] += (9*near - far) / 16
	}
	for i := 0; i < half; i++ {
		samples[2*i] = even[i]
		samples[2*i+1] = odd[i]
	}
}

// ByTag resolves a kernel tag from a Field's Filter string to a Kernel.
func ByTag(tag string) (Kernel, bool) {
	switch tag {
	case "haar":
		return Haar, true
	case "linear":
		return Linear, true
	case "cubic":
		return Cubic, true
	default:
		return nil, false
	}
}

var engine = endian.GetLittleEndianEngine()

// ApplyForward runs field's filter kernel forward pass over one block's raw
// samples before a codec encodes them, the write-side counterpart of a
// query Cursor's inverse pass on read. It is a no-op when the field
// declares no filter, its tag is unrecognized, or the block's sample count
// is incompatible with the lifting scheme's even-window requirement, the
// same conditions under which the read side leaves a block unfiltered.
func ApplyForward(raw []byte, field dtype.Field) []byte {
	if field.Filter == "" {
		return raw
	}
	kernel, ok := ByTag(field.Filter)
	if !ok {
		return raw
	}

	window := len(raw) / field.Type.Size()
	if window == 0 || window%2 != 0 {
		return raw
	}

	values := ToFloat64(raw, field.Type)
	kernel.Forward(values, window)

	return FromFloat64(values, field.Type, field.Range)
}

// ToFloat64 decodes raw scalar samples of dtype dt into float64, losslessly
// for integer kinds and directly for float kinds. len(raw) must be an
// exact multiple of dt.ComponentSize().
func ToFloat64(raw []byte, dt dtype.Dtype) []float64 {
	compSize := dt.ComponentSize()
	n := len(raw) / compSize
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*compSize : (i+1)*compSize]
		out[i] = decodeComponent(b, dt)
	}

	return out
}

// ToFloat64Pooled behaves like ToFloat64 but draws its output slice from
// internal/pool, for callers that decode one block's worth of samples per
// call on a hot query path. The caller must invoke release once it is done
// with the returned slice (typically after handing it to FromFloat64).
func ToFloat64Pooled(raw []byte, dt dtype.Dtype) (values []float64, release func()) {
	compSize := dt.ComponentSize()
	n := len(raw) / compSize
	values, release = pool.GetFloat64Slice(n)
	for i := 0; i < n; i++ {
		b := raw[i*compSize : (i+1)*compSize]
		values[i] = decodeComponent(b, dt)
	}

	return values, release
}

// FromFloat64 re-encodes values as dtype dt, rounding and saturating to r
// for integer kinds (r may be nil, in which case the dtype's own numeric
// range is used) and passing floats through unchanged.
func FromFloat64(values []float64, dt dtype.Dtype, r *dtype.Range) []byte {
	compSize := dt.ComponentSize()
	out := make([]byte, len(values)*compSize)
	rng := effectiveRange(dt, r)
	for i, v := range values {
		encodeComponent(out[i*compSize:(i+1)*compSize], v, dt, rng)
	}

	return out
}

func effectiveRange(dt dtype.Dtype, r *dtype.Range) dtype.Range {
	if r != nil {
		return *r
	}

	switch {
	case dt.Kind == dtype.KindUnsigned:
		return dtype.Range{Min: 0, Max: math.Pow(2, float64(dt.Bits)) - 1}
	case dt.Kind == dtype.KindSigned:
		max := math.Pow(2, float64(dt.Bits-1)) - 1

		return dtype.Range{Min: -max - 1, Max: max}
	default:
		return dtype.Range{Min: -math.MaxFloat64, Max: math.MaxFloat64}
	}
}

func decodeComponent(b []byte, dt dtype.Dtype) float64 {
	switch {
	case dt.Kind == dtype.KindFloat && dt.Bits == 32:
		return float64(math.Float32frombits(engine.Uint32(b)))
	case dt.Kind == dtype.KindFloat && dt.Bits == 64:
		return math.Float64frombits(engine.Uint64(b))
	case dt.Kind == dtype.KindSigned:
		return float64(decodeSigned(b, dt.Bits))
	default:
		return float64(decodeUnsigned(b, dt.Bits))
	}
}

func encodeComponent(b []byte, v float64, dt dtype.Dtype, rng dtype.Range) {
	switch {
	case dt.Kind == dtype.KindFloat && dt.Bits == 32:
		engine.PutUint32(b, math.Float32bits(float32(v)))
	case dt.Kind == dtype.KindFloat && dt.Bits == 64:
		engine.PutUint64(b, math.Float64bits(v))
	case dt.Kind == dtype.KindSigned:
		encodeSigned(b, saturate(v, rng), dt.Bits)
	default:
		encodeUnsigned(b, saturate(v, rng), dt.Bits)
	}
}

func saturate(v float64, rng dtype.Range) float64 {
	rounded := math.Round(v)
	if rounded < rng.Min {
		return rng.Min
	}
	if rounded > rng.Max {
		return rng.Max
	}

	return rounded
}

func decodeUnsigned(b []byte, bits int) uint64 {
	switch bits {
	case 8:
		return uint64(b[0])
	case 16:
		return uint64(engine.Uint16(b))
	case 32:
		return uint64(engine.Uint32(b))
	default:
		return engine.Uint64(b)
	}
}

func encodeUnsigned(b []byte, v float64, bits int) {
	u := uint64(v)
	switch bits {
	case 8:
		b[0] = byte(u)
	case 16:
		engine.PutUint16(b, uint16(u))
	case 32:
		engine.PutUint32(b, uint32(u))
	default:
		engine.PutUint64(b, u)
	}
}

func decodeSigned(b []byte, bits int) int64 {
	switch bits {
	case 8:
		return int64(int8(b[0]))
	case 16:
		return int64(int16(engine.Uint16(b)))
	case 32:
		return int64(int32(engine.Uint32(b)))
	default:
		return int64(engine.Uint64(b))
	}
}

func encodeSigned(b []byte, v float64, bits int) {
	s := int64(v)
	switch bits {
	case 8:
		b[0] = byte(int8(s))
	case 16:
		engine.PutUint16(b, uint16(int16(s)))
	case 32:
		engine.PutUint32(b, uint32(int32(s)))
	default:
		engine.PutUint64(b, uint64(s))
	}
}
