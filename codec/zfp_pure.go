//go:build !nobuild

package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/xiyuyi/visusgo/dtype"
)

var zfpDecoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("codec: failed to create zfp zstd decoder: %v", err))
		}

		return d
	},
}

var zfpEncoderPool = sync.Pool{
	New: func() any {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("codec: failed to create zfp zstd encoder: %v", err))
		}

		return e
	},
}

// Encode quantizes raw and compresses the quantized stream with zstd.
func (ZfpCodec) Encode(raw []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	n := totalSamples(dims)
	header, q, err := zfpQuantize(raw, dt, n)
	if err != nil {
		return nil, err
	}

	enc, _ := zfpEncoderPool.Get().(*zstd.Encoder)
	defer zfpEncoderPool.Put(enc)
	compressed := enc.EncodeAll(q, nil)

	return append(header, compressed...), nil
}

// Decode decompresses and dequantizes enc.
func (ZfpCodec) Decode(enc []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	if len(enc) < zfpHeaderSize {
		return nil, fmt.Errorf("codec: zfp payload shorter than header")
	}
	header, compressed := enc[:zfpHeaderSize], enc[zfpHeaderSize:]

	dec, _ := zfpDecoderPool.Get().(*zstd.Decoder)
	defer zfpDecoderPool.Put(dec)
	q, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zfp zstd decompress: %w", err)
	}

	return zfpDequantize(header, q, dt, totalSamples(dims))
}
