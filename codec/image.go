package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/errs"
)

func init() {
	Register("jpg", func() Codec { return JpgCodec{} })
	Register("png", func() Codec { return PngCodec{} })
}

// imageShape validates that dims/dt describe a 2D u8 raster with 1, 3 or
// 4 components (gray, RGB, RGBA), as required to round-trip through
// image/jpeg and image/png.
func imageShape(dt dtype.Dtype, dims []int) (w, h, nc int, err error) {
	if dt.Kind != dtype.KindUnsigned || dt.Bits != 8 {
		return 0, 0, 0, errs.Wrap(errs.KindCodecError, "jpg/png codec requires dtype u8", errs.ErrIncompatibleCodec)
	}
	if len(dims) != 2 {
		return 0, 0, 0, errs.Wrap(errs.KindCodecError, "jpg/png codec requires a 2D block", errs.ErrIncompatibleCodec)
	}
	nc = dt.NComp
	if nc != 1 && nc != 3 && nc != 4 {
		return 0, 0, 0, errs.Wrap(errs.KindCodecError, "jpg/png codec supports 1, 3, or 4 components", errs.ErrIncompatibleCodec)
	}

	return dims[1], dims[0], nc, nil
}

func rawToImage(raw []byte, w, h, nc int) (image.Image, error) {
	switch nc {
	case 1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		copy(img.Pix, raw)

		return img, nil
	case 3:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			img.Pix[i*4+0] = raw[i*3+0]
			img.Pix[i*4+1] = raw[i*3+1]
			img.Pix[i*4+2] = raw[i*3+2]
			img.Pix[i*4+3] = 255
		}

		return img, nil
	case 4:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		copy(img.Pix, raw)

		return img, nil
	default:
		return nil, fmt.Errorf("codec: unsupported component count %d", nc)
	}
}

func imageToRaw(img image.Image, w, h, nc int) []byte {
	out := make([]byte, w*h*nc)
	bounds := img.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := (y*w + x) * nc
			switch nc {
			case 1:
				gr := color.GrayModel.Convert(color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: uint16(a)}).(color.Gray)
				out[i] = gr.Y
			case 3:
				out[i], out[i+1], out[i+2] = byte(r>>8), byte(g>>8), byte(b>>8)
			case 4:
				out[i], out[i+1], out[i+2], out[i+3] = byte(r>>8), byte(g>>8), byte(b>>8), byte(a>>8)
			}
		}
	}

	return out
}

// JpgCodec encodes 2D u8 blocks as baseline JPEG, the "jpg" tag of the
// codec vocabulary. JPEG is inherently lossy.
type JpgCodec struct{}

var _ Codec = JpgCodec{}

// Encode rasterizes raw and JPEG-encodes it.
func (JpgCodec) Encode(raw []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	w, h, nc, err := imageShape(dt, dims)
	if err != nil {
		return nil, err
	}
	img, err := rawToImage(raw, w, h, nc)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("codec: jpg encode: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode JPEG-decodes enc back into raw sample bytes.
func (JpgCodec) Decode(enc []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	w, h, nc, err := imageShape(dt, dims)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(enc))
	if err != nil {
		return nil, fmt.Errorf("codec: jpg decode: %w", err)
	}

	return imageToRaw(img, w, h, nc), nil
}

// Tag returns "jpg".
func (JpgCodec) Tag() string { return "jpg" }

// Lossy is always true for JpgCodec.
func (JpgCodec) Lossy() bool { return true }

// PngCodec encodes 2D u8 blocks as PNG, the "png" tag of the codec
// vocabulary. PNG is lossless.
type PngCodec struct{}

var _ Codec = PngCodec{}

// Encode rasterizes raw and PNG-encodes it.
func (PngCodec) Encode(raw []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	w, h, nc, err := imageShape(dt, dims)
	if err != nil {
		return nil, err
	}
	img, err := rawToImage(raw, w, h, nc)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("codec: png encode: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode PNG-decodes enc back into raw sample bytes.
func (PngCodec) Decode(enc []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	w, h, nc, err := imageShape(dt, dims)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(enc))
	if err != nil {
		return nil, fmt.Errorf("codec: png decode: %w", err)
	}

	return imageToRaw(img, w, h, nc), nil
}

// Tag returns "png".
func (PngCodec) Tag() string { return "png" }

// Lossy is always false for PngCodec.
func (PngCodec) Lossy() bool { return false }
