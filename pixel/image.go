package pixel

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// FromImage converts an arbitrary image into a tight pixel buffer in the
// requested 8-bit format. The image is not scaled; the returned descriptor
// matches the image bounds.
func FromImage(img image.Image, f Format) ([]byte, Desc, error) {
	if f != RGBA8 && f != BGRA8 {
		return nil, Desc{}, fmt.Errorf("%w: FromImage to %s", ErrFormatUnsupported, f)
	}
	b := img.Bounds()
	d := Desc{Width: b.Dx(), Height: b.Dy(), Format: f}
	if !d.Valid() {
		return nil, Desc{}, fmt.Errorf("%w: empty image", ErrSizeMismatch)
	}

	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != d.Pitch() || b.Min != (image.Point{}) {
		converted := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
		xdraw.Draw(converted, converted.Bounds(), img, b.Min, xdraw.Src)
		rgba = converted
	}

	out := make([]byte, d.ByteLen())
	if err := Copy(out, rgba.Pix, d, CopyOptions{SwapRB: f == BGRA8}); err != nil {
		return nil, Desc{}, err
	}
	return out, d, nil
}

// ToImage converts a tight pixel buffer into an *image.RGBA. BGRA8 input is
// channel-swapped; RGBA16F is not representable and is rejected.
func ToImage(pix []byte, d Desc) (*image.RGBA, error) {
	if d.Format != RGBA8 && d.Format != BGRA8 {
		return nil, fmt.Errorf("%w: ToImage from %s", ErrFormatUnsupported, d.Format)
	}
	if len(pix) < d.ByteLen() {
		return nil, fmt.Errorf("%w: buffer %d bytes, need %d", ErrSizeMismatch, len(pix), d.ByteLen())
	}
	img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	if err := Copy(img.Pix, pix, d, CopyOptions{SwapRB: d.Format == BGRA8}); err != nil {
		return nil, err
	}
	return img, nil
}
