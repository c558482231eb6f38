package pixel

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v3.2-core/gl"
	"github.com/gogpu/gputypes"
)

// Errors reported by format and descriptor validation.
var (
	// ErrSizeMismatch is returned when two descriptors disagree on width or
	// height. Textures are never resized transparently.
	ErrSizeMismatch = errors.New("pixel: size mismatch")

	// ErrFormatUnsupported is returned when a pixel format cannot be produced
	// or converted. The only supported conversion is the RGBA8/BGRA8 swap.
	ErrFormatUnsupported = errors.New("pixel: format unsupported")
)

// Format identifies the channel order and depth of a frame.
type Format uint32

const (
	// FormatUnknown is the zero value and is never valid in a transfer.
	FormatUnknown Format = iota

	// RGBA8 is 8 bits per channel, R first. The default wire format.
	RGBA8

	// BGRA8 is 8 bits per channel, B first. Convertible to RGBA8 by
	// channel swap.
	BGRA8

	// RGBA16F is 16-bit float per channel. Moved byte-for-byte only;
	// no channel swap is defined for it.
	RGBA16F
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case RGBA8:
		return "RGBA8"
	case BGRA8:
		return "BGRA8"
	case RGBA16F:
		return "RGBA16F"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the pixel size in bytes, or 0 for FormatUnknown.
func (f Format) BytesPerPixel() int {
	switch f {
	case RGBA8, BGRA8:
		return 4
	case RGBA16F:
		return 8
	default:
		return 0
	}
}

// GLFormat returns the OpenGL external format enum for ReadPixels and
// TexImage2D calls.
func (f Format) GLFormat() uint32 {
	if f == BGRA8 {
		return gl.BGRA
	}
	return gl.RGBA
}

// GLType returns the OpenGL component type enum matching the format depth.
func (f Format) GLType() uint32 {
	if f == RGBA16F {
		return gl.HALF_FLOAT
	}
	return gl.UNSIGNED_BYTE
}

// TextureFormat returns the WebGPU texture format for the shared resource.
func (f Format) TextureFormat() gputypes.TextureFormat {
	switch f {
	case BGRA8:
		return gputypes.TextureFormatBGRA8Unorm
	case RGBA16F:
		return gputypes.TextureFormatRGBA16Float
	default:
		return gputypes.TextureFormatRGBA8Unorm
	}
}

// SwappableWith reports whether a channel-order swap converts f into other.
func (f Format) SwappableWith(other Format) bool {
	return (f == RGBA8 && other == BGRA8) || (f == BGRA8 && other == RGBA8)
}

// Desc describes the dimensions and format of one frame.
type Desc struct {
	Width  int
	Height int
	Format Format
}

// Valid reports whether the descriptor describes a usable frame.
func (d Desc) Valid() bool {
	return d.Width > 0 && d.Height > 0 && d.Format.BytesPerPixel() > 0
}

// Pitch returns the tight row pitch in bytes.
func (d Desc) Pitch() int {
	return d.Width * d.Format.BytesPerPixel()
}

// ByteLen returns the tight frame length in bytes.
func (d Desc) ByteLen() int {
	return d.Pitch() * d.Height
}

// Check validates other against d. Width and height must match exactly;
// formats must be identical or convertible by channel swap. It returns
// ErrSizeMismatch or ErrFormatUnsupported with the differing values.
func (d Desc) Check(other Desc) error {
	if d.Width != other.Width || d.Height != other.Height {
		return fmt.Errorf("%w: have %dx%d, want %dx%d",
			ErrSizeMismatch, other.Width, other.Height, d.Width, d.Height)
	}
	if d.Format != other.Format && !d.Format.SwappableWith(other.Format) {
		return fmt.Errorf("%w: have %s, want %s", ErrFormatUnsupported, other.Format, d.Format)
	}
	return nil
}

func (d Desc) String() string {
	return fmt.Sprintf("%dx%d %s", d.Width, d.Height, d.Format)
}
