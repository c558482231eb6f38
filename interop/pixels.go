package interop

import (
	"fmt"

	"github.com/gogpu/texshare/pixel"
)

// PixelSurface is a CPU-backed surface. It serves peers with no usable GPU
// path and keeps link semantics testable without a device or context.
type PixelSurface struct {
	desc pixel.Desc
	pix  []byte
}

// NewPixelSurface allocates a zeroed surface for desc.
func NewPixelSurface(desc pixel.Desc) (*PixelSurface, error) {
	if !desc.Valid() {
		return nil, fmt.Errorf("%w: %s", pixel.ErrFormatUnsupported, desc)
	}
	return &PixelSurface{desc: desc, pix: make([]byte, desc.ByteLen())}, nil
}

// Bytes returns the surface's pixel storage. Callers must hold the link's
// access token while reading or writing it.
func (s *PixelSurface) Bytes() []byte { return s.pix }

func (s *PixelSurface) Desc() pixel.Desc { return s.desc }

func (s *PixelSurface) Close() { s.pix = nil }
