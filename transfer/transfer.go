// Package transfer implements the tiered texture transfer engine. Each
// named channel is served by the best transport the negotiated capabilities
// allow: a direct surface-to-surface copy, a staged copy through rotating
// CPU-visible buffers, or a plain shared-memory block. Tier selection is
// first-available-wins over a configurable order; a tier that cannot serve
// a channel passes it down rather than failing it.
package transfer

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/texshare/pixel"
)

// ErrCapabilityUnavailable is returned when no tier in the configured order
// can serve a request.
var ErrCapabilityUnavailable = errors.New("transfer: capability unavailable")

// Tier identifies one transfer transport.
type Tier int

const (
	// TierDirect copies between shared GPU surfaces without touching CPU
	// memory.
	TierDirect Tier = iota

	// TierStaged copies through rotating CPU-visible staging buffers.
	TierStaged

	// TierMemory copies through a named shared-memory block. Always
	// available.
	TierMemory
)

func (t Tier) String() string {
	switch t {
	case TierDirect:
		return "direct"
	case TierStaged:
		return "staged"
	case TierMemory:
		return "memory"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// DefaultOrder is the tier precedence used when none is configured.
func DefaultOrder() []Tier { return []Tier{TierDirect, TierStaged, TierMemory} }

// LocalTexture names the caller-owned pixel source or destination of a
// transfer. Exactly one field must be set: a GL texture name, a device
// texture, or a CPU pixel buffer sized for the request's descriptor.
type LocalTexture struct {
	GLTexture uint32
	Texture   hal.Texture
	Pixels    []byte
}

type textureKind int

const (
	kindInvalid textureKind = iota
	kindGL
	kindDevice
	kindCPU
)

func (t LocalTexture) kind() textureKind {
	set := 0
	k := kindInvalid
	if t.GLTexture != 0 {
		set++
		k = kindGL
	}
	if t.Texture != nil {
		set++
		k = kindDevice
	}
	if t.Pixels != nil {
		set++
		k = kindCPU
	}
	if set != 1 {
		return kindInvalid
	}
	return k
}

// Request describes one send or receive against a named channel.
type Request struct {
	// Name is the shared channel name.
	Name string

	// Texture is the local side of the copy.
	Texture LocalTexture

	// Desc is the local texture's shape. On receive, a zero Desc adopts
	// the producer's published shape.
	Desc pixel.Desc

	// Invert flips the image vertically during the copy.
	Invert bool
}

func (r Request) validate(needDesc bool) error {
	if r.Name == "" {
		return fmt.Errorf("transfer: empty channel name")
	}
	k := r.Texture.kind()
	if k == kindInvalid {
		return fmt.Errorf("transfer: request needs exactly one local texture")
	}
	if !needDesc && !r.Desc.Valid() {
		return nil
	}
	if !r.Desc.Valid() {
		return fmt.Errorf("%w: %s", pixel.ErrFormatUnsupported, r.Desc)
	}
	if k == kindCPU && len(r.Texture.Pixels) != r.Desc.ByteLen() {
		return fmt.Errorf("%w: pixel buffer %d bytes, want %d",
			pixel.ErrSizeMismatch, len(r.Texture.Pixels), r.Desc.ByteLen())
	}
	return nil
}

// Result reports what a receive did.
type Result struct {
	// Frame is the frame-wait outcome. On FrameUnchanged no copy happened
	// and the local texture still holds the previous frame. Shape-discovery
	// and resize results leave it at FrameNone: no frame was consumed.
	Frame FrameOutcome

	// Desc is the producer's current shape.
	Desc pixel.Desc

	// Updated means the producer's shape no longer matches the request.
	// No copy happened; the caller must reallocate and receive again.
	Updated bool
}

// FrameOutcome mirrors the frame-wait result for receives.
type FrameOutcome int

const (
	// FrameNone means no frame was consumed. Shape discovery and resize
	// signaling report it.
	FrameNone FrameOutcome = iota

	// FrameNew means a new frame was copied.
	FrameNew

	// FrameUnchanged means no new frame was published since the last
	// receive.
	FrameUnchanged
)

func (o FrameOutcome) String() string {
	switch o {
	case FrameNew:
		return "new"
	case FrameUnchanged:
		return "unchanged"
	default:
		return "none"
	}
}

// sendChannel is one tier's bound producer side of a channel.
type sendChannel interface {
	send(req Request) error
	close()
}

// recvChannel is one tier's bound consumer side of a channel.
type recvChannel interface {
	receive(req Request) error
	close()
}

// tierHandler binds channels for one tier.
type tierHandler interface {
	tier() Tier

	// available reports whether the tier can serve the request with the
	// engine's capabilities. Unavailability falls through to the next
	// tier.
	available(e *Engine, req Request) bool

	openSend(e *Engine, req Request) (sendChannel, error)
	openRecv(e *Engine, req Request) (recvChannel, error)
}
