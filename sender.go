package texshare

import (
	"fmt"
	"image"
	"sync"

	"github.com/gogpu/texshare/pixel"
	"github.com/gogpu/texshare/staging"
	"github.com/gogpu/texshare/transfer"
)

// Sender publishes frames on a named channel. One producer owns a name at a
// time; a second Sender on the same name fails with ErrNameConflict until
// the first closes.
//
// A Sender is safe for concurrent use, though frames from concurrent Send
// calls publish in an unspecified order.
type Sender struct {
	name   string
	engine *transfer.Engine
	vsync  bool

	mu     sync.Mutex
	closed bool
}

// NewSender binds a producer to name. The transport tier is negotiated
// lazily on the first Send, once the frame shape is known.
func NewSender(name string, opts ...Option) (*Sender, error) {
	if name == "" {
		return nil, fmt.Errorf("texshare: empty sender name")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	engine, caps, err := buildEngine(&o, false)
	if err != nil {
		return nil, err
	}
	return &Sender{
		name:   name,
		engine: engine,
		vsync:  o.vsync && caps.VSyncControl,
	}, nil
}

// Name returns the channel name this Sender publishes on.
func (s *Sender) Name() string { return s.name }

// Send publishes one frame of tex, described by desc. invert flips the
// image vertically during the copy. The first Send binds the channel;
// later Sends with a different desc rebind it transparently, and
// receivers observe the new shape through their Updated flag.
func (s *Sender) Send(tex LocalTexture, desc Desc, invert bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	return s.engine.Send(transfer.Request{
		Name:    s.name,
		Texture: tex,
		Desc:    desc,
		Invert:  invert,
	})
}

// SendImage publishes img as an RGBA frame. Convenience wrapper around
// Send for CPU-resident images.
func (s *Sender) SendImage(img image.Image) error {
	pix, desc, err := pixel.FromImage(img, pixel.RGBA8)
	if err != nil {
		return err
	}
	return s.Send(LocalTexture{Pixels: pix}, desc, false)
}

// Tier reports the transport tier the channel is bound to. ok is false
// before the first successful Send.
func (s *Sender) Tier() (transfer.Tier, bool) {
	return s.engine.SendTier(s.name)
}

// SetBufferCount changes the staging slot count (2 or 4). The channel is
// rebound with the new count on the next Send.
func (s *Sender) SetBufferCount(n int) error {
	return s.engine.SetBufferCount(n)
}

// SetFallbackPolicy switches between blocking and frame-dropping when all
// staging slots are in flight.
func (s *Sender) SetFallbackPolicy(p staging.Policy) {
	s.engine.SetFallbackPolicy(p)
}

// VSync reports whether frame publication is paced to the display
// refresh. True only when the preference was requested and the graphics
// stack supports swap-interval control.
func (s *Sender) VSync() bool { return s.vsync }

// Close releases the channel and retires the name. Idempotent.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.engine.Close()
}
