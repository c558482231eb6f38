package texshare

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/gogpu/texshare/framesync"
	"github.com/gogpu/texshare/pixel"
	"github.com/gogpu/texshare/transfer"
)

// Receiver pulls frames from a named channel. Many Receivers may attach to
// one producer; each tracks frame freshness independently.
//
// A Receiver adapts to the producer: when the producer's frame shape
// changes, Receive reports Updated instead of copying, the caller
// reallocates its texture to Desc and receives again. ReceiveImage handles
// that dance internally.
type Receiver struct {
	name   string
	engine *transfer.Engine

	mu      sync.Mutex
	closed  bool
	desc    Desc
	updated bool
	scratch []byte
}

// NewReceiver binds a consumer to name. The producer does not need to
// exist yet; Receive reports ErrNotFound until it does.
func NewReceiver(name string, opts ...Option) (*Receiver, error) {
	if name == "" {
		return nil, fmt.Errorf("texshare: empty receiver name")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	engine, _, err := buildEngine(&o, true)
	if err != nil {
		return nil, err
	}
	return &Receiver{name: name, engine: engine}, nil
}

// Name returns the channel name this Receiver is attached to.
func (r *Receiver) Name() string { return r.name }

// Receive pulls the latest frame into tex, described by desc. A zero desc
// performs shape discovery only: the result carries the producer's Desc
// with Updated set and no copy happens. When the producer's shape differs
// from desc, Receive likewise reports Updated without copying; reallocate
// to the result's Desc and call again. invert flips the image vertically.
func (r *Receiver) Receive(tex LocalTexture, desc Desc, invert bool) (Result, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{}, ErrClosed
	}
	r.mu.Unlock()

	res, err := r.engine.Receive(transfer.Request{
		Name:    r.name,
		Texture: tex,
		Desc:    desc,
		Invert:  invert,
	})
	if err != nil {
		return Result{}, err
	}
	r.mu.Lock()
	r.desc = res.Desc
	r.updated = res.Updated
	r.mu.Unlock()
	return res, nil
}

// ReceiveImage pulls the latest frame as an image, managing an internal
// pixel buffer and adapting to producer shape changes transparently. When
// no new frame was published it returns the previously received frame.
func (r *Receiver) ReceiveImage() (*image.RGBA, error) {
	r.mu.Lock()
	desc := r.desc
	buf := r.scratch
	r.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if !desc.Valid() || len(buf) != desc.ByteLen() {
			// Discover or re-adopt the producer's shape.
			res, err := r.Receive(LocalTexture{Pixels: []byte{0}}, Desc{}, false)
			if err != nil {
				return nil, err
			}
			desc = res.Desc
			buf = make([]byte, desc.ByteLen())
			r.mu.Lock()
			r.scratch = buf
			r.mu.Unlock()
		}
		res, err := r.Receive(LocalTexture{Pixels: buf}, desc, false)
		if err != nil {
			return nil, err
		}
		if res.Updated {
			desc = res.Desc
			buf = nil
			continue
		}
		return pixel.ToImage(buf, desc)
	}
	return nil, fmt.Errorf("texshare: producer shape kept changing")
}

// WaitFrame blocks up to timeout for the producer to publish a new frame.
// The outcome is remembered, so a following Receive copies the frame even
// though the signal was consumed here.
func (r *Receiver) WaitFrame(timeout time.Duration) (framesync.Outcome, error) {
	return r.engine.WaitFrame(r.name, timeout)
}

// Desc returns the producer's shape as of the last Receive.
func (r *Receiver) Desc() Desc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desc
}

// IsUpdated reports whether the last Receive found a producer shape that
// no longer matches the request. The caller should reallocate to Desc.
func (r *Receiver) IsUpdated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updated
}

// Tier reports the transport tier the channel is bound to. ok is false
// before the first copying Receive.
func (r *Receiver) Tier() (transfer.Tier, bool) {
	return r.engine.RecvTier(r.name)
}

// Close detaches from the channel. Idempotent.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.engine.Close()
}
