package transfer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/texshare/capability"
	"github.com/gogpu/texshare/framesync"
	"github.com/gogpu/texshare/interop"
	"github.com/gogpu/texshare/memshare"
	"github.com/gogpu/texshare/pixel"
	"github.com/gogpu/texshare/staging"
	"github.com/gogpu/texshare/swizzle"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("transfer: engine closed")

// errChannelClosed reports that a channel was torn down between lookup and
// use. Never surfaced: the caller rebinds and retries.
var errChannelClosed = errors.New("transfer: channel closed")

// DefaultLockTimeout bounds waits on the cross-process write mutex.
const DefaultLockTimeout = 250 * time.Millisecond

// Config assembles an Engine. Sync and Registry are required; Device and
// Queue are optional and gate the GPU-backed tiers for device textures.
type Config struct {
	Caps     capability.Set
	Sync     framesync.FrameSync
	Registry framesync.Registry

	Device hal.Device
	Queue  hal.Queue

	// Order is the tier precedence. Defaults to DefaultOrder.
	Order []Tier

	// Policy selects blocking or frame-dropping when staging slots run
	// out.
	Policy staging.Policy

	// BufferCount is the staging slot count, 2 or 4. Defaults to 2.
	BufferCount int

	// MemshareDir overrides where named memory blocks live.
	MemshareDir string

	// LockTimeout bounds write-mutex waits. Defaults to
	// DefaultLockTimeout.
	LockTimeout time.Duration
}

// Engine routes named channels onto transfer tiers and brackets every copy
// with the frame-sync protocol. Safe for concurrent use.
type Engine struct {
	caps        capability.Set
	sync        framesync.FrameSync
	reg         framesync.Registry
	device      hal.Device
	queue       hal.Queue
	order       []Tier
	bufCount    int
	shmDir      string
	lockTimeout time.Duration
	swz         *swizzle.Swizzler

	// policy is read on the copy path without the engine lock held.
	policy atomic.Int32

	mu      sync.Mutex
	sends   map[string]*sendState
	recvs   map[string]*recvState
	pending map[string]bool
	closed  bool
}

// sendState and recvState carry their own lock: the copy path uses the
// channel without holding e.mu, and teardown must not race it.
type sendState struct {
	tier Tier
	desc pixel.Desc

	mu     sync.Mutex
	ch     sendChannel
	closed bool
}

func (st *sendState) close() {
	st.mu.Lock()
	if !st.closed {
		st.closed = true
		st.ch.close()
	}
	st.mu.Unlock()
}

func (st *sendState) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

type recvState struct {
	tier Tier
	desc pixel.Desc

	mu     sync.Mutex
	ch     recvChannel
	closed bool
	copied bool
}

func (st *recvState) close() {
	st.mu.Lock()
	if !st.closed {
		st.closed = true
		st.ch.close()
	}
	st.mu.Unlock()
}

func (st *recvState) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Sync == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("transfer: frame sync and registry are required")
	}
	if cfg.BufferCount == 0 {
		cfg.BufferCount = 2
	}
	if !staging.ValidCount(cfg.BufferCount) {
		return nil, fmt.Errorf("transfer: buffer count %d, want 2 or 4", cfg.BufferCount)
	}
	if len(cfg.Order) == 0 {
		cfg.Order = DefaultOrder()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	e := &Engine{
		caps:        cfg.Caps,
		sync:        cfg.Sync,
		reg:         cfg.Registry,
		device:      cfg.Device,
		queue:       cfg.Queue,
		order:       append([]Tier(nil), cfg.Order...),
		bufCount:    cfg.BufferCount,
		shmDir:      cfg.MemshareDir,
		lockTimeout: cfg.LockTimeout,
		sends:       make(map[string]*sendState),
		recvs:       make(map[string]*recvState),
		pending:     make(map[string]bool),
	}
	e.policy.Store(int32(cfg.Policy))

	if e.device != nil && e.queue != nil && cfg.Caps.ChannelSwap {
		swz, err := swizzle.New(e.device, e.queue)
		if err != nil {
			logger().Debug("channel-swap pipeline unavailable", "error", err)
		} else {
			e.swz = swz
		}
	}
	return e, nil
}

func handlerFor(t Tier) tierHandler {
	switch t {
	case TierDirect:
		return directTier{}
	case TierStaged:
		return stagedTier{}
	case TierMemory:
		return memoryTier{}
	default:
		return nil
	}
}

// Send publishes one frame of req.Texture on the named channel. The channel
// is bound to a tier on first use and rebound when the shape changes or the
// device is lost.
func (e *Engine) Send(req Request) error {
	if err := req.validate(true); err != nil {
		return err
	}
	st, err := e.sendStateFor(req)
	if err != nil {
		return err
	}
	err = e.sendOnce(st, req)
	if errors.Is(err, interop.ErrDeviceLost) || errors.Is(err, errChannelClosed) {
		if errors.Is(err, interop.ErrDeviceLost) {
			logger().Warn("device lost, rebinding channel", "name", req.Name)
			e.CloseSend(req.Name)
		}
		st, err = e.sendStateFor(req)
		if err != nil {
			return err
		}
		err = e.sendOnce(st, req)
	}
	return err
}

func (e *Engine) sendOnce(st *sendState, req Request) error {
	tok, err := e.sync.TryLockWrite(req.Name, e.lockTimeout)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		tok.Unlock()
		return errChannelClosed
	}
	err = st.ch.send(req)
	st.mu.Unlock()
	tok.Unlock()
	if err == nil {
		e.sync.SignalNewFrame(req.Name)
	}
	return err
}

func (e *Engine) sendStateFor(req Request) (*sendState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if st := e.sends[req.Name]; st != nil {
		if st.desc == req.Desc && !st.isClosed() {
			return st, nil
		}
		// Shape changed: rebuild the channel under the same name.
		st.close()
		e.reg.UnregisterProducer(req.Name)
		delete(e.sends, req.Name)
	}
	return e.openSendLocked(req)
}

func (e *Engine) openSendLocked(req Request) (*sendState, error) {
	meta := framesync.Metadata{
		Width:  req.Desc.Width,
		Height: req.Desc.Height,
		Format: uint32(req.Desc.Format),
	}
	if err := e.reg.RegisterProducer(req.Name, meta); err != nil {
		return nil, err
	}

	lastErr := fmt.Errorf("%w: no tier can serve %q", ErrCapabilityUnavailable, req.Name)
	for _, t := range e.order {
		h := handlerFor(t)
		if h == nil {
			continue
		}
		if !h.available(e, req) {
			lastErr = fmt.Errorf("%w: %s tier cannot serve %q", ErrCapabilityUnavailable, t, req.Name)
			continue
		}
		ch, err := h.openSend(e, req)
		if err != nil {
			if errors.Is(err, ErrCapabilityUnavailable) || errors.Is(err, interop.ErrLinkUnavailable) {
				logger().Debug("tier fell through", "name", req.Name, "tier", t.String(), "error", err)
				lastErr = err
				continue
			}
			e.reg.UnregisterProducer(req.Name)
			return nil, err
		}
		logger().Info("send channel bound",
			"name", req.Name, "tier", t.String(), "desc", req.Desc.String())
		st := &sendState{tier: t, ch: ch, desc: req.Desc}
		e.sends[req.Name] = st
		return st, nil
	}
	e.reg.UnregisterProducer(req.Name)
	return nil, lastErr
}

// Receive pulls the latest frame of the named channel into req.Texture.
// When the producer's shape differs from req.Desc, no copy happens and the
// result's Updated flag tells the caller to reallocate. A zero req.Desc
// just discovers the producer's shape.
func (e *Engine) Receive(req Request) (Result, error) {
	if err := req.validate(false); err != nil {
		return Result{}, err
	}
	meta, err := e.reg.LookupProducer(req.Name)
	if err != nil {
		return Result{}, err
	}
	prodDesc := pixel.Desc{
		Width:  meta.Width,
		Height: meta.Height,
		Format: pixel.Format(meta.Format),
	}
	res := Result{Desc: prodDesc}
	if !req.Desc.Valid() {
		res.Updated = true
		return res, nil
	}
	if err := prodDesc.Check(req.Desc); err != nil {
		if errors.Is(err, pixel.ErrSizeMismatch) {
			res.Updated = true
			return res, nil
		}
		return Result{}, err
	}

	st, err := e.recvStateFor(req)
	if err != nil {
		return Result{}, err
	}

	outcome, err := e.sync.WaitFrame(req.Name, 0)
	if err != nil {
		return Result{}, err
	}
	st.mu.Lock()
	copied := st.copied
	st.mu.Unlock()
	fresh := outcome == framesync.NewFrame || e.takePending(req.Name) || !copied
	if !fresh {
		res.Frame = FrameUnchanged
		return res, nil
	}

	err = e.recvOnce(st, req)
	if errors.Is(err, interop.ErrDeviceLost) || errors.Is(err, errChannelClosed) {
		if errors.Is(err, interop.ErrDeviceLost) {
			logger().Warn("device lost, rebinding channel", "name", req.Name)
			e.CloseRecv(req.Name)
		}
		st, err = e.recvStateFor(req)
		if err != nil {
			return Result{}, err
		}
		err = e.recvOnce(st, req)
	}
	if err != nil {
		return Result{}, err
	}
	st.mu.Lock()
	st.copied = true
	st.mu.Unlock()
	res.Frame = FrameNew
	return res, nil
}

// recvOnce brackets the copy with the channel's write mutex so a producer
// mid-publish never interleaves with the read.
func (e *Engine) recvOnce(st *recvState, req Request) error {
	tok, err := e.sync.TryLockWrite(req.Name, e.lockTimeout)
	if err != nil {
		return err
	}
	defer tok.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errChannelClosed
	}
	return st.ch.receive(req)
}

// WaitFrame blocks up to timeout for a new frame on name. A NewFrame
// outcome is remembered so the next Receive copies even though the signal
// was already consumed.
func (e *Engine) WaitFrame(name string, timeout time.Duration) (framesync.Outcome, error) {
	out, err := e.sync.WaitFrame(name, timeout)
	if err == nil && out == framesync.NewFrame {
		e.mu.Lock()
		e.pending[name] = true
		e.mu.Unlock()
	}
	return out, err
}

func (e *Engine) takePending(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[name] {
		delete(e.pending, name)
		return true
	}
	return false
}

func (e *Engine) recvStateFor(req Request) (*recvState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if st := e.recvs[req.Name]; st != nil {
		if st.desc == req.Desc && !st.isClosed() {
			return st, nil
		}
		st.close()
		delete(e.recvs, req.Name)
	}

	lastErr := fmt.Errorf("%w: no tier can serve %q", ErrCapabilityUnavailable, req.Name)
	for _, t := range e.order {
		h := handlerFor(t)
		if h == nil {
			continue
		}
		if !h.available(e, req) {
			lastErr = fmt.Errorf("%w: %s tier cannot serve %q", ErrCapabilityUnavailable, t, req.Name)
			continue
		}
		ch, err := h.openRecv(e, req)
		if err != nil {
			if errors.Is(err, ErrCapabilityUnavailable) ||
				errors.Is(err, interop.ErrLinkUnavailable) ||
				errors.Is(err, framesync.ErrNotFound) ||
				errors.Is(err, memshare.ErrNotFound) {
				logger().Debug("tier fell through", "name", req.Name, "tier", t.String(), "error", err)
				lastErr = err
				continue
			}
			return nil, err
		}
		logger().Info("receive channel bound",
			"name", req.Name, "tier", t.String(), "desc", req.Desc.String())
		st := &recvState{tier: t, ch: ch, desc: req.Desc}
		e.recvs[req.Name] = st
		return st, nil
	}
	return nil, lastErr
}

// SendTier reports the tier a send channel is bound to.
func (e *Engine) SendTier(name string) (Tier, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sends[name]
	if !ok {
		return 0, false
	}
	return st.tier, true
}

// RecvTier reports the tier a receive channel is bound to.
func (e *Engine) RecvTier(name string) (Tier, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.recvs[name]
	if !ok {
		return 0, false
	}
	return st.tier, true
}

// SetBufferCount changes the staging slot count. Open channels are torn
// down and rebound with the new count on their next use.
func (e *Engine) SetBufferCount(n int) error {
	if !staging.ValidCount(n) {
		return fmt.Errorf("transfer: buffer count %d, want 2 or 4", n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n == e.bufCount {
		return nil
	}
	e.bufCount = n
	for name, st := range e.sends {
		st.close()
		e.reg.UnregisterProducer(name)
		delete(e.sends, name)
	}
	return nil
}

// SetFallbackPolicy switches between blocking and frame-dropping when
// staging slots run out. Takes effect on the next send.
func (e *Engine) SetFallbackPolicy(p staging.Policy) {
	e.policy.Store(int32(p))
}

func (e *Engine) fallbackPolicy() staging.Policy {
	return staging.Policy(e.policy.Load())
}

// CloseSend tears down the named send channel and retires its registry
// entry. No-op for unknown names.
func (e *Engine) CloseSend(name string) {
	e.mu.Lock()
	st, ok := e.sends[name]
	if ok {
		delete(e.sends, name)
	}
	e.mu.Unlock()
	if ok {
		st.close()
		e.reg.UnregisterProducer(name)
	}
}

// CloseRecv tears down the named receive channel. No-op for unknown names.
func (e *Engine) CloseRecv(name string) {
	e.mu.Lock()
	st, ok := e.recvs[name]
	if ok {
		delete(e.recvs, name)
	}
	e.mu.Unlock()
	if ok {
		st.close()
	}
}

// Close tears down every channel. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sends := e.sends
	recvs := e.recvs
	e.sends = map[string]*sendState{}
	e.recvs = map[string]*recvState{}
	e.mu.Unlock()

	for name, st := range sends {
		st.close()
		e.reg.UnregisterProducer(name)
	}
	for _, st := range recvs {
		st.close()
	}
	if e.swz != nil {
		e.swz.Close()
	}
}
