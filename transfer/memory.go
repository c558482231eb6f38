package transfer

import (
	"fmt"

	"github.com/gogpu/texshare/interop"
	"github.com/gogpu/texshare/memshare"
	"github.com/gogpu/texshare/pixel"
)

// memoryTier publishes frames through a named shared-memory block. It is
// the only tier that works across processes with zero GPU capability, and
// the floor every channel can fall back to.
type memoryTier struct{}

func (memoryTier) tier() Tier { return TierMemory }

func (memoryTier) available(e *Engine, req Request) bool {
	// Device textures still need a device to read back from.
	if req.Texture.kind() == kindDevice {
		return e.device != nil && e.queue != nil
	}
	return true
}

func (memoryTier) openSend(e *Engine, req Request) (sendChannel, error) {
	block, err := memshare.Create(e.shmDir, req.Name, req.Desc)
	if err != nil {
		return nil, err
	}
	return &memorySend{e: e, block: block, desc: req.Desc}, nil
}

func (memoryTier) openRecv(e *Engine, req Request) (recvChannel, error) {
	block, err := memshare.Open(e.shmDir, req.Name)
	if err != nil {
		return nil, err
	}
	if err := block.Desc().Check(req.Desc); err != nil {
		block.Close()
		return nil, err
	}
	return &memoryRecv{e: e, block: block, desc: req.Desc}, nil
}

type memorySend struct {
	e       *Engine
	block   *memshare.Block
	desc    pixel.Desc
	scratch []byte
}

func (c *memorySend) send(req Request) error {
	src := req.Texture.Pixels
	if req.Texture.kind() != kindCPU {
		c.ensureScratch()
		var err error
		switch req.Texture.kind() {
		case kindGL:
			err = interop.ReadGLTexture(req.Texture.GLTexture, c.desc, c.scratch)
		case kindDevice:
			err = interop.ReadDeviceTexture(c.e.device, c.e.queue, req.Texture.Texture, c.desc, c.scratch)
		}
		if err != nil {
			// A failed local readback means the GPU behind the texture is
			// gone; the block itself is fine, but the engine rebinds so a
			// recovered device starts from a clean channel.
			return fmt.Errorf("%w: %v", interop.ErrDeviceLost, err)
		}
		src = c.scratch
	}

	unlock, err := c.block.LockWrite(c.e.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	if err := pixel.Copy(c.block.Bytes(), src, c.desc, pixel.CopyOptions{Invert: req.Invert}); err != nil {
		return err
	}
	c.block.BumpFrame()
	return nil
}

func (c *memorySend) ensureScratch() {
	if len(c.scratch) != c.desc.ByteLen() {
		c.scratch = make([]byte, c.desc.ByteLen())
	}
}

func (c *memorySend) close() {
	c.block.Close()
	c.block.Unlink()
}

type memoryRecv struct {
	e       *Engine
	block   *memshare.Block
	desc    pixel.Desc
	scratch []byte
}

func (c *memoryRecv) receive(req Request) error {
	unlock, err := c.block.LockRead(c.e.lockTimeout)
	if err != nil {
		return err
	}
	if len(c.scratch) != c.desc.ByteLen() {
		c.scratch = make([]byte, c.desc.ByteLen())
	}
	copy(c.scratch, c.block.Bytes())
	unlock()

	return deliver(c.e, req, c.desc, c.block.Desc().Format, c.scratch)
}

func (c *memoryRecv) close() {
	c.block.Close()
}
