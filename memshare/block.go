// Package memshare implements the last-resort transfer tier: a named
// cross-process memory block holding raw pixel bytes, guarded by a file
// lock. It involves no GPU resources at all, so it works between peers with
// zero graphics capability.
//
// A block is a file under /dev/shm (or the configured directory) mapped
// into the process. The first 64 bytes are a descriptor header; the caller
// must validate it against its own expectation before touching the payload.
package memshare

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gogpu/texshare/pixel"
)

// Errors returned by block operations.
var (
	// ErrNotFound is returned by Open when no block exists under the name.
	ErrNotFound = errors.New("memshare: block not found")

	// ErrTimeout is returned when a lock cannot be acquired within bound.
	ErrTimeout = errors.New("memshare: lock timeout")

	// ErrClosed is returned when operating on a closed block.
	ErrClosed = errors.New("memshare: block closed")

	// ErrCorrupt is returned when a block's header fails validation.
	ErrCorrupt = errors.New("memshare: corrupt block header")
)

const (
	headerSize = 64
	magic      = 0x54585348 // "TXSH"
	version    = 1

	// lockPoll is the retry interval for the non-blocking flock loop.
	lockPoll = 250 * time.Microsecond
)

// Header byte offsets. The counter is maintained under the write lock so
// torn reads are not possible for a correctly locking peer.
const (
	offMagic   = 0
	offVersion = 4
	offWidth   = 8
	offHeight  = 12
	offFormat  = 16
	offCounter = 24
	offPayload = 32
)

// DefaultDir returns the directory named blocks live in.
func DefaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Block is one mapped named memory block. Not safe for concurrent use by
// multiple goroutines without external locking; cross-process exclusion is
// what the file lock provides.
type Block struct {
	name  string
	path  string
	fd    int
	data  []byte
	desc  pixel.Desc
	owner bool

	mu     sync.Mutex
	closed bool
}

func blockPath(dir, name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	return filepath.Join(dir, "texshare-"+clean)
}

// Create creates (or re-creates) the named block sized for desc. The caller
// becomes the owner and is responsible for Unlink on teardown.
func Create(dir, name string, desc pixel.Desc) (*Block, error) {
	if !desc.Valid() {
		return nil, fmt.Errorf("%w: %s", pixel.ErrFormatUnsupported, desc)
	}
	if dir == "" {
		dir = DefaultDir()
	}
	path := blockPath(dir, name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("memshare: create %q: %w", path, err)
	}

	size := headerSize + desc.ByteLen()
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memshare: size %q to %d: %w", path, size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memshare: map %q: %w", path, err)
	}

	b := &Block{name: name, path: path, fd: fd, data: data, desc: desc, owner: true}
	b.writeHeader()
	return b, nil
}

// Open attaches to an existing named block. The returned block's Desc comes
// from the header; callers must Check it against their own expectation
// before interpreting Bytes.
func Open(dir, name string) (*Block, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	path := blockPath(dir, name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("memshare: open %q: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memshare: stat %q: %w", path, err)
	}
	if st.Size < headerSize {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrCorrupt, name, st.Size)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memshare: map %q: %w", path, err)
	}

	b := &Block{name: name, path: path, fd: fd, data: data}
	desc, err := b.readHeader()
	if err != nil {
		b.unmap()
		return nil, err
	}
	if headerSize+desc.ByteLen() > len(data) {
		b.unmap()
		return nil, fmt.Errorf("%w: %q payload exceeds mapping", ErrCorrupt, name)
	}
	b.desc = desc
	return b, nil
}

func (b *Block) writeHeader() {
	h := b.data
	binary.LittleEndian.PutUint32(h[offMagic:], magic)
	binary.LittleEndian.PutUint32(h[offVersion:], version)
	binary.LittleEndian.PutUint32(h[offWidth:], uint32(b.desc.Width))
	binary.LittleEndian.PutUint32(h[offHeight:], uint32(b.desc.Height))
	binary.LittleEndian.PutUint32(h[offFormat:], uint32(b.desc.Format))
	binary.LittleEndian.PutUint64(h[offCounter:], 0)
	binary.LittleEndian.PutUint64(h[offPayload:], uint64(b.desc.ByteLen()))
}

func (b *Block) readHeader() (pixel.Desc, error) {
	h := b.data
	if binary.LittleEndian.Uint32(h[offMagic:]) != magic {
		return pixel.Desc{}, fmt.Errorf("%w: bad magic in %q", ErrCorrupt, b.name)
	}
	if v := binary.LittleEndian.Uint32(h[offVersion:]); v != version {
		return pixel.Desc{}, fmt.Errorf("%w: version %d in %q", ErrCorrupt, v, b.name)
	}
	desc := pixel.Desc{
		Width:  int(binary.LittleEndian.Uint32(h[offWidth:])),
		Height: int(binary.LittleEndian.Uint32(h[offHeight:])),
		Format: pixel.Format(binary.LittleEndian.Uint32(h[offFormat:])),
	}
	if !desc.Valid() {
		return pixel.Desc{}, fmt.Errorf("%w: descriptor %s in %q", ErrCorrupt, desc, b.name)
	}
	return desc, nil
}

// Name returns the block's shared name.
func (b *Block) Name() string { return b.name }

// Desc returns the descriptor recorded in the block header.
func (b *Block) Desc() pixel.Desc { return b.desc }

// Bytes returns the payload view. Valid only while the block is open and
// only between a Lock*/unlock pair.
func (b *Block) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.data[headerSize : headerSize+b.desc.ByteLen()]
}

// FrameCount returns the block-local frame counter.
func (b *Block) FrameCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	return binary.LittleEndian.Uint64(b.data[offCounter:])
}

// BumpFrame increments the frame counter. Call only while holding the
// write lock.
func (b *Block) BumpFrame() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	c := binary.LittleEndian.Uint64(b.data[offCounter:])
	binary.LittleEndian.PutUint64(b.data[offCounter:], c+1)
}

// LockWrite acquires the exclusive cross-process lock, waiting up to
// timeout. The returned release function is idempotent and must run on
// every exit path.
func (b *Block) LockWrite(timeout time.Duration) (func(), error) {
	return b.lock(unix.LOCK_EX, timeout)
}

// LockRead acquires the shared cross-process lock.
func (b *Block) LockRead(timeout time.Duration) (func(), error) {
	return b.lock(unix.LOCK_SH, timeout)
}

func (b *Block) lock(how int, timeout time.Duration) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	fd := b.fd
	b.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(fd, how|unix.LOCK_NB)
		if err == nil {
			var once sync.Once
			return func() {
				once.Do(func() { _ = unix.Flock(fd, unix.LOCK_UN) })
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("memshare: lock %q: %w", b.name, err)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %q after %v", ErrTimeout, b.name, timeout)
		}
		time.Sleep(lockPoll)
	}
}

func (b *Block) unmap() {
	if b.data != nil {
		_ = unix.Munmap(b.data)
		b.data = nil
	}
	if b.fd >= 0 {
		_ = unix.Close(b.fd)
		b.fd = -1
	}
}

// Close unmaps and closes the block. Idempotent; safe on a never-opened
// zero value.
func (b *Block) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.unmap()
}

// Unlink removes the backing file. Only the owning producer should call it,
// after Close. Safe to call when the file is already gone.
func (b *Block) Unlink() {
	if b == nil || !b.owner {
		return
	}
	_ = os.Remove(b.path)
}
