package texshare

import (
	"github.com/gogpu/texshare/framesync"
	"github.com/gogpu/texshare/interop"
	"github.com/gogpu/texshare/pixel"
	"github.com/gogpu/texshare/staging"
	"github.com/gogpu/texshare/transfer"
)

// Sentinel errors surfaced by Sender and Receiver operations. They alias the
// sub-package sentinels so callers can match with errors.Is against either.
var (
	// ErrNotFound means no producer is registered under the requested name.
	ErrNotFound = framesync.ErrNotFound

	// ErrNameConflict means another producer already owns the name.
	ErrNameConflict = framesync.ErrNameConflict

	// ErrTimeout means a frame wait or write-lock wait ran out of time.
	ErrTimeout = framesync.ErrTimeout

	// ErrSizeMismatch means the local texture's shape does not match the
	// channel's.
	ErrSizeMismatch = pixel.ErrSizeMismatch

	// ErrFormatUnsupported means the pixel format cannot be shared.
	ErrFormatUnsupported = pixel.ErrFormatUnsupported

	// ErrCapabilityUnavailable means no transport tier can serve the
	// request with the negotiated capabilities.
	ErrCapabilityUnavailable = transfer.ErrCapabilityUnavailable

	// ErrDeviceLost means the GPU device was lost mid-transfer and the
	// automatic rebind also failed.
	ErrDeviceLost = interop.ErrDeviceLost

	// ErrDegrade means a frame was dropped because all staging slots were
	// in flight under the frame-dropping policy.
	ErrDegrade = staging.ErrDegrade

	// ErrClosed means the Sender or Receiver was already closed.
	ErrClosed = transfer.ErrClosed
)
