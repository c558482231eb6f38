package pixel

import "fmt"

// CopyOptions controls the corrections folded into a Copy call.
type CopyOptions struct {
	// Invert flips the image vertically during the copy.
	Invert bool

	// SwapRB exchanges the red and blue channels during the copy.
	// Defined only for 4-byte formats.
	SwapRB bool

	// SrcStride is the source row pitch in bytes. Zero means tight
	// (width * bytes per pixel). Padding beyond the tight pitch is dropped.
	SrcStride int

	// DstStride is the destination row pitch in bytes. Zero means tight.
	DstStride int
}

// Copy moves one frame from src to dst in a single row traversal, applying
// vertical flip, channel swap and stride correction as requested. dst and
// src must not overlap.
func Copy(dst, src []byte, d Desc, opts CopyOptions) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %s", ErrFormatUnsupported, d)
	}
	bpp := d.Format.BytesPerPixel()
	pitch := d.Pitch()

	srcStride := opts.SrcStride
	if srcStride == 0 {
		srcStride = pitch
	}
	dstStride := opts.DstStride
	if dstStride == 0 {
		dstStride = pitch
	}
	if srcStride < pitch || dstStride < pitch {
		return fmt.Errorf("%w: stride %d below row pitch %d", ErrSizeMismatch, min(srcStride, dstStride), pitch)
	}
	if len(src) < srcStride*(d.Height-1)+pitch {
		return fmt.Errorf("%w: source buffer %d bytes, need %d", ErrSizeMismatch, len(src), srcStride*d.Height)
	}
	if len(dst) < dstStride*(d.Height-1)+pitch {
		return fmt.Errorf("%w: destination buffer %d bytes, need %d", ErrSizeMismatch, len(dst), dstStride*d.Height)
	}
	if opts.SwapRB && bpp != 4 {
		return fmt.Errorf("%w: channel swap on %s", ErrFormatUnsupported, d.Format)
	}

	for y := 0; y < d.Height; y++ {
		sy := y
		if opts.Invert {
			sy = d.Height - 1 - y
		}
		srow := src[sy*srcStride : sy*srcStride+pitch]
		drow := dst[y*dstStride : y*dstStride+pitch]
		if opts.SwapRB {
			swapRowRB(drow, srow)
		} else {
			copy(drow, srow)
		}
	}
	return nil
}

// swapRowRB copies one tight row exchanging bytes 0 and 2 of each
// 4-byte pixel.
func swapRowRB(dst, src []byte) {
	for i := 0; i+3 < len(src); i += 4 {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = src[i+3]
	}
}

// RemovePadding copies src to dst dropping per-row padding. Equivalent to
// Copy with only SrcStride set; kept as a named operation because padded
// readback is the common case for GPU staging buffers.
func RemovePadding(dst, src []byte, d Desc, srcStride int) error {
	return Copy(dst, src, d, CopyOptions{SrcStride: srcStride})
}
