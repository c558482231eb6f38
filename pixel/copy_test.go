package pixel

import (
	"bytes"
	"errors"
	"image"
	"testing"
)

// testFrame builds a deterministic RGBA8 frame where every byte is unique
// per position, so row and channel mixups are detectable.
func testFrame(d Desc) []byte {
	pix := make([]byte, d.ByteLen())
	for i := range pix {
		pix[i] = byte(i*7 + i/251)
	}
	return pix
}

func TestCopyRoundTrip(t *testing.T) {
	d := Desc{Width: 31, Height: 17, Format: RGBA8}
	src := testFrame(d)
	dst := make([]byte, d.ByteLen())

	if err := Copy(dst, src, d, CopyOptions{}); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("plain copy is not byte-identical")
	}
}

func TestCopyDoubleInvert(t *testing.T) {
	d := Desc{Width: 8, Height: 5, Format: RGBA8}
	src := testFrame(d)
	once := make([]byte, d.ByteLen())
	twice := make([]byte, d.ByteLen())

	if err := Copy(once, src, d, CopyOptions{Invert: true}); err != nil {
		t.Fatalf("first invert error = %v", err)
	}
	if bytes.Equal(once, src) {
		t.Error("invert did not change row order")
	}
	if err := Copy(twice, once, d, CopyOptions{Invert: true}); err != nil {
		t.Fatalf("second invert error = %v", err)
	}
	if !bytes.Equal(twice, src) {
		t.Error("double invert is not the identity")
	}
}

func TestCopyInvertMovesRows(t *testing.T) {
	d := Desc{Width: 2, Height: 2, Format: RGBA8}
	src := []byte{
		1, 2, 3, 4, 5, 6, 7, 8, // row 0
		9, 10, 11, 12, 13, 14, 15, 16, // row 1
	}
	dst := make([]byte, len(src))
	if err := Copy(dst, src, d, CopyOptions{Invert: true}); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	want := []byte{9, 10, 11, 12, 13, 14, 15, 16, 1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(dst, want) {
		t.Errorf("inverted frame = %v, want %v", dst, want)
	}
}

func TestCopySwapRB(t *testing.T) {
	d := Desc{Width: 1, Height: 1, Format: RGBA8}
	src := []byte{10, 20, 30, 40}
	dst := make([]byte, 4)
	if err := Copy(dst, src, d, CopyOptions{SwapRB: true}); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	want := []byte{30, 20, 10, 40}
	if !bytes.Equal(dst, want) {
		t.Errorf("swapped pixel = %v, want %v", dst, want)
	}

	// Swap twice restores the original.
	back := make([]byte, 4)
	if err := Copy(back, dst, d, CopyOptions{SwapRB: true}); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if !bytes.Equal(back, src) {
		t.Error("double swap is not the identity")
	}
}

func TestCopySwapRejectsWideFormats(t *testing.T) {
	d := Desc{Width: 1, Height: 1, Format: RGBA16F}
	err := Copy(make([]byte, 8), make([]byte, 8), d, CopyOptions{SwapRB: true})
	if !errors.Is(err, ErrFormatUnsupported) {
		t.Errorf("Copy(swap RGBA16F) error = %v, want ErrFormatUnsupported", err)
	}
}

func TestCopyStrideCorrection(t *testing.T) {
	// Source rows carry 4 bytes of padding; they must not leak into dst.
	d := Desc{Width: 2, Height: 2, Format: RGBA8}
	srcStride := d.Pitch() + 4
	src := make([]byte, srcStride*d.Height)
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Pitch(); x++ {
			src[y*srcStride+x] = byte(y*d.Pitch() + x + 1)
		}
		for p := d.Pitch(); p < srcStride; p++ {
			src[y*srcStride+p] = 0xEE // padding sentinel
		}
	}

	dst := make([]byte, d.ByteLen())
	if err := RemovePadding(dst, src, d, srcStride); err != nil {
		t.Fatalf("RemovePadding() error = %v", err)
	}
	for i, b := range dst {
		if b == 0xEE {
			t.Fatalf("padding byte leaked into dst at %d", i)
		}
		if b != byte(i+1) {
			t.Fatalf("dst[%d] = %d, want %d", i, b, i+1)
		}
	}
}

func TestCopyRejectsShortBuffers(t *testing.T) {
	d := Desc{Width: 4, Height: 4, Format: RGBA8}
	err := Copy(make([]byte, d.ByteLen()-1), testFrame(d), d, CopyOptions{})
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("short dst error = %v, want ErrSizeMismatch", err)
	}
	err = Copy(make([]byte, d.ByteLen()), testFrame(d)[:7], d, CopyOptions{})
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("short src error = %v, want ErrSizeMismatch", err)
	}
}

func TestDescCheck(t *testing.T) {
	base := Desc{Width: 1920, Height: 1080, Format: RGBA8}

	tests := []struct {
		name  string
		other Desc
		want  error
	}{
		{"identical", Desc{1920, 1080, RGBA8}, nil},
		{"swappable", Desc{1920, 1080, BGRA8}, nil},
		{"narrower", Desc{640, 1080, RGBA8}, ErrSizeMismatch},
		{"shorter", Desc{1920, 480, RGBA8}, ErrSizeMismatch},
		{"deeper", Desc{1920, 1080, RGBA16F}, ErrFormatUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := base.Check(tt.other)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Check() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Check() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestImageRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 3)
	}

	for _, f := range []Format{RGBA8, BGRA8} {
		pix, d, err := FromImage(img, f)
		if err != nil {
			t.Fatalf("FromImage(%s) error = %v", f, err)
		}
		if d.Width != 6 || d.Height != 4 || d.Format != f {
			t.Fatalf("FromImage(%s) desc = %s", f, d)
		}
		back, err := ToImage(pix, d)
		if err != nil {
			t.Fatalf("ToImage(%s) error = %v", f, err)
		}
		if !bytes.Equal(back.Pix, img.Pix) {
			t.Errorf("image round-trip through %s not identical", f)
		}
	}
}

func TestFormatProperties(t *testing.T) {
	if got := RGBA8.BytesPerPixel(); got != 4 {
		t.Errorf("RGBA8 bpp = %d, want 4", got)
	}
	if got := RGBA16F.BytesPerPixel(); got != 8 {
		t.Errorf("RGBA16F bpp = %d, want 8", got)
	}
	if !RGBA8.SwappableWith(BGRA8) || !BGRA8.SwappableWith(RGBA8) {
		t.Error("RGBA8/BGRA8 must be swappable")
	}
	if RGBA8.SwappableWith(RGBA16F) {
		t.Error("RGBA8/RGBA16F must not be swappable")
	}
	d := Desc{Width: 1920, Height: 1080, Format: RGBA8}
	if d.Pitch() != 1920*4 || d.ByteLen() != 1920*1080*4 {
		t.Errorf("pitch/len = %d/%d", d.Pitch(), d.ByteLen())
	}
}
