package swizzle

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/texshare/pixel"
)

func TestSwapCPU(t *testing.T) {
	desc := pixel.Desc{Width: 2, Height: 1, Format: pixel.RGBA8}
	pix := []byte{
		0x10, 0x20, 0x30, 0x40,
		0xAA, 0xBB, 0xCC, 0xDD,
	}
	want := []byte{
		0x30, 0x20, 0x10, 0x40,
		0xCC, 0xBB, 0xAA, 0xDD,
	}
	if err := SwapCPU(pix, desc); err != nil {
		t.Fatalf("SwapCPU: %v", err)
	}
	if !bytes.Equal(pix, want) {
		t.Errorf("SwapCPU = % x, want % x", pix, want)
	}
}

func TestSwapCPUDoubleIsIdentity(t *testing.T) {
	desc := pixel.Desc{Width: 4, Height: 4, Format: pixel.BGRA8}
	pix := make([]byte, desc.ByteLen())
	for i := range pix {
		pix[i] = byte(i * 13)
	}
	orig := append([]byte(nil), pix...)

	if err := SwapCPU(pix, desc); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(pix, orig) {
		t.Fatalf("single swap left pixels unchanged")
	}
	if err := SwapCPU(pix, desc); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pix, orig) {
		t.Errorf("double swap is not identity")
	}
}

func TestSwapCPURejectsWideFormats(t *testing.T) {
	desc := pixel.Desc{Width: 2, Height: 2, Format: pixel.RGBA16F}
	pix := make([]byte, desc.ByteLen())
	if err := SwapCPU(pix, desc); !errors.Is(err, pixel.ErrFormatUnsupported) {
		t.Errorf("SwapCPU 16F = %v, want ErrFormatUnsupported", err)
	}
}

func TestSwapCPURejectsShortBuffer(t *testing.T) {
	desc := pixel.Desc{Width: 2, Height: 2, Format: pixel.RGBA8}
	if err := SwapCPU(make([]byte, 3), desc); !errors.Is(err, pixel.ErrSizeMismatch) {
		t.Errorf("short buffer = %v, want ErrSizeMismatch", err)
	}
}

func TestNewRequiresDevice(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Errorf("New(nil, nil) accepted")
	}
}
