package transfer

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/texshare/capability"
	"github.com/gogpu/texshare/framesync"
	"github.com/gogpu/texshare/interop"
	"github.com/gogpu/texshare/pixel"
	"github.com/gogpu/texshare/staging"
)

func testDesc() pixel.Desc {
	return pixel.Desc{Width: 4, Height: 3, Format: pixel.RGBA8}
}

func framePixels(desc pixel.Desc, seed byte) []byte {
	pix := make([]byte, desc.ByteLen())
	for i := range pix {
		pix[i] = seed + byte(i)
	}
	return pix
}

// testEngines builds a producer/consumer pair sharing one in-process sync
// service and one shared-memory directory.
func testEngines(t *testing.T, caps capability.Set, tweak func(*Config)) (*Engine, *Engine) {
	t.Helper()
	local := framesync.NewLocal()
	dir := t.TempDir()

	prodCfg := Config{Caps: caps, Sync: local, Registry: local, MemshareDir: dir}
	consCfg := Config{Caps: caps, Sync: local.Listener(), Registry: local, MemshareDir: dir}
	if tweak != nil {
		tweak(&prodCfg)
		tweak(&consCfg)
	}

	prod, err := NewEngine(prodCfg)
	if err != nil {
		t.Fatalf("NewEngine producer: %v", err)
	}
	cons, err := NewEngine(consCfg)
	if err != nil {
		t.Fatalf("NewEngine consumer: %v", err)
	}
	t.Cleanup(func() {
		prod.Close()
		cons.Close()
	})
	return prod, cons
}

func TestRoundTripDirectTier(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true, BlitCopy: true}, nil)
	desc := testDesc()
	want := framePixels(desc, 1)

	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tier, ok := prod.SendTier("cam0"); !ok || tier != TierDirect {
		t.Errorf("SendTier = %v %v, want direct", tier, ok)
	}

	got := make([]byte, desc.ByteLen())
	res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if res.Frame != FrameNew {
		t.Errorf("Frame = %v, want new", res.Frame)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pixels differ after round trip")
	}
	if tier, ok := cons.RecvTier("cam0"); !ok || tier != TierDirect {
		t.Errorf("RecvTier = %v %v, want direct", tier, ok)
	}
}

func TestZeroCapabilityFallsToMemory(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{}, nil)
	desc := testDesc()
	want := framePixels(desc, 7)

	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tier, _ := prod.SendTier("cam0"); tier != TierMemory {
		t.Fatalf("SendTier = %v, want memory", tier)
	}
	// A zero-capability peer never touches the interop surface table.
	if _, ok := interop.Lookup("cam0"); ok {
		t.Errorf("memory-tier producer published an interop surface")
	}

	got := make([]byte, desc.ByteLen())
	if _, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pixels differ through memory tier")
	}
}

func TestStagedTierSelected(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{AsyncReadback: true}, nil)
	desc := testDesc()
	want := framePixels(desc, 3)

	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tier, _ := prod.SendTier("cam0"); tier != TierStaged {
		t.Fatalf("SendTier = %v, want staged", tier)
	}

	got := make([]byte, desc.ByteLen())
	if _, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pixels differ through staged tier")
	}
}

func TestTierOrderOverride(t *testing.T) {
	prod, _ := testEngines(t, capability.Set{Interop: true, AsyncReadback: true, BlitCopy: true},
		func(cfg *Config) { cfg.Order = []Tier{TierMemory} })
	desc := testDesc()

	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 9)}, Desc: desc}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tier, _ := prod.SendTier("cam0"); tier != TierMemory {
		t.Errorf("SendTier = %v, want memory despite full capabilities", tier)
	}
}

func TestReceiveNoChangeSkipsCopy(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true}, nil)
	desc := testDesc()
	want := framePixels(desc, 5)

	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, desc.ByteLen())
	if res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc}); err != nil || res.Frame != FrameNew {
		t.Fatalf("first Receive: res=%+v err=%v", res, err)
	}

	// No new frame was published: the local copy must stay untouched.
	for i := range got {
		got[i] = 0xEE
	}
	res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc})
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if res.Frame != FrameUnchanged {
		t.Errorf("Frame = %v, want unchanged", res.Frame)
	}
	for i := range got {
		if got[i] != 0xEE {
			t.Fatalf("Receive wrote pixels on an unchanged frame")
		}
	}

	// A fresh send makes the next receive copy again.
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatal(err)
	}
	if res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc}); err != nil || res.Frame != FrameNew {
		t.Fatalf("third Receive: res=%+v err=%v", res, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pixels differ after new frame")
	}
}

func TestReceiveDiscoversProducerShape(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true}, nil)
	desc := testDesc()
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 2)}, Desc: desc}); err != nil {
		t.Fatal(err)
	}

	res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: []byte{}}})
	if err != nil {
		t.Fatalf("discovery Receive: %v", err)
	}
	if !res.Updated || res.Desc != desc {
		t.Errorf("discovery = %+v, want Updated with %v", res, desc)
	}
	if res.Frame != FrameNone {
		t.Errorf("discovery Frame = %v, want none: no frame was consumed", res.Frame)
	}
}

func TestSenderResizeSignalsUpdated(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true}, nil)
	small := testDesc()
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(small, 1)}, Desc: small}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, small.ByteLen())
	if _, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: small}); err != nil {
		t.Fatal(err)
	}

	big := pixel.Desc{Width: 8, Height: 8, Format: pixel.RGBA8}
	want := framePixels(big, 11)
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: big}); err != nil {
		t.Fatalf("resized Send: %v", err)
	}

	// Consumer still holds the old shape and must be told to reallocate.
	res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: small})
	if err != nil {
		t.Fatalf("Receive after resize: %v", err)
	}
	if !res.Updated || res.Desc != big {
		t.Fatalf("resize result = %+v, want Updated with %v", res, big)
	}

	got = make([]byte, big.ByteLen())
	res, err = cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: big})
	if err != nil {
		t.Fatalf("Receive with new shape: %v", err)
	}
	if res.Frame != FrameNew || !bytes.Equal(got, want) {
		t.Errorf("resized frame not delivered: res=%+v", res)
	}
}

func TestChannelSwapOnReceive(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true, ChannelSwap: true}, nil)
	desc := testDesc()
	src := framePixels(desc, 1)
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: src}, Desc: desc}); err != nil {
		t.Fatal(err)
	}

	swapped := pixel.Desc{Width: desc.Width, Height: desc.Height, Format: pixel.BGRA8}
	got := make([]byte, swapped.ByteLen())
	if _, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: swapped}); err != nil {
		t.Fatalf("Receive with swapped format: %v", err)
	}
	for p := 0; p < len(src); p += 4 {
		if got[p] != src[p+2] || got[p+1] != src[p+1] || got[p+2] != src[p] || got[p+3] != src[p+3] {
			t.Fatalf("pixel %d not channel-swapped: src=% x got=% x", p/4, src[p:p+4], got[p:p+4])
		}
	}
}

func TestInvertOnSend(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true}, nil)
	desc := testDesc()
	src := framePixels(desc, 1)
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: src}, Desc: desc, Invert: true}); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, desc.ByteLen())
	if _, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc}); err != nil {
		t.Fatal(err)
	}
	pitch := desc.Pitch()
	for y := 0; y < desc.Height; y++ {
		srcRow := src[(desc.Height-1-y)*pitch : (desc.Height-y)*pitch]
		gotRow := got[y*pitch : (y+1)*pitch]
		if !bytes.Equal(srcRow, gotRow) {
			t.Fatalf("row %d not flipped", y)
		}
	}
}

func TestReceiveUnknownName(t *testing.T) {
	_, cons := testEngines(t, capability.Set{}, nil)
	desc := testDesc()
	_, err := cons.Receive(Request{Name: "nobody", Texture: LocalTexture{Pixels: make([]byte, desc.ByteLen())}, Desc: desc})
	if !errors.Is(err, framesync.ErrNotFound) {
		t.Errorf("Receive unknown = %v, want ErrNotFound", err)
	}
}

func TestSecondProducerNameConflict(t *testing.T) {
	local := framesync.NewLocal()
	dir := t.TempDir()
	a, err := NewEngine(Config{Sync: local, Registry: local, MemshareDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewEngine(Config{Sync: local, Registry: local, MemshareDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	desc := testDesc()
	pix := framePixels(desc, 1)
	if err := a.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: pix}, Desc: desc}); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: pix}, Desc: desc}); !errors.Is(err, framesync.ErrNameConflict) {
		t.Errorf("second producer Send = %v, want ErrNameConflict", err)
	}

	// Closing the first producer frees the name.
	a.CloseSend("cam0")
	if err := b.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: pix}, Desc: desc}); err != nil {
		t.Errorf("Send after name freed: %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	local := framesync.NewLocal()
	e, err := NewEngine(Config{Sync: local, Registry: local, MemshareDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	desc := testDesc()
	cases := []struct {
		name string
		req  Request
	}{
		{"empty name", Request{Texture: LocalTexture{Pixels: framePixels(desc, 0)}, Desc: desc}},
		{"no texture", Request{Name: "cam0", Desc: desc}},
		{"two textures", Request{Name: "cam0", Texture: LocalTexture{GLTexture: 1, Pixels: framePixels(desc, 0)}, Desc: desc}},
		{"invalid desc", Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 0)}}},
		{"short pixels", Request{Name: "cam0", Texture: LocalTexture{Pixels: make([]byte, 3)}, Desc: desc}},
	}
	for _, tc := range cases {
		if err := e.Send(tc.req); err == nil {
			t.Errorf("%s: Send accepted", tc.name)
		}
	}
}

func TestWaitFrameThenReceive(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true}, nil)
	desc := testDesc()
	want := framePixels(desc, 1)
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatal(err)
	}

	out, err := cons.WaitFrame("cam0", 0)
	if err != nil || out != framesync.NewFrame {
		t.Fatalf("WaitFrame = %v %v", out, err)
	}
	// The wait consumed the signal, but Receive must still copy the frame.
	got := make([]byte, desc.ByteLen())
	res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc})
	if err != nil || res.Frame != FrameNew {
		t.Fatalf("Receive after WaitFrame: res=%+v err=%v", res, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pixels differ")
	}
}

func TestEngineCloseReleasesNames(t *testing.T) {
	local := framesync.NewLocal()
	dir := t.TempDir()
	e, err := NewEngine(Config{Sync: local, Registry: local, MemshareDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	desc := testDesc()
	if err := e.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 1)}, Desc: desc}); err != nil {
		t.Fatal(err)
	}
	e.Close()
	e.Close()

	if err := e.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 1)}, Desc: desc}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if _, err := local.LookupProducer("cam0"); !errors.Is(err, framesync.ErrNotFound) {
		t.Errorf("producer name not released on Close: %v", err)
	}
}

func TestSendRebindsAfterDeviceLoss(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true, BlitCopy: true}, nil)
	desc := testDesc()
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 1)}, Desc: desc}); err != nil {
		t.Fatal(err)
	}

	prod.mu.Lock()
	st := prod.sends["cam0"]
	prod.mu.Unlock()
	ch, ok := st.ch.(*directSend)
	if !ok {
		t.Fatalf("send channel is %T, want direct", st.ch)
	}
	ch.link.MarkDeviceLost()

	// The next send tears the lost channel down and rebinds in place.
	want := framePixels(desc, 9)
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatalf("Send after device loss: %v", err)
	}
	got := make([]byte, desc.ByteLen())
	res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc})
	if err != nil || res.Frame != FrameNew {
		t.Fatalf("Receive after rebind: res=%+v err=%v", res, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pixels differ after rebind")
	}
}

func TestReceiveRebindsAfterDeviceLoss(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true, BlitCopy: true}, nil)
	desc := testDesc()
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 1)}, Desc: desc}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, desc.ByteLen())
	if _, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc}); err != nil {
		t.Fatal(err)
	}

	cons.mu.Lock()
	st := cons.recvs["cam0"]
	cons.mu.Unlock()
	ch, ok := st.ch.(*directRecv)
	if !ok {
		t.Fatalf("recv channel is %T, want direct", st.ch)
	}
	ch.link.MarkDeviceLost()

	want := framePixels(desc, 13)
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: want}, Desc: desc}); err != nil {
		t.Fatal(err)
	}
	res, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc})
	if err != nil || res.Frame != FrameNew {
		t.Fatalf("Receive after device loss: res=%+v err=%v", res, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("pixels differ after reattach")
	}
}

func TestConcurrentReceiveAndTeardown(t *testing.T) {
	prod, cons := testEngines(t, capability.Set{Interop: true}, nil)
	desc := testDesc()
	if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, 1)}, Desc: desc}); err != nil {
		t.Fatal(err)
	}

	const frames = 40
	errs := make(chan error, 3)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := make([]byte, desc.ByteLen())
			for i := 0; i < frames; i++ {
				if _, err := cons.Receive(Request{Name: "cam0", Texture: LocalTexture{Pixels: got}, Desc: desc}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Teardown races the readers; they must rebind, never fail.
		for i := 0; i < 5; i++ {
			cons.CloseRecv("cam0")
			cons.SetFallbackPolicy(staging.PolicyDegrade)
			cons.SetFallbackPolicy(staging.PolicyBlock)
		}
	}()
	for i := 0; i < frames; i++ {
		if err := prod.Send(Request{Name: "cam0", Texture: LocalTexture{Pixels: framePixels(desc, byte(i))}, Desc: desc}); err != nil {
			errs <- err
			break
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent engine use: %v", err)
	}
}

func TestNewEngineValidation(t *testing.T) {
	local := framesync.NewLocal()
	if _, err := NewEngine(Config{}); err == nil {
		t.Errorf("NewEngine without sync accepted")
	}
	if _, err := NewEngine(Config{Sync: local, Registry: local, BufferCount: 3}); err == nil {
		t.Errorf("NewEngine with 3 buffers accepted")
	}
}
