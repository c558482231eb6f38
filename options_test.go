package texshare

import (
	"testing"
	"time"

	"github.com/gogpu/texshare/capability"
	"github.com/gogpu/texshare/framesync"
	"github.com/gogpu/texshare/staging"
	"github.com/gogpu/texshare/transfer"
)

// mockProbe is a test probe for DI testing.
type mockProbe struct {
	set    capability.Set
	called bool
}

func (m *mockProbe) Probe() (capability.Set, error) {
	m.called = true
	return m.set, nil
}

// TestDefaultOptions verifies the defaults a bare constructor call gets.
func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.policy != staging.PolicyBlock {
		t.Errorf("policy = %v, want PolicyBlock", o.policy)
	}
	if o.bufCount != 0 {
		t.Errorf("bufCount = %d, want 0 (engine default)", o.bufCount)
	}
	if o.caps != nil || o.probe != nil {
		t.Error("default options should carry no pinned capabilities")
	}
}

// TestWithCapabilities verifies a pinned set bypasses probing.
func TestWithCapabilities(t *testing.T) {
	probe := &mockProbe{set: capability.Set{Interop: true}}
	o := defaultOptions()
	WithCapabilities(capability.Set{AsyncReadback: true})(&o)
	WithCapabilityProbe(probe)(&o)

	set := resolveCaps(&o)
	if probe.called {
		t.Error("probe ran despite pinned capability set")
	}
	if !set.AsyncReadback || set.Interop {
		t.Errorf("resolveCaps = %+v, want the pinned set", set)
	}
}

// TestWithCapabilityProbe verifies probe injection.
func TestWithCapabilityProbe(t *testing.T) {
	probe := &mockProbe{set: capability.Set{ChannelSwap: true}}
	o := defaultOptions()
	WithCapabilityProbe(probe)(&o)

	set := resolveCaps(&o)
	if !probe.called {
		t.Error("injected probe was not used")
	}
	if !set.ChannelSwap {
		t.Errorf("resolveCaps = %+v, want the probed set", set)
	}
}

// TestMultipleOptions tests combining several options.
func TestMultipleOptions(t *testing.T) {
	local := framesync.NewLocal()
	o := defaultOptions()
	for _, opt := range []Option{
		WithFrameSync(local),
		WithRegistry(local),
		WithTierOrder(transfer.TierMemory),
		WithBufferCount(4),
		WithFallbackPolicy(staging.PolicyDegrade),
		WithMemshareDir("/tmp/texshare-test"),
		WithLockTimeout(50 * time.Millisecond),
	} {
		opt(&o)
	}

	if o.sync != framesync.FrameSync(local) {
		t.Error("frame sync not applied")
	}
	if o.registry != framesync.Registry(local) {
		t.Error("registry not applied")
	}
	if len(o.order) != 1 || o.order[0] != transfer.TierMemory {
		t.Errorf("order = %v, want [memory]", o.order)
	}
	if o.bufCount != 4 {
		t.Errorf("bufCount = %d, want 4", o.bufCount)
	}
	if o.policy != staging.PolicyDegrade {
		t.Errorf("policy = %v, want PolicyDegrade", o.policy)
	}
	if o.shmDir != "/tmp/texshare-test" {
		t.Errorf("shmDir = %q", o.shmDir)
	}
	if o.lockTimeout != 50*time.Millisecond {
		t.Errorf("lockTimeout = %v", o.lockTimeout)
	}
}

// TestTierOrderOverride verifies the order option steers binding even when
// better tiers would be available.
func TestTierOrderOverride(t *testing.T) {
	s, r := testPair(t, "tierorder",
		WithCapabilities(capability.Set{Interop: true, AsyncReadback: true, BlitCopy: true}),
		WithTierOrder(transfer.TierMemory))
	desc := Desc{Width: 2, Height: 2, Format: RGBA8}

	if err := s.Send(LocalTexture{Pixels: testFrame(desc)}, desc, false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	dst := make([]byte, desc.ByteLen())
	if _, err := r.Receive(LocalTexture{Pixels: dst}, desc, false); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if tier, ok := s.Tier(); !ok || tier != transfer.TierMemory {
		t.Errorf("send tier = %v (%v), want memory", tier, ok)
	}
	if tier, ok := r.Tier(); !ok || tier != transfer.TierMemory {
		t.Errorf("recv tier = %v (%v), want memory", tier, ok)
	}
}

// TestWithDeviceProviderNil verifies a nil provider is ignored.
func TestWithDeviceProviderNil(t *testing.T) {
	o := defaultOptions()
	WithDeviceProvider(nil)(&o)
	if o.device != nil || o.queue != nil {
		t.Error("nil provider set a device")
	}
}

// TestWithVSyncGatedByCapability verifies the vsync preference only takes
// effect when the graphics stack reports swap-interval control.
func TestWithVSyncGatedByCapability(t *testing.T) {
	s, err := NewSender("vsync-off",
		WithFrameSync(framesync.NewLocal()),
		WithCapabilities(capability.Set{}),
		WithVSync(true))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer s.Close()
	if s.VSync() {
		t.Error("VSync() = true without swap-interval support")
	}

	s2, err := NewSender("vsync-on",
		WithFrameSync(framesync.NewLocal()),
		WithCapabilities(capability.Set{VSyncControl: true}),
		WithVSync(true))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer s2.Close()
	if !s2.VSync() {
		t.Error("VSync() = false despite preference and support")
	}
}

// TestInvalidBufferCountRejected verifies constructor-level validation.
func TestInvalidBufferCountRejected(t *testing.T) {
	_, err := NewSender("bufcheck",
		WithFrameSync(framesync.NewLocal()),
		WithBufferCount(3))
	if err == nil {
		t.Error("NewSender accepted buffer count 3")
	}
}
