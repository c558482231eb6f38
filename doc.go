// Package texshare shares GPU textures between producers and consumers on
// the same machine under stable channel names.
//
// # Overview
//
// A producer binds a Sender to a name and publishes frames; any number of
// consumers bind Receivers to the same name and pull the latest frame. The
// engine negotiates the best transport both sides support and degrades
// gracefully: a direct shared-surface copy where GPU interop is available,
// a staged copy through rotating CPU-visible buffers where only readback
// is, and a plain shared-memory block as the floor that always works.
//
// # Quick Start
//
//	import "github.com/gogpu/texshare"
//
//	// Producer
//	sender, _ := texshare.NewSender("cam0")
//	defer sender.Close()
//	sender.Send(texshare.LocalTexture{Pixels: frame}, desc, false)
//
//	// Consumer
//	recv, _ := texshare.NewReceiver("cam0")
//	defer recv.Close()
//	img, _ := recv.ReceiveImage()
//
// # Architecture
//
// The library is organized into:
//   - Public API: Sender, Receiver, options, capability probing
//   - capability: probe and cache of what the graphics stack supports
//   - interop: shared-surface lifecycle and access serialization
//   - staging: rotating slot pool for asynchronous readback
//   - transfer: tier selection and the copy engine
//   - memshare: named shared-memory blocks
//   - framesync: frame counters, write mutex, producer registry
//
// Frames are bracketed by a per-name write mutex and a frame counter, so a
// consumer never observes a half-written frame and can tell a fresh frame
// from a stale one.
package texshare
