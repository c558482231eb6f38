// Command texsharedemo runs a producer and a consumer against one shared
// channel and writes the last received frame to a PNG. It exercises the
// whole pipeline: name registration, tier negotiation, frame signaling and
// the shape-adoption handshake.
package main

import (
	"flag"
	"image"
	"image/color"
	"image/png"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/texshare"
	"github.com/gogpu/texshare/framesync"
)

func main() {
	var (
		name    = flag.String("name", "texsharedemo", "channel name")
		width   = flag.Int("width", 640, "frame width")
		height  = flag.Int("height", 360, "frame height")
		frames  = flag.Int("frames", 60, "frames to publish")
		output  = flag.String("output", "frame.png", "output file")
		verbose = flag.Bool("v", false, "log transport details")
	)
	flag.Parse()

	if *verbose {
		texshare.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	sender, err := texshare.NewSender(*name)
	if err != nil {
		log.Fatalf("sender: %v", err)
	}
	defer sender.Close()

	receiver, err := texshare.NewReceiver(*name)
	if err != nil {
		log.Fatalf("receiver: %v", err)
	}
	defer receiver.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < *frames; i++ {
			if err := sender.SendImage(renderFrame(*width, *height, i)); err != nil {
				log.Printf("send frame %d: %v", i, err)
				return
			}
			time.Sleep(16 * time.Millisecond)
		}
	}()

	var last *image.RGBA
	received := 0
	for received < *frames {
		out, err := receiver.WaitFrame(time.Second)
		if err != nil {
			log.Fatalf("wait: %v", err)
		}
		if out != framesync.NewFrame {
			break
		}
		img, err := receiver.ReceiveImage()
		if err != nil {
			log.Fatalf("receive: %v", err)
		}
		last = img
		received++
	}
	<-done

	if last == nil {
		log.Fatal("no frames received")
	}
	if tier, ok := receiver.Tier(); ok {
		log.Printf("received %d frames over the %s tier", received, tier)
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, last); err != nil {
		log.Fatalf("encode: %v", err)
	}
	log.Printf("last frame saved to %s (%dx%d)", *output, *width, *height)
}

// renderFrame paints a moving diagonal gradient so successive frames are
// visibly distinct.
func renderFrame(w, h, i int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: byte((x + i*4) * 255 / w),
				G: byte(y * 255 / h),
				B: byte(255 - (x+y)*255/(w+h)),
				A: 255,
			})
		}
	}
	return img
}
