package capability

import (
	"strings"

	"github.com/go-gl/gl/v3.2-core/gl"
)

// GLProbe inspects the current OpenGL context's extension list. The calling
// goroutine must own the context; probing with no current context yields the
// zero Set.
type GLProbe struct{}

// Probe implements Probe.
func (GLProbe) Probe() (Set, error) {
	// Init fails when no context is current or the loader cannot resolve
	// core entry points. That is the lowest tier, not an error.
	if err := gl.Init(); err != nil {
		return Set{}, nil
	}

	var n int32
	gl.GetIntegerv(gl.NUM_EXTENSIONS, &n)
	if n <= 0 {
		return Set{}, nil
	}

	exts := make(map[string]bool, n)
	for i := int32(0); i < n; i++ {
		name := gl.GoStr(gl.GetStringi(gl.EXTENSIONS, uint32(i)))
		exts[name] = true
	}

	var s Set
	// Cross-API memory objects are the portable interop path; the NV
	// DX-interop pair covers drivers that predate EXT_memory_object.
	s.Interop = exts["GL_EXT_memory_object"] ||
		(exts["WGL_NV_DX_interop"] && exts["WGL_NV_DX_interop2"])
	s.AsyncReadback = exts["GL_ARB_pixel_buffer_object"] || exts["GL_EXT_pixel_buffer_object"]
	s.ChannelSwap = exts["GL_EXT_bgra"] || exts["GL_EXT_texture_format_BGRA8888"]
	s.BlitCopy = exts["GL_EXT_framebuffer_blit"] || exts["GL_ARB_framebuffer_object"] ||
		exts["GL_ARB_copy_image"]
	for name := range exts {
		if strings.Contains(name, "swap_control") {
			s.VSyncControl = true
			break
		}
	}
	return s, nil
}
