package registry

import (
	"errors"
	"fmt"

	"github.com/zsiec/avdemux/internal/backend"
)

// ErrShortFrame is returned by a raw video converter when a payload holds
// fewer rows than the stream geometry requires.
var ErrShortFrame = errors.New("registry: raw video frame too short")

type plane struct {
	// width and height divisors relative to luma, and bytes per sample.
	wdiv, hdiv, bpp int
}

type pixelLayout struct {
	name   string // output format name
	planes []plane
}

var pixelFormats = map[string]pixelLayout{
	"gray8":   {"GRAY8", []plane{{1, 1, 1}}},
	"rgb24":   {"RGB", []plane{{1, 1, 3}}},
	"bgr24":   {"BGR", []plane{{1, 1, 3}}},
	"rgba":    {"RGBA", []plane{{1, 1, 4}}},
	"bgra":    {"BGRA", []plane{{1, 1, 4}}},
	"yuv420p": {"I420", []plane{{1, 1, 1}, {2, 2, 1}, {2, 2, 1}}},
	"yuv422p": {"Y42B", []plane{{1, 1, 1}, {2, 1, 1}, {2, 1, 1}}},
	"yuv444p": {"Y444", []plane{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}},
}

func refineRawVideo(d *Descriptor, info backend.StreamInfo) error {
	layout, ok := pixelFormats[info.PixelFormat]
	if !ok {
		return fmt.Errorf("registry: unsupported pixel format %q", info.PixelFormat)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Errorf("registry: raw video without dimensions")
	}
	d.Fields["format"] = layout.name
	d.Convert = packRows(layout, info.Width, info.Height, info.Stride)
	return nil
}

// packRows returns a converter that strips row padding. stride is the
// backend's luma row pitch; chroma planes use stride divided by the plane's
// horizontal subsampling. A zero stride means the input is already packed.
func packRows(layout pixelLayout, width, height, stride int) func([]byte) ([]byte, error) {
	type geom struct{ inPitch, outPitch, rows int }
	var planes []geom
	var inSize, outSize int
	for _, p := range layout.planes {
		w := (width + p.wdiv - 1) / p.wdiv
		h := (height + p.hdiv - 1) / p.hdiv
		out := w * p.bpp
		in := out
		if stride > 0 {
			in = (stride + p.wdiv - 1) / p.wdiv
			if in < out {
				in = out
			}
		}
		planes = append(planes, geom{in, out, h})
		inSize += in * h
		outSize += out * h
	}
	return func(payload []byte) ([]byte, error) {
		if len(payload) < inSize {
			return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortFrame, len(payload), inSize)
		}
		if inSize == outSize {
			return payload[:outSize], nil
		}
		out := make([]byte, 0, outSize)
		src := payload
		for _, g := range planes {
			for r := 0; r < g.rows; r++ {
				out = append(out, src[r*g.inPitch:r*g.inPitch+g.outPitch]...)
			}
			src = src[g.rows*g.inPitch:]
		}
		return out, nil
	}
}
