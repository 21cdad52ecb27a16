// Package registry maps backend codec names to output format descriptors.
// The table is static; a Registry is safe for concurrent use.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/codec"
	"github.com/zsiec/avdemux/internal/media"
)

// Descriptor is the output format of a stream, fixed at discovery.
type Descriptor struct {
	Type       media.Type
	MediaType  string            // e.g. "video/x-h264"
	Codec      string            // RFC 6381 string when derivable, else the backend codec name
	Fields     map[string]string // format-specific parameters
	Width      int
	Height     int
	FrameRate  media.TimeBase
	SampleRate int
	Channels   int
	// Convert, when set, turns a backend payload into the output layout.
	Convert func(payload []byte) ([]byte, error)
}

// String renders the descriptor in a caps-like form.
func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString(d.MediaType)
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s=%s", k, d.Fields[k])
	}
	if d.Width > 0 {
		fmt.Fprintf(&b, ", width=%d, height=%d", d.Width, d.Height)
	}
	if d.FrameRate.Valid() {
		fmt.Fprintf(&b, ", framerate=%s", d.FrameRate)
	}
	if d.SampleRate > 0 {
		fmt.Fprintf(&b, ", rate=%d, channels=%d", d.SampleRate, d.Channels)
	}
	return b.String()
}

type entry struct {
	typ       media.Type
	mediaType string
	fields    map[string]string
	refine    func(*Descriptor, backend.StreamInfo) error
}

// Registry is a read-only codec table.
type Registry struct {
	entries map[string]entry
}

// Default is the registry built from the standard table.
var Default = New()

// New returns a registry with the standard table.
func New() *Registry {
	return &Registry{entries: table()}
}

// Lookup derives the descriptor for a stream. ok is false when the codec has
// no output mapping or its side data cannot be interpreted.
func (r *Registry) Lookup(info backend.StreamInfo) (Descriptor, bool) {
	e, ok := r.entries[info.Codec]
	if !ok {
		return Descriptor{}, false
	}
	d := Descriptor{
		Type:       e.typ,
		MediaType:  e.mediaType,
		Codec:      info.Codec,
		Fields:     make(map[string]string, len(e.fields)),
		Width:      info.Width,
		Height:     info.Height,
		FrameRate:  info.FrameRate,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	}
	for k, v := range e.fields {
		d.Fields[k] = v
	}
	if e.refine != nil {
		if err := e.refine(&d, info); err != nil {
			return Descriptor{}, false
		}
	}
	return d, true
}

// Codecs lists the codec names the registry knows.
func (r *Registry) Codecs() []string {
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func table() map[string]entry {
	f := func(kv ...string) map[string]string {
		m := make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			m[kv[i]] = kv[i+1]
		}
		return m
	}
	return map[string]entry{
		"h264":       {media.TypeVideo, "video/x-h264", f("stream-format", "byte-stream", "alignment", "au"), refineH264},
		"hevc":       {media.TypeVideo, "video/x-h265", f("stream-format", "byte-stream", "alignment", "au"), nil},
		"mpeg1video": {media.TypeVideo, "video/mpeg", f("mpegversion", "1", "systemstream", "false"), nil},
		"mpeg2video": {media.TypeVideo, "video/mpeg", f("mpegversion", "2", "systemstream", "false"), nil},
		"mpeg4":      {media.TypeVideo, "video/mpeg", f("mpegversion", "4", "systemstream", "false"), nil},
		"rawvideo":   {media.TypeVideo, "video/x-raw", nil, refineRawVideo},

		"aac":       {media.TypeAudio, "audio/mpeg", f("mpegversion", "4", "stream-format", "adts"), refineADTS},
		"aac_latm":  {media.TypeAudio, "audio/mpeg", f("mpegversion", "4", "stream-format", "loas"), nil},
		"mp1":       {media.TypeAudio, "audio/mpeg", f("mpegversion", "1", "layer", "1"), nil},
		"mp2":       {media.TypeAudio, "audio/mpeg", f("mpegversion", "1", "layer", "2"), nil},
		"mp3":       {media.TypeAudio, "audio/mpeg", f("mpegversion", "1", "layer", "3"), nil},
		"ac3":       {media.TypeAudio, "audio/x-ac3", nil, nil},
		"eac3":      {media.TypeAudio, "audio/x-eac3", nil, nil},
		"pcm_s16le": {media.TypeAudio, "audio/x-raw", f("format", "S16LE", "layout", "interleaved"), nil},
		"pcm_s16be": {media.TypeAudio, "audio/x-raw", f("format", "S16BE", "layout", "interleaved"), nil},

		// Each ADPCM variant maps to its own layout name; no aliases.
		"adpcm_g726":  {media.TypeAudio, "audio/x-adpcm", f("layout", "g726"), nil},
		"adpcm_ea_r2": {media.TypeAudio, "audio/x-adpcm", f("layout", "ea-r2"), nil},
		"adpcm_ea_r3": {media.TypeAudio, "audio/x-adpcm", f("layout", "ea-r3"), nil},

		"cea608": {media.TypeSubtitle, "closedcaption/x-cea-608", f("format", "s334-1a"), nil},
	}
}

// refineH264 fills dimensions, frame rate and the RFC 6381 string from an
// SPS carried as side data. Streams without side data are kept as they are.
func refineH264(d *Descriptor, info backend.StreamInfo) error {
	if len(info.Extra) == 0 {
		return nil
	}
	sps, err := codec.ParseSPS(info.Extra)
	if err != nil {
		return fmt.Errorf("registry: h264 side data: %w", err)
	}
	d.Codec = sps.CodecString()
	if d.Width == 0 {
		d.Width, d.Height = sps.Width, sps.Height
	}
	if fr, ok := sps.FrameRate(); ok && !d.FrameRate.Valid() {
		d.FrameRate = fr
	}
	return nil
}

// refineADTS fills rate and channels from an ADTS frame carried as side
// data.
func refineADTS(d *Descriptor, info backend.StreamInfo) error {
	if len(info.Extra) == 0 || d.SampleRate > 0 {
		return nil
	}
	frames, err := codec.ParseADTS(info.Extra)
	if err != nil {
		return fmt.Errorf("registry: aac side data: %w", err)
	}
	if len(frames) > 0 {
		d.SampleRate, d.Channels = frames[0].SampleRate, frames[0].Channels
		d.Codec = "mp4a.40.2"
	}
	return nil
}
