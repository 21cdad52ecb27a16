package tsutil

import (
	"io"
	"time"

	"github.com/zsiec/avdemux/internal/mpegts"
)

// PIDs used by WriteClip.
const (
	ClipPMTPID   uint16 = 0x1000
	ClipVideoPID uint16 = 0x100
	ClipAudioPID uint16 = 0x101
)

const (
	clipFrameTicks = 3600 // 25 fps at 90 kHz
	clipAACTicks   = 1920 // 1024 samples at 48 kHz
)

// Clip describes a synthetic 25 fps H.264 + AAC program.
type Clip struct {
	Duration time.Duration
	// StartPTS is the first timestamp in 90 kHz ticks.
	StartPTS int64
	// GOP is the keyframe interval in frames, 25 when zero.
	GOP int
	// Caption, when set, is repeated as a pop-on CEA-608 caption, one byte
	// pair per video frame.
	Caption  string
	Language string
}

// WriteClip writes c as a transport stream. Tables are repeated at every
// keyframe.
func WriteClip(w io.Writer, c Clip) error {
	gop := c.GOP
	if gop <= 0 {
		gop = 25
	}
	tw := NewWriter(w, ClipPMTPID,
		Elementary{PID: ClipVideoPID, StreamType: mpegts.StreamTypeH264},
		Elementary{PID: ClipAudioPID, StreamType: mpegts.StreamTypeAAC, Language: c.Language},
	)
	pairs := popOn(c.Caption)
	frames := int(c.Duration / (40 * time.Millisecond))

	var apts int64
	for i := 0; i < frames; i++ {
		key := i%gop == 0
		if key {
			if err := tw.WriteTables(); err != nil {
				return err
			}
		}
		vpts := int64(i) * clipFrameTicks
		for ; apts <= vpts; apts += clipAACTicks {
			if err := tw.WritePES(ClipAudioPID, 0xC0, c.StartPTS+apts, ADTSFrame(64), false); err != nil {
				return err
			}
		}
		var sei []byte
		if len(pairs) > 0 {
			sei = CaptionSEI(pairs[i%len(pairs)])
		}
		if err := tw.WritePES(ClipVideoPID, 0xE0, c.StartPTS+vpts, AccessUnit(key, sei, 300), key); err != nil {
			return err
		}
	}
	return nil
}

// popOn returns the byte pairs of a pop-on caption: resume caption loading,
// the text, end of caption. Control codes are doubled.
func popOn(text string) [][2]byte {
	if text == "" {
		return nil
	}
	rcl, eoc := [2]byte{0x14, 0x20}, [2]byte{0x14, 0x2F}
	pairs := [][2]byte{rcl, rcl}
	for i := 0; i < len(text); i += 2 {
		p := [2]byte{text[i] & 0x7F, 0}
		if i+1 < len(text) {
			p[1] = text[i+1] & 0x7F
		}
		pairs = append(pairs, p)
	}
	return append(pairs, eoc, eoc)
}
