package codec

import (
	"errors"
	"time"
)

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("codec: invalid ADTS header")

// samplesPerAACFrame is the frame length of AAC-LC.
const samplesPerAACFrame = 1024

var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC frame including its ADTS header.
type ADTSFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration is the playback length of the frame.
func (f ADTSFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(samplesPerAACFrame) * time.Second / time.Duration(f.SampleRate)
}

// ParseADTS splits an ADTS byte stream into frames. Garbage before a sync
// word is skipped; a truncated trailing frame is ignored.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	for off := 0; len(data)-off >= 7; {
		if data[off] != 0xFF || data[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}
		hdr := 7
		if data[off+1]&0x01 == 0 { // CRC present
			hdr = 9
		}
		rateIdx := (data[off+2] >> 2) & 0x0F
		if int(rateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := int(data[off+2]&0x01)<<2 | int(data[off+3]>>6)
		size := int(data[off+3]&0x03)<<11 | int(data[off+4])<<3 | int(data[off+5]>>5)
		if size < hdr || off+size > len(data) {
			break
		}
		frames = append(frames, ADTSFrame{
			Data:       data[off : off+size],
			SampleRate: aacSampleRates[rateIdx],
			Channels:   channels,
		})
		off += size
	}
	return frames, nil
}
