package pipeline

import (
	"fmt"
	"io"

	"github.com/zsiec/ccx"

	"github.com/zsiec/avdemux/internal/media"
)

const captionMediaType = "closedcaption/x-cea-608"

// captionDecoder turns S334-1A caption packets into text lines. Only field 1
// (CC1/CC2) is decoded.
type captionDecoder struct {
	w   io.Writer
	dec *ccx.CEA608Decoder

	// Control codes are sent twice; the repeat is dropped.
	lastCtrl    [2]byte
	lastWasCtrl bool
}

func newCaptionDecoder(w io.Writer) *captionDecoder {
	return &captionDecoder{w: w, dec: ccx.NewCEA608Decoder()}
}

func (c *captionDecoder) packet(pkt *media.Packet) error {
	data := pkt.Data
	for i := 0; i+3 <= len(data); i += 3 {
		if data[i]&0x80 == 0 {
			continue
		}
		cc1, cc2 := data[i+1]&0x7F, data[i+2]&0x7F
		if cc1 == 0 && cc2 == 0 {
			continue
		}
		if cc1 >= 0x10 && cc1 <= 0x1F {
			pair := [2]byte{cc1, cc2}
			if c.lastWasCtrl && c.lastCtrl == pair {
				c.lastWasCtrl = false
				continue
			}
			c.lastCtrl, c.lastWasCtrl = pair, true
		} else {
			c.lastWasCtrl = false
		}
		text := c.dec.Decode(cc1, cc2)
		if text == "" {
			continue
		}
		frame := ccx.CaptionFrame{
			PTS:     media.MPEGTimeBase.FromDuration(pkt.PTS.Or(0)),
			Text:    text,
			Channel: 1,
		}
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *captionDecoder) write(f ccx.CaptionFrame) error {
	ts := media.MPEGTimeBase.ToDuration(f.PTS)
	_, err := fmt.Fprintf(c.w, "%s CC%d %q\n", ts, f.Channel, f.Text)
	return err
}
