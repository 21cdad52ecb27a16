package mpegts_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/avdemux/internal/mpegts"
	"github.com/zsiec/avdemux/internal/mpegts/tsutil"
)

const (
	pmtPID   = 0x1000
	videoPID = 0x100
	audioPID = 0x101
)

func buildStream(t *testing.T, frames int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tsutil.NewWriter(&buf, pmtPID,
		tsutil.Elementary{PID: videoPID, StreamType: mpegts.StreamTypeH264},
		tsutil.Elementary{PID: audioPID, StreamType: mpegts.StreamTypeAAC, Language: "eng"},
	)
	if err := w.WriteTables(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < frames; i++ {
		pts := int64(90000 + i*3600)
		key := i%10 == 0
		if err := w.WritePES(videoPID, 0xE0, pts, tsutil.AccessUnit(key, nil, 400), key); err != nil {
			t.Fatal(err)
		}
		if err := w.WritePES(audioPID, 0xC0, pts, tsutil.ADTSFrame(100), false); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func readAll(t *testing.T, dmx *mpegts.Demuxer) []*mpegts.DemuxerData {
	t.Helper()
	var out []*mpegts.DemuxerData
	for {
		d, err := dmx.NextData()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, d)
	}
}

func TestDemuxerSynthetic(t *testing.T) {
	t.Parallel()
	data := buildStream(t, 20)
	units := readAll(t, mpegts.NewDemuxer(context.Background(), bytes.NewReader(data)))

	var pat, pmt int
	var videoPTS, audioPTS []int64
	for _, u := range units {
		switch {
		case u.PAT != nil:
			pat++
			if len(u.PAT.Programs) != 1 || u.PAT.Programs[0].ProgramMapID != pmtPID {
				t.Errorf("PAT programs = %+v", u.PAT.Programs)
			}
		case u.PMT != nil:
			pmt++
			if len(u.PMT.ElementaryStreams) != 2 {
				t.Fatalf("PMT streams = %d, want 2", len(u.PMT.ElementaryStreams))
			}
			if u.PMT.PCRPID != videoPID {
				t.Errorf("PCR PID = %#x", u.PMT.PCRPID)
			}
			if lang := u.PMT.ElementaryStreams[1].Language(); lang != "eng" {
				t.Errorf("audio language = %q", lang)
			}
		case u.PES != nil:
			pts, ok := u.PES.PTS()
			if !ok {
				t.Fatal("PES without PTS")
			}
			switch u.FirstPacket.Header.PID {
			case videoPID:
				videoPTS = append(videoPTS, pts)
			case audioPID:
				audioPTS = append(audioPTS, pts)
				if len(u.PES.Data) != 107 {
					t.Errorf("audio PES data = %d bytes, want 107", len(u.PES.Data))
				}
			}
		}
	}
	if pat != 1 || pmt != 1 {
		t.Errorf("PAT=%d PMT=%d, want 1 each", pat, pmt)
	}
	if len(videoPTS) != 20 || len(audioPTS) != 20 {
		t.Fatalf("video=%d audio=%d PES, want 20 each", len(videoPTS), len(audioPTS))
	}
	for i := range videoPTS {
		if want := int64(90000 + i*3600); videoPTS[i] != want {
			t.Errorf("video PTS[%d] = %d, want %d", i, videoPTS[i], want)
		}
	}
}

func TestDemuxerOffsetsAndRandomAccess(t *testing.T) {
	t.Parallel()
	data := buildStream(t, 12)
	units := readAll(t, mpegts.NewDemuxer(context.Background(), bytes.NewReader(data)))
	var keys int
	for _, u := range units {
		off := u.Offset()
		if off < 0 || off%mpegts.PacketSize != 0 || off >= int64(len(data)) {
			t.Fatalf("unit offset %d out of range", off)
		}
		if data[off] != 0x47 {
			t.Fatalf("offset %d does not point at a sync byte", off)
		}
		if u.PES != nil && u.FirstPacket.Header.RandomAccessIndicator {
			keys++
		}
	}
	if keys != 2 {
		t.Errorf("random access units = %d, want 2", keys)
	}
}

func TestDemuxerReset(t *testing.T) {
	t.Parallel()
	data := buildStream(t, 20)
	rd := bytes.NewReader(data)
	dmx := mpegts.NewDemuxer(context.Background(), rd)

	var resumeAt int64 = -1
	for {
		d, err := dmx.NextData()
		if err != nil {
			t.Fatal(err)
		}
		if d.PES != nil && d.FirstPacket.Header.PID == videoPID {
			if pts, _ := d.PES.PTS(); pts == 90000+10*3600 {
				resumeAt = d.Offset()
				break
			}
		}
	}

	if _, err := rd.Seek(resumeAt, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	dmx.Reset(resumeAt)
	if dmx.Offset() != resumeAt {
		t.Fatalf("Offset = %d, want %d", dmx.Offset(), resumeAt)
	}

	var first int64 = -1
	for _, u := range readAll(t, dmx) {
		if u.PAT != nil || u.PMT != nil {
			t.Fatal("tables must not repeat after reset")
		}
		if u.PES != nil && u.FirstPacket.Header.PID == videoPID && first < 0 {
			first, _ = u.PES.PTS()
		}
	}
	if first != 90000+10*3600 {
		t.Errorf("first video PTS after reset = %d", first)
	}
}

func TestDemuxerResync(t *testing.T) {
	t.Parallel()
	data := buildStream(t, 4)
	garbage := []byte{0x00, 0x11, 0x22, 0x33, 0x44}
	broken := append(append(append([]byte{}, data[:2*mpegts.PacketSize]...), garbage...), data[2*mpegts.PacketSize:]...)

	dmx := mpegts.NewDemuxer(context.Background(), bytes.NewReader(broken))
	var pes int
	for _, u := range readAll(t, dmx) {
		if u.PES != nil {
			pes++
		}
	}
	if pes != 8 {
		t.Errorf("PES units = %d, want 8", pes)
	}
	if dmx.Resyncs() != 1 {
		t.Errorf("Resyncs = %d, want 1", dmx.Resyncs())
	}
}

func TestDemuxerEOF(t *testing.T) {
	t.Parallel()
	dmx := mpegts.NewDemuxer(context.Background(), bytes.NewReader(nil))
	if _, err := dmx.NextData(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestDemuxerContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dmx := mpegts.NewDemuxer(ctx, bytes.NewReader(make([]byte, 1000)))
	if _, err := dmx.NextData(); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
