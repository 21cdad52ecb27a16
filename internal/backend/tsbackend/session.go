package tsbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/codec"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/mpegts"
)

// ptsWrap is the modulus of the 33-bit PES clock.
const ptsWrap = 1 << 33

type stream struct {
	info     backend.StreamInfo
	pid      uint16
	declared bool
	seen     bool

	firstPTS int64
	hasFirst bool

	// index holds keyframes in PTS order. covered is the highest PTS read
	// without a gap since the start of the source.
	index   []indexEntry
	covered int64
}

type indexEntry struct {
	pts    int64
	offset int64
}

// Session is an opened transport stream.
type Session struct {
	log  *slog.Logger
	opts Options

	src    *interruptReader
	seeker io.Seeker // nil when the source cannot seek
	base   int64     // source position at open
	size   int64     // bytes from base to the end, 0 when unknown

	ctx    context.Context
	cancel context.CancelFunc
	dmx    *mpegts.Demuxer

	pmtSeen    bool
	pending    []*backend.Record
	resync     int // stream whose next keyframe ends a post-seek resync, -1 when off
	contiguous bool
	nextIndex  int
	captions   int // caption stream index, -1 until declared
	ptsRef     int64
	hasRef     bool
	duration   media.Timestamp

	mu      sync.Mutex
	streams map[int]*stream
	pids    map[uint16]*stream
}

func newSession(log *slog.Logger, opts Options, src io.Reader) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:        log,
		opts:       opts,
		src:        &interruptReader{r: src},
		ctx:        ctx,
		cancel:     cancel,
		resync:     -1,
		contiguous: true,
		captions:   -1,
		duration:   media.NoTimestamp,
		streams:    make(map[int]*stream),
		pids:       make(map[uint16]*stream),
	}
	if sk, ok := src.(io.Seeker); ok {
		if base, err := sk.Seek(0, io.SeekCurrent); err == nil {
			if end, err := sk.Seek(0, io.SeekEnd); err == nil {
				if _, err := sk.Seek(base, io.SeekStart); err == nil {
					s.seeker, s.base, s.size = sk, base, end-base
				}
			}
		}
	}
	s.dmx = mpegts.NewDemuxer(ctx, s.src)
	return s
}

// Streams implements backend.Session.
func (s *Session) Streams() []backend.StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.StreamInfo, 0, len(s.streams))
	for _, st := range s.streams {
		if st.declared {
			out = append(out, st.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Stream implements backend.Session.
func (s *Session) Stream(index int) (backend.StreamInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[index]
	if !ok || !st.declared {
		return backend.StreamInfo{}, false
	}
	return st.info, true
}

func (s *Session) byPID(pid uint16) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pids[pid]
}

// StartTime is the lowest first PTS among the streams probed at open.
func (s *Session) StartTime() media.Timestamp {
	start, ok := s.startTicks()
	if !ok {
		return media.NoTimestamp
	}
	return media.At(media.MPEGTimeBase.ToDuration(start))
}

func (s *Session) startTicks() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var start int64
	found := false
	for _, st := range s.streams {
		if st.hasFirst && (!found || st.firstPTS < start) {
			start, found = st.firstPTS, true
		}
	}
	return start, found
}

// Duration implements backend.Session.
func (s *Session) Duration() media.Timestamp { return s.duration }

// Metadata implements backend.Session. Transport streams carry no
// container tags beyond per-stream languages.
func (s *Session) Metadata() map[string]string { return nil }

// Interrupt implements backend.Interrupter.
func (s *Session) Interrupt() { s.src.interrupt() }

// Resume implements backend.Interrupter.
func (s *Session) Resume() { s.src.resume() }

// Close releases the session. The source itself is owned by the caller.
func (s *Session) Close() error {
	s.cancel()
	s.pending = nil
	return nil
}

// ReadNext implements backend.Session.
func (s *Session) ReadNext(ctx context.Context) (*backend.Record, error) {
	for {
		if len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			return rec, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.dmx.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if errors.Is(err, backend.ErrInterrupted) || s.src.isInterrupted() {
				return nil, backend.ErrInterrupted
			}
			return nil, fmt.Errorf("tsbackend: read: %w", err)
		}
		s.handle(data)
	}
}

// handle turns one parsed unit into queued records.
func (s *Session) handle(data *mpegts.DemuxerData) {
	switch {
	case data.PMT != nil:
		s.handlePMT(data.PMT)
	case data.PES != nil:
		s.handlePES(data)
	}
}

func (s *Session) handlePMT(pmt *mpegts.PMTData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pmtSeen = true
	for _, es := range pmt.ElementaryStreams {
		if _, ok := s.pids[es.ElementaryPID]; ok {
			continue
		}
		typ, name := classify(es)
		st := &stream{
			pid:      es.ElementaryPID,
			declared: true,
			info: backend.StreamInfo{
				Index:    s.nextIndex,
				Type:     typ,
				Codec:    name,
				TimeBase: media.MPEGTimeBase,
			},
		}
		if lang := es.Language(); lang != "" {
			st.info.Metadata = map[string]string{"language": lang}
		}
		s.nextIndex++
		s.streams[st.info.Index] = st
		s.pids[st.pid] = st
		s.log.Info("found stream",
			"pid", es.ElementaryPID,
			"index", st.info.Index,
			"streamType", fmt.Sprintf("0x%02x", es.StreamType),
			"codec", name)
	}
}

func (s *Session) handlePES(data *mpegts.DemuxerData) {
	st := s.byPID(data.FirstPacket.Header.PID)
	if st == nil || len(data.PES.Data) == 0 {
		return
	}
	payload := data.PES.Data
	rec := backend.NewRecord(st.info.Index, payload, nil)
	rec.Offset = data.Offset()

	pts, hasPTS := data.PES.PTS()
	if hasPTS {
		pts = s.unwrap(pts)
		rec.PTS = backend.Int64(pts)
	}
	rec.Keyframe = isKeyframe(st.info, data)

	s.mu.Lock()
	if !st.seen {
		st.seen = true
		s.configure(st, payload)
	}
	if hasPTS && !st.hasFirst {
		st.firstPTS, st.hasFirst = pts, true
	}
	if hasPTS && s.seeker != nil {
		if rec.Keyframe {
			st.addIndex(pts, rec.Offset)
		}
		if s.contiguous && pts > st.covered {
			st.covered = pts
		}
	}
	s.mu.Unlock()

	if st.info.Codec == "aac" {
		if frames, err := codec.ParseADTS(payload); err == nil && len(frames) > 0 && frames[0].SampleRate > 0 {
			rec.Duration = backend.Int64(int64(len(frames)) * 1024 * 90000 / int64(frames[0].SampleRate))
		}
	}

	if s.resync >= 0 {
		if st.info.Index != s.resync || !rec.Keyframe {
			return
		}
		s.resync = -1
	}
	s.pending = append(s.pending, rec)

	if !s.opts.NoCaptions && st.info.Type == media.TypeVideo {
		if cc := s.captionRecord(st, payload, rec.PTS); cc != nil {
			s.pending = append(s.pending, cc)
		}
	}
}

// configure fills codec configuration from the first PES of a stream.
// Called with s.mu held.
func (s *Session) configure(st *stream, payload []byte) {
	switch st.info.Codec {
	case "h264":
		for _, n := range codec.ParseAnnexB(payload) {
			if n.Type == codec.NALTypeSPS {
				st.info.Extra = bytes.Clone(n.Data)
				break
			}
		}
	case "aac":
		if frames, err := codec.ParseADTS(payload); err == nil && len(frames) > 0 {
			st.info.Extra = bytes.Clone(frames[0].Data)
		}
	}
}

// unwrap maps a 33-bit PTS onto a monotonic axis anchored at the first PTS
// of the session.
func (s *Session) unwrap(pts int64) int64 {
	if !s.hasRef {
		s.ptsRef, s.hasRef = pts, true
		return pts
	}
	for pts < s.ptsRef-ptsWrap/2 {
		pts += ptsWrap
	}
	return pts
}

func (st *stream) addIndex(pts, offset int64) {
	i := sort.Search(len(st.index), func(i int) bool { return st.index[i].pts >= pts })
	if i < len(st.index) && st.index[i].pts == pts {
		return
	}
	st.index = append(st.index, indexEntry{})
	copy(st.index[i+1:], st.index[i:])
	st.index[i] = indexEntry{pts: pts, offset: offset}
}

// keyframeBefore returns the last indexed keyframe at or before pts.
func (st *stream) keyframeBefore(pts int64) (indexEntry, bool) {
	i := sort.Search(len(st.index), func(i int) bool { return st.index[i].pts > pts })
	if i == 0 {
		return indexEntry{}, false
	}
	return st.index[i-1], true
}

func classify(es *mpegts.PMTElementaryStream) (media.Type, string) {
	switch es.StreamType {
	case mpegts.StreamTypeH264:
		return media.TypeVideo, "h264"
	case mpegts.StreamTypeH265:
		return media.TypeVideo, "hevc"
	case mpegts.StreamTypeMPEG1Video:
		return media.TypeVideo, "mpeg1video"
	case mpegts.StreamTypeMPEG2Video:
		return media.TypeVideo, "mpeg2video"
	case mpegts.StreamTypeMPEG4Video:
		return media.TypeVideo, "mpeg4"
	case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
		return media.TypeAudio, "mp2"
	case mpegts.StreamTypeAAC:
		return media.TypeAudio, "aac"
	case mpegts.StreamTypeLATM:
		return media.TypeAudio, "aac_latm"
	case mpegts.StreamTypeAC3:
		return media.TypeAudio, "ac3"
	case mpegts.StreamTypeEAC3:
		return media.TypeAudio, "eac3"
	case mpegts.StreamTypeSCTE35:
		return media.TypeData, "scte35"
	case mpegts.StreamTypePrivate:
		if _, ok := es.Descriptor(mpegts.DescriptorAC3); ok {
			return media.TypeAudio, "ac3"
		}
		return media.TypeData, "private"
	}
	return media.TypeData, fmt.Sprintf("stream_type_0x%02x", es.StreamType)
}

func isKeyframe(info backend.StreamInfo, data *mpegts.DemuxerData) bool {
	if info.Type != media.TypeVideo {
		return true
	}
	if data.FirstPacket.Header.RandomAccessIndicator {
		return true
	}
	return codec.ContainsKeyframe(info.Codec, data.PES.Data)
}
