package tsbackend

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/codec"
	"github.com/zsiec/avdemux/internal/media"
)

// captionRecord extracts CEA-608 byte pairs from the SEI of a video access
// unit. The first caption found declares the caption stream. The payload is
// in SMPTE 334-1 Annex A layout: one field byte and two data bytes per pair.
func (s *Session) captionRecord(video *stream, au []byte, pts *int64) *backend.Record {
	var seis []codec.NALUnit
	switch video.info.Codec {
	case "h264":
		for _, n := range codec.ParseAnnexB(au) {
			if n.Type == codec.NALTypeSEI {
				seis = append(seis, n)
			}
		}
	case "hevc":
		for _, n := range codec.ParseAnnexBHEVC(au) {
			if n.Type == codec.HEVCNALSEIPrefix && len(n.Data) > 2 {
				seis = append(seis, n)
			}
		}
	default:
		return nil
	}

	var triplets []byte
	for _, n := range seis {
		cd := ccx.ExtractCaptions(n.Data)
		if cd == nil {
			continue
		}
		for _, pair := range cd.CC608Pairs {
			field := byte(0x80)
			if pair.Field != 0 {
				field = 0x00
			}
			triplets = append(triplets, field, pair.Data[0], pair.Data[1])
		}
	}
	if len(triplets) == 0 {
		return nil
	}

	idx := s.declareCaptions(video)
	rec := backend.NewRecord(idx, triplets, nil)
	rec.PTS = pts
	rec.Keyframe = true
	return rec
}

func (s *Session) declareCaptions(video *stream) int {
	if s.captions >= 0 {
		return s.captions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &stream{
		declared: true,
		seen:     true,
		info: backend.StreamInfo{
			Index:    s.nextIndex,
			Type:     media.TypeSubtitle,
			Codec:    "cea608",
			TimeBase: media.MPEGTimeBase,
			Metadata: video.info.Metadata,
		},
	}
	s.nextIndex++
	s.streams[st.info.Index] = st
	s.captions = st.info.Index
	s.log.Info("found captions", "index", st.info.Index, "video", video.info.Index)
	return s.captions
}
