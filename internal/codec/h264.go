package codec

import (
	"fmt"

	"github.com/zsiec/avdemux/internal/media"
)

// SPSInfo is the subset of an H.264 sequence parameter set the registry
// needs to describe a video stream.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	// Timing from the VUI, zero when absent.
	NumUnitsInTick uint32
	TimeScale      uint32
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// FrameRate derives frames per second from VUI timing. ok is false when the
// SPS carries no timing info.
func (s SPSInfo) FrameRate() (media.TimeBase, bool) {
	if s.NumUnitsInTick == 0 || s.TimeScale == 0 {
		return media.TimeBase{}, false
	}
	return media.TimeBase{Num: int64(s.TimeScale), Den: 2 * int64(s.NumUnitsInTick)}, true
}

var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an SPS NAL unit (header byte included, start code
// excluded).
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errShortBitstream
	}
	br := newBitReader(unescapeRBSP(nalu[1:]))

	profile, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	constraints, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	level, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if err := br.skipUE(1); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfiles[profile] {
		if chromaFormat, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if chromaFormat == 3 {
			if separatePlanes, err = br.readFlag(); err != nil {
				return SPSInfo{}, err
			}
		}
		if err := br.skipUE(2); err != nil { // bit depths
			return SPSInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass
			return SPSInfo{}, err
		}
		scaling, err := br.readFlag()
		if err != nil {
			return SPSInfo{}, err
		}
		if scaling {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := br.readFlag()
				if err != nil {
					return SPSInfo{}, err
				}
				if !present {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := br.skipScalingList(size); err != nil {
					return SPSInfo{}, err
				}
			}
		}
	}

	if err := br.skipUE(1); err != nil { // log2_max_frame_num_minus4
		return SPSInfo{}, err
	}
	pocType, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	switch pocType {
	case 0:
		if err := br.skipUE(1); err != nil {
			return SPSInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}
		for i := 0; i < 2; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
		cycle, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < cycle; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}
	if err := br.skipUE(1); err != nil { // max_num_ref_frames
		return SPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_allowed
		return SPSInfo{}, err
	}

	widthMbs, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	heightUnits, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field
			return SPSInfo{}, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference
		return SPSInfo{}, err
	}

	var crop [4]uint // left, right, top, bottom
	cropping, err := br.readFlag()
	if err != nil {
		return SPSInfo{}, err
	}
	if cropping {
		for i := range crop {
			if crop[i], err = br.readUE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	cropX := subW
	cropY := subH * (2 - frameMbsOnly)

	info := SPSInfo{
		Width:           int((widthMbs+1)*16 - cropX*(crop[0]+crop[1])),
		Height:          int((heightUnits+1)*16*(2-frameMbsOnly) - cropY*(crop[2]+crop[3])),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
	}

	if vui, err := br.readFlag(); err != nil || !vui {
		return info, nil
	}
	parseVUITiming(br, &info)
	return info, nil
}

// parseVUITiming reads the VUI up to timing_info. Reads past the end fail
// and keep failing, so only the final timing read needs checking.
func parseVUITiming(br *bitReader, info *SPSInfo) {
	if ar, _ := br.readFlag(); ar {
		if idc, _ := br.readBits(8); idc == 255 { // extended SAR
			br.readBits(32)
		}
	}
	if overscan, _ := br.readFlag(); overscan {
		br.readBits(1)
	}
	if signal, _ := br.readFlag(); signal {
		br.readBits(4)
		if colour, _ := br.readFlag(); colour {
			br.readBits(24)
		}
	}
	if chromaLoc, _ := br.readFlag(); chromaLoc {
		br.skipUE(2)
	}
	timing, err := br.readFlag()
	if err != nil || !timing {
		return
	}
	units, err := br.readBits(32)
	if err != nil {
		return
	}
	scale, err := br.readBits(32)
	if err != nil {
		return
	}
	info.NumUnitsInTick = uint32(units)
	info.TimeScale = uint32(scale)
}
