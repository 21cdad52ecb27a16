package demuxer

import "github.com/zsiec/avdemux/internal/segment"

// aggregate combines the last delivery result of every known stream into
// one decision for the pull loop. A not-linked stream is tolerated as long
// as some other stream is linked.
func aggregate(streams []*Stream, flags segment.Flags) Decision {
	for _, s := range streams {
		if s.known && s.lastResult == FlowFlushing {
			return DecisionPause
		}
	}
	var known, linked, eos int
	for _, s := range streams {
		if !s.known {
			continue
		}
		known++
		switch s.lastResult {
		case FlowError, FlowNotNegotiated:
			return DecisionFatal
		case FlowNotLinked:
			continue
		}
		linked++
		if s.eos || s.lastResult == FlowEOS {
			eos++
		}
	}
	switch {
	case known == 0:
		return DecisionContinue
	case linked == 0:
		return DecisionFatal
	case eos == linked:
		return eosDecision(flags)
	}
	return DecisionContinue
}

func eosDecision(flags segment.Flags) Decision {
	if flags.Has(segment.FlagSegment) {
		return DecisionSegmentDone
	}
	return DecisionEOS
}

// allEOS reports whether every known stream has run past the segment. It is
// false when no stream is known.
func allEOS(streams []*Stream) bool {
	known := 0
	for _, s := range streams {
		if !s.known {
			continue
		}
		known++
		if !s.eos {
			return false
		}
	}
	return known > 0
}
