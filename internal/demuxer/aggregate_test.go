package demuxer

import (
	"testing"

	"github.com/zsiec/avdemux/internal/segment"
)

func TestAggregate(t *testing.T) {
	t.Parallel()
	st := func(known bool, res FlowResult, eos bool) *Stream {
		return &Stream{known: known, lastResult: res, eos: eos}
	}
	tests := []struct {
		name    string
		streams []*Stream
		flags   segment.Flags
		want    Decision
	}{
		{"no streams", nil, 0, DecisionContinue},
		{"only unknown", []*Stream{st(false, FlowError, false)}, 0, DecisionContinue},
		{"all ok", []*Stream{st(true, FlowOK, false), st(true, FlowOK, false)}, 0, DecisionContinue},
		{"one not linked", []*Stream{st(true, FlowNotLinked, false), st(true, FlowOK, false)}, 0, DecisionContinue},
		{"none linked", []*Stream{st(true, FlowNotLinked, false), st(true, FlowNotLinked, false)}, 0, DecisionFatal},
		{"error", []*Stream{st(true, FlowOK, false), st(true, FlowError, false)}, 0, DecisionFatal},
		{"not negotiated", []*Stream{st(true, FlowNotNegotiated, false)}, 0, DecisionFatal},
		{"flushing wins", []*Stream{st(true, FlowError, false), st(true, FlowFlushing, false)}, 0, DecisionPause},
		{"partial eos", []*Stream{st(true, FlowOK, true), st(true, FlowOK, false)}, 0, DecisionContinue},
		{"all eos", []*Stream{st(true, FlowOK, true), st(true, FlowEOS, false)}, 0, DecisionEOS},
		{"eos ignores not linked", []*Stream{st(true, FlowOK, true), st(true, FlowNotLinked, false)}, 0, DecisionEOS},
		{"looping segment", []*Stream{st(true, FlowOK, true)}, segment.FlagSegment, DecisionSegmentDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := aggregate(tt.streams, tt.flags); got != tt.want {
				t.Errorf("aggregate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllEOS(t *testing.T) {
	t.Parallel()
	if allEOS(nil) {
		t.Error("allEOS(nil) = true")
	}
	if allEOS([]*Stream{{known: false, eos: true}}) {
		t.Error("unknown streams must not count")
	}
	if allEOS([]*Stream{{known: true, eos: true}, {known: true}}) {
		t.Error("one stream still running")
	}
	if !allEOS([]*Stream{{known: true, eos: true}, {known: false}}) {
		t.Error("every known stream is done")
	}
}
