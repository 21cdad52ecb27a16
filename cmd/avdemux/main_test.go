package main

import (
	"testing"
	"time"

	"github.com/zsiec/avdemux/internal/segment"
)

func TestRequestFromFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       config
		wantNil   bool
		wantStart time.Duration
		wantStop  segment.SeekType
		wantFlags segment.Flags
	}{
		{name: "no flags", cfg: config{}, wantNil: true},
		{name: "seek", cfg: config{seek: 3 * time.Second}, wantStart: 3 * time.Second, wantStop: segment.SeekUnset},
		{name: "key unit", cfg: config{seek: time.Second, keyUnit: true}, wantStart: time.Second, wantStop: segment.SeekUnset, wantFlags: segment.FlagKeyUnit},
		{name: "stop only", cfg: config{stop: 5 * time.Second}, wantStop: segment.SeekSet},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := tc.cfg.request()
			if tc.wantNil {
				if req != nil {
					t.Fatalf("request() = %+v, want nil", req)
				}
				return
			}
			if req == nil {
				t.Fatal("request() = nil")
			}
			if time.Duration(req.Start) != tc.wantStart {
				t.Errorf("Start = %v, want %v", time.Duration(req.Start), tc.wantStart)
			}
			if req.StopType != tc.wantStop {
				t.Errorf("StopType = %v, want %v", req.StopType, tc.wantStop)
			}
			if req.Flags != tc.wantFlags {
				t.Errorf("Flags = %v, want %v", req.Flags, tc.wantFlags)
			}
			if req.StopType == segment.SeekSet && time.Duration(req.Stop) != tc.cfg.stop {
				t.Errorf("Stop = %v, want %v", time.Duration(req.Stop), tc.cfg.stop)
			}
		})
	}
}

func TestDumpName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want string
	}{
		{key: "camera1", want: "camera1.avd"},
		{key: "studio/camera1", want: "studio_camera1.avd"},
		{key: "../etc", want: "__etc.avd"},
	}
	for _, tc := range tests {
		if got := dumpName(tc.key); got != tc.want {
			t.Errorf("dumpName(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}
