package demuxer

import (
	"strconv"
	"strings"

	"github.com/zsiec/avdemux/internal/media"
)

// tagNames maps container metadata keys to tag names.
var tagNames = map[string]string{
	"album":            "album",
	"album_artist":     "album-artist",
	"artist":           "artist",
	"comment":          "comment",
	"composer":         "composer",
	"copyright":        "copyright",
	"creation_time":    "datetime",
	"date":             "datetime",
	"disc":             "album-disc-number",
	"encoder":          "encoder",
	"encoded_by":       "encoded-by",
	"genre":            "genre",
	"language":         "language-code",
	"performer":        "performer",
	"publisher":        "publisher",
	"title":            "title",
	"track":            "track-number",
	"service_name":     "title",
	"service_provider": "publisher",
}

// countTags are the numeric tags that may come as "n/total".
var countTags = map[string]string{
	"track-number":      "track-count",
	"album-disc-number": "album-disc-count",
}

// mapTags converts backend metadata to tags. Unknown keys are ignored and
// numeric tags that do not parse are dropped.
func mapTags(meta map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range meta {
		name, ok := tagNames[strings.ToLower(k)]
		if !ok || v == "" {
			continue
		}
		countName, numeric := countTags[name]
		if !numeric {
			out[name] = v
			continue
		}
		n, total, hasTotal := strings.Cut(v, "/")
		if _, err := strconv.ParseUint(strings.TrimSpace(n), 10, 32); err != nil {
			continue
		}
		out[name] = strings.TrimSpace(n)
		if hasTotal {
			if _, err := strconv.ParseUint(strings.TrimSpace(total), 10, 32); err == nil {
				out[countName] = strings.TrimSpace(total)
			}
		}
	}
	return out
}

func codecTag(t media.Type) string {
	switch t {
	case media.TypeVideo:
		return "video-codec"
	case media.TypeAudio:
		return "audio-codec"
	case media.TypeSubtitle:
		return "subtitle-codec"
	}
	return "codec"
}

// pushStreamTags sends the per-stream tags: the codec name plus any mapped
// stream metadata.
func (d *Demuxer) pushStreamTags(s *Stream) {
	tags := mapTags(s.info.Metadata)
	tags[codecTag(s.port.desc.Type)] = s.port.desc.Codec
	s.port.pushEvent(TagEvent{Tags: tags})
}
