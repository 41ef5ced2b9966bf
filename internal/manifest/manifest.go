// Package manifest parses segmented range playlists into typed renditions.
//
// All field-presence and fallback rules live in Parse; the rest of the
// program only sees Manifest, Rendition and Segment values.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/iconidentify/rangegrab/internal/domain"
)

// Segment is one media chunk of a rendition.
type Segment struct {
	URL   string
	Size  int64
	Start float64
	End   float64
}

// Rendition is one encoded option for a track.
type Rendition struct {
	ID          string
	Kind        domain.MediaKind
	Width       int
	Height      int
	Bitrate     int
	Codecs      string
	MimeType    string
	Duration    float64
	BaseURL     string
	InitSegment []byte
	Segments    []Segment
}

// SegmentSizes returns the declared size of every segment in order.
func (r *Rendition) SegmentSizes() []int64 {
	sizes := make([]int64, len(r.Segments))
	for i, s := range r.Segments {
		sizes[i] = s.Size
	}
	return sizes
}

// TotalSize is the length of a complete output file for this rendition.
func (r *Rendition) TotalSize() int64 {
	total := int64(len(r.InitSegment))
	for _, s := range r.Segments {
		total += s.Size
	}
	return total
}

// Label is a short human description used in logs.
func (r *Rendition) Label() string {
	if r.Kind == domain.KindVideo {
		return fmt.Sprintf("%s %dx%d %dbps", r.ID, r.Width, r.Height, r.Bitrate)
	}
	return fmt.Sprintf("%s %dbps", r.ID, r.Bitrate)
}

// Manifest is the parsed playlist. It is read-only after Parse.
type Manifest struct {
	ClipID string
	// Source is the absolute URI the manifest was read from.
	Source string
	// BaseURL is the top-level base_url resolved against Source.
	BaseURL string
	Video   []Rendition
	Audio   []Rendition
}

// Renditions returns the candidate list for kind.
func (m *Manifest) Renditions(kind domain.MediaKind) []Rendition {
	if kind == domain.KindAudio {
		return m.Audio
	}
	return m.Video
}

// RenditionBase joins the manifest base URL with the rendition's own base_url.
func (m *Manifest) RenditionBase(r *Rendition) (string, error) {
	return JoinURL(m.BaseURL, r.BaseURL)
}

type rawManifest struct {
	ClipID  string         `json:"clip_id"`
	BaseURL string         `json:"base_url"`
	Video   []rawRendition `json:"video"`
	Audio   []rawRendition `json:"audio"`
}

type rawRendition struct {
	ID          string       `json:"id"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Bitrate     *int         `json:"bitrate"`
	AvgBitrate  *int         `json:"avg_bitrate"`
	Codecs      string       `json:"codecs"`
	MimeType    string       `json:"mime_type"`
	Duration    float64      `json:"duration"`
	BaseURL     string       `json:"base_url"`
	InitSegment *string      `json:"init_segment"`
	Segments    []rawSegment `json:"segments"`
}

type rawSegment struct {
	URL   string  `json:"url"`
	Size  *int64  `json:"size"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Parse decodes a range playlist read from sourceURI.
func Parse(data []byte, sourceURI string) (*Manifest, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", domain.ErrManifestUnsupported, err)
	}

	_, hasVideo := keys["video"]
	_, hasAudio := keys["audio"]
	if !hasVideo && !hasAudio {
		if _, legacy := keys["request"]; legacy {
			return nil, fmt.Errorf("%w: legacy player config manifests are not supported", domain.ErrManifestUnsupported)
		}
		return nil, fmt.Errorf("%w: unknown manifest structure", domain.ErrManifestUnsupported)
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrManifestUnsupported, err)
	}
	if len(raw.Video) == 0 && len(raw.Audio) == 0 {
		return nil, fmt.Errorf("%w: manifest lists no renditions", domain.ErrManifestUnsupported)
	}

	base, err := JoinURL(sourceURI, raw.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base_url: %v", domain.ErrManifestUnsupported, err)
	}

	m := &Manifest{
		ClipID:  raw.ClipID,
		Source:  sourceURI,
		BaseURL: base,
	}
	if m.Video, err = convertRenditions(raw.Video, domain.KindVideo); err != nil {
		return nil, err
	}
	if m.Audio, err = convertRenditions(raw.Audio, domain.KindAudio); err != nil {
		return nil, err
	}
	return m, nil
}

func convertRenditions(raws []rawRendition, kind domain.MediaKind) ([]Rendition, error) {
	out := make([]Rendition, 0, len(raws))
	for i, rr := range raws {
		r, err := convertRendition(rr, kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s rendition %d: %v", domain.ErrManifestUnsupported, kind, i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func convertRendition(rr rawRendition, kind domain.MediaKind) (Rendition, error) {
	if rr.InitSegment == nil {
		return Rendition{}, fmt.Errorf("missing init_segment")
	}
	init, err := base64.StdEncoding.DecodeString(*rr.InitSegment)
	if err != nil {
		return Rendition{}, fmt.Errorf("decode init_segment: %w", err)
	}

	segments := make([]Segment, len(rr.Segments))
	for i, rs := range rr.Segments {
		if rs.Size == nil {
			return Rendition{}, fmt.Errorf("segment %d has no size", i)
		}
		if *rs.Size < 0 {
			return Rendition{}, fmt.Errorf("segment %d has negative size %d", i, *rs.Size)
		}
		segments[i] = Segment{
			URL:   rs.URL,
			Size:  *rs.Size,
			Start: rs.Start,
			End:   rs.End,
		}
	}

	return Rendition{
		ID:          rr.ID,
		Kind:        kind,
		Width:       rr.Width,
		Height:      rr.Height,
		Bitrate:     effectiveBitrate(rr.Bitrate, rr.AvgBitrate),
		Codecs:      rr.Codecs,
		MimeType:    rr.MimeType,
		Duration:    rr.Duration,
		BaseURL:     rr.BaseURL,
		InitSegment: init,
		Segments:    segments,
	}, nil
}

// effectiveBitrate prefers bitrate whenever the key is present, even when 0.
func effectiveBitrate(bitrate, avg *int) int {
	if bitrate != nil {
		return *bitrate
	}
	if avg != nil {
		return *avg
	}
	return 0
}
