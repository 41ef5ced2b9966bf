// Package selector picks the best rendition for a track.
package selector

import (
	"fmt"

	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/manifest"
)

// score is compared lexicographically. Audio only uses the bitrate slot.
type score [3]int

func (s score) greater(o score) bool {
	for i := range s {
		if s[i] != o[i] {
			return s[i] > o[i]
		}
	}
	return false
}

func scoreOf(r *manifest.Rendition, kind domain.MediaKind) score {
	if kind == domain.KindAudio {
		return score{r.Bitrate, 0, 0}
	}
	return score{r.Height, r.Width, r.Bitrate}
}

// SelectBest returns the highest scoring rendition. Video is ranked by
// (height, width, bitrate) and audio by bitrate. On a tie the earliest
// rendition in the list wins.
func SelectBest(renditions []manifest.Rendition, kind domain.MediaKind) (*manifest.Rendition, error) {
	if len(renditions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoRenditionsAvailable, kind)
	}

	best := 0
	bestScore := scoreOf(&renditions[0], kind)
	for i := 1; i < len(renditions); i++ {
		s := scoreOf(&renditions[i], kind)
		if s.greater(bestScore) {
			best, bestScore = i, s
		}
	}
	return &renditions[best], nil
}
