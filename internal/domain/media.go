package domain

// MediaKind distinguishes video and audio renditions.
type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// String returns the string representation of the MediaKind.
func (k MediaKind) String() string {
	return string(k)
}
