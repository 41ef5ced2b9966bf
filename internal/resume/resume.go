// Package resume decides where an interrupted rendition download continues,
// using only the on-disk file length and the declared segment sizes.
package resume

import "fmt"

// Action is what the fetcher does with an existing output file.
type Action int

const (
	// StartFresh overwrites any existing file and begins with the init block.
	StartFresh Action = iota
	// ResumeAt truncates the file to Offset and appends from Index.
	ResumeAt
	// AlreadyComplete means every segment is on disk.
	AlreadyComplete
)

func (a Action) String() string {
	switch a {
	case StartFresh:
		return "start_fresh"
	case ResumeAt:
		return "resume"
	case AlreadyComplete:
		return "complete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Point is the result of Locate. Index is the first segment to fetch and
// Offset the file length to keep. Both are zero for StartFresh; for
// AlreadyComplete Index equals the segment count.
type Point struct {
	Action Action
	Index  int
	Offset int64
}

func (p Point) String() string {
	switch p.Action {
	case ResumeAt:
		return fmt.Sprintf("resume at segment %d (offset %d)", p.Index, p.Offset)
	default:
		return p.Action.String()
	}
}

// Locate computes the resume point for a file of existing bytes whose init
// block is initSize bytes long. The segment that straddles the boundary is
// always fetched again, and a zero-size segment never becomes the resume
// point while bytes remain unaccounted for. A non-empty file that is exactly
// init plus every segment is complete, even when the segments add no bytes.
func Locate(existing, initSize int64, sizes []int64) Point {
	if existing <= initSize {
		if existing > 0 && existing == initSize && mediaBytes(sizes) == 0 {
			return Point{Action: AlreadyComplete, Index: len(sizes), Offset: initSize}
		}
		return Point{Action: StartFresh}
	}

	downloaded := existing - initSize
	var cumulative int64
	for i, size := range sizes {
		before := cumulative
		cumulative += size
		if cumulative > downloaded {
			return Point{Action: ResumeAt, Index: i, Offset: initSize + before}
		}
	}
	return Point{Action: AlreadyComplete, Index: len(sizes), Offset: initSize + cumulative}
}

func mediaBytes(sizes []int64) int64 {
	var total int64
	for _, size := range sizes {
		total += size
	}
	return total
}
