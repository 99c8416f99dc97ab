package volume

import (
	"errors"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Segment describes a contiguous region of a volume.
type Segment struct {
	Offset int64
	Length int64
	IsData bool
}

// End returns the offset one past the segment.
func (s Segment) End() int64 { return s.Offset + s.Length }

// DetectSparseSegments walks SEEK_DATA/SEEK_HOLE to map out the sparse
// layout of a file. Returns a single data segment covering the whole file
// if the filesystem doesn't support sparse detection.
//
//nolint:revive // cognitive-complexity: SEEK_DATA/SEEK_HOLE state machine with error recovery
func DetectSparseSegments(f *os.File, size int64) ([]Segment, error) {
	if size == 0 {
		return nil, nil
	}

	fd := int(f.Fd()) //nolint:gosec // G115: fd conversion is safe for file descriptors
	var segments []Segment
	offset := int64(0)

	for offset < size {
		dataStart, err := unix.Seek(fd, offset, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				// Rest of file is a hole.
				segments = append(segments, Segment{Offset: offset, Length: size - offset})
				break
			}
			if errors.Is(err, unix.EINVAL) {
				return wholeFileSegment(size), nil
			}
			return nil, err
		}
		if dataStart >= size {
			segments = append(segments, Segment{Offset: offset, Length: size - offset})
			break
		}

		if dataStart > offset {
			segments = append(segments, Segment{Offset: offset, Length: dataStart - offset})
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			switch {
			case errors.Is(err, unix.ENXIO):
				holeStart = size
			case errors.Is(err, unix.EINVAL):
				return wholeFileSegment(size), nil
			default:
				return nil, err
			}
		}
		holeStart = min(holeStart, size)

		segments = append(segments, Segment{
			Offset: dataStart,
			Length: holeStart - dataStart,
			IsData: true,
		})
		offset = holeStart
	}

	if len(segments) == 0 {
		return wholeFileSegment(size), nil
	}
	return segments, nil
}

func wholeFileSegment(size int64) []Segment {
	if size == 0 {
		return nil
	}
	return []Segment{{Offset: 0, Length: size, IsData: true}}
}

// Layout is an offset-ordered, gap-free segment list.
type Layout []Segment

// InHole reports whether [off, off+n) lies entirely inside one hole segment.
func (l Layout) InHole(off, n int64) bool {
	i := sort.Search(len(l), func(i int) bool { return l[i].End() > off })
	if i == len(l) {
		return false
	}
	s := l[i]
	return !s.IsData && s.Offset <= off && off+n <= s.End()
}

// DataBytes returns the number of bytes covered by data segments.
func (l Layout) DataBytes() int64 {
	var n int64
	for _, s := range l {
		if s.IsData {
			n += s.Length
		}
	}
	return n
}
