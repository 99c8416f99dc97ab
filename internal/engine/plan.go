package engine

import (
	"github.com/bamsammich/volcopy/internal/copymeta"
)

// blockSpan is one block of a session.
type blockSpan struct {
	index  int64 // volume-wide block index
	local  int   // index within the session
	offset int64
	length int64
}

// sessionBlocks splits a session into blocks of blockSize. The last block
// may be shorter.
func sessionBlocks(s copymeta.SessionInfo, blockSize int64) []blockSpan {
	n := (s.Length + blockSize - 1) / blockSize
	spans := make([]blockSpan, 0, n)
	for i := range n {
		off := s.Offset + i*blockSize
		spans = append(spans, blockSpan{
			index:  off / blockSize,
			local:  int(i),
			offset: off,
			length: min(blockSize, s.Offset+s.Length-off),
		})
	}
	return spans
}

// countBlocks returns the number of blocks covering size bytes.
func countBlocks(size, blockSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize
}
