package engine

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec. The burst is at least one block so a single block read never
// exceeds it, and at least 1 MB unless the rate itself is lower.
func NewBWLimiter(bytesPerSec int64, blockSize int) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	burst = max(burst, blockSize)
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// rateLimitedReaderAt wraps an io.ReaderAt and enforces a shared rate limit.
type rateLimitedReaderAt struct {
	r       io.ReaderAt
	limiter *rate.Limiter
	ctx     context.Context
}

func newRateLimitedReaderAt(
	ctx context.Context,
	r io.ReaderAt,
	limiter *rate.Limiter,
) io.ReaderAt {
	if limiter == nil {
		return r
	}
	return &rateLimitedReaderAt{r: r, limiter: limiter, ctx: ctx}
}

func (rl *rateLimitedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if err := rl.limiter.WaitN(rl.ctx, len(p)); err != nil {
		return 0, err
	}
	return rl.r.ReadAt(p, off)
}
