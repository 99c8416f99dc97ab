package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const ringSize = 60

// Writer is the update side of a Collector, used by pipeline stages.
type Writer interface {
	AddBytesToRead(n int64)
	AddBytesRead(n int64)
	AddBlocksToHash(n int64)
	AddBlocksHashed(n int64)
	AddBytesToWrite(n int64)
	AddBytesWritten(n int64)
	AddBlocksUnchanged(n int64)
	AddSessionsTotal(n int64)
	AddSessionsCommitted(n int64)
}

// Reader is the read side of a Collector, used by callers polling a task.
type Reader interface {
	Snapshot() Snapshot
}

// ReadTicker is a Reader that also maintains throughput samples.
type ReadTicker interface {
	Reader
	Tick()
	RollingSpeed(seconds int) float64
	SparklineData(n int) []float64
	ETA() time.Duration
}

// Collector tracks task statistics using lock-free atomic counters. Every
// counter only ever grows.
type Collector struct {
	bytesToRead       atomic.Int64
	bytesRead         atomic.Int64
	blocksToHash      atomic.Int64
	blocksHashed      atomic.Int64
	bytesToWrite      atomic.Int64
	bytesWritten      atomic.Int64
	blocksUnchanged   atomic.Int64
	sessionsTotal     atomic.Int64
	sessionsCommitted atomic.Int64
	startTime         time.Time

	// Ring buffer, written only by Tick(), not by pipeline stages.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes read per second
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a read of all counters. Each field is loaded atomically; the
// fields together are not a single point-in-time tuple.
type Snapshot struct {
	BytesToRead       int64
	BytesRead         int64
	BlocksToHash      int64
	BlocksHashed      int64
	BytesToWrite      int64
	BytesWritten      int64
	BlocksUnchanged   int64
	SessionsTotal     int64
	SessionsCommitted int64
	Elapsed           time.Duration
}

func (c *Collector) AddBytesToRead(n int64)       { c.bytesToRead.Add(n) }
func (c *Collector) AddBytesRead(n int64)         { c.bytesRead.Add(n) }
func (c *Collector) AddBlocksToHash(n int64)      { c.blocksToHash.Add(n) }
func (c *Collector) AddBlocksHashed(n int64)      { c.blocksHashed.Add(n) }
func (c *Collector) AddBytesToWrite(n int64)      { c.bytesToWrite.Add(n) }
func (c *Collector) AddBytesWritten(n int64)      { c.bytesWritten.Add(n) }
func (c *Collector) AddBlocksUnchanged(n int64)   { c.blocksUnchanged.Add(n) }
func (c *Collector) AddSessionsTotal(n int64)     { c.sessionsTotal.Add(n) }
func (c *Collector) AddSessionsCommitted(n int64) { c.sessionsCommitted.Add(n) }

// Snapshot returns the current value of every counter. Write-side counters
// are loaded before read-side ones so a snapshot never shows a stage ahead
// of the stage feeding it.
func (c *Collector) Snapshot() Snapshot {
	var s Snapshot
	s.SessionsCommitted = c.sessionsCommitted.Load()
	s.BytesWritten = c.bytesWritten.Load()
	s.BlocksUnchanged = c.blocksUnchanged.Load()
	s.BytesToWrite = c.bytesToWrite.Load()
	s.BlocksHashed = c.blocksHashed.Load()
	s.BlocksToHash = c.blocksToHash.Load()
	s.BytesRead = c.bytesRead.Load()
	s.BytesToRead = c.bytesToRead.Load()
	s.SessionsTotal = c.sessionsTotal.Load()
	s.Elapsed = c.Elapsed()
	return s
}

// Tick snapshots the bytes-read delta into the ring buffer. Called 1/sec by
// the presenter.
func (c *Collector) Tick() {
	current := c.bytesRead.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns up to n of the most recent per-second read rates,
// oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return nil
	}
	out := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		out[i] = float64(c.throughput[idx])
	}
	return out
}

// ETA estimates remaining time based on rolling speed and remaining bytes to read.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesToRead.Load() - c.bytesRead.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"read=%d/%d hashed=%d/%d written=%d/%d unchanged=%d sessions=%d/%d",
		s.BytesRead, s.BytesToRead, s.BlocksHashed, s.BlocksToHash,
		s.BytesWritten, s.BytesToWrite, s.BlocksUnchanged,
		s.SessionsCommitted, s.SessionsTotal,
	)
}

// Progress returns the fraction of bytes read, in [0, 1].
func (s Snapshot) Progress() float64 {
	if s.BytesToRead <= 0 {
		return 0
	}
	return min(float64(s.BytesRead)/float64(s.BytesToRead), 1)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}
