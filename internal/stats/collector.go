package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks controller activity using lock-free atomic counters.
type Collector struct {
	connections    atomic.Int64
	activeConns    atomic.Int64
	requests       atomic.Int64
	repliesOK      atomic.Int64
	repliesFailed  atomic.Int64
	upstreamAsks   atomic.Int64
	copied         atomic.Int64
	rejected       atomic.Int64
	written        atomic.Int64
	modified       atomic.Int64
	protocolErrors atomic.Int64
	startTime      time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Connections    int64
	ActiveConns    int64
	Requests       int64
	RepliesOK      int64
	RepliesFailed  int64
	UpstreamAsks   int64
	Copied         int64
	Rejected       int64
	Written        int64
	Modified       int64
	ProtocolErrors int64
	Elapsed        time.Duration
}

// ConnOpened records an accepted connection.
func (c *Collector) ConnOpened() {
	c.connections.Add(1)
	c.activeConns.Add(1)
}

// ConnClosed records a finished connection.
func (c *Collector) ConnClosed() { c.activeConns.Add(-1) }

func (c *Collector) AddRequests(n int64)       { c.requests.Add(n) }
func (c *Collector) AddRepliesOK(n int64)      { c.repliesOK.Add(n) }
func (c *Collector) AddRepliesFailed(n int64)  { c.repliesFailed.Add(n) }
func (c *Collector) AddUpstreamAsks(n int64)   { c.upstreamAsks.Add(n) }
func (c *Collector) AddCopied(n int64)         { c.copied.Add(n) }
func (c *Collector) AddRejected(n int64)       { c.rejected.Add(n) }
func (c *Collector) AddWritten(n int64)        { c.written.Add(n) }
func (c *Collector) AddModified(n int64)       { c.modified.Add(n) }
func (c *Collector) AddProtocolErrors(n int64) { c.protocolErrors.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Connections:    c.connections.Load(),
		ActiveConns:    c.activeConns.Load(),
		Requests:       c.requests.Load(),
		RepliesOK:      c.repliesOK.Load(),
		RepliesFailed:  c.repliesFailed.Load(),
		UpstreamAsks:   c.upstreamAsks.Load(),
		Copied:         c.copied.Load(),
		Rejected:       c.rejected.Load(),
		Written:        c.written.Load(),
		Modified:       c.modified.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		Elapsed:        c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"conns=%d requests=%d ok=%d failed=%d asks=%d copied=%d rejected=%d written=%d modified=%d protocol_errors=%d",
		s.Connections, s.Requests, s.RepliesOK, s.RepliesFailed, s.UpstreamAsks,
		s.Copied, s.Rejected, s.Written, s.Modified, s.ProtocolErrors,
	)
}
