// ABOUTME: In-process metrics for the MCP server: request counters, per-tool
// ABOUTME: timing stats, and a bounded history ring. Derived values are computed on read.

package metrics

import (
	"sync"
	"time"
)

// defaultMaxHistory bounds the per-request sample ring.
const defaultMaxHistory = 1000

// Sample is one recorded tool invocation.
type Sample struct {
	Tool     string
	Duration time.Duration
	Success  bool
	At       time.Time
}

// ToolStats aggregates timing for a single tool name.
type ToolStats struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// Collector accumulates counters and timing samples. All methods are safe for
// concurrent use; Snapshot is the only read surface.
type Collector struct {
	mu sync.Mutex

	startTime         time.Time
	requestCount      int64
	errorCount        int64
	activeConnections int64

	tools      map[string]*ToolStats
	history    []Sample
	maxHistory int

	now func() time.Time
}

// NewCollector creates a Collector with the default history bound.
func NewCollector() *Collector {
	c := &Collector{
		tools:      make(map[string]*ToolStats),
		maxHistory: defaultMaxHistory,
		now:        time.Now,
	}
	c.startTime = c.now()
	return c
}

// Record logs one tool invocation outcome under the given name. Failed calls
// count toward both the global and the per-tool error tallies.
func (c *Collector) Record(tool string, d time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestCount++
	if !success {
		c.errorCount++
	}

	ts, ok := c.tools[tool]
	if !ok {
		ts = &ToolStats{MinTime: d, MaxTime: d}
		c.tools[tool] = ts
	}
	ts.Count++
	ts.TotalTime += d
	if d < ts.MinTime {
		ts.MinTime = d
	}
	if d > ts.MaxTime {
		ts.MaxTime = d
	}
	if !success {
		ts.Errors++
	}

	c.history = append(c.history, Sample{Tool: tool, Duration: d, Success: success, At: c.now()})
	if len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
}

// ConnectionOpened increments the live connection gauge.
func (c *Collector) ConnectionOpened() {
	c.mu.Lock()
	c.activeConnections++
	c.mu.Unlock()
}

// ConnectionClosed decrements the live connection gauge, never below zero.
func (c *Collector) ConnectionClosed() {
	c.mu.Lock()
	if c.activeConnections > 0 {
		c.activeConnections--
	}
	c.mu.Unlock()
}

// ToolSummary is the read-side view of a tool's stats, with derived values.
type ToolSummary struct {
	Count       int64
	Errors      int64
	SuccessRate float64
	AvgTime     time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
}

// Snapshot is a point-in-time view of all metrics. Success rate and average
// latency are synthesized here; they are never stored.
type Snapshot struct {
	StartTime         time.Time
	Uptime            time.Duration
	RequestCount      int64
	ErrorCount        int64
	SuccessRate       float64
	ActiveConnections int64
	AvgResponseTime   time.Duration
	Tools             map[string]ToolSummary
	Recent            []Sample
}

// Snapshot returns the current metrics with derived values computed on read.
// recentN limits the returned sample tail (<=0 means none).
func (c *Collector) Snapshot(recentN int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		StartTime:         c.startTime,
		Uptime:            c.now().Sub(c.startTime),
		RequestCount:      c.requestCount,
		ErrorCount:        c.errorCount,
		ActiveConnections: c.activeConnections,
		Tools:             make(map[string]ToolSummary, len(c.tools)),
	}

	if c.requestCount > 0 {
		snap.SuccessRate = float64(c.requestCount-c.errorCount) / float64(c.requestCount) * 100
	}

	var total time.Duration
	for _, s := range c.history {
		total += s.Duration
	}
	if len(c.history) > 0 {
		snap.AvgResponseTime = total / time.Duration(len(c.history))
	}

	for name, ts := range c.tools {
		sum := ToolSummary{
			Count:   ts.Count,
			Errors:  ts.Errors,
			MinTime: ts.MinTime,
			MaxTime: ts.MaxTime,
		}
		if ts.Count > 0 {
			sum.SuccessRate = float64(ts.Count-ts.Errors) / float64(ts.Count) * 100
			sum.AvgTime = ts.TotalTime / time.Duration(ts.Count)
		}
		snap.Tools[name] = sum
	}

	if recentN > 0 {
		n := recentN
		if n > len(c.history) {
			n = len(c.history)
		}
		snap.Recent = append(snap.Recent, c.history[len(c.history)-n:]...)
	}

	return snap
}
