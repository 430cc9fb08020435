// ABOUTME: Collector tracks message counters, errors and a rolling response-time average
// ABOUTME: Exports a plain-text "name value" line per metric

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known metric names.
const (
	MessagesSent        = "messages_sent"
	MessagesReceived    = "messages_received"
	Errors              = "errors"
	ResponseTime        = "response_time"
	AvgResponseTime     = "avg_response_time"
	ActiveConversations = "active_conversations"
)

// Defaults applied when Options fields are zero.
const (
	DefaultNamespace  = "laraclaw"
	DefaultCounterTTL = 30 * 24 * time.Hour
	DefaultWindowSize = 100
)

const (
	keyPrefix = "metrics:"
	windowKey = keyPrefix + "response_time_window"
)

// coreMetrics is the fixed export order of GetMetrics fields.
var coreMetrics = []string{MessagesSent, MessagesReceived, Errors, AvgResponseTime, ActiveConversations}

// Options configures a Collector.
type Options struct {
	Namespace  string
	CounterTTL time.Duration
	WindowSize int
}

// Snapshot is the result of GetMetrics. Unset values are zero.
type Snapshot struct {
	MessagesSent        int64   `json:"messages_sent"`
	MessagesReceived    int64   `json:"messages_received"`
	Errors              int64   `json:"errors"`
	AvgResponseTime     float64 `json:"avg_response_time"`
	ActiveConversations int64   `json:"active_conversations"`
}

// Collector is the metrics service.
type Collector struct {
	backend Backend
	opts    Options

	// mu serialises read-modify-write cycles and guards names.
	mu    sync.Mutex
	names map[string]bool
}

// NewCollector creates a collector over backend. A nil backend gets a fresh MemoryBackend.
func NewCollector(backend Backend, opts Options) *Collector {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.CounterTTL <= 0 {
		opts.CounterTTL = DefaultCounterTTL
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	return &Collector{
		backend: backend,
		opts:    opts,
		names:   make(map[string]bool),
	}
}

// Increment adds delta to the named counter.
func (c *Collector) Increment(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.getLocked(name)
	c.backend.Set(keyPrefix+name, current+float64(delta), c.opts.CounterTTL)
	c.names[name] = true
}

// Record sets a gauge. "response_time" samples feed the rolling average instead.
func (c *Collector) Record(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == ResponseTime {
		c.recordResponseTimeLocked(value)
		return
	}
	c.backend.Set(keyPrefix+name, value, 0)
	c.names[name] = true
}

func (c *Collector) recordResponseTimeLocked(sample float64) {
	var window []float64
	if v, ok := c.backend.Get(windowKey); ok {
		window, _ = v.([]float64)
	}

	window = append(window, sample)
	if over := len(window) - c.opts.WindowSize; over > 0 {
		window = window[over:]
	}
	// copy so the stored slice never aliases a larger backing array
	window = append([]float64(nil), window...)

	sum := 0.0
	for _, s := range window {
		sum += s
	}
	avg := math.Round(sum/float64(len(window))*100) / 100

	c.backend.Set(windowKey, window, 0)
	c.backend.Set(keyPrefix+AvgResponseTime, avg, 0)
	c.names[AvgResponseTime] = true
}

// WindowLen returns the number of response-time samples currently held.
func (c *Collector) WindowLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.backend.Get(windowKey); ok {
		if w, ok := v.([]float64); ok {
			return len(w)
		}
	}
	return 0
}

// GetMetrics returns the core metrics, defaulting to zero.
func (c *Collector) GetMetrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		MessagesSent:        int64(c.getLocked(MessagesSent)),
		MessagesReceived:    int64(c.getLocked(MessagesReceived)),
		Errors:              int64(c.getLocked(Errors)),
		AvgResponseTime:     c.getLocked(AvgResponseTime),
		ActiveConversations: int64(c.getLocked(ActiveConversations)),
	}
}

// Reset clears every tracked metric and the response-time window.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range coreMetrics {
		c.backend.Delete(keyPrefix + name)
	}
	for name := range c.names {
		c.backend.Delete(keyPrefix + name)
	}
	c.backend.Delete(windowKey)
	c.names = make(map[string]bool)
}

// ExportText renders every metric as "<namespace>_<name> <value>\n".
// Core metrics come first in a fixed order, then any others sorted by name.
func (c *Collector) ExportText() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var extra []string
	for name := range c.names {
		if !isCore(name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	var b strings.Builder
	for _, name := range append(append([]string(nil), coreMetrics...), extra...) {
		fmt.Fprintf(&b, "%s_%s %s\n", c.opts.Namespace, name, formatValue(c.getLocked(name)))
	}
	return b.String()
}

func (c *Collector) getLocked(name string) float64 {
	v, ok := c.backend.Get(keyPrefix + name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func isCore(name string) bool {
	for _, n := range coreMetrics {
		if n == name {
			return true
		}
	}
	return false
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
