package capture

import (
	"context"
	"sync"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
)

// Listen defaults
const (
	DefaultMaxMessages  = 10
	DefaultListenWindow = 2 * time.Second
	DefaultMaxLoops     = 20
	DefaultSettleLoops  = 5
	DefaultPollInterval = 100 * time.Millisecond
)

// ListenConfig bounds a listen pass by message count, wall clock and loop
// count so scheduler jitter cannot stretch it.
type ListenConfig struct {
	MaxMessages  int
	ListenWindow time.Duration
	MaxLoops     int
	SettleLoops  int
	PollInterval time.Duration
}

func (c ListenConfig) withDefaults() ListenConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.ListenWindow <= 0 {
		c.ListenWindow = DefaultListenWindow
	}
	if c.MaxLoops <= 0 {
		c.MaxLoops = DefaultMaxLoops
	}
	if c.SettleLoops <= 0 {
		c.SettleLoops = DefaultSettleLoops
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// WithWindow returns a copy bounded by window. The loop bound is raised to
// cover the whole window so a quiet broker is not dropped early.
func (c ListenConfig) WithWindow(window time.Duration) ListenConfig {
	c = c.withDefaults()
	if window <= 0 {
		return c
	}
	c.ListenWindow = window
	loops := int((window + c.PollInterval - 1) / c.PollInterval)
	if loops > c.MaxLoops {
		c.MaxLoops = loops
	}
	return c
}

// StopReason says why a listen pass ended.
type StopReason string

const (
	StopMaxMessages StopReason = "max_messages"
	StopSettled     StopReason = "settled"
	StopWindow      StopReason = "listen_window"
	StopMaxLoops    StopReason = "max_loops"
	StopCanceled    StopReason = "canceled"
)

// ListenResult is what a bounded listen pass produced.
type ListenResult struct {
	Readings []broker.Reading
	Stop     StopReason
	Loops    int
}

// collector gathers messages from the subscription callback, which runs on
// the client's goroutine.
type collector struct {
	mu       sync.Mutex
	readings []broker.Reading
	max      int
	full     chan struct{}
	once     sync.Once
	source   string
	clock    func() time.Time
}

func newCollector(max int, source string, clock func() time.Time) *collector {
	return &collector{
		max:    max,
		full:   make(chan struct{}),
		source: source,
		clock:  clock,
	}
}

func (c *collector) handle(topic string, payload []byte, retained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.readings) >= c.max {
		return
	}
	r := broker.NewReading(topic, payload, c.source, c.clock())
	r.Retained = retained
	c.readings = append(c.readings, r)
	if len(c.readings) >= c.max {
		c.once.Do(func() { close(c.full) })
	}
}

func (c *collector) snapshot() []broker.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broker.Reading, len(c.readings))
	copy(out, c.readings)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

// Listen subscribes to filter on session and collects messages until one of
// the bounds in cfg is hit. The subscription handler stops the loop early
// once MaxMessages have arrived.
func Listen(ctx context.Context, session BrokerSession, filter, source string, cfg ListenConfig, clock func() time.Time) (ListenResult, error) {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = time.Now
	}

	col := newCollector(cfg.MaxMessages, source, clock)
	if err := session.Subscribe(ctx, filter, col.handle); err != nil {
		return ListenResult{}, err
	}

	start := time.Now()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	result := ListenResult{}
	for {
		select {
		case <-col.full:
			result.Stop = StopMaxMessages
		case <-ctx.Done():
			result.Stop = StopCanceled
		case <-ticker.C:
			result.Loops++
			switch {
			case col.count() > 0 && result.Loops > cfg.SettleLoops:
				result.Stop = StopSettled
			case result.Loops >= cfg.MaxLoops:
				result.Stop = StopMaxLoops
			case time.Since(start) >= cfg.ListenWindow:
				result.Stop = StopWindow
			}
		}
		if result.Stop != "" {
			break
		}
	}

	result.Readings = col.snapshot()
	return result, nil
}
