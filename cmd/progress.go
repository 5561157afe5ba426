package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// progressPrinter redraws one status line for a running scan job.
type progressPrinter struct {
	out      io.Writer
	name     string
	mu       sync.Mutex
	status   string
	progress int
	message  string
	updates  chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

func newProgressPrinter(out io.Writer, name string) *progressPrinter {
	return &progressPrinter{
		out:     out,
		name:    name,
		status:  "queued",
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (p *progressPrinter) Start() {
	if p.started.CompareAndSwap(false, true) {
		go p.loop()
	}
}

// Update records the latest job state. Progress never moves backwards.
func (p *progressPrinter) Update(status string, progress int, message string) {
	p.mu.Lock()
	p.status = status
	if progress > p.progress {
		p.progress = min(progress, 100)
	}
	if message != "" {
		p.message = message
	}
	p.mu.Unlock()

	select {
	case p.updates <- struct{}{}:
	default:
	}
}

// Stop halts redrawing and prints the final state on its own line.
func (p *progressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.started.Load() {
			<-p.stopped
		}
		fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", 80))
		p.print()
		fmt.Fprintln(p.out)
	})
}

func (p *progressPrinter) loop() {
	defer close(p.stopped)
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.updates:
			p.print()
		case <-ticker.C:
			p.print()
		case <-p.done:
			return
		}
	}
}

func (p *progressPrinter) line() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("[%s] %s %3d%%", p.name, p.status, p.progress)
	if p.message != "" {
		line += " " + p.message
	}
	return line
}

func (p *progressPrinter) print() {
	fmt.Fprintf(p.out, "\r%s", p.line())
}
