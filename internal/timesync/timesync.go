// Package timesync reports how far the system clock has drifted from
// reference time. The production source shells out to chrony; a fixed
// source stands in when running against simulated hardware.
package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// chronyc -c tracking emits one CSV line; field 4 is the current system
// time offset in seconds and field 13 the leap status.
const (
	trackingOffsetField = 4
	trackingLeapField   = 13
	trackingMinFields   = 14
)

// ChronySource measures clock offset by querying the local chrony
// daemon. A missing binary is detected at construction so the caller
// can fall back instead of failing on every check.
type ChronySource struct {
	binary  string
	timeout time.Duration
	log     *slog.Logger

	// run is swapped out in tests.
	run func(ctx context.Context) ([]byte, error)
}

// NewChronySource locates chronyc and returns a source backed by it.
func NewChronySource(timeout time.Duration) (*ChronySource, error) {
	path, err := exec.LookPath("chronyc")
	if err != nil {
		return nil, fmt.Errorf("chronyc not found in PATH: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &ChronySource{
		binary:  path,
		timeout: timeout,
		log:     slog.With("component", "timesync"),
	}
	c.run = c.execTracking
	return c, nil
}

func (c *ChronySource) execTracking(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, "-c", "tracking")
	return cmd.Output()
}

// Offset returns the system clock's offset from NTP time. Positive
// means the system clock is ahead.
func (c *ChronySource) Offset() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	out, err := c.run(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to query chrony tracking: %w", err)
	}
	return ParseTracking(string(out))
}

// ParseTracking extracts the offset from one line of chronyc -c
// tracking output.
func ParseTracking(line string) (time.Duration, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < trackingMinFields {
		return 0, fmt.Errorf("unexpected chrony tracking output: %d fields", len(fields))
	}
	if leap := fields[trackingLeapField]; strings.EqualFold(leap, "not synchronised") || strings.EqualFold(leap, "not synchronized") {
		return 0, fmt.Errorf("chrony reports clock not synchronised")
	}
	seconds, err := strconv.ParseFloat(fields[trackingOffsetField], 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse chrony offset %q: %w", fields[trackingOffsetField], err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// StaticSource always reports the same offset. Zero keeps the time
// health check green for simulator runs.
type StaticSource time.Duration

func (s StaticSource) Offset() (time.Duration, error) { return time.Duration(s), nil }

// Source is anything that can report the current clock offset.
type Source interface {
	Offset() (time.Duration, error)
}

// Monitor samples a source at low frequency and serves the cached
// result, so the ~1 Hz safety watchdog never shells out to chrony
// itself.
type Monitor struct {
	source   Source
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	offset   time.Duration
	err      error
	sampled  time.Time
	hasValue bool

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMonitor wraps source with a polling cache. interval defaults to
// 30 s.
func NewMonitor(source Source, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		source:   source,
		interval: interval,
		log:      slog.With("component", "timesync"),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start samples once immediately, then on every interval tick.
func (m *Monitor) Start() {
	m.sample()
	go m.loop()
}

// Stop terminates the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.quit) })
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	offset, err := m.source.Offset()
	m.mu.Lock()
	m.offset, m.err = offset, err
	m.sampled = time.Now()
	m.hasValue = true
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("time offset sample failed", "error", err)
	}
}

// Offset serves the most recent sample. A sample error is returned
// as-is so the time health check fails closed.
func (m *Monitor) Offset() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasValue {
		return 0, fmt.Errorf("no time offset sampled yet")
	}
	return m.offset, m.err
}

// LastSample reports when the cached offset was measured.
func (m *Monitor) LastSample() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampled
}
