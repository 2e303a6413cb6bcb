package hardware

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoMountState is returned before the first successful poll and after
// a read failure.
var ErrNoMountState = errors.New("mount state unavailable")

// MountCache polls the adapter's mount status at a fixed cadence and
// publishes an immutable snapshot. Concurrent readers (safety checks,
// status endpoints) copy the snapshot and never block on device I/O.
type MountCache struct {
	adapter  Adapter
	interval time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	snapshot MountState
	valid    bool

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMountCache builds a cache polling at interval (default 500 ms).
func NewMountCache(adapter Adapter, interval time.Duration) *MountCache {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &MountCache{
		adapter:  adapter,
		interval: interval,
		log:      slog.With("component", "mountcache"),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (c *MountCache) Start() {
	go c.loop()
}

// Stop terminates the poll loop and waits for it to exit.
func (c *MountCache) Stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

func (c *MountCache) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.poll()
	healthy := true
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			ok := c.poll()
			if ok != healthy {
				if ok {
					c.log.Info("mount status reads recovered")
				} else {
					c.log.Warn("mount status reads failing")
				}
				healthy = ok
			}
		}
	}
}

func (c *MountCache) poll() bool {
	st, err := c.adapter.MountState()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.valid = false
		return false
	}
	st.ReadAt = time.Now()
	c.snapshot = st
	c.valid = true
	return true
}

// Snapshot returns the most recent state. ok is false before the first
// successful poll or after a failed one.
func (c *MountCache) Snapshot() (MountState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, c.valid
}

// Azimuth returns the cached azimuth reading.
func (c *MountCache) Azimuth() (float64, error) {
	st, ok := c.Snapshot()
	if !ok {
		return 0, ErrNoMountState
	}
	return st.Azimuth, nil
}

// Direction returns the cached RA/Dec pointing.
func (c *MountCache) Direction() (ra, dec float64, err error) {
	st, ok := c.Snapshot()
	if !ok {
		return 0, 0, ErrNoMountState
	}
	return st.RA, st.Dec, nil
}
