// Package location serves the observing site position. Fixed stations
// read it from config once; mobile stations track a GPS fix and push
// position changes back to the dispatch API.
package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/citra-space/citrascope/internal/hardware"
)

// Site is an observing position in degrees and meters.
type Site struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Service is anything that can answer "where is the telescope".
type Service interface {
	Site() Site
}

// Static serves a position that never changes.
type Static Site

func (s Static) Site() Site { return Site(s) }

// FixSource produces GPS fixes.
type FixSource interface {
	Fix() (Site, error)
}

// Updater pushes a station position to the dispatch API.
type Updater interface {
	UpdateGroundStationLocation(ctx context.Context, stationID string, lat, lon, alt float64) error
}

// GPSMonitor polls a fix source at low frequency. When the station has
// drifted past the movement threshold the new position is pushed
// upstream and served to callers.
type GPSMonitor struct {
	source    FixSource
	updater   Updater
	stationID string
	interval  time.Duration
	moveDeg   float64
	log       *slog.Logger

	mu   sync.RWMutex
	site Site

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewGPSMonitor starts from seed and reports movement beyond
// thresholdDeg of great-circle separation. interval defaults to 60 s.
func NewGPSMonitor(source FixSource, updater Updater, stationID string, seed Site, interval time.Duration, thresholdDeg float64) *GPSMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if thresholdDeg <= 0 {
		thresholdDeg = 0.001 // roughly 100 m
	}
	return &GPSMonitor{
		source:    source,
		updater:   updater,
		stationID: stationID,
		interval:  interval,
		moveDeg:   thresholdDeg,
		log:       slog.With("component", "location"),
		site:      seed,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Site returns the most recent accepted position.
func (g *GPSMonitor) Site() Site {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.site
}

// Start launches the polling loop.
func (g *GPSMonitor) Start() {
	go g.loop()
}

// Stop terminates the loop and waits for it to exit.
func (g *GPSMonitor) Stop() {
	g.once.Do(func() { close(g.quit) })
	<-g.done
}

func (g *GPSMonitor) loop() {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.quit:
			return
		case <-ticker.C:
			g.poll()
		}
	}
}

func (g *GPSMonitor) poll() {
	fix, err := g.source.Fix()
	if err != nil {
		g.log.Warn("gps fix failed", "error", err)
		return
	}

	g.mu.RLock()
	current := g.site
	g.mu.RUnlock()

	moved := hardware.AngularDistance(current.Longitude, current.Latitude, fix.Longitude, fix.Latitude)
	if moved < g.moveDeg {
		return
	}
	g.log.Info("station moved, updating position",
		"moved_deg", moved, "lat", fix.Latitude, "lon", fix.Longitude, "alt", fix.Altitude)

	if g.updater != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := g.updater.UpdateGroundStationLocation(ctx, g.stationID, fix.Latitude, fix.Longitude, fix.Altitude)
		cancel()
		if err != nil {
			// Keep serving the old position so the next poll retries the push.
			g.log.Error("failed to push station position", "error", err)
			return
		}
	}

	g.mu.Lock()
	g.site = fix
	g.mu.Unlock()
}
