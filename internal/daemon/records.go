package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/citra-space/citrascope/internal/dispatch"
)

const (
	recordFetchTimeout = 10 * time.Second
	recordRetryDelay   = 15 * time.Second
)

// records resolves this station's telescope and ground-station
// documents at startup, retrying in the background so a dispatch outage
// at boot does not keep the daemon down. Readers get nil until a fetch
// lands; the pipeline treats a nil record as "not yet known" and fills
// what it can.
type records struct {
	client      *dispatch.Client
	telescopeID string
	stationID   string
	log         *slog.Logger

	// onTelescope fires once, on the goroutine that loaded the record.
	onTelescope func(*dispatch.Telescope)

	mu  sync.RWMutex
	tel *dispatch.Telescope
	gs  *dispatch.GroundStation

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newRecords(client *dispatch.Client, telescopeID, stationID string) *records {
	return &records{
		client:      client,
		telescopeID: telescopeID,
		stationID:   stationID,
		log:         slog.With("component", "records"),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Telescope returns the loaded telescope record, or nil.
func (r *records) Telescope() *dispatch.Telescope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tel
}

// GroundStation returns the loaded station record, or nil.
func (r *records) GroundStation() *dispatch.GroundStation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gs
}

func (r *records) start() { go r.fetchLoop() }

func (r *records) stop() {
	r.once.Do(func() { close(r.quit) })
	<-r.done
}

func (r *records) fetchLoop() {
	defer close(r.done)
	for {
		if r.fetch() {
			return
		}
		select {
		case <-r.quit:
			return
		case <-time.After(recordRetryDelay):
		}
	}
}

// fetch attempts whichever records are still missing and reports
// whether everything this station needs has been loaded.
func (r *records) fetch() bool {
	ctx, cancel := context.WithTimeout(context.Background(), recordFetchTimeout)
	defer cancel()

	complete := true

	if r.Telescope() == nil {
		rec, err := r.client.Telescope(ctx, r.telescopeID)
		if err != nil {
			r.log.Warn("failed to fetch telescope record, will retry", "error", err)
			complete = false
		} else {
			r.mu.Lock()
			r.tel = rec
			r.mu.Unlock()
			r.log.Info("telescope record loaded", "name", rec.Name, "automated", rec.AutomatedScheduling)
			if r.onTelescope != nil {
				r.onTelescope(rec)
			}
		}
	}

	if r.stationID != "" && r.GroundStation() == nil {
		rec, err := r.client.GroundStation(ctx, r.stationID)
		if err != nil {
			r.log.Warn("failed to fetch ground station record, will retry", "error", err)
			complete = false
		} else {
			r.mu.Lock()
			r.gs = rec
			r.mu.Unlock()
			r.log.Info("ground station record loaded", "name", rec.Name)
		}
	}

	return complete
}
