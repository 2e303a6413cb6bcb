// Package daemon is the composition root: it builds every subsystem
// from one config tree, starts them in dependency order, and tears them
// down in reverse when the run context ends.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/citra-space/citrascope/internal/cache"
	"github.com/citra-space/citrascope/internal/config"
	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/ephemeris"
	"github.com/citra-space/citrascope/internal/hardware"
	"github.com/citra-space/citrascope/internal/location"
	"github.com/citra-space/citrascope/internal/pipeline"
	"github.com/citra-space/citrascope/internal/processing"
	"github.com/citra-space/citrascope/internal/safety"
	"github.com/citra-space/citrascope/internal/scheduler"
	"github.com/citra-space/citrascope/internal/statusapi"
	"github.com/citra-space/citrascope/internal/task"
	"github.com/citra-space/citrascope/internal/telescope"
	"github.com/citra-space/citrascope/internal/timesync"
)

const mountPollInterval = 500 * time.Millisecond

// Options injects the pieces a deployment swaps out. Settings is
// required; the rest fall back to defaults chosen from the config.
type Options struct {
	Settings *config.Manager

	// Adapter overrides hardware selection. When nil the daemon builds
	// the simulator if the config enables it, and refuses to start
	// otherwise.
	Adapter hardware.Adapter

	// Ephemeris overrides the orbit propagator. Defaults to the bundled
	// linear source, which is only adequate for simulator runs.
	Ephemeris ephemeris.Source

	// TimeSource overrides the clock-offset source. Defaults to chrony
	// when chronyc is on PATH, else a fixed zero offset.
	TimeSource timesync.Source

	// Fix supplies GPS fixes for mobile stations. Without one the
	// configured position is served even when location.mobile is set.
	Fix location.FixSource
}

// Daemon owns the assembled subsystem graph.
type Daemon struct {
	cfg      *config.Config
	settings *config.Manager
	log      *slog.Logger

	client     *dispatch.Client
	registry   *task.Registry
	adapter    hardware.Adapter
	store      cache.Store
	redis      *cache.Redis
	timeMon    *timesync.Monitor
	mountCache *hardware.MountCache
	opStop     *safety.OperatorStop
	monitor    *safety.Monitor
	gps        *location.GPSMonitor
	records    *records
	pipe       *pipeline.Pipeline
	managers   *telescope.Managers
	sched      *scheduler.Scheduler
	status     *statusapi.Server
}

// New assembles the daemon. Nothing is started and no hardware is
// touched; Run does both.
func New(opts Options) (*Daemon, error) {
	if opts.Settings == nil {
		return nil, fmt.Errorf("settings manager is required")
	}
	cfg := opts.Settings.Get()
	log := slog.With("component", "daemon")

	adapter := opts.Adapter
	if adapter == nil {
		if !cfg.Simulator.Enabled {
			return nil, fmt.Errorf("no hardware adapter injected and simulator.enabled is false")
		}
		adapter = hardware.NewSimulator(hardware.SimOptions{
			SlewRateDegS: cfg.Simulator.SlewRateDegS,
			ExposureS:    cfg.Simulator.ExposureS,
			ImagesRoot:   cfg.Images.Root,
			AltAz:        cfg.Safety.AltAzMount,
		})
		log.Info("no hardware adapter injected, using simulator")
	}

	client := dispatch.NewClient(cfg.Server.BaseURL, cfg.Server.Token, cfg.HTTPTimeout())
	registry := task.NewRegistry()

	var store cache.Store
	var redisStore *cache.Redis
	switch cfg.Cache.Backend {
	case "redis":
		r, err := cache.NewRedis(cfg.Cache.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to build cache: %w", err)
		}
		store, redisStore = r, r
	default:
		store = cache.NewMemory()
	}

	timeSource := opts.TimeSource
	if timeSource == nil {
		cs, err := timesync.NewChronySource(0)
		if err != nil {
			log.Warn("chrony unavailable, assuming zero clock offset", "error", err)
			timeSource = timesync.StaticSource(0)
		} else {
			timeSource = cs
		}
	}
	timeMon := timesync.NewMonitor(timeSource, 30*time.Second)

	mountCache := hardware.NewMountCache(adapter, mountPollInterval)

	opStop := safety.NewOperatorStop()
	checks := []safety.Check{
		opStop,
		safety.NewDiskSpace(cfg.Images.Root),
		safety.NewTimeHealth(timeMon, time.Duration(cfg.Safety.TimePauseOffsetS*float64(time.Second))),
	}
	if cfg.Safety.AltAzMount {
		var mount safety.UnwindMount
		if az, ok := adapter.(hardware.AzimuthMover); ok {
			mount = unwindMount{AzimuthMover: az, cache: mountCache}
		} else {
			log.Warn("alt-az mount without azimuth drive, cable wrap can gate but not unwind")
		}
		checks = append(checks, safety.NewCableWrap(mountCache, mount, cfg.Safety.StateDir, safety.CableWrapOptions{
			SoftLimitDeg:  cfg.Safety.CableSoftLimitDeg,
			HardLimitDeg:  cfg.Safety.CableHardLimitDeg,
			SlewMarginDeg: cfg.Safety.CableSlewMarginDeg,
		}))
	}
	abort := func() {
		if err := adapter.AbortSlew(); err != nil {
			slog.Error("emergency abort: failed to stop slew", "error", err)
		}
		if az, ok := adapter.(hardware.AzimuthMover); ok {
			if err := az.StopMotion(); err != nil {
				slog.Error("emergency abort: failed to stop azimuth motion", "error", err)
			}
		}
	}
	monitor := safety.NewMonitor(cfg.WatchdogInterval(), abort, checks...)

	seed := location.Site{
		Latitude:  cfg.Location.Latitude,
		Longitude: cfg.Location.Longitude,
		Altitude:  cfg.Location.Altitude,
	}
	var site location.Service
	var gps *location.GPSMonitor
	if cfg.Location.Mobile && opts.Fix != nil {
		gps = location.NewGPSMonitor(opts.Fix, client, cfg.Server.GroundStationID, seed, 0, 0)
		site = gps
	} else {
		if cfg.Location.Mobile {
			log.Warn("location.mobile set but no GPS source injected, serving the configured position")
		}
		site = location.Static(seed)
	}

	source := opts.Ephemeris
	if source == nil {
		source = ephemeris.LinearSource{}
		log.Warn("no ephemeris source injected, using linear propagation; suitable for simulator runs only")
	}

	procs := processing.NewRegistry(cfg.Processing.RequiredKeywords)

	var slewRate float64
	if cfg.Simulator.Enabled {
		slewRate = cfg.Simulator.SlewRateDegS
	}
	driver := telescope.NewDriver(client, adapter, source, telescope.DriverConfig{
		Site:         site,
		Cache:        store,
		CacheTTL:     cfg.CacheTTL(),
		Gate:         monitor,
		ExposureS:    cfg.Images.ExposureS,
		SlewRateDegS: slewRate,
	})

	recs := newRecords(client, cfg.Server.TelescopeID, cfg.Server.GroundStationID)

	pipe := pipeline.New(client, driver, adapter, registry, procs, pipeline.Options{
		Records:  recs,
		Site:     site,
		Settings: opts.Settings,
		Cache:    store,
	})

	managers := telescope.NewManagers(adapter, pipe, opts.Settings, cfg.Safety.StateDir)

	sched := scheduler.New(client, registry, pipe, monitor, managers, scheduler.Options{
		TelescopeID:    cfg.Server.TelescopeID,
		PollInterval:   cfg.PollInterval(),
		RunnerInterval: cfg.RunnerInterval(),
		Automated:      cfg.Scheduler.AutomatedScheduling,
	})

	// The server-side flag wins once the telescope record arrives so a
	// flip made while the daemon was down is not lost.
	recs.onTelescope = func(rec *dispatch.Telescope) {
		sched.SetAutomated(rec.AutomatedScheduling)
	}

	status := statusapi.New(statusapi.Options{
		ListenAddr:  cfg.Status.ListenAddr,
		TelescopeID: cfg.Server.TelescopeID,
		Scheduler:   sched,
		Pipeline:    pipe,
		Safety:      monitor,
		Stop:        opStop,
		Registry:    registry,
		Managers:    managers,
		Adapter:     adapter,
		Time:        timeMon,
		Dispatch:    client,
	})

	return &Daemon{
		cfg:        cfg,
		settings:   opts.Settings,
		log:        log,
		client:     client,
		registry:   registry,
		adapter:    adapter,
		store:      store,
		redis:      redisStore,
		timeMon:    timeMon,
		mountCache: mountCache,
		opStop:     opStop,
		monitor:    monitor,
		gps:        gps,
		records:    recs,
		pipe:       pipe,
		managers:   managers,
		sched:      sched,
		status:     status,
	}, nil
}

// Scheduler exposes the scheduler for tests and embedding callers.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// Registry exposes the task registry for tests and embedding callers.
func (d *Daemon) Registry() *task.Registry { return d.registry }

// Run connects the hardware, starts every subsystem, and blocks until
// ctx is cancelled. Shutdown happens in reverse start order: the
// scheduler stops feeding work before the pipeline drains, and the
// hardware disconnects last.
func (d *Daemon) Run(ctx context.Context) error {
	if d.redis != nil {
		defer d.redis.Close()
	}

	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect hardware: %w", err)
	}
	defer d.adapter.Disconnect()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := d.settings.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			d.log.Warn("config watch ended", "error", err)
		}
	}()

	d.timeMon.Start()
	defer d.timeMon.Stop()

	d.mountCache.Start()
	defer d.mountCache.Stop()

	if d.gps != nil {
		d.gps.Start()
		defer d.gps.Stop()
	}

	d.monitor.Start()
	defer d.monitor.Stop()

	d.records.start()
	defer d.records.stop()

	d.pipe.Start()
	defer d.pipe.Stop()

	d.sched.Start(ctx)
	defer d.sched.Stop()

	d.status.Start()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.status.Stop(shutCtx)
	}()

	d.log.Info("daemon up",
		"telescope_id", d.cfg.Server.TelescopeID,
		"server", d.cfg.Server.BaseURL,
		"status_addr", d.cfg.Status.ListenAddr,
		"automated", d.sched.Automated())

	<-ctx.Done()
	d.log.Info("shutting down")
	return nil
}

// unwindMount pairs the adapter's azimuth drive with the mount cache's
// cheap direction reads for the cable unwind.
type unwindMount struct {
	hardware.AzimuthMover
	cache *hardware.MountCache
}

func (u unwindMount) Direction() (float64, float64, error) {
	return u.cache.Direction()
}

var _ safety.UnwindMount = unwindMount{}
