// Package statusapi is the daemon's operator surface: a small JSON API
// for dashboards and scripts, a Prometheus endpoint, and a websocket
// feed pushing the same status document once a second. It exposes the
// controls an operator on site needs — stop, pause, clear, maintenance
// requests — and nothing that belongs to the dispatch service.
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/citra-space/citrascope/internal/hardware"
	"github.com/citra-space/citrascope/internal/pipeline"
	"github.com/citra-space/citrascope/internal/safety"
	"github.com/citra-space/citrascope/internal/scheduler"
	"github.com/citra-space/citrascope/internal/task"
	"github.com/citra-space/citrascope/internal/telescope"
	"github.com/citra-space/citrascope/internal/timesync"
)

// ============================================================================
// COLLABORATOR CONTRACTS
// ============================================================================

// Scheduler is the control slice of the task scheduler.
type Scheduler interface {
	Pause()
	Resume()
	Paused() bool
	SetAutomated(v bool)
	Automated() bool
	ClearPending() int
	CurrentTask() (*task.Task, bool)
	Stats() scheduler.Stats
}

// Pipeline reports the stage queues.
type Pipeline interface {
	Stats() pipeline.Stats
}

// Safety is the monitor slice the status surface reads and pokes.
type Safety interface {
	Snapshot() safety.Snapshot
	GetCheck(name string) safety.Check
}

// Dispatch pushes operator changes back to the server. Optional.
type Dispatch interface {
	SetAutomatedScheduling(ctx context.Context, telescopeID string, enabled bool) error
}

// Options carries the server's collaborators; nil fields disable the
// routes that need them.
type Options struct {
	ListenAddr  string
	TelescopeID string

	Scheduler Scheduler
	Pipeline  Pipeline
	Safety    Safety
	Stop      *safety.OperatorStop
	Registry  *task.Registry
	Managers  *telescope.Managers
	Adapter   hardware.Adapter
	Time      *timesync.Monitor
	Dispatch  Dispatch
}

// Server is the HTTP half of the operator surface; the websocket hub
// rides on it.
type Server struct {
	opts    Options
	log     *slog.Logger
	hub     *hub
	httpSrv *http.Server
	started time.Time
}

// New builds the server; Start brings up the listener.
func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		log:  slog.With("component", "statusapi"),
	}
	s.hub = newHub(s.statusPayload)
	return s
}

// Handler builds the full route table. Exposed so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/tasks", s.handleTasks).Methods("GET")
	r.HandleFunc("/api/devices", s.handleDevices).Methods("GET")

	r.HandleFunc("/api/stop", s.handleStop).Methods("POST")
	r.HandleFunc("/api/stop/clear", s.handleStopClear).Methods("POST")

	r.HandleFunc("/api/scheduler/pause", s.handlePause).Methods("POST")
	r.HandleFunc("/api/scheduler/resume", s.handleResume).Methods("POST")
	r.HandleFunc("/api/scheduler/clear", s.handleClear).Methods("POST")
	r.HandleFunc("/api/scheduler/automated", s.handleAutomated).Methods("POST")

	r.HandleFunc("/api/managers/{name}/request", s.handleManagerRequest).Methods("POST")
	r.HandleFunc("/api/managers/{name}/cancel", s.handleManagerCancel).Methods("POST")

	r.HandleFunc("/api/safety/{check}/action", s.handleSafetyAction).Methods("POST")
	r.HandleFunc("/api/safety/{check}/reset", s.handleSafetyReset).Methods("POST")

	r.HandleFunc("/api/events", s.hub.handleEvents).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start brings up the listener and the websocket broadcaster.
func (s *Server) Start() {
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.hub.start()

	go func() {
		s.log.Info("status api listening", "addr", s.opts.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status api failed", "error", err)
		}
	}()
}

// Stop drains the websocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.hub.stop()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("status api shutdown incomplete", "error", err)
		}
	}
}

// ============================================================================
// STATUS DOCUMENT
// ============================================================================

type managerStatus struct {
	Name      string `json:"name"`
	Requested bool   `json:"requested"`
	Running   bool   `json:"running"`
	Progress  string `json:"progress,omitempty"`
}

type timeStatus struct {
	OffsetS   float64 `json:"offsetS"`
	SampledAt string  `json:"sampledAt,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type stopStatus struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

type statusDoc struct {
	Time         string          `json:"time"`
	UptimeS      float64         `json:"uptimeS"`
	Scheduler    scheduler.Stats `json:"scheduler"`
	Queues       pipeline.Stats  `json:"queues"`
	Buckets      map[string]int  `json:"buckets"`
	CurrentTask  *task.View      `json:"currentTask,omitempty"`
	Safety       safety.Snapshot `json:"safety"`
	OperatorStop stopStatus      `json:"operatorStop"`
	Managers     []managerStatus `json:"managers"`
	TimeSync     *timeStatus     `json:"timeSync,omitempty"`
	Telescope    bool            `json:"telescopeConnected"`
	Camera       bool            `json:"cameraConnected"`
}

// statusPayload assembles the document served by /api/status and pushed
// over the websocket feed.
func (s *Server) statusPayload() any {
	doc := statusDoc{
		Time:    time.Now().UTC().Format(time.RFC3339),
		UptimeS: time.Since(s.started).Seconds(),
	}
	if s.opts.Scheduler != nil {
		doc.Scheduler = s.opts.Scheduler.Stats()
		if t, ok := s.opts.Scheduler.CurrentTask(); ok && s.opts.Registry != nil {
			if stage, ok := s.opts.Registry.Stage(t.ID); ok {
				v := t.ViewIn(stage)
				doc.CurrentTask = &v
			}
		}
	}
	if s.opts.Pipeline != nil {
		doc.Queues = s.opts.Pipeline.Stats()
	}
	if s.opts.Registry != nil {
		doc.Buckets = s.opts.Registry.CountByStage()
	}
	if s.opts.Safety != nil {
		doc.Safety = s.opts.Safety.Snapshot()
	}
	if s.opts.Stop != nil {
		doc.OperatorStop = stopStatus{Active: s.opts.Stop.Active()}
		if fields := s.opts.Stop.Status(); fields != nil {
			if r, ok := fields["reason"].(string); ok {
				doc.OperatorStop.Reason = r
			}
		}
	}
	if s.opts.Managers != nil {
		for _, m := range s.opts.Managers.All() {
			doc.Managers = append(doc.Managers, managerStatus{
				Name:      m.Name(),
				Requested: m.IsRequested(),
				Running:   m.IsRunning(),
				Progress:  m.Progress(),
			})
		}
	}
	if s.opts.Time != nil {
		ts := &timeStatus{}
		if off, err := s.opts.Time.Offset(); err != nil {
			ts.Error = err.Error()
		} else {
			ts.OffsetS = off.Seconds()
		}
		if at := s.opts.Time.LastSample(); !at.IsZero() {
			ts.SampledAt = at.UTC().Format(time.RFC3339)
		}
		doc.TimeSync = ts
	}
	if s.opts.Adapter != nil {
		doc.Telescope = s.opts.Adapter.IsTelescopeConnected()
		doc.Camera = s.opts.Adapter.IsCameraConnected()
	}
	return doc
}

// ============================================================================
// HANDLERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	views := []task.View{}
	if s.opts.Registry != nil {
		views = s.opts.Registry.Views()
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := []hardware.Device{}
	if s.opts.Adapter != nil {
		devices = s.opts.Adapter.ListDevices()
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stop == nil {
		writeErr(w, http.StatusServiceUnavailable, "operator stop not wired")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) // empty body is a valid stop
	if body.Reason == "" {
		body.Reason = "operator stop via status api"
	}
	s.opts.Stop.Activate(body.Reason)
	s.log.Warn("operator stop activated", "reason", body.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"active": true})
}

func (s *Server) handleStopClear(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Stop == nil {
		writeErr(w, http.StatusServiceUnavailable, "operator stop not wired")
		return
	}
	s.opts.Stop.Clear()
	s.log.Info("operator stop cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"active": false})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.opts.Scheduler.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.opts.Scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	n := s.opts.Scheduler.ClearPending()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// handleAutomated flips automated scheduling locally and mirrors the
// change to the dispatch server so both sides agree after a restart.
func (s *Server) handleAutomated(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	s.opts.Scheduler.SetAutomated(body.Enabled)
	if s.opts.Dispatch != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := s.opts.Dispatch.SetAutomatedScheduling(ctx, s.opts.TelescopeID, body.Enabled); err != nil {
			s.log.Warn("failed to mirror automated flag to dispatch", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"automated": body.Enabled})
}

func (s *Server) handleManagerRequest(w http.ResponseWriter, r *http.Request) {
	m := s.manager(w, r)
	if m == nil {
		return
	}
	m.Request()
	writeJSON(w, http.StatusOK, map[string]string{"state": "requested"})
}

func (s *Server) handleManagerCancel(w http.ResponseWriter, r *http.Request) {
	m := s.manager(w, r)
	if m == nil {
		return
	}
	m.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"state": "cancelled"})
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) *telescope.Manager {
	if s.opts.Managers == nil {
		writeErr(w, http.StatusServiceUnavailable, "maintenance managers not wired")
		return nil
	}
	name := mux.Vars(r)["name"]
	m := s.opts.Managers.ByName(name)
	if m == nil {
		writeErr(w, http.StatusNotFound, "unknown manager "+name)
		return nil
	}
	return m
}

// handleSafetyAction triggers a check's corrective action by hand, for
// example starting a cable unwind during a maintenance window.
func (s *Server) handleSafetyAction(w http.ResponseWriter, r *http.Request) {
	ch := s.check(w, r)
	if ch == nil {
		return
	}
	corr, ok := ch.(safety.Corrective)
	if !ok {
		writeErr(w, http.StatusBadRequest, ch.Name()+" has no corrective action")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	go func() {
		defer cancel()
		if err := corr.ExecuteAction(ctx); err != nil {
			s.log.Error("corrective action failed", "check", ch.Name(), "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": "started"})
}

func (s *Server) handleSafetyReset(w http.ResponseWriter, r *http.Request) {
	ch := s.check(w, r)
	if ch == nil {
		return
	}
	res, ok := ch.(safety.Resettable)
	if !ok {
		writeErr(w, http.StatusBadRequest, ch.Name()+" is not resettable")
		return
	}
	res.Reset()
	s.log.Info("safety check reset", "check", ch.Name())
	writeJSON(w, http.StatusOK, map[string]string{"state": "reset"})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) safety.Check {
	if s.opts.Safety == nil {
		writeErr(w, http.StatusServiceUnavailable, "safety monitor not wired")
		return nil
	}
	name := mux.Vars(r)["check"]
	ch := s.opts.Safety.GetCheck(name)
	if ch == nil {
		writeErr(w, http.StatusNotFound, "unknown check "+name)
		return nil
	}
	return ch
}
