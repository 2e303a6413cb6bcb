package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citra-space/citrascope/internal/config"
	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/timesync"
)

// ============================================================================
// FAKE DISPATCH SERVICE
// ============================================================================

// ISS TLE; only line 2 is parsed, for its angles and mean motion.
var testTLE = []string{
	"1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927",
	"2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537",
}

type fakeDispatch struct {
	srv *httptest.Server

	mu        sync.Mutex
	tasks     []dispatch.TaskRecord
	marks     []string // "taskID:status"
	uploads   int
	tickets   int
	automated bool
}

func newFakeDispatch(t *testing.T, automated bool) *fakeDispatch {
	t.Helper()
	f := &fakeDispatch{automated: automated}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDispatch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/telescopes/tel-1/tasks":
		// Terminal tasks drop off the list, like the real service.
		open := []dispatch.TaskRecord{}
		for _, rec := range f.tasks {
			switch rec.Status {
			case dispatch.StatusSucceeded, dispatch.StatusFailed, dispatch.StatusCancelled:
			default:
				open = append(open, rec)
			}
		}
		writeBody(w, open)

	case r.Method == http.MethodGet && path == "/telescopes/tel-1":
		writeBody(w, dispatch.Telescope{
			ID: "tel-1", Name: "Main Scope", AutomatedScheduling: f.automated,
			AngularNoise: 0.001, MinWavelength: 400, MaxWavelength: 700,
		})

	case r.Method == http.MethodPatch && path == "/telescopes":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && path == "/ground-stations/gs-1":
		writeBody(w, dispatch.GroundStation{
			ID: "gs-1", Name: "Test Site", Latitude: 52.1, Longitude: 4.3, Altitude: 10,
		})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/satellites/"):
		writeBody(w, dispatch.Satellite{
			ID: strings.TrimPrefix(path, "/satellites/"), Name: "ISS (ZARYA)",
			Elsets: []dispatch.Elset{{TLE: testTLE, CreationEpoch: float64(time.Now().Unix())}},
		})

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/tasks/"):
		var body struct {
			Status string `json:"status"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		id := strings.TrimPrefix(path, "/tasks/")
		f.marks = append(f.marks, id+":"+body.Status)
		for i := range f.tasks {
			if f.tasks[i].ID == id {
				f.tasks[i].Status = body.Status
			}
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && path == "/my/images":
		f.tickets++
		writeBody(w, dispatch.ImageUploadTicket{
			UploadURL: f.srv.URL + "/upload",
			Fields:    map[string]string{"key": "captures/test"},
		})

	case r.Method == http.MethodPost && path == "/upload":
		f.uploads++
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && path == "/observations/optical":
		w.WriteHeader(http.StatusOK)

	default:
		http.NotFound(w, r)
	}
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeDispatch) addTask(id string, start, stop time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, dispatch.TaskRecord{
		ID: id, Status: dispatch.StatusPending,
		SatelliteID: "sat-1", SatelliteName: "ISS (ZARYA)",
		TaskStart: start.UTC().Format(time.RFC3339), TaskStop: stop.UTC().Format(time.RFC3339),
		TelescopeID: "tel-1", GroundStationID: "gs-1",
	})
}

func (f *fakeDispatch) markList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marks...)
}

func (f *fakeDispatch) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// ============================================================================
// FIXTURE
// ============================================================================

func writeConfig(t *testing.T, baseURL string, automated bool) *config.Manager {
	t.Helper()
	root := t.TempDir()
	yaml := fmt.Sprintf(`
server:
  base_url: %s
  telescope_id: tel-1
  ground_station_id: gs-1
  poll_interval_s: 1
  timeout_s: 5
images:
  root: %s
  exposure_s: 0.01
queues:
  max_retries: 2
  initial_delay_s: 0.005
  max_delay_s: 0.02
safety:
  state_dir: %s
  watchdog_interval_s: 0.05
  time_pause_offset_s: 10
scheduler:
  automated_scheduling: %v
  runner_interval_ms: 25
status:
  listen_addr: 127.0.0.1:0
simulator:
  enabled: true
  slew_rate_deg_s: 100000
  exposure_s: 0.01
`, baseURL, filepath.Join(root, "images"), filepath.Join(root, "state"), automated)

	path := filepath.Join(root, "citrascope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	m, err := config.NewManager(path)
	require.NoError(t, err)
	return m
}

// startDaemon runs d until the test ends, failing the test if Run
// returns an error.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runDone:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("daemon did not shut down in time")
		}
	})
}

// ============================================================================
// TESTS
// ============================================================================

func TestDaemonObservesTaskEndToEnd(t *testing.T) {
	fake := newFakeDispatch(t, true)
	now := time.Now()
	fake.addTask("task-1", now.Add(-time.Second), now.Add(2*time.Minute))

	d, err := New(Options{
		Settings:   writeConfig(t, fake.srv.URL, true),
		TimeSource: timesync.StaticSource(0),
	})
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool {
		for _, m := range fake.markList() {
			if m == "task-1:Succeeded" {
				return true
			}
		}
		return false
	}, 30*time.Second, 50*time.Millisecond, "task never reached Succeeded")

	marks := fake.markList()
	assert.Equal(t, "task-1:Scheduled", marks[0], "ack must precede the terminal status")
	assert.Equal(t, 1, fake.uploadCount(), "exactly one capture upload")
	assert.Empty(t, d.Registry().Views(), "task must leave the buckets once finished")
}

func TestDaemonHonorsServerAutomationFlag(t *testing.T) {
	fake := newFakeDispatch(t, false)

	d, err := New(Options{
		Settings:   writeConfig(t, fake.srv.URL, true),
		TimeSource: timesync.StaticSource(0),
	})
	require.NoError(t, err)
	require.True(t, d.Scheduler().Automated(), "config seeds the flag before the record arrives")

	startDaemon(t, d)

	require.Eventually(t, func() bool {
		return !d.Scheduler().Automated()
	}, 10*time.Second, 20*time.Millisecond, "server record should win over the configured flag")
}

func TestDaemonRefusesToStartWithoutHardware(t *testing.T) {
	root := t.TempDir()
	yaml := `
server:
  base_url: http://localhost:9
  telescope_id: tel-1
`
	path := filepath.Join(root, "citrascope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	m, err := config.NewManager(path)
	require.NoError(t, err)

	_, err = New(Options{Settings: m, TimeSource: timesync.StaticSource(0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulator")
}
