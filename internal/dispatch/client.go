// Package dispatch is the HTTP client for the remote task-dispatch
// service: task listing, satellite and station records, terminal status
// writes, and the two-step image upload.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// APIError reports a non-2xx response. The daemon treats every APIError
// as transient and lets the retry machinery decide when to give up.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// ErrHTMLBody marks a response whose body is an HTML page rather than
// JSON. Proxies in front of the service answer with error pages during
// outages, so this is treated like any other transient failure.
var ErrHTMLBody = fmt.Errorf("dispatch: HTML response body")

// Client talks to the task-dispatch service with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// NewClient builds a dispatch client. baseURL has no trailing slash.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     slog.With("component", "dispatch"),
	}
}

// ============================================================================
// TASK OPERATIONS
// ============================================================================

// Tasks lists every task the server currently holds for the telescope.
func (c *Client) Tasks(ctx context.Context, telescopeID string) ([]TaskRecord, error) {
	var tasks []TaskRecord
	if err := c.doJSON(ctx, http.MethodGet, "/telescopes/"+telescopeID+"/tasks", nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// MarkTask writes a terminal status (Succeeded or Failed) for a task.
func (c *Client) MarkTask(ctx context.Context, taskID, status string) error {
	body := map[string]string{"status": status}
	if err := c.doJSON(ctx, http.MethodPut, "/tasks/"+taskID, body, nil); err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", taskID, status, err)
	}
	return nil
}

// ============================================================================
// RECORD OPERATIONS
// ============================================================================

// Satellite fetches the satellite record with its elset history.
func (c *Client) Satellite(ctx context.Context, satelliteID string) (*Satellite, error) {
	var sat Satellite
	if err := c.doJSON(ctx, http.MethodGet, "/satellites/"+satelliteID, nil, &sat); err != nil {
		return nil, fmt.Errorf("failed to get satellite %s: %w", satelliteID, err)
	}
	return &sat, nil
}

// Telescope fetches this station's telescope record.
func (c *Client) Telescope(ctx context.Context, telescopeID string) (*Telescope, error) {
	var t Telescope
	if err := c.doJSON(ctx, http.MethodGet, "/telescopes/"+telescopeID, nil, &t); err != nil {
		return nil, fmt.Errorf("failed to get telescope %s: %w", telescopeID, err)
	}
	return &t, nil
}

// GroundStation fetches the observing-site record.
func (c *Client) GroundStation(ctx context.Context, stationID string) (*GroundStation, error) {
	var gs GroundStation
	if err := c.doJSON(ctx, http.MethodGet, "/ground-stations/"+stationID, nil, &gs); err != nil {
		return nil, fmt.Errorf("failed to get ground station %s: %w", stationID, err)
	}
	return &gs, nil
}

// SetAutomatedScheduling toggles the server-side scheduling flag for
// this telescope.
func (c *Client) SetAutomatedScheduling(ctx context.Context, telescopeID string, enabled bool) error {
	body := map[string]any{"id": telescopeID, "automatedScheduling": enabled}
	if err := c.doJSON(ctx, http.MethodPatch, "/telescopes", body, nil); err != nil {
		return fmt.Errorf("failed to set automated scheduling: %w", err)
	}
	return nil
}

// UpdateGroundStationLocation pushes a new site position for mobile
// stations.
func (c *Client) UpdateGroundStationLocation(ctx context.Context, stationID string, lat, lon, alt float64) error {
	body := map[string]any{"latitude": lat, "longitude": lon, "altitude": alt}
	if err := c.doJSON(ctx, http.MethodPut, "/ground-stations/"+stationID, body, nil); err != nil {
		return fmt.Errorf("failed to update ground station location: %w", err)
	}
	return nil
}

// ============================================================================
// UPLOAD OPERATIONS
// ============================================================================

// RequestImageUpload asks the server for a pre-signed upload ticket for
// one capture file.
func (c *Client) RequestImageUpload(ctx context.Context, taskID, filename string) (*ImageUploadTicket, error) {
	q := url.Values{}
	q.Set("taskId", taskID)
	q.Set("filename", filename)

	var ticket ImageUploadTicket
	if err := c.doJSON(ctx, http.MethodPost, "/my/images?"+q.Encode(), nil, &ticket); err != nil {
		return nil, fmt.Errorf("failed to request image upload: %w", err)
	}
	return &ticket, nil
}

// UploadImage posts the file to the ticket's pre-signed URL as multipart
// form data. The destination is server-signed, so no bearer header.
func (c *Client) UploadImage(ctx context.Context, ticket *ImageUploadTicket, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range ticket.Fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write upload field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to buffer capture: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ticket.UploadURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Method: http.MethodPost, Path: ticket.UploadURL, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// PostOpticalObservations submits a batch of astrometric measurements.
func (c *Client) PostOpticalObservations(ctx context.Context, obs []OpticalObservation) error {
	if len(obs) == 0 {
		return nil
	}
	if err := c.doJSON(ctx, http.MethodPost, "/observations/optical", obs, nil); err != nil {
		return fmt.Errorf("failed to post optical observations: %w", err)
	}
	return nil
}

// ============================================================================
// TRANSPORT
// ============================================================================

// doJSON sends one authenticated request and decodes the JSON response
// into out when out is non-nil. Non-2xx statuses and HTML bodies come
// back as errors so callers funnel them into retry.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := raw
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(snippet)}
	}

	if isHTML(resp.Header.Get("Content-Type"), raw) {
		c.log.Warn("HTML body from dispatch service, treating as outage", "method", method, "path", path)
		return fmt.Errorf("%s %s: %w", method, path, ErrHTMLBody)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// isHTML detects proxy error pages that arrive with status 200.
func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("<!DOCTYPE")) || bytes.HasPrefix(trimmed, []byte("<html"))
}
