package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/smazurov/hwencode/internal/api/models"
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/pipeline"
	"github.com/smazurov/hwencode/internal/reconfig"
)

type fakePipeline struct {
	mu        sync.Mutex
	stats     pipeline.Stats
	ratesErr  error
	keyErr    error
	rates     [][2]int
	keyFrames int
}

func (f *fakePipeline) Stats() pipeline.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePipeline) SetRates(kbps, fps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ratesErr != nil {
		return f.ratesErr
	}
	f.rates = append(f.rates, [2]int{kbps, fps})
	f.stats.Geometry.BitrateKbps = kbps
	f.stats.Geometry.Framerate = fps
	return nil
}

func (f *fakePipeline) RequestKeyFrame() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyErr != nil {
		return f.keyErr
	}
	f.keyFrames++
	return nil
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		stats: pipeline.Stats{
			State:     pipeline.StateEncoding,
			Submitted: 42,
			Completed: 40,
			Pending:   2,
			Geometry:  reconfig.Geometry{Width: 640, Height: 480, BitrateKbps: 1000, Framerate: 30},
		},
	}
}

func newTestServer(t *testing.T, p Pipeline) *httptest.Server {
	t.Helper()
	server := NewServer(&Options{
		AuthUsername: "test",
		AuthPassword: "test",
		StreamID:     "cam0",
		Pipeline:     p,
	})
	ts := httptest.NewServer(server.GetMux())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.SetBasicAuth("test", "test")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	resp := do(t, http.MethodGet, ts.URL+"/api/health", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var body models.HealthData
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("Expected status ok, got %q", body.Status)
	}
}

func TestVersionNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	resp := do(t, http.MethodGet, ts.URL+"/api/version", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var body models.VersionData
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if body.GoVersion == "" || body.Platform == "" {
		t.Errorf("Expected runtime info, got %+v", body)
	}
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Bearer abc", "", http.StatusUnauthorized},
		{"bad base64", "Basic !!!", "", http.StatusUnauthorized},
		{"no colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("test")), "", http.StatusUnauthorized},
		{"wrong password", "Basic " + base64.StdEncoding.EncodeToString([]byte("test:nope")), "", http.StatusUnauthorized},
		{"header", "Basic " + base64.StdEncoding.EncodeToString([]byte("test:test")), "", http.StatusOK},
		{"query", "", "?auth=" + base64.StdEncoding.EncodeToString([]byte("test:test")), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/pipeline"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
			if tt.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("Expected WWW-Authenticate header")
			}
		})
	}
}

func TestGetPipeline(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	resp := do(t, http.MethodGet, ts.URL+"/api/pipeline", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var body models.PipelineData
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if body.StreamID != "cam0" {
		t.Errorf("Expected stream cam0, got %q", body.StreamID)
	}
	if body.State != string(pipeline.StateEncoding) || body.Submitted != 42 || body.Pending != 2 {
		t.Errorf("Unexpected stats: %+v", body)
	}
	if body.Geometry.Width != 640 {
		t.Errorf("Expected width 640, got %d", body.Geometry.Width)
	}
}

func TestSetRates(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p)

	resp := do(t, http.MethodPut, ts.URL+"/api/pipeline/rates", `{"bitrate_kbps":500,"framerate":15}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var body models.PipelineData
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if body.Geometry.BitrateKbps != 500 || body.Geometry.Framerate != 15 {
		t.Errorf("Expected updated geometry, got %+v", body.Geometry)
	}
	if len(p.rates) != 1 || p.rates[0] != [2]int{500, 15} {
		t.Errorf("Expected one SetRates(500, 15), got %v", p.rates)
	}
}

func TestSetRatesValidation(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	resp := do(t, http.MethodPut, ts.URL+"/api/pipeline/rates", `{"bitrate_kbps":0,"framerate":15}`, true)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 for zero bitrate, got %d", resp.StatusCode)
	}
}

func TestPipelineErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid rates", pipeline.ErrInvalidRates, http.StatusBadRequest},
		{"released", pipeline.ErrReleased, http.StatusConflict},
		{"not initialized", pipeline.ErrNotInitialized, http.StatusConflict},
		{"engine failure", errors.New("engine rejected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePipeline()
			p.ratesErr = tt.err
			ts := newTestServer(t, p)

			resp := do(t, http.MethodPut, ts.URL+"/api/pipeline/rates", `{"bitrate_kbps":500,"framerate":15}`, true)
			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestRequestKeyFrame(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p)

	resp := do(t, http.MethodPost, ts.URL+"/api/pipeline/keyframe", "", true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	if p.keyFrames != 1 {
		t.Errorf("Expected 1 key frame request, got %d", p.keyFrames)
	}

	p.keyErr = pipeline.ErrReleased
	resp = do(t, http.MethodPost, ts.URL+"/api/pipeline/keyframe", "", true)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409 after release, got %d", resp.StatusCode)
	}
}

func TestLogs(t *testing.T) {
	logging.Initialize(logging.Config{Level: "info", Format: "text"})
	logging.GetLogger("apitest").Info("history probe", "n", 1)

	ts := newTestServer(t, newFakePipeline())

	resp := do(t, http.MethodGet, ts.URL+"/api/logs?limit=0", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var body models.LogsData
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	found := false
	for _, e := range body.Entries {
		if e.Message == "history probe" && e.Module == "apitest" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected history probe entry in %d entries", body.Count)
	}
}

func TestSetLogLevel(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	resp := do(t, http.MethodPut, ts.URL+"/api/logs/level", `{"module":"pipeline","level":"debug"}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPut, ts.URL+"/api/logs/level", `{"module":"","level":"debug"}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty module, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	resp := do(t, http.MethodOptions, ts.URL+"/api/pipeline/rates", "", false)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected permissive origin, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "PUT") {
		t.Errorf("Expected PUT in allowed methods, got %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}
}

func TestPrometheusHandlerMounted(t *testing.T) {
	server := NewServer(&Options{
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("hwencode_up 1\n"))
		}),
	})
	ts := httptest.NewServer(server.GetMux())
	defer ts.Close()

	resp := do(t, http.MethodGet, ts.URL+"/metrics", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, ts.URL+"/api/pipeline", "", false)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected pipeline routes to be absent without a pipeline, got %d", resp.StatusCode)
	}
}
