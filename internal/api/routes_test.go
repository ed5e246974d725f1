package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/clipd/internal/apperr"
	"github.com/heimdex/clipd/internal/blob"
	"github.com/heimdex/clipd/internal/fetch"
	"github.com/heimdex/clipd/internal/ffmpeg"
	"github.com/heimdex/clipd/internal/pipeline"
	"github.com/heimdex/clipd/internal/scratch"
	"github.com/heimdex/clipd/internal/timeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJobs struct {
	mergeReq  pipeline.MergeRequest
	mergeRes  *pipeline.MergeResult
	mergeErr  error
	cutReq    pipeline.CutRequest
	cutErr    error
	cutBody   string
	cutCalled bool
}

func (f *fakeJobs) Merge(ctx context.Context, req pipeline.MergeRequest) (*pipeline.MergeResult, error) {
	f.mergeReq = req
	return f.mergeRes, f.mergeErr
}

func (f *fakeJobs) Cut(ctx context.Context, req pipeline.CutRequest, sink func(path string) error) error {
	f.cutCalled = true
	f.cutReq = req
	if f.cutErr != nil {
		return f.cutErr
	}
	file, err := os.CreateTemp("", "clipd-cut-*.mp4")
	if err != nil {
		return err
	}
	defer os.Remove(file.Name())
	if _, err := file.WriteString(f.cutBody); err != nil {
		file.Close()
		return err
	}
	file.Close()
	return sink(file.Name())
}

type fakeDoctor struct {
	caps ffmpeg.Capabilities
}

func (d *fakeDoctor) Get(ctx context.Context) ffmpeg.Capabilities { return d.caps }

type fakeReadiness struct{ err error }

func (f fakeReadiness) Ready() error { return f.err }

type fakeSweeper int64

func (f fakeSweeper) Swept() int64 { return int64(f) }

func testConfig(jobs JobService) ServerConfig {
	return ServerConfig{
		Jobs:      jobs,
		Logger:    testLogger(),
		StartTime: time.Now().Add(-90 * time.Second),
		Version:   "test",
	}
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, body=%s", err, rr.Body.String())
	}
	return body
}

func postMerge(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/merge", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler_OK(t *testing.T) {
	cfg := testConfig(&fakeJobs{})
	cfg.Doctor = &fakeDoctor{caps: ffmpeg.Capabilities{Available: true, Version: "ffmpeg version 6.1", ProbedAt: time.Now()}}
	cfg.Publisher = fakeReadiness{}
	cfg.Janitor = fakeSweeper(3)

	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["publisher_ready"] != true {
		t.Errorf("publisher_ready = %v, want true", body["publisher_ready"])
	}
	if body["scratch_swept"] != float64(3) {
		t.Errorf("scratch_swept = %v, want 3", body["scratch_swept"])
	}
	if uptime, _ := body["uptime_s"].(float64); uptime < 90 {
		t.Errorf("uptime_s = %v, want >= 90", body["uptime_s"])
	}
	tool, ok := body["media_tool"].(map[string]interface{})
	if !ok {
		t.Fatal("media_tool missing from response")
	}
	if tool["version"] != "ffmpeg version 6.1" {
		t.Errorf("media_tool.version = %v", tool["version"])
	}
}

func TestHealthHandler_Degraded(t *testing.T) {
	cfg := testConfig(&fakeJobs{})
	cfg.Doctor = &fakeDoctor{caps: ffmpeg.Capabilities{Available: false, Error: "not found"}}
	cfg.Publisher = fakeReadiness{err: errors.New("no token")}

	rr := httptest.NewRecorder()
	healthHandler(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	body := decodeJSONBody(t, rr)
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
	if body["publisher_ready"] != false {
		t.Errorf("publisher_ready = %v, want false", body["publisher_ready"])
	}
}

func TestHealthHandler_NoAuthRequired(t *testing.T) {
	cfg := testConfig(&fakeJobs{})
	cfg.APIToken = "secret-token"

	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestMergeHandler_Success(t *testing.T) {
	goal := "goal"
	jobs := &fakeJobs{mergeRes: &pipeline.MergeResult{
		JobID:    "job-1",
		VideoURL: "https://store.example.com/highlights/job-1.mp4",
		NewTimestamps: []timeline.RemappedHighlight{
			{Reason: &goal, NewStart: 0, NewEnd: 2},
			{NewStart: 2, NewEnd: 5},
		},
		Segments: 2,
	}}

	rr := postMerge(t, NewRouter(testConfig(jobs)), `{
		"video_url": "https://cdn.example.com/match.mp4",
		"highlights": [
			{"start_time": 0, "end_time": 2, "reason": "goal"},
			{"start_time": 5, "end_time": 5, "reason": "skip"},
			{"start_time": 10, "end_time": 13, "reason": null}
		]
	}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d, body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if jobs.mergeReq.VideoURL != "https://cdn.example.com/match.mp4" {
		t.Errorf("video_url = %q", jobs.mergeReq.VideoURL)
	}
	if len(jobs.mergeReq.Highlights) != 3 {
		t.Fatalf("highlights passed = %d, want 3", len(jobs.mergeReq.Highlights))
	}
	if jobs.mergeReq.Highlights[2].Reason != nil {
		t.Errorf("null reason should decode to nil")
	}

	var resp MergeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.VideoURL != "https://store.example.com/highlights/job-1.mp4" {
		t.Errorf("video_url = %q", resp.VideoURL)
	}
	if len(resp.NewTimestamps) != 2 || resp.NewTimestamps[1].NewEnd != 5 {
		t.Errorf("new_timestamps = %+v", resp.NewTimestamps)
	}
	if !strings.Contains(rr.Body.String(), `"reason":null`) {
		t.Errorf("nil reason should serialize as null, body=%s", rr.Body.String())
	}
}

func TestMergeHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty highlights", apperr.New(apperr.KindClientInput, "highlights must not be empty", ""), http.StatusBadRequest, "CLIENT_INPUT"},
		{"no valid", apperr.New(apperr.KindNoValidSegments, "no valid highlights", ""), http.StatusBadRequest, "NO_VALID_SEGMENTS"},
		{"download", apperr.New(apperr.KindDownload, "failed to download source video", "HTTP 404"), http.StatusBadRequest, "DOWNLOAD_ERROR"},
		{"processing", apperr.New(apperr.KindProcessing, "segment extraction failed", "exit 1: moov atom not found"), http.StatusInternalServerError, "PROCESSING_ERROR"},
		{"upload", apperr.New(apperr.KindUpload, "blob storage credential is not configured", ""), http.StatusInternalServerError, "UPLOAD_ERROR"},
		{"canceled", apperr.Wrap(context.Canceled, apperr.KindProcessing, "segment extraction failed"), apperr.StatusClientClosedRequest, "CANCELED"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postMerge(t, NewRouter(testConfig(&fakeJobs{mergeErr: tt.err})), `{"video_url":"https://x.test/v.mp4","highlights":[]}`)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d", rr.Code, tt.wantStatus)
			}
			body := decodeJSONBody(t, rr)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
			if msg, _ := body["error"].(string); strings.Contains(msg, "moov") || strings.Contains(msg, "HTTP 404") {
				t.Errorf("diagnostic detail leaked into response: %q", msg)
			}
		})
	}
}

func TestMergeHandler_InvalidBody(t *testing.T) {
	jobs := &fakeJobs{}
	rr := postMerge(t, NewRouter(testConfig(jobs)), `{"video_url":`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if jobs.mergeReq.VideoURL != "" {
		t.Error("service should not be called for an invalid body")
	}
}

func TestMergeHandler_BodyTooLarge(t *testing.T) {
	big := `{"video_url":"` + strings.Repeat("a", MaxRequestBodyBytes) + `"}`
	rr := postMerge(t, NewRouter(testConfig(&fakeJobs{})), big)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestMergeHandler_RequiresTokenWhenConfigured(t *testing.T) {
	cfg := testConfig(&fakeJobs{mergeRes: &pipeline.MergeResult{VideoURL: "u"}})
	cfg.APIToken = "secret-token"
	router := NewRouter(cfg)

	rr := postMerge(t, router, `{}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/merge", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestCutHandler_StreamsAttachment(t *testing.T) {
	jobs := &fakeJobs{cutBody: "mp4 bytes"}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cut?url=https://cdn.example.com/match.mp4&start=00:01:05&end=70.5", nil)
	NewRouter(testConfig(jobs)).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d, body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if jobs.cutReq.Start != 65 || jobs.cutReq.End != 70.5 {
		t.Errorf("cut range = %v-%v, want 65-70.5", jobs.cutReq.Start, jobs.cutReq.End)
	}
	if got := rr.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename=match_65.000-70.500.mp4` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rr.Body.String() != "mp4 bytes" {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestCutHandler_BadTimestamp(t *testing.T) {
	jobs := &fakeJobs{}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cut?url=https://cdn.example.com/v.mp4&start=abc&end=10", nil)
	NewRouter(testConfig(jobs)).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if jobs.cutCalled {
		t.Error("service should not be called for a bad timestamp")
	}
}

func TestCutHandler_JobError(t *testing.T) {
	jobs := &fakeJobs{cutErr: apperr.New(apperr.KindProcessing, "cut failed", "exit 1")}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cut?url=https://cdn.example.com/v.mp4&start=1&end=2", nil)
	NewRouter(testConfig(jobs)).ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

// stubTool writes placeholder media files so the real pipeline can run end to end.
type stubTool struct {
	failExtract bool
	// extractStarted, when set, is closed on the first Extract, which then
	// blocks until ctx is done.
	extractStarted chan struct{}
}

func (s *stubTool) Extract(ctx context.Context, input string, start, duration float64, output string) error {
	if s.extractStarted != nil {
		close(s.extractStarted)
		<-ctx.Done()
		return apperr.Wrap(ctx.Err(), apperr.KindProcessing, "segment extraction failed")
	}
	if s.failExtract {
		return apperr.New(apperr.KindProcessing, "segment extraction failed", "exit 1")
	}
	return os.WriteFile(output, []byte("clip"), 0o600)
}

func (s *stubTool) Concat(ctx context.Context, clips []string, listPath, output string) error {
	if err := ffmpeg.WriteConcatList(listPath, clips); err != nil {
		return err
	}
	return os.WriteFile(output, bytes.Repeat([]byte("m"), len(clips)), 0o600)
}

func (s *stubTool) Cut(ctx context.Context, input string, start, end float64, output string) error {
	return os.WriteFile(output, []byte("cut"), 0o600)
}

func TestMerge_EndToEnd(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("source video"))
	}))
	defer source.Close()

	var uploaded []byte
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer blob-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		uploaded, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{"url": "https://public.example.com" + r.URL.Path})
	}))
	defer store.Close()

	tests := []struct {
		name       string
		tool       *stubTool
		body       string
		wantStatus int
	}{
		{
			name:       "success",
			tool:       &stubTool{},
			body:       `{"video_url":"` + source.URL + `/v.mp4","highlights":[{"start_time":0,"end_time":2,"reason":"a"},{"start_time":5,"end_time":5,"reason":"skip"},{"start_time":10,"end_time":13,"reason":"b"}]}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "empty highlights",
			tool:       &stubTool{},
			body:       `{"video_url":"` + source.URL + `/v.mp4","highlights":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "tool failure",
			tool:       &stubTool{failExtract: true},
			body:       `{"video_url":"` + source.URL + `/v.mp4","highlights":[{"start_time":0,"end_time":2}]}`,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "download failure",
			tool:       &stubTool{},
			body:       `{"video_url":"http://127.0.0.1:1/v.mp4","highlights":[{"start_time":0,"end_time":2}]}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploaded = nil
			root := t.TempDir()
			mgr, err := scratch.NewManager(root, testLogger())
			if err != nil {
				t.Fatalf("scratch.NewManager() error = %v", err)
			}
			publisher := blob.NewClient(blob.Options{BaseURL: store.URL, Token: "blob-token", Logger: testLogger()})
			svc := pipeline.NewService(pipeline.Options{
				Fetcher:    fetch.New(fetch.Options{Timeout: 5 * time.Second, Logger: testLogger()}),
				Tool:       tt.tool,
				Publisher:  publisher,
				Scratch:    mgr,
				BlobPrefix: "highlights",
				Logger:     testLogger(),
			})
			cfg := testConfig(svc)
			cfg.Publisher = publisher

			rr := postMerge(t, NewRouter(cfg), tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d, body=%s", rr.Code, tt.wantStatus, rr.Body.String())
			}

			if tt.wantStatus == http.StatusOK {
				var resp MergeResponse
				if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if !strings.HasPrefix(resp.VideoURL, "https://public.example.com/highlights/job-") {
					t.Errorf("video_url = %q", resp.VideoURL)
				}
				want := []timeline.RemappedHighlight{{NewStart: 0, NewEnd: 2}, {NewStart: 2, NewEnd: 5}}
				if len(resp.NewTimestamps) != len(want) {
					t.Fatalf("new_timestamps = %+v", resp.NewTimestamps)
				}
				for i, w := range want {
					got := resp.NewTimestamps[i]
					if got.NewStart != w.NewStart || got.NewEnd != w.NewEnd {
						t.Errorf("new_timestamps[%d] = %+v, want %+v", i, got, w)
					}
				}
				if *resp.NewTimestamps[0].Reason != "a" || *resp.NewTimestamps[1].Reason != "b" {
					t.Errorf("reasons not carried through: %+v", resp.NewTimestamps)
				}
				if string(uploaded) != "mm" {
					t.Errorf("uploaded = %q, want the concatenated output", uploaded)
				}
			} else if uploaded != nil {
				t.Errorf("nothing should be uploaded on failure, got %q", uploaded)
			}

			entries, err := os.ReadDir(root)
			if err != nil {
				t.Fatalf("read scratch root: %v", err)
			}
			if len(entries) != 0 {
				t.Errorf("scratch root has %d leftover entries", len(entries))
			}
		})
	}
}

func TestMerge_ClientCancelDuringExtraction(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("source video"))
	}))
	defer source.Close()

	uploads := 0
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer store.Close()

	root := t.TempDir()
	mgr, err := scratch.NewManager(root, testLogger())
	if err != nil {
		t.Fatalf("scratch.NewManager() error = %v", err)
	}
	tool := &stubTool{extractStarted: make(chan struct{})}
	svc := pipeline.NewService(pipeline.Options{
		Fetcher:   fetch.New(fetch.Options{Timeout: 5 * time.Second, Logger: testLogger()}),
		Tool:      tool,
		Publisher: blob.NewClient(blob.Options{BaseURL: store.URL, Token: "blob-token", Logger: testLogger()}),
		Scratch:   mgr,
		Logger:    testLogger(),
	})
	router := NewRouter(testConfig(svc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := `{"video_url":"` + source.URL + `/v.mp4","highlights":[{"start_time":0,"end_time":2},{"start_time":4,"end_time":6}]}`
	req := httptest.NewRequest(http.MethodPost, "/merge", strings.NewReader(body)).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rr, req)
		close(done)
	}()

	select {
	case <-tool.extractStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("extraction never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancel")
	}

	if rr.Code != apperr.StatusClientClosedRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, apperr.StatusClientClosedRequest)
	}
	if code := decodeJSONBody(t, rr)["code"]; code != "CANCELED" {
		t.Errorf("code = %v, want CANCELED", code)
	}
	if uploads != 0 {
		t.Errorf("uploads = %d, want none after cancel", uploads)
	}
	if svc.Active() != 0 {
		t.Errorf("active jobs = %d, want 0", svc.Active())
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch root has %d leftover entries", len(entries))
	}
}

func TestClipFilename(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.example.com/videos/Match%20Day.mp4?sig=abc", "Match_Day_1.000-2.000.mp4"},
		{"https://cdn.example.com/", "clip_1.000-2.000.mp4"},
		{"https://cdn.example.com/../..", "clip_1.000-2.000.mp4"},
		{"https://cdn.example.com/a%22b%3Cc%3E.mov", "a_b_c_1.000-2.000.mp4"},
	}
	for _, tt := range tests {
		if got := clipFilename(tt.url, 1, 2); got != tt.want {
			t.Errorf("clipFilename(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
