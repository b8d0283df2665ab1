package server

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"histalign/internal/geometry"
	"histalign/internal/pipeline"
	"histalign/internal/registration"
	"histalign/internal/slide"
	"histalign/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "histalign.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SaveRun(registration.Snapshot{
		RunID:     "run-1",
		CreatedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Ordering:  registration.Ordering{IDs: []string{"a", "b"}, RefIndex: 1},
		Frame:     registration.Frame{Reference: "b", Size: image.Pt(400, 300), Width: 40, Height: 30, Step: 10},
		Slides: []registration.SlideSnapshot{
			{ID: "a", Source: "/s/a.svs", Status: slide.Loaded, Rank: 0, Rigid: geometry.Translation(4, 2)},
			{ID: "b", Source: "/s/b.svs", Status: slide.Loaded, Rank: 1, Rigid: geometry.Identity()},
		},
		Errors: []registration.ErrorRow{
			{Slide: "a", Target: "b", Checkpoint: registration.CheckpointPre, Pairs: 9, Mean: 12},
			{Slide: "a", Target: "b", Checkpoint: registration.CheckpointRigid, Pairs: 9, Mean: 1.5},
		},
	}))
	return st
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestRunEndpoints(t *testing.T) {
	s := NewServer(":0", newTestStore(t), nil, registration.DefaultOptions(), registration.WarpOptions{}, slog.Default())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, body := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	resp, body = get(t, ts.URL+"/api/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []storage.RunSummary
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	require.Equal(t, "b", runs[0].Reference)

	resp, body = get(t, ts.URL+"/api/runs/run-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run runView
	require.NoError(t, json.Unmarshal(body, &run))
	require.Equal(t, []string{"a", "b"}, run.Order)
	require.Len(t, run.Slides, 2)
	require.Equal(t, 4.0, run.Slides[0].Rigid.TX)

	resp, body = get(t, ts.URL+"/api/runs/run-1/errors?checkpoint=rigid")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []registration.ErrorRow
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, 1.5, rows[0].Mean)

	resp, _ = get(t, ts.URL+"/api/runs/missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/runs/missing/errors")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/runs/run-1", nil)
	require.NoError(t, err)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dresp.Body.Close()
	require.Equal(t, http.StatusNoContent, dresp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/runs/run-1")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "go_goroutines")
}

func TestSubmitJob(t *testing.T) {
	st := newTestStore(t)
	p := pipeline.New(context.Background(), 1, slog.Default(), st, nil)
	defer p.Stop()
	s := NewServer(":0", st, p, registration.DefaultOptions(), registration.WarpOptions{}, slog.Default())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}
	require.Equal(t, http.StatusAccepted, post(`{"type":"register","sources":["/s/a.svs","/s/b.svs"],"id":"job-1"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(`{"type":"register"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(`{"type":"register","input":"/s","strategy":"chaotic"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(`{"type":"warp","run_id":"run-1"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(`not json`).StatusCode)

	noPipe := httptest.NewServer(NewServer(":0", st, nil, registration.DefaultOptions(), registration.WarpOptions{}, nil).Handler())
	defer noPipe.Close()
	resp, err := http.Post(noPipe.URL+"/api/jobs", "application/json", strings.NewReader(`{"input":"/s"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestJobRequestOverridesDefaults(t *testing.T) {
	defaults := registration.DefaultOptions()
	micro, maxDim := true, 2000
	job, err := JobRequest{
		Input:     "/slides",
		Output:    "/out",
		Reference: "b",
		Strategy:  "groupwise",
		Micro:     &micro,
		MaxDim:    &maxDim,
		Format:    "png",
	}.Job(defaults, registration.WarpOptions{MaxDim: 500, Crop: true})
	require.NoError(t, err)
	require.Equal(t, pipeline.JobRegister, job.Type)
	require.True(t, strings.HasPrefix(job.ID, "register-"))
	require.Equal(t, "b", job.Registration.Reference)
	require.Equal(t, registration.StrategyGroupwise, job.Registration.Strategy)
	require.True(t, job.Registration.Micro)
	require.Equal(t, defaults.ProcessingCap, job.Registration.ProcessingCap)
	require.Equal(t, registration.WarpOptions{MaxDim: 2000, Ext: "png", Crop: true}, job.Warp)

	_, err = JobRequest{Type: "stack", Input: "/x"}.Job(defaults, registration.WarpOptions{})
	require.Error(t, err)
}

func TestHubBroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer(":0", nil, nil, registration.DefaultOptions(), registration.WarpOptions{}, slog.Default())
	go s.hub.Run(ctx)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// registration is asynchronous, so keep publishing until one arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				s.hub.Publish(message{Type: "event", Event: &pipeline.Event{Kind: pipeline.EventStageStarted, RunID: "r", Stage: "rigid"}})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg message
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "event", msg.Type)
	require.Equal(t, "rigid", msg.Event.Stage)
}
