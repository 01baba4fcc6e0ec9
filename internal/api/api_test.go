package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/sensord/internal/chart"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/prefs"
	"codeberg.org/mutker/sensord/internal/presence"
	"codeberg.org/mutker/sensord/internal/registry"
	"codeberg.org/mutker/sensord/internal/samples"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	reg    *registry.Registry
	repo   *samples.Repository
	prefs  *prefs.Memory
	server *Server
}

func setup(t *testing.T) *fixture {
	t.Helper()

	cfg := samples.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "samples.db")
	repo, err := samples.NewRepository(cfg, logger.Component("samples"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := prefs.NewMemory()
	reg, err := registry.New(context.Background(), registry.DefaultDefinitions(), store)
	require.NoError(t, err)

	notifier := presence.New(reg)
	notifier.Start(context.Background())
	t.Cleanup(notifier.Stop)

	return &fixture{
		reg:    reg,
		repo:   repo,
		prefs:  store,
		server: New("127.0.0.1:0", reg, chart.New(reg, repo), notifier),
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestListStreams(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.reg.RecordValue(registry.Light, 12.5))

	rec := f.do(t, http.MethodGet, "/api/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var streams []registry.Stream
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &streams))
	require.Len(t, streams, 4)
	assert.Equal(t, registry.Light, streams[0].ID)
	require.NotNil(t, streams[0].Latest)
	assert.Equal(t, 12.5, *streams[0].Latest)
	assert.Nil(t, streams[1].Latest)
}

func TestSetActive(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPut, "/api/streams/8/active", `{"active": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var stream registry.Stream
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stream))
	assert.Equal(t, registry.Proximity, stream.ID)
	assert.True(t, stream.Active)

	v, ok, err := f.prefs.Get(context.Background(), "SwitchState_8")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)
}

func TestSetActiveErrors(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "unknown stream", path: "/api/streams/99/active", body: `{"active": true}`, status: http.StatusNotFound, code: "unknown_stream"},
		{name: "bad id", path: "/api/streams/light/active", body: `{"active": true}`, status: http.StatusBadRequest, code: "invalid_argument"},
		{name: "malformed body", path: "/api/streams/5/active", body: `{"active":`, status: http.StatusBadRequest, code: "invalid_argument"},
		{name: "missing flag", path: "/api/streams/5/active", body: `{}`, status: http.StatusBadRequest, code: "invalid_argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}

	s, err := f.reg.Get(registry.Light)
	require.NoError(t, err)
	assert.False(t, s.Active)
}

func TestSetActiveStorageFailure(t *testing.T) {
	f := setup(t)
	f.prefs.FailWrites(assert.AnError)

	rec := f.do(t, http.MethodPut, "/api/streams/5/active", `{"active": true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSeriesAndSummary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		_, err := f.repo.Append(ctx, int(registry.Gyroscope), float64(i), t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/streams/4/series", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var points []chart.Point
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 4)
	assert.Equal(t, t0.UnixMilli(), points[0].X)

	path := "/api/streams/4/series?from=" + strconv.FormatInt(t0.Add(time.Minute).Unix(), 10) + "&to=" + strconv.FormatInt(t0.Add(2*time.Minute).Unix(), 10)
	rec = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	assert.Len(t, points, 2)

	rec = f.do(t, http.MethodGet, "/api/streams/4/series?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/streams/4/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary chart.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 4, summary.Count)
	assert.Equal(t, 3.0, summary.Max)

	rec = f.do(t, http.MethodGet, "/api/streams/2/series", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/streams/2/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresence(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/presence", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, f.reg.SetActive(context.Background(), registry.Light, true))
	assert.Eventually(t, func() bool {
		return f.do(t, http.MethodGet, "/api/presence", "").Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/presence", "")
	var notice presence.Notice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notice))
	assert.Equal(t, "Light Sensor", notice.Title)
}

func TestEventStream(t *testing.T) {
	f := setup(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, f.reg.RecordValue(registry.Accelerometer, 9.81))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	assert.Equal(t, "event: value", eventLine)
	var ev registry.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, registry.Accelerometer, ev.StreamID)
	assert.Equal(t, 9.81, ev.Value)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunShutsDownWithOpenEventStream(t *testing.T) {
	f := setup(t)
	const addr = "127.0.0.1:18841"
	server := New(addr, f.reg, chart.New(f.reg, f.repo), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/api/events")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	start := time.Now()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), shutdownTimeout)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
