package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/Tutortoise/crowd-safety-service/pipeline"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Detectors.Face.CascadePath = "testdata/missing-facefinder"
	cfg.Capture.Enabled = false
	cfg.MQTT.Broker = ""
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*AppState, *mux.Router) {
	state, cleanup := buildState(context.Background(), cfg, logs.NewTestingLog(t))
	t.Cleanup(cleanup)
	return state, newRouter(state)
}

func uniformPNG(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 180, 180, 180, 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func do(router http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeVerdict(t *testing.T, rec *httptest.ResponseRecorder) models.Verdict {
	var v models.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestBuildStateDegradesGracefully(t *testing.T) {
	cfg := testConfig(t)
	cfg.Detectors.Classifier.Enabled = true
	cfg.Detectors.Classifier.ModelPath = "testdata/missing.onnx"

	state, _ := newTestServer(t, cfg)
	require.Nil(t, state.Pool)
	require.Nil(t, state.Emitter)
	require.Nil(t, state.Recorder)
	require.Equal(t, []string{"silhouette"}, state.Roster.Available())
	require.Contains(t, state.Roster.Disabled, "face")
	require.Contains(t, state.Roster.Disabled, "classifier")
	require.Equal(t, []models.Tier{models.TierPrimary, models.TierFallback, models.TierDemo}, state.Pipeline.Tiers())
}

func TestAnalyzeRequestShapes(t *testing.T) {
	_, router := newTestServer(t, testConfig(t))
	pngBytes := uniformPNG(t, 128, 96)

	t.Run("raw", func(t *testing.T) {
		rec := do(router, "POST", "/analyze", "image/png", pngBytes)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		v := decodeVerdict(t, rec)
		require.Equal(t, 0, v.PeopleCount)
		require.Equal(t, models.RiskNormal, v.RiskLevel)
		require.False(t, v.IsStampedeRisk)
		require.Equal(t, models.TierFallback, v.TierUsed)
		require.NotEmpty(t, v.Recommendations)
	})

	t.Run("json", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(pngBytes)})
		rec := do(router, "POST", "/analyze", "application/json", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, 0, decodeVerdict(t, rec).PeopleCount)
	})

	t.Run("multipart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "frame.png")
		require.NoError(t, err)
		_, err = fw.Write(pngBytes)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		rec := do(router, "POST", "/analyze", mw.FormDataContentType(), buf.Bytes())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, 0, decodeVerdict(t, rec).PeopleCount)
	})
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	_, router := newTestServer(t, testConfig(t))

	cases := []struct {
		name        string
		contentType string
		body        []byte
		code        string
	}{
		{"empty body", "", nil, "invalid_request"},
		{"bad json", "application/json", []byte("{"), "invalid_request"},
		{"missing image field", "application/json", []byte(`{"file":"x"}`), "invalid_request"},
		{"not an image", "image/jpeg", []byte("definitely not a jpeg"), "invalid_image"},
		{"too small", "image/png", uniformPNG(t, 16, 16), "invalid_image"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := do(router, "POST", "/analyze", c.contentType, c.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			e := decodeError(t, rec)
			require.Equal(t, c.code, e.Code)
			require.NotEmpty(t, e.Message)
		})
	}
}

func TestJobRoutes(t *testing.T) {
	_, router := newTestServer(t, testConfig(t))

	rec := do(router, "POST", "/jobs", "image/png", uniformPNG(t, 64, 64))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.Handle)
	require.Equal(t, "pending", submitted.Status)

	rec = do(router, "GET", "/jobs/"+submitted.Handle+"?wait=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	require.Equal(t, "done", done.Status)
	require.NotNil(t, done.Verdict)
	require.Equal(t, 0, done.Verdict.PeopleCount)

	rec = do(router, "POST", "/jobs?await=true", "image/png", uniformPNG(t, 64, 64))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(router, "GET", "/jobs/no-such-job", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, MsgUnknownJob, decodeError(t, rec).Message)

	rec = do(router, "GET", "/jobs/"+submitted.Handle+"?wait=soon", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidJobReportedOnPoll(t *testing.T) {
	_, router := newTestServer(t, testConfig(t))

	rec := do(router, "POST", "/jobs", "image/png", uniformPNG(t, 8, 8))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = do(router, "GET", "/jobs/"+submitted.Handle+"?wait=10", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_image", decodeError(t, rec).Code)
}

func TestStreamLifecycle(t *testing.T) {
	_, router := newTestServer(t, testConfig(t))

	rec := do(router, "POST", "/streams", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var opened StreamResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))
	require.NotEmpty(t, opened.Handle)

	rec = do(router, "POST", "/streams/"+opened.Handle+"/frames", "image/png", uniformPNG(t, 64, 64))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decodeVerdict(t, rec)
	require.Equal(t, 0, v.PeopleCount)
	require.Equal(t, 0.0, v.MotionScore)

	rec = do(router, "GET", "/streams/"+opened.Handle, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats pipeline.StreamStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.TotalFrames)
	require.Equal(t, "normal", stats.LastRiskLevel)

	rec = do(router, "DELETE", "/streams/"+opened.Handle, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(router, "GET", "/streams/"+opened.Handle, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, MsgUnknownStream, decodeError(t, rec).Message)

	rec = do(router, "DELETE", "/streams/"+opened.Handle, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFrameRateLimitIsPerStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.FramesPerSecond = 1
	cfg.Server.FrameBurstSeconds = 1
	state, router := newTestServer(t, cfg)

	a := state.Pipeline.OpenStream()
	b := state.Pipeline.OpenStream()
	frame := uniformPNG(t, 64, 64)

	rec := do(router, "POST", "/streams/"+a+"/frames", "image/png", frame)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, "POST", "/streams/"+a+"/frames", "image/png", frame)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeError(t, rec).Code)

	rec = do(router, "POST", "/streams/"+b+"/frames", "image/png", frame)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	_, router := newTestServer(t, testConfig(t))

	rec := do(router, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.DemoMode)
	assert.Equal(t, []string{"silhouette"}, health.Detectors)
	assert.Contains(t, health.Disabled, "face")

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do(router, "POST", "/analyze", "image/png", uniformPNG(t, 64, 64)).Code)
	}

	rec = do(router, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics MetricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, int64(3), metrics.Pipeline.Analyses)
	assert.Equal(t, int64(3), metrics.Pipeline.ByTier["fallback"])
	assert.Nil(t, metrics.Pool)
	assert.Nil(t, metrics.MQTT)
}

func TestHealthReportsDemoMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Detectors.Face.Enabled = false
	cfg.Detectors.Silhouette.Enabled = false
	_, router := newTestServer(t, cfg)

	rec := do(router, "GET", "/health", "", nil)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.True(t, health.DemoMode)
	require.Equal(t, "degraded", health.Status)

	rec = do(router, "POST", "/analyze", "image/png", uniformPNG(t, 64, 64))
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeVerdict(t, rec)
	require.Equal(t, models.TierDemo, v.TierUsed)
	require.Equal(t, 0, v.PeopleCount)
}

func TestCaptureWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Enabled = true
	cfg.Capture.Dir = t.TempDir()
	state, router := newTestServer(t, cfg)
	require.NotNil(t, state.Recorder)

	rec := do(router, "GET", "/metrics", "", nil)
	var metrics MetricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	require.NotNil(t, metrics.Capture)
	require.Equal(t, uint64(0), metrics.Capture.Saved)
}

func TestSendAnalysisErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: tiny", models.ErrInvalidImage), http.StatusBadRequest},
		{models.ErrAnalysisTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{pipeline.ErrUnknownHandle, http.StatusNotFound},
		{pipeline.ErrStreamClosed, http.StatusGone},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		sendAnalysisError(rec, c.err, MsgUnknownJob)
		assert.Equal(t, c.status, rec.Code, c.err.Error())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}
