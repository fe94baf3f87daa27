package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Tutortoise/crowd-safety-service/capture"
	"github.com/Tutortoise/crowd-safety-service/clustering"
	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/detections"
	"github.com/Tutortoise/crowd-safety-service/emitter"
	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/Tutortoise/crowd-safety-service/pipeline"
	"github.com/Tutortoise/crowd-safety-service/risk"
	"github.com/Tutortoise/crowd-safety-service/tiers"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
)

func logTimings(log logs.Log, t *models.ProcessingTimings) {
	log.Debugf("RequestID: %s - Processing times:\n"+
		"\tRead:    %v\n"+
		"\tDecode:  %v\n"+
		"\tAnalyze: %v\n"+
		"\tTotal:   %v",
		t.RequestID,
		t.Read,
		t.Decode,
		t.Analyze,
		t.Total)
}

type AppState struct {
	Config   *config.Config
	Log      logs.Log
	Pipeline *pipeline.Pipeline
	Roster   *detections.Roster
	Pool     *ModelSessionPool    // nil when the classifier is disabled
	Emitter  *emitter.MQTTEmitter // nil when no broker is configured
	Recorder *capture.Recorder    // nil when capture is disabled
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type JobResponse struct {
	Handle  string          `json:"handle"`
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Verdict *models.Verdict `json:"verdict,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Tiers     []models.Tier     `json:"tiers"`
	Detectors []string          `json:"detectors"`
	Disabled  map[string]string `json:"disabled,omitempty"`
	DemoMode  bool              `json:"demo_mode"`
}

type MetricsResponse struct {
	Pipeline pipeline.Metrics `json:"pipeline"`
	Pool     *PoolStats       `json:"pool,omitempty"`
	MQTT     *emitter.Stats   `json:"mqtt,omitempty"`
	Capture  *capture.Stats   `json:"capture,omitempty"`
}

func main() {
	parser := argparse.NewParser("crowd-safety-service", "Crowd density and stampede risk analysis service")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML configuration file", Default: ""})
	addr := parser.String("a", "addr", &argparse.Options{Help: "Listen address (overrides the configuration file)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Criticalf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, cleanup := buildState(ctx, cfg, logger)
	defer cleanup()

	srv := &http.Server{
		Handler:      newRouter(state),
		Addr:         cfg.Server.Addr,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutS) * time.Second,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutS) * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Starting server on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Criticalf("Server failed: %v", err)
	}
}

// buildState wires the detectors, tiers, scorer, sinks and pipeline together.
// Optional components that fail to start are logged and left out.
func buildState(ctx context.Context, cfg *config.Config, log logs.Log) (*AppState, func()) {
	state := &AppState{
		Config: cfg,
		Log:    log,
	}
	var cleanups []func()

	// sessions must stay an untyped nil unless the pool exists
	var sessions detections.SessionSource
	if cfg.Detectors.Classifier.Enabled {
		pool, release, err := newClassifierPool(cfg, log)
		if err != nil {
			log.Warnf("Crowd classifier disabled: %v", err)
		} else {
			state.Pool = pool
			sessions = pool
			cleanups = append(cleanups, release)
		}
	}

	state.Roster = detections.BuildRoster(cfg.Detectors, sessions, log)
	merger := clustering.NewMerger(cfg.Merge)
	selector := tiers.NewSelector(log,
		tiers.NewPrimary(log, state.Roster, merger, cfg),
		tiers.NewFallback(log, state.Roster, merger, cfg),
		tiers.NewDemo(cfg.Tiers.DemoMaxPeople, nil),
	)

	var sinks []pipeline.Sink
	if cfg.MQTT.Broker != "" {
		em := emitter.NewMQTTEmitter(cfg.MQTT, log)
		if err := em.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			log.Warnf("MQTT not connected yet: %v", err)
		}
		state.Emitter = em
		sinks = append(sinks, em)
		cleanups = append(cleanups, em.Disconnect)
	}
	if cfg.Capture.Enabled {
		rec, err := capture.NewRecorder(cfg.Capture, log)
		if err != nil {
			log.Warnf("Frame capture disabled: %v", err)
		} else {
			state.Recorder = rec
			sinks = append(sinks, rec)
		}
	}

	state.Pipeline = pipeline.New(pipeline.OptionsFromConfig(cfg), log, selector, risk.NewScorer(cfg.Risk), sinks...)

	return state, func() {
		state.Pipeline.Close()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
}

func newRouter(state *AppState) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/analyze", handleAnalyze(state)).Methods("POST")
	r.HandleFunc("/jobs", handleSubmitJob(state)).Methods("POST")
	r.HandleFunc("/jobs/{handle}", handleGetJob(state)).Methods("GET")
	state.addStreamRoutes(r)
	state.addMonitoringRoutes(r)
	return r
}

func handleAnalyze(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		timings := &models.ProcessingTimings{RequestID: fmt.Sprintf("%d", startTotal.UnixNano())}

		img, ok := readImage(state, w, r, timings)
		if !ok {
			return
		}

		analyzeStart := time.Now()
		verdict, err := state.Pipeline.Analyze(r.Context(), img)
		timings.Analyze = time.Since(analyzeStart)
		if err != nil {
			sendAnalysisError(w, err, MsgUnknownJob)
			return
		}

		timings.Total = time.Since(startTotal)
		if state.Config.Debug {
			logTimings(state.Log, timings)
		}
		sendJSON(w, http.StatusOK, verdict)
	}
}

// handleSubmitJob starts a background analysis. With ?await=true it keeps polling
// until the verdict is ready or the poll budget runs out.
func handleSubmitJob(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timings := &models.ProcessingTimings{RequestID: fmt.Sprintf("%d", time.Now().UnixNano())}
		img, ok := readImage(state, w, r, timings)
		if !ok {
			return
		}

		handle, err := state.Pipeline.Submit(img)
		if err != nil {
			sendAnalysisError(w, err, MsgUnknownJob)
			return
		}

		if r.URL.Query().Get("await") != "true" {
			sendJSON(w, http.StatusAccepted, JobResponse{Handle: handle, Status: "pending"})
			return
		}

		verdict, err := state.Pipeline.Await(r.Context(), handle)
		if err != nil {
			sendAnalysisError(w, err, MsgUnknownJob)
			return
		}
		sendJSON(w, http.StatusOK, JobResponse{Handle: handle, Status: "done", Verdict: &verdict})
	}
}

// handleGetJob reports a job's verdict. ?wait=N waits up to N seconds for it to finish.
func handleGetJob(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle := mux.Vars(r)["handle"]

		var wait time.Duration
		if s := r.URL.Query().Get("wait"); s != "" {
			secs, err := strconv.Atoi(s)
			if err != nil || secs < 0 {
				sendErrorResponse(w, "invalid_request", MsgInvalidRequest, "wait must be a whole number of seconds", http.StatusBadRequest)
				return
			}
			wait = min(time.Duration(secs)*time.Second, state.Config.Analysis.JobDeadline())
		}

		verdict, err := state.Pipeline.Poll(r.Context(), handle, wait)
		switch {
		case errors.Is(err, pipeline.ErrPending):
			sendJSON(w, http.StatusAccepted, JobResponse{Handle: handle, Status: "pending", Message: MsgPending})
		case err != nil:
			sendAnalysisError(w, err, MsgUnknownJob)
		default:
			sendJSON(w, http.StatusOK, JobResponse{Handle: handle, Status: "done", Verdict: &verdict})
		}
	}
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := MetricsResponse{
		Pipeline: s.Pipeline.Metrics(),
	}
	if s.Pool != nil {
		st := s.Pool.Stats()
		response.Pool = &st
	}
	if s.Emitter != nil {
		st := s.Emitter.Stats()
		response.MQTT = &st
	}
	if s.Recorder != nil {
		st := s.Recorder.Stats()
		response.Capture = &st
	}
	sendJSON(w, http.StatusOK, response)
}

// handleHealth reports which detectors survived startup. With no detectors at all,
// every request is served by the demo tier.
func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Tiers:     s.Pipeline.Tiers(),
		Detectors: s.Roster.Available(),
		Disabled:  map[string]string{},
	}
	for name, err := range s.Roster.Disabled {
		response.Disabled[name] = err.Error()
	}
	if len(s.Roster.Primary) == 0 {
		response.Status = "degraded"
		response.DemoMode = true
	}
	sendJSON(w, http.StatusOK, response)
}

// readImage extracts and decodes the image from any of the supported request shapes.
// On failure it writes the error response itself and returns false.
func readImage(state *AppState, w http.ResponseWriter, r *http.Request, timings *models.ProcessingTimings) (image.Image, bool) {
	maxBytes := int64(state.Config.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	readStart := time.Now()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var imgBytes []byte
	var err error

	switch mediaType {
	case "application/json":
		imgBytes, err = handleJSONRequest(r)
	case "multipart/form-data":
		imgBytes, err = handleMultipartRequest(r, maxBytes)
	default:
		imgBytes, err = handleRawRequest(r)
	}
	timings.Read = time.Since(readStart)

	if err != nil {
		sendErrorResponse(w, "invalid_request", MsgInvalidRequest, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.Decode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", MsgInvalidImage, "Failed to decode image", http.StatusBadRequest)
		return nil, false
	}
	return img, true
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, fmt.Errorf("missing image field")
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request, maxBytes int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err == nil && len(data) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	return data, err
}

// decodeImage honours EXIF orientation, so phone photos aren't analyzed sideways
func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

// sendAnalysisError maps pipeline errors to HTTP responses. unknownMsg is used for ErrUnknownHandle.
func sendAnalysisError(w http.ResponseWriter, err error, unknownMsg string) {
	switch {
	case errors.Is(err, models.ErrInvalidImage):
		sendErrorResponse(w, "invalid_image", MsgInvalidImage, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrAnalysisTimeout), errors.Is(err, context.DeadlineExceeded):
		sendErrorResponse(w, "analysis_timeout", MsgAnalysisTimeout, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, pipeline.ErrUnknownHandle):
		sendErrorResponse(w, "unknown_handle", unknownMsg, "", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrStreamClosed):
		sendErrorResponse(w, "stream_closed", MsgStreamClosed, "", http.StatusGone)
	default:
		sendErrorResponse(w, "processing_error", MsgInternal, err.Error(), http.StatusInternalServerError)
	}
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
