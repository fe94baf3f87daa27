package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
)

type StreamResponse struct {
	Handle string `json:"handle"`
}

func (s *AppState) addStreamRoutes(r *mux.Router) {
	r.HandleFunc("/streams", s.handleOpenStream).Methods("POST")
	r.Handle("/streams/{handle}/frames", s.frameLimiter()(http.HandlerFunc(s.handleSubmitFrame))).Methods("POST")
	r.HandleFunc("/streams/{handle}", s.handleStreamStats).Methods("GET")
	r.HandleFunc("/streams/{handle}", s.handleCloseStream).Methods("DELETE")
}

// frameLimiter bounds the frame rate of each stream. A stream analyzes one frame at a time,
// so a client that sends faster than FramesPerSecond would only queue up latency.
// Short bursts of up to FrameBurstSeconds worth of frames are allowed.
func (s *AppState) frameLimiter() func(http.Handler) http.Handler {
	burst := max(s.Config.Server.FrameBurstSeconds, 1)
	limit := max(s.Config.Server.FramesPerSecond, 1) * burst
	window := time.Duration(burst) * time.Second

	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return mux.Vars(r)["handle"], nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			sendErrorResponse(w, "rate_limited", MsgRateLimited,
				fmt.Sprintf("limit is %d frames per %v", limit, window), http.StatusTooManyRequests)
		}),
	)
}

func (s *AppState) handleOpenStream(w http.ResponseWriter, _ *http.Request) {
	handle := s.Pipeline.OpenStream()
	sendJSON(w, http.StatusCreated, StreamResponse{Handle: handle})
}

func (s *AppState) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	handle := mux.Vars(r)["handle"]
	timings := &models.ProcessingTimings{RequestID: fmt.Sprintf("%v/%d", handle, startTotal.UnixNano())}

	img, ok := readImage(s, w, r, timings)
	if !ok {
		return
	}

	analyzeStart := time.Now()
	verdict, err := s.Pipeline.SubmitFrame(r.Context(), handle, img)
	timings.Analyze = time.Since(analyzeStart)
	if err != nil {
		sendAnalysisError(w, err, MsgUnknownStream)
		return
	}

	timings.Total = time.Since(startTotal)
	if s.Config.Debug {
		logTimings(s.Log, timings)
	}
	sendJSON(w, http.StatusOK, verdict)
}

func (s *AppState) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Pipeline.StreamStats(mux.Vars(r)["handle"])
	if err != nil {
		sendAnalysisError(w, err, MsgUnknownStream)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (s *AppState) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	if err := s.Pipeline.CloseStream(mux.Vars(r)["handle"]); err != nil {
		sendAnalysisError(w, err, MsgUnknownStream)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
