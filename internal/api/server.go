// Package api is the HTTP control surface of the recorder: recording
// status and manual control, live preview, session browsing and the mode
// dispatch history.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/mode"
	"github.com/dj-oyu/clary-camera/recorder/internal/session"
	"github.com/dj-oyu/clary-camera/recorder/internal/subsystem"
)

// Recorder is the part of the subsystem the API drives.
type Recorder interface {
	Status() subsystem.Status
	ManualStart()
	ManualStop()
	ClearOverride()
	LatestFrame() (*image.RGBA, uint64)
	Session() session.Session
	Store() *session.Store
}

// History lists past mode dispatches.
type History interface {
	Recent(ctx context.Context, limit int) ([]mode.Result, error)
}

// Config tunes the streaming endpoints.
type Config struct {
	StatusInterval  time.Duration
	PreviewInterval time.Duration
	JPEGQuality     int
}

// DefaultConfig returns a 2s status stream and a 10fps preview.
func DefaultConfig() Config {
	return Config{
		StatusInterval:  2 * time.Second,
		PreviewInterval: 100 * time.Millisecond,
		JPEGQuality:     75,
	}
}

// Server serves the control surface.
type Server struct {
	cfg     Config
	rec     Recorder
	history History
	preview *frameEncoder
	log     logger.Module
}

// NewServer returns a server for rec. history may be nil.
func NewServer(cfg Config, rec Recorder, history History) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.PreviewInterval <= 0 {
		cfg.PreviewInterval = def.PreviewInterval
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	return &Server{
		cfg:     cfg,
		rec:     rec,
		history: history,
		preview: &frameEncoder{source: rec, quality: cfg.JPEGQuality},
		log:     logger.For("HTTP"),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/snapshot.jpg", s.handleSnapshot)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/recording/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/auto", s.handleRecordingAuto)
	mux.HandleFunc("/api/modes/history", s.handleModeHistory)
	mux.HandleFunc("/health", s.handleHealth)
	s.sessionRoutes(mux)

	return mux
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	streamMJPEG(r.Context(), w, s.cfg.PreviewInterval, s.preview.latest)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, ok := s.preview.latest()
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "no frame yet"}, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	st := s.rec.Status()
	if wantsProtobuf(r) {
		data, err := statusProto(st)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/protobuf")
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := wantsProtobuf(r)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf;base64")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		st := s.rec.Status()
		var err error
		if useProtobuf {
			var data []byte
			if data, err = statusProto(st); err == nil {
				_, err = fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(data))
			}
		} else {
			err = writeSSE(w, st)
		}
		if err != nil {
			logger.Debug("SSE", "Client disconnected during status write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rec.ManualStart()
	s.log.Info("Manual start from %s", r.RemoteAddr)
	writeJSON(w, map[string]any{"success": true, "status": s.rec.Status()})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rec.ManualStop()
	s.log.Info("Manual stop from %s", r.RemoteAddr)
	writeJSON(w, map[string]any{"success": true, "status": s.rec.Status()})
}

func (s *Server) handleRecordingAuto(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rec.ClearOverride()
	writeJSON(w, map[string]any{"success": true, "status": s.rec.Status()})
}

func (s *Server) handleModeHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, []mode.Result{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "invalid limit"}, http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	results, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("Mode history: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "history unavailable"}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.rec.Status()
	writeJSON(w, map[string]any{
		"status":    "ok",
		"recording": st.Recording,
		"session":   st.CurrentSession,
		"degraded":  s.rec.Session().Degraded,
	})
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// statusProto encodes st as a google.protobuf.Struct with the JSON field
// names.
func statusProto(st subsystem.Status) ([]byte, error) {
	fields := map[string]any{
		"recording":       st.Recording,
		"current_file":    nil,
		"current_session": st.CurrentSession,
		"fps":             st.FPS,
		"resolution":      nil,
		"manual_override": st.ManualOverride,
		"queue_depth":     st.QueueDepth,
		"dropped_frames":  st.DroppedFrames,
	}
	if st.CurrentFile != nil {
		fields["current_file"] = *st.CurrentFile
	}
	if len(st.Resolution) == 2 {
		fields["resolution"] = []any{st.Resolution[0], st.Resolution[1]}
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("status to protobuf: %w", err)
	}
	return proto.Marshal(msg)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrExists), errors.Is(err, session.ErrActiveSession):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
