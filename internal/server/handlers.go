package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/export"
	"lecture-attendance-go/internal/session"
	"lecture-attendance-go/internal/sse"
	"lecture-attendance-go/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// APIHandler holds dependencies for the HTTP endpoints.
type APIHandler struct {
	Cfg        *config.Config
	Controller *session.Controller
	DB         *gorm.DB
	Hub        *sse.Hub
}

// NewAPIHandler creates a new API handler with dependencies.
func NewAPIHandler(cfg *config.Config, controller *session.Controller, db *gorm.DB, hub *sse.Hub) *APIHandler {
	return &APIHandler{
		Cfg:        cfg,
		Controller: controller,
		DB:         db,
		Hub:        hub,
	}
}

// RegisterRoutes sets up the endpoints using chi.Router.
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	r.Post("/session/start", h.handleSessionStart)
	r.Post("/session/stop", h.handleSessionStop)
	r.Get("/session/status", h.handleSessionStatus)

	r.Get("/presence", h.handlePresence)
	r.Get("/presence/{key}/total", h.handlePresenceTotal)
	r.Get("/overlay.jpg", h.handleOverlaySnapshot)

	r.Get("/lectures", h.handleListLectures)
	r.Get("/lectures/{lectureID}/roster", h.handleRoster)
	r.Get("/lectures/by-session/{sessionID}", h.handleLectureBySession)
	r.Get("/persons/{key}/history", h.handlePersonHistory)

	r.Get("/export/attendance.csv", h.handleExportAttendance)
	r.Get("/export/matrix.csv", h.handleExportMatrix)

	r.Get("/system/stats", h.handleSystemStats)
}

type startRequest struct {
	GroupID string `json:"group_id"`
}

func (h *APIHandler) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		// Body is optional; a bare start begins an ungrouped session.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sessionID, err := h.Controller.Start(r.Context(), req.GroupID)
	if err != nil {
		log.Errorf("Session start failed: %v", err)
		respondWithError(w, http.StatusBadGateway, fmt.Sprintf("Failed to start session: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (h *APIHandler) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.Stop(r.Context()); err != nil {
		log.Errorf("Session stop failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to stop session")
		return
	}
	respondWithJSON(w, http.StatusOK, h.Controller.Status())
}

func (h *APIHandler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Controller.Status())
}

func (h *APIHandler) handlePresence(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Controller.Records())
}

func (h *APIHandler) handlePresenceTotal(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	total, ok := h.Controller.CurrentTotal(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Identity not found")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"key":         key,
		"duration_ms": total.Milliseconds(),
	})
}

func (h *APIHandler) handleOverlaySnapshot(w http.ResponseWriter, r *http.Request) {
	width := queryInt(r, "w", 640)
	height := queryInt(r, "h", 480)

	payload, err := h.Controller.Snapshot(width, height)
	if err != nil {
		respondWithError(w, http.StatusConflict, fmt.Sprintf("Snapshot unavailable: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		log.Warnf("Failed to write overlay snapshot: %v", err)
	}
}

func (h *APIHandler) handleListLectures(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}
	filter := lectureFilterFromQuery(r)
	lectures, err := storage.ListLectures(h.DB, filter)
	if err != nil {
		log.Errorf("Failed to list lectures: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to list lectures")
		return
	}
	respondWithJSON(w, http.StatusOK, lectures)
}

func (h *APIHandler) handleRoster(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}
	idStr := chi.URLParam(r, "lectureID")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid lecture ID format")
		return
	}
	records, err := storage.Roster(h.DB, uint(id))
	if err != nil {
		log.Errorf("Failed to load roster for lecture %d: %v", id, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load roster")
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (h *APIHandler) handleLectureBySession(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	lecture, err := storage.LectureBySession(h.DB, sessionID)
	if err != nil {
		log.Errorf("Failed to look up session '%s': %v", sessionID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to look up session")
		return
	}
	if lecture == nil {
		respondWithError(w, http.StatusNotFound, "Session not found")
		return
	}
	respondWithJSON(w, http.StatusOK, lecture)
}

func (h *APIHandler) handlePersonHistory(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}
	key := chi.URLParam(r, "key")
	history, err := storage.PersonHistory(h.DB, key)
	if err != nil {
		log.Errorf("Failed to load history for person '%s': %v", key, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load person history")
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}

func (h *APIHandler) handleExportAttendance(w http.ResponseWriter, r *http.Request) {
	records := h.Controller.Records()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="attendance.csv"`)
	if err := export.WriteAttendance(w, records, time.Now()); err != nil {
		log.Errorf("Attendance export failed: %v", err)
	}
}

func (h *APIHandler) handleExportMatrix(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}
	filter := lectureFilterFromQuery(r)
	listed, matrix, names, err := storage.PresenceMatrix(h.DB, filter)
	if err != nil {
		log.Errorf("Failed to build presence matrix: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to build presence matrix")
		return
	}

	// Column order follows lecture history, oldest first.
	ids := make([]string, 0, len(listed))
	for i := len(listed) - 1; i >= 0; i-- {
		ids = append(ids, listed[i])
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="attendance_by_lecture.csv"`)
	if err := export.WriteMatrix(w, ids, matrix, names); err != nil {
		log.Errorf("Matrix export failed: %v", err)
	}
}

func lectureFilterFromQuery(r *http.Request) storage.LectureFilter {
	f := storage.LectureFilter{
		Group:  r.URL.Query().Get("group"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.From = t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.To = t
		}
	}
	return f
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("Failed to marshal JSON response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal Server Error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
