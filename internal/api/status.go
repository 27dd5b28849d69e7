package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/andyleap/fprint/internal/models"
	"github.com/andyleap/fprint/internal/registry"
)

// StatusHandlers serve read-only broker state as JSON over HTTP.
type StatusHandlers struct {
	registry *registry.Registry
}

func NewStatusHandlers(reg *registry.Registry) *StatusHandlers {
	return &StatusHandlers{registry: reg}
}

// Routes returns a mux with every status endpoint.
func (h *StatusHandlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthHandler)
	mux.HandleFunc("GET /devices", h.DevicesHandler)
	mux.HandleFunc("GET /devices/{deviceId}", h.DeviceHandler)
	return LoggingMiddleware(mux)
}

func (h *StatusHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"devices": len(h.registry.List()),
		"in_use":  h.registry.InUse(),
	})
}

func (h *StatusHandlers) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	devices := []models.DeviceInfo{}
	for _, id := range h.registry.List() {
		s, err := h.registry.Session(id)
		if err != nil {
			continue
		}
		devices = append(devices, s.Info())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(devices)
}

func (h *StatusHandlers) DeviceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("deviceId"), 10, 32)
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}

	s, err := h.registry.Session(uint32(id))
	if err != nil {
		if errors.Is(err, models.ErrNoSuchDevice) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get device", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Info())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs every request at debug level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}
