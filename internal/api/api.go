package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"labassist/internal/analysis"
	"labassist/internal/auth"
	"labassist/internal/jobs"
	"labassist/internal/middleware"
	"labassist/internal/store"
	"labassist/internal/ws"
)

// HealthChecker reports whether an inference service is reachable.
type HealthChecker interface {
	IsHealthy() bool
}

type Deps struct {
	Store     *store.Store
	Jobs      *jobs.Queue
	Analysis  *analysis.Service
	Hub       *ws.Hub
	Auth      *auth.Authenticator
	Objects   HealthChecker
	UploadDir string
	Logger    *log.Logger
}

// NewHandler builds the HTTP router. Video routes require a device token
// when authentication is enabled; /auth/token and /healthz stay open.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/token", handleToken(deps))
	r.Get("/healthz", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(deps.Auth))

		r.Post("/upload", handleUpload(deps))
		r.Route("/videos/{name}", func(r chi.Router) {
			r.Post("/process", handleProcess(deps))
			r.Get("/", handleDownload(deps))
			r.Delete("/", handleDelete(deps))
			r.Get("/status", handleStatus(deps))
		})
	})

	return r
}

func handleToken(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID        string `json:"device_id"`
			RegistrationKey string `json:"registration_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		token, expiresAt, err := deps.Auth.Authenticate(req.DeviceID, req.RegistrationKey)
		if errors.Is(err, auth.ErrAuthDisabled) {
			httpError(w, http.StatusServiceUnavailable, "authentication is disabled")
			return
		}
		if err != nil {
			httpError(w, http.StatusUnauthorized, "invalid registration key")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"token":      token,
			"expires_at": expiresAt,
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if deps.Objects != nil && !deps.Objects.IsHealthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":      status,
			"connections": deps.Hub.ClientCount(),
		})
	}
}

// deviceID resolves the device a request acts for: the token claim when
// authentication is on, otherwise an explicit device_id parameter.
func deviceID(r *http.Request) string {
	if claims := middleware.DeviceFromContext(r.Context()); claims != nil {
		return claims.DeviceID
	}
	if id := r.FormValue("device_id"); id != "" {
		return id
	}
	return r.URL.Query().Get("device_id")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
