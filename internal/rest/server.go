package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zensbpm/internal/appcontext"
	"github.com/pbinitiative/zensbpm/internal/config"
	"github.com/pbinitiative/zensbpm/internal/log"
	apierror "github.com/pbinitiative/zensbpm/internal/rest/error"
	"github.com/pbinitiative/zensbpm/internal/rest/middleware"
	"github.com/pbinitiative/zensbpm/pkg/sbpm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the engine boundary over HTTP. Identity arrives via the
// X-User-Id header; authentication is upstream concern.
type Server struct {
	engine *sbpm.Engine
	addr   string
	server *http.Server
}

func NewServer(engine *sbpm.Engine, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine: engine,
		addr:   conf.HttpServer.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.HttpServer.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry(conf))
	r.Use(middleware.StripEmptyQueryParams())
	r.Use(middleware.User())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/process-models", s.getStartableProcessModels)
		r.Post("/process-models", s.postProcessModel)
		r.Post("/process-models/{modelKey}/deactivate", s.deactivateProcessModel)
		r.Post("/process-instances", s.postProcessInstance)
		r.Delete("/process-instances/{processInstanceKey}", s.deleteProcessInstance)
		r.Get("/process-instances/{processInstanceKey}/audit-trail", s.getAuditTrail)
		r.Get("/tasks", s.getOpenTasks)
		r.Get("/tasks/{subjectKey}", s.getTaskDetails)
		r.Post("/tasks/{subjectKey}", s.executeTask)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"status": "UP",
				"engine": engine.Name(),
			})
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("ZenSbpm REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func (s *Server) getStartableProcessModels(w http.ResponseWriter, r *http.Request) {
	userId, ok := requireUser(w, r)
	if !ok {
		return
	}
	models, err := s.engine.FindStartableProcessModels(r.Context(), userId)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) postProcessModel(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: "empty model document"})
		return
	}
	m, err := s.engine.LoadFromBytes(r.Context(), data)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modelId": m.Id,
		"key":     m.Key,
		"version": m.Version,
	})
}

func (s *Server) deactivateProcessModel(w http.ResponseWriter, r *http.Request) {
	modelKey, ok := keyParam(w, r, "modelKey")
	if !ok {
		return
	}
	if err := s.engine.DeactivateModel(r.Context(), modelKey); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postProcessInstance(w http.ResponseWriter, r *http.Request) {
	userId, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		ModelId string `json:"modelId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ModelId == "" {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: "modelId is required"})
		return
	}
	instance, err := s.engine.StartProcess(r.Context(), body.ModelId, userId)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"processInstanceKey": instance.Key,
		"state":              instance.State,
	})
}

func (s *Server) deleteProcessInstance(w http.ResponseWriter, r *http.Request) {
	userId, ok := requireUser(w, r)
	if !ok {
		return
	}
	processInstanceKey, ok := keyParam(w, r, "processInstanceKey")
	if !ok {
		return
	}
	if err := s.engine.StopProcess(r.Context(), processInstanceKey, userId); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	processInstanceKey, ok := keyParam(w, r, "processInstanceKey")
	if !ok {
		return
	}
	trail, err := s.engine.GetAuditTrail(r.Context(), processInstanceKey)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) getOpenTasks(w http.ResponseWriter, r *http.Request) {
	userId, ok := requireUser(w, r)
	if !ok {
		return
	}
	tasks, err := s.engine.GetOpenTasks(r.Context(), userId)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTaskDetails(w http.ResponseWriter, r *http.Request) {
	userId, ok := requireUser(w, r)
	if !ok {
		return
	}
	subjectKey, ok := keyParam(w, r, "subjectKey")
	if !ok {
		return
	}
	details, err := s.engine.GetTaskDetails(r.Context(), subjectKey, userId)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	userId, ok := requireUser(w, r)
	if !ok {
		return
	}
	subjectKey, ok := keyParam(w, r, "subjectKey")
	if !ok {
		return
	}
	var body struct {
		LastSeen    time.Time                 `json:"lastSeen"`
		NextStateId string                    `json:"nextStateId"`
		Writes      map[string]map[string]any `json:"writes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{Type: "BAD_REQUEST", Message: "invalid request body"})
		return
	}
	err := s.engine.ExecuteTask(r.Context(), sbpm.ExecuteTaskRequest{
		SubjectKey:  subjectKey,
		UserId:      userId,
		LastSeen:    body.LastSeen,
		NextStateId: body.NextStateId,
		Writes:      body.Writes,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId, ok := appcontext.GetUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, apierror.ApiError{
			Type:    "UNAUTHORIZED",
			Message: "X-User-Id header is required",
		})
		return "", false
	}
	return userId, true
}

func keyParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: name + " must be a number",
		})
		return 0, false
	}
	return key, true
}

// writeEngineError maps the engines typed failures onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var taskErr *sbpm.TaskError
	if errors.As(err, &taskErr) {
		status := http.StatusInternalServerError
		switch taskErr.Code {
		case sbpm.ErrorCodeNotFound:
			status = http.StatusNotFound
		case sbpm.ErrorCodeTaskNotAvailable, sbpm.ErrorCodeOutOfDate:
			status = http.StatusConflict
		case sbpm.ErrorCodeInvalidTransition, sbpm.ErrorCodeMandatoryFieldMissing:
			status = http.StatusUnprocessableEntity
		case sbpm.ErrorCodePermissionDenied, sbpm.ErrorCodeUserMismatch:
			status = http.StatusForbidden
		}
		writeError(w, status, apierror.ApiError{Type: string(taskErr.Code), Message: taskErr.Msg})
		return
	}
	log.Error("request failed: %s", err)
	writeError(w, http.StatusInternalServerError, apierror.ApiError{Type: "ERROR", Message: err.Error()})
}

func writeError(w http.ResponseWriter, status int, apiErr apierror.ApiError) {
	writeJSON(w, status, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
