// Package api exposes the Controller's operation surface over HTTP,
// grounded on Hermod's internal/api server: a stdlib net/http.ServeMux with
// method-pattern routes, a bearer-token auth middleware, and a jsonError-style
// envelope helper, generalized to CronWeb's {code, response} contract.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/user/cronweb"
	"github.com/user/cronweb/internal/controller"
)

// Response codes (spec §6).
const (
	CodeSuccess       = 0
	CodeUnauthorized  = -1
	CodeBadCredential = -2
	CodeInternal      = 1
	CodeRequestFailed = 2
)

type envelope struct {
	Code     int `json:"code"`
	Response any `json:"response"`
}

// Server wires the Controller into an HTTP handler.
type Server struct {
	controller *controller.Controller
	secret     string
	logger     cronweb.Logger
	mux        *http.ServeMux
}

// NewServer builds the route table. secret is the shared bearer token
// checked by withAuth and probed by /api/sys/secret.
func NewServer(ctrl *controller.Controller, secret string, logger cronweb.Logger) *Server {
	s := &Server{controller: ctrl, secret: secret, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/sys/connection", s.handleConnection)
	s.mux.HandleFunc("GET /api/sys/secret", s.handleSecretProbe)
	s.mux.HandleFunc("GET /api/sys/code", s.handleCodeGlossary)

	s.mux.HandleFunc("POST /api/job", s.withAuth(s.handleAddJob))
	s.mux.HandleFunc("DELETE /api/job/{uuid}", s.withAuth(s.handleRemoveJob))
	s.mux.HandleFunc("POST /api/job/{uuid}/trigger", s.withAuth(s.handleTriggerManual))
	s.mux.HandleFunc("POST /api/job/{uuid}/active", s.withAuth(s.handleUpdateJobState))
	s.mux.HandleFunc("GET /api/jobs", s.withAuth(s.handleListJobs))
	s.mux.HandleFunc("GET /api/running_jobs", s.withAuth(s.handleListRunningJobs))
	s.mux.HandleFunc("DELETE /api/running_jobs/{shot_id}", s.withAuth(s.handleKillRunningJob))
	s.mux.HandleFunc("GET /api/logs", s.withAuth(s.handleListLogs))
	s.mux.HandleFunc("GET /api/job/{uuid}/logs", s.withAuth(s.handleJobLogs))
	s.mux.HandleFunc("GET /api/log/{shot_id}", s.withAuth(s.handleLogContent))
}

// Handler returns the root http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// withAuth enforces bearer-token authentication against the configured
// secret before calling next.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearer(r)
		if !ok {
			writeEnvelope(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		if token != s.secret {
			writeEnvelope(w, http.StatusUnauthorized, CodeBadCredential, "bad credentials")
			return
		}
		next(w, r)
	}
}

func extractBearer(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return authHeader[len("Bearer "):], true
	}
	return "", false
}

func writeEnvelope(w http.ResponseWriter, httpStatus, code int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Response: response})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, CodeSuccess, "ok")
}

func (s *Server) handleSecretProbe(w http.ResponseWriter, r *http.Request) {
	given := r.URL.Query().Get("secret")
	if given == "" || given != s.secret {
		writeEnvelope(w, http.StatusOK, CodeBadCredential, false)
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, true)
}

func (s *Server) handleCodeGlossary(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, CodeSuccess, map[string]string{
		"0":  "success",
		"-1": "unauthorized",
		"-2": "bad credentials",
		"1":  "internal failure",
		"2":  "request failure",
	})
}

type addJobRequest struct {
	CronExp string `json:"cron_exp"`
	Command string `json:"command"`
	Name    string `json:"name"`
	Param   string `json:"param"`
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req addJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeRequestFailed, "invalid request body")
		return
	}

	job, err := s.controller.AddJob(r.Context(), req.CronExp, req.Command, req.Param, req.Name, true)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeRequestFailed, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	removedUUID, err := s.controller.RemoveJob(r.Context(), id)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if removedUUID == "" {
		writeEnvelope(w, http.StatusOK, CodeRequestFailed, "unknown uuid")
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, removedUUID)
}

func (s *Server) handleTriggerManual(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	if err := s.controller.TriggerManual(id); err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeRequestFailed, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, "triggered")
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleUpdateJobState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeRequestFailed, "invalid request body")
		return
	}
	if err := s.controller.UpdateJobState(r.Context(), id, req.Active); err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeRequestFailed, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, "updated")
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.controller.GetJobs(r.Context())
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, jobs)
}

func (s *Server) handleListRunningJobs(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, CodeSuccess, s.controller.GetRunningJobs())
}

func (s *Server) handleKillRunningJob(w http.ResponseWriter, r *http.Request) {
	shotID := r.PathValue("shot_id")
	killed, ok := s.controller.KillRunningJob(shotID)
	if !ok {
		writeEnvelope(w, http.StatusOK, CodeRequestFailed, "unknown shot_id")
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, killed)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	shots, err := s.controller.GetLogs(r.Context(), limit)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, shots)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	shots, err := s.controller.GetJobLogs(r.Context(), id)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, CodeSuccess, shots)
}

func (s *Server) handleLogContent(w http.ResponseWriter, r *http.Request) {
	shotID := r.PathValue("shot_id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	content, err := s.controller.GetLogContent(r.Context(), shotID, limit)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if content == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(*content))
}
