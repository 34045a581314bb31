package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/bossdb/bossingest/pkg/bosserr"
	"github.com/bossdb/bossingest/pkg/log"
	"github.com/bossdb/bossingest/pkg/manager"
	"github.com/bossdb/bossingest/pkg/metrics"
	"github.com/bossdb/bossingest/pkg/types"
)

// Headers set by the authenticating gateway in front of this service.
const (
	userHeader  = "X-Boss-User"
	adminHeader = "X-Boss-Admin"
)

const maxConfigBytes = 1 << 20

// Config carries the server's listen address and timeouts.
type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the ingest job REST API.
type Server struct {
	logger  zerolog.Logger
	manager *manager.Manager
	http    *http.Server
	Handler http.Handler
}

// NewServer creates the API server and wires its routes.
func NewServer(mgr *manager.Manager, cfg Config) *Server {
	s := &Server{
		logger:  log.WithComponent("api"),
		manager: mgr,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ingest", s.HandleCreate).Methods(http.MethodPost)
	router.HandleFunc("/ingest", s.HandleList).Methods(http.MethodGet)
	router.HandleFunc("/ingest/{id:[0-9]+}", s.HandleJoin).Methods(http.MethodGet)
	router.HandleFunc("/ingest/{id:[0-9]+}", s.HandleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/ingest/{id:[0-9]+}/status", s.HandleStatus).Methods(http.MethodGet)
	router.HandleFunc("/ingest/{id:[0-9]+}/complete", s.HandleComplete).Methods(http.MethodPost)

	router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	router.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.Handler = instrument(router)
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// caller identifies the authenticated user on a request.
type caller struct {
	User  string
	Admin bool
}

func callerFrom(r *http.Request) (caller, error) {
	user := r.Header.Get(userHeader)
	if user == "" {
		return caller{}, bosserr.New(bosserr.CodeMissingPermission, "request is not authenticated")
	}
	return caller{User: user, Admin: r.Header.Get(adminHeader) == "true"}, nil
}

// loadJob fetches the job named in the URL and checks the caller may act
// on it.
func (s *Server) loadJob(r *http.Request, c caller) (*types.IngestJob, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, bosserr.New(bosserr.CodeBadRequest, "invalid ingest job id")
	}
	job, err := s.manager.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !c.Admin && job.Creator != c.User {
		return nil, bosserr.Newf(bosserr.CodeMissingPermission,
			"user %s does not have permission to access ingest job %d", c.User, id)
	}
	return job, nil
}

func (s *Server) HandleCreate(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes))
	if err != nil {
		s.errorResponse(w, r, bosserr.Wrap(bosserr.CodeBadRequest, "failed to read request body", err))
		return
	}

	job, err := s.manager.Setup(r.Context(), c.User, raw)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, job)
}

func (s *Server) HandleList(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	jobs, err := s.manager.List(c.User, c.Admin)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{"ingest_jobs": jobs})
}

// joinResponse is the upload session payload.
type joinResponse struct {
	IngestJob      *types.IngestJob   `json:"ingest_job"`
	Credentials    *types.Credentials `json:"credentials,omitempty"`
	TileIndexQueue string             `json:"tile_index_queue,omitempty"`
	TileBucket     string             `json:"tile_bucket_name"`
	IngestBucket   string             `json:"ingest_bucket_name"`
	IngestLambda   string             `json:"ingest_lambda"`
	Resource       *types.Resource    `json:"resource"`
	WaitSecs       int                `json:"wait_secs,omitempty"`
}

func (s *Server) HandleJoin(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	job, err := s.loadJob(r, c)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	result, err := s.manager.Join(r.Context(), job)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	resp := joinResponse{
		IngestJob:      result.Job,
		TileIndexQueue: result.TileIndexQueueURL,
		TileBucket:     result.TileBucket,
		IngestBucket:   result.IngestBucket,
		IngestLambda:   result.IngestLambda,
		Resource:       result.Resource,
		WaitSecs:       result.WaitSecs,
	}
	if result.Credentials != nil {
		// The policy ARN is bookkeeping for cleanup, not client material.
		clean := *result.Credentials
		clean.PolicyARN = ""
		resp.Credentials = &clean
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	job, err := s.loadJob(r, c)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	report, err := s.manager.Status(r.Context(), job)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

// completeResponse is the body of a successful completion attempt.
type completeResponse struct {
	JobStatus types.JobStatus `json:"job_status"`
	WaitSecs  int             `json:"wait_secs"`
}

func (s *Server) HandleComplete(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	job, err := s.loadJob(r, c)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	result, err := s.manager.Complete(r.Context(), job)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, completeResponse{
		JobStatus: result.JobStatus,
		WaitSecs:  result.WaitSecs,
	})
}

func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	job, err := s.loadJob(r, c)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	if err := s.manager.Delete(r.Context(), job); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Status  int          `json:"status"`
	Code    bosserr.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	be := bosserr.From(err)
	status := be.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.jsonResponse(w, status, errorBody{Status: status, Code: be.Code, Message: be.Message})
}
