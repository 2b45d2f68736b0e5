package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/models"
	"market-task-orchestrator/internal/scheduler"
	"market-task-orchestrator/internal/tasks"
	"market-task-orchestrator/internal/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	streamWriteTimeout = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingPeriod   = streamPongWait * 9 / 10
)

// Streamer fans out progress events to one subscriber.
type Streamer interface {
	Subscribe(ctx context.Context) (<-chan models.ProgressEvent, error)
}

// HistoryReader lists finished runs of a job.
type HistoryReader interface {
	ListRuns(ctx context.Context, code string, limit int) ([]models.TaskRun, error)
}

// Server wires HTTP handlers for task monitoring and scheduler control.
type Server struct {
	manager  *tasks.Manager
	sched    *scheduler.Scheduler
	stream   Streamer
	history  HistoryReader
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the job history endpoint.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New constructs the API server. stream may be nil, which disables
// /tasks/stream.
func New(manager *tasks.Manager, sched *scheduler.Scheduler, stream Streamer, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		sched:   sched,
		stream:  stream,
		log:     zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(traceRequest)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/running", s.handleRunningTasks)
		r.Get("/stream", s.handleStream)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/cancel", s.handleCancelTask)
	})

	r.Route("/scheduler/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{code}", s.handleGetJob)
		r.Post("/{code}/trigger", s.handleTrigger)
		r.Put("/{code}/cron", s.handleUpdateCron)
		r.Put("/{code}/status", s.handleUpdateStatus)
		r.Get("/{code}/history", s.handleHistory)
	})
	return r
}

// traceRequest carries the chi request id into the logging context.
func traceRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("code")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		writeError(w, http.StatusBadRequest, "INVALID_PATTERN", "malformed code pattern")
		return
	}
	rows, err := s.manager.GetAllTasks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": filterByCode(rows, pattern)})
}

func (s *Server) handleRunningTasks(w http.ResponseWriter, r *http.Request) {
	rows, err := s.manager.GetRunningTasks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(rows)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.manager.GetTaskProgress(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.manager.CancelTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "task not found")
		return
	}
	t, err := s.manager.GetTaskProgress(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"task_id": id}
	if t != nil {
		resp["status"] = t.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream relays progress events over a websocket until the client goes
// away. An optional code pattern narrows the events sent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusNotFound, "STREAM_DISABLED", "progress stream is not enabled")
		return
	}
	pattern := r.URL.Query().Get("code")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		writeError(w, http.StatusBadRequest, "INVALID_PATTERN", "malformed code pattern")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := s.stream.Subscribe(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		logging.For(r.Context(), s.log).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only serve to notice the client leaving and to answer pongs.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !matchCode(pattern, ev.Data.Code) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.Jobs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Job(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type triggerRequest struct {
	Args map[string]any `json:"args"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	// An empty body triggers with catalogue args only.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	res, err := s.sched.Trigger(r.Context(), chi.URLParam(r, "code"), scheduler.TriggerOptions{Args: req.Args, Source: "api"})
	var dup *scheduler.DuplicateRunError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type cronRequest struct {
	CronExpression string `json:"cron_expression"`
}

func (s *Server) handleUpdateCron(w http.ResponseWriter, r *http.Request) {
	var req cronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	job, err := s.sched.UpdateCron(r.Context(), chi.URLParam(r, "code"), req.CronExpression)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type statusRequest struct {
	Status models.JobStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	job, err := s.sched.UpdateStatus(r.Context(), chi.URLParam(r, "code"), req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := s.sched.Job(r.Context(), code); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "HISTORY_DISABLED", "run history is not configured")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	runs, err := s.history.ListRuns(r.Context(), code, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []models.TaskRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// fail maps scheduler validation errors to 4xx and everything else to 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *scheduler.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusBadRequest
		if verr.Code == scheduler.CodeInvalidTaskID {
			status = http.StatusNotFound
		}
		writeError(w, status, verr.Code, verr.Message)
		return
	}
	logging.For(r.Context(), s.log).Error("request failed",
		zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func filterByCode(rows []*models.Task, pattern string) []*models.Task {
	out := make([]*models.Task, 0, len(rows))
	for _, t := range rows {
		if matchCode(pattern, t.Code) {
			out = append(out, t)
		}
	}
	return out
}

// matchCode treats an empty pattern as match-all. Patterns are validated
// before use, so Match errors cannot occur here.
func matchCode(pattern, code string) bool {
	if pattern == "" {
		return true
	}
	ok, _ := doublestar.Match(pattern, code)
	return ok
}

func nonNil(rows []*models.Task) []*models.Task {
	if rows == nil {
		return []*models.Task{}
	}
	return rows
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{Code: errCode, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
