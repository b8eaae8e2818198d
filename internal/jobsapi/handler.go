/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package jobsapi provides the management REST API of the job queue and the rate limiter.
package jobsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/httpserver"
	"github.com/secureshare/secureshare/httpserver/middleware"
	"github.com/secureshare/secureshare/internal/scheduler"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/ratelimit"
	"github.com/secureshare/secureshare/restapi"
)

// ErrorDomain is used in all error responses of the API.
const ErrorDomain = "SecureShare"

// EnqueuePolicyName is the rate limit policy applied to POST /jobs by default.
const EnqueuePolicyName = "jobs-enqueue"

// Error codes of the API.
const (
	ErrCodeJobNotFound      = "jobNotFound"
	ErrCodeNotCancellable   = "notCancellable"
	ErrCodeQueueFull        = "queueFull"
	ErrCodeUnknownJobType   = "unknownJobType"
	ErrCodePolicyNotFound   = "policyNotFound"
	ErrCodeScheduleNotFound = "scheduleNotFound"
)

const defaultEventsBuffer = 64

// JobQueue is the part of *jobqueue.Queue used by the API.
type JobQueue interface {
	Add(ctx context.Context, jobType string, payload json.RawMessage, opts jobqueue.AddOptions) (string, error)
	Get(ctx context.Context, id string) (*jobqueue.Job, error)
	ListByStatus(ctx context.Context, status jobqueue.Status) ([]*jobqueue.Job, error)
	ListByType(ctx context.Context, jobType string) ([]*jobqueue.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
	Status(ctx context.Context) (jobqueue.QueueStatus, error)
	Metrics() jobqueue.QueueMetrics
	Subscribe(buffer int) (<-chan jobqueue.Event, func())
}

// Scheduler is the part of *scheduler.Scheduler used by the API.
type Scheduler interface {
	Entries() []scheduler.EntryInfo
	Trigger(ctx context.Context, name string) (string, error)
}

// Opts contains optional parameters for constructing Handler.
type Opts struct {
	// RateLimits enables POST /ratelimit/check and limiting of POST /jobs.
	RateLimits *ratelimit.Registry
	// EnqueuePolicy is looked up in RateLimits, EnqueuePolicyName by default.
	// POST /jobs is not limited if the registry doesn't have it.
	EnqueuePolicy string
	// StoreErrorPolicy is required when RateLimits is set.
	StoreErrorPolicy  middleware.RateLimitStoreErrorPolicy
	TrustProxyHeaders bool
	// DefaultCleanupRetention is used by POST /jobs/cleanup without a retention in the body.
	DefaultCleanupRetention time.Duration
	// Scheduler enables the /schedules endpoints.
	Scheduler Scheduler
	// EventsBuffer is the per-connection buffer of the events stream.
	EventsBuffer int
}

// Handler serves the management API.
type Handler struct {
	queue            JobQueue
	logger           log.FieldLogger
	opts             Opts
	enqueueLimit     func(http.Handler) http.Handler
	wsUpgrader       websocket.Upgrader
	eventsBuffer     int
	defaultRetention time.Duration
}

// NewHandler creates a new Handler.
func NewHandler(queue JobQueue, logger log.FieldLogger, opts Opts) (*Handler, error) {
	h := &Handler{
		queue:            queue,
		logger:           logger,
		opts:             opts,
		eventsBuffer:     opts.EventsBuffer,
		defaultRetention: opts.DefaultCleanupRetention,
		wsUpgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
		},
	}
	if h.eventsBuffer <= 0 {
		h.eventsBuffer = defaultEventsBuffer
	}
	if opts.RateLimits != nil {
		policyName := opts.EnqueuePolicy
		if policyName == "" {
			policyName = EnqueuePolicyName
		}
		policy, limiter, err := opts.RateLimits.Get(policyName)
		switch {
		case err == nil:
			h.enqueueLimit, err = middleware.RateLimit(limiter, policy, ErrorDomain, middleware.RateLimitOpts{
				GetKey:           middleware.GetRateLimitKeyByClientIP(opts.TrustProxyHeaders),
				StoreErrorPolicy: opts.StoreErrorPolicy,
			})
			if err != nil {
				return nil, fmt.Errorf("create enqueue rate limiting middleware: %w", err)
			}
		case errors.Is(err, ratelimit.ErrUnknownPolicy):
			logger.Warn("job enqueueing is not rate limited, policy is not configured", log.String("policy", policyName))
		default:
			return nil, err
		}
	}
	return h, nil
}

// Routes registers the API routes on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		if h.enqueueLimit != nil {
			r.With(h.enqueueLimit).Post("/", h.addJob)
		} else {
			r.Post("/", h.addJob)
		}
		r.Get("/", h.listJobs)
		r.Post("/cleanup", h.cleanup)
		r.Get("/events", h.streamEvents)
		r.Get("/{id}", h.getJob)
		r.Post("/{id}/cancel", h.cancelJob)
	})
	r.Get("/queue/status", h.queueStatus)
	r.Get("/queue/metrics", h.queueMetrics)
	if h.opts.RateLimits != nil {
		r.Get("/ratelimit/policies", h.listPolicies)
		r.Post("/ratelimit/check", h.checkRateLimit)
	}
	if h.opts.Scheduler != nil {
		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules/{name}/trigger", h.triggerSchedule)
	}
}

// AddJobRequest is the body of POST /jobs.
type AddJobRequest struct {
	Type     string              `json:"type"`
	Payload  json.RawMessage     `json:"payload,omitempty"`
	Priority jobqueue.Priority   `json:"priority,omitempty"`
	Delay    config.TimeDuration `json:"delay,omitempty"`
}

// AddJobResponse is the body of a successful POST /jobs response.
type AddJobResponse struct {
	ID string `json:"id"`
}

// JobsResponse is the body of GET /jobs.
type JobsResponse struct {
	Jobs []*jobqueue.Job `json:"jobs"`
}

// CancelJobResponse is the body of a successful POST /jobs/{id}/cancel response.
type CancelJobResponse struct {
	Cancelled bool `json:"cancelled"`
}

// CleanupRequest is the body of POST /jobs/cleanup.
type CleanupRequest struct {
	Retention *config.TimeDuration `json:"retention,omitempty"`
}

// CleanupResponse is the body of a successful POST /jobs/cleanup response.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// RateLimitCheckRequest is the body of POST /ratelimit/check.
type RateLimitCheckRequest struct {
	Identifier string `json:"identifier"`
	Policy     string `json:"policy"`
}

// RateLimitCheckResponse is the body of a POST /ratelimit/check response.
// Denials are not errors, Allowed is false for them.
type RateLimitCheckResponse struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// PolicyResponse describes a configured rate limit policy.
type PolicyResponse struct {
	Name   string              `json:"name"`
	Limit  int                 `json:"limit"`
	Window config.TimeDuration `json:"window"`
}

// TriggerScheduleResponse is the body of a successful POST /schedules/{name}/trigger response.
type TriggerScheduleResponse struct {
	JobID string `json:"jobId"`
}

func (h *Handler) addJob(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	var req AddJobRequest
	if err := restapi.DecodeRequestJSONStrict(r, &req, true); err != nil {
		restapi.RespondMalformedRequestOrInternalError(rw, ErrorDomain, err, logger)
		return
	}
	if req.Type == "" {
		respondInvalidArgument(rw, "Job type is required.", logger)
		return
	}
	jobID, err := h.queue.Add(r.Context(), req.Type, req.Payload,
		jobqueue.AddOptions{Priority: req.Priority, Delay: time.Duration(req.Delay)})
	if err != nil {
		h.respondQueueError(rw, err, logger)
		return
	}
	restapi.RespondCodeAndJSON(rw, http.StatusCreated, AddJobResponse{ID: jobID}, logger)
}

func (h *Handler) getJob(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	job, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondQueueError(rw, err, logger)
		return
	}
	restapi.RespondJSON(rw, job, logger)
}

func (h *Handler) listJobs(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	query := r.URL.Query()
	statusParam, jobType := query.Get("status"), query.Get("type")

	var jobs []*jobqueue.Job
	var err error
	switch {
	case statusParam != "":
		status, parseErr := jobqueue.ParseStatus(statusParam)
		if parseErr != nil {
			respondInvalidArgument(rw, fmt.Sprintf("Unknown job status %q.", statusParam), logger)
			return
		}
		if jobs, err = h.queue.ListByStatus(r.Context(), status); err == nil && jobType != "" {
			jobs = filterByType(jobs, jobType)
		}
	case jobType != "":
		jobs, err = h.queue.ListByType(r.Context(), jobType)
	default:
		respondInvalidArgument(rw, "Either status or type query parameter is required.", logger)
		return
	}
	if err != nil {
		h.respondQueueError(rw, err, logger)
		return
	}
	if jobs == nil {
		jobs = []*jobqueue.Job{}
	}
	restapi.RespondJSON(rw, JobsResponse{Jobs: jobs}, logger)
}

func (h *Handler) cancelJob(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	jobID := chi.URLParam(r, "id")
	cancelled, err := h.queue.Cancel(r.Context(), jobID)
	if err != nil {
		h.respondQueueError(rw, err, logger)
		return
	}
	if !cancelled {
		apiErr := restapi.NewError(ErrorDomain, ErrCodeNotCancellable, "Only pending jobs can be cancelled.").
			AddContext("id", jobID)
		restapi.RespondError(rw, http.StatusConflict, apiErr, logger)
		return
	}
	restapi.RespondJSON(rw, CancelJobResponse{Cancelled: true}, logger)
}

func (h *Handler) cleanup(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	var req CleanupRequest
	if r.ContentLength != 0 {
		if err := restapi.DecodeRequestJSONStrict(r, &req, true); err != nil {
			restapi.RespondMalformedRequestOrInternalError(rw, ErrorDomain, err, logger)
			return
		}
	}
	retention := h.defaultRetention
	if req.Retention != nil {
		retention = time.Duration(*req.Retention)
	}
	removed, err := h.queue.Cleanup(r.Context(), retention)
	if err != nil {
		h.respondQueueError(rw, err, logger)
		return
	}
	restapi.RespondJSON(rw, CleanupResponse{Removed: removed}, logger)
}

func (h *Handler) queueStatus(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	status, err := h.queue.Status(r.Context())
	if err != nil {
		h.respondQueueError(rw, err, logger)
		return
	}
	restapi.RespondJSON(rw, status, logger)
}

func (h *Handler) queueMetrics(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, h.queue.Metrics(), h.requestLogger(r))
}

func (h *Handler) listPolicies(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	names := h.opts.RateLimits.Names()
	policies := make([]PolicyResponse, 0, len(names))
	for _, name := range names {
		policy, _, err := h.opts.RateLimits.Get(name)
		if err != nil {
			continue
		}
		policies = append(policies, PolicyResponse{
			Name: policy.Name, Limit: policy.Limit, Window: config.TimeDuration(policy.Window),
		})
	}
	restapi.RespondJSON(rw, policies, logger)
}

func (h *Handler) checkRateLimit(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	var req RateLimitCheckRequest
	if err := restapi.DecodeRequestJSONStrict(r, &req, true); err != nil {
		restapi.RespondMalformedRequestOrInternalError(rw, ErrorDomain, err, logger)
		return
	}
	if req.Identifier == "" || req.Policy == "" {
		respondInvalidArgument(rw, "Both identifier and policy are required.", logger)
		return
	}
	res, err := h.opts.RateLimits.CheckNamed(r.Context(), req.Identifier, req.Policy)
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownPolicy) {
			apiErr := restapi.NewError(ErrorDomain, ErrCodePolicyNotFound, "Rate limit policy is not configured.").
				AddContext("policy", req.Policy)
			restapi.RespondError(rw, http.StatusNotFound, apiErr, logger)
			return
		}
		logger.Error("rate limit check failed", log.String("policy", req.Policy), log.Error(err))
		apiErr := restapi.NewError(ErrorDomain, restapi.ErrCodeUnavailable, restapi.ErrMessageUnavailable)
		restapi.RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
		return
	}
	middleware.SetRateLimitHeaders(rw.Header(), res)
	restapi.RespondJSON(rw, RateLimitCheckResponse{
		Allowed: res.Allowed, Limit: res.Limit, Remaining: res.Remaining, ResetTime: res.ResetTime,
	}, logger)
}

func (h *Handler) listSchedules(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, h.opts.Scheduler.Entries(), h.requestLogger(r))
}

func (h *Handler) triggerSchedule(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	name := chi.URLParam(r, "name")
	jobID, err := h.opts.Scheduler.Trigger(r.Context(), name)
	if err != nil {
		if errors.Is(err, scheduler.ErrEntryNotFound) {
			apiErr := restapi.NewError(ErrorDomain, ErrCodeScheduleNotFound, "Scheduled entry is not found.").
				AddContext("name", name)
			restapi.RespondError(rw, http.StatusNotFound, apiErr, logger)
			return
		}
		h.respondQueueError(rw, err, logger)
		return
	}
	restapi.RespondCodeAndJSON(rw, http.StatusCreated, TriggerScheduleResponse{JobID: jobID}, logger)
}

func (h *Handler) requestLogger(r *http.Request) log.FieldLogger {
	if logger := middleware.GetLoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.logger
}

func (h *Handler) respondQueueError(rw http.ResponseWriter, err error, logger log.FieldLogger) {
	var unknownTypeErr *jobqueue.UnknownJobTypeError
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		restapi.RespondError(rw, http.StatusNotFound,
			restapi.NewError(ErrorDomain, ErrCodeJobNotFound, "Job is not found."), logger)
	case errors.As(err, &unknownTypeErr):
		restapi.RespondError(rw, http.StatusBadRequest,
			restapi.NewError(ErrorDomain, ErrCodeUnknownJobType, "Job type is not supported.").
				AddContext("type", unknownTypeErr.JobType), logger)
	case errors.Is(err, jobqueue.ErrInvalidJob), errors.Is(err, jobqueue.ErrInvalidRetention):
		respondInvalidArgument(rw, err.Error(), logger)
	case errors.Is(err, jobqueue.ErrQueueFull):
		restapi.RespondError(rw, http.StatusServiceUnavailable,
			restapi.NewError(ErrorDomain, ErrCodeQueueFull, "Job queue is full."), logger)
	case errors.Is(err, context.Canceled):
		restapi.RespondError(rw, httpserver.StatusClientClosedRequest,
			restapi.NewError(ErrorDomain, "clientClosedRequest", "Request is cancelled."), logger)
	default:
		logger.Error("job queue operation failed", log.Error(err))
		restapi.RespondInternalError(rw, ErrorDomain, logger)
	}
}

func respondInvalidArgument(rw http.ResponseWriter, message string, logger log.FieldLogger) {
	restapi.RespondError(rw, http.StatusBadRequest,
		restapi.NewError(ErrorDomain, restapi.ErrCodeInvalidArgument, message), logger)
}

func filterByType(jobs []*jobqueue.Job, jobType string) []*jobqueue.Job {
	filtered := jobs[:0]
	for _, job := range jobs {
		if job.Type == jobType {
			filtered = append(filtered, job)
		}
	}
	return filtered
}
