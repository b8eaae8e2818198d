/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/secureshare/secureshare/httpserver/middleware"
	"github.com/secureshare/secureshare/internal/scheduler"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log/logtest"
	"github.com/secureshare/secureshare/ratelimit"
	"github.com/secureshare/secureshare/testutil"
)

type HandlerTestSuite struct {
	suite.Suite
	clock   *testutil.FakeClock
	queue   *jobqueue.Queue
	limits  *ratelimit.Registry
	router  chi.Router
	handler *Handler
}

func TestHandler(t *testing.T) {
	suite.Run(t, &HandlerTestSuite{})
}

func (s *HandlerTestSuite) SetupTest() {
	s.clock = testutil.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	registry := jobqueue.NewRegistry()
	registry.Register("file-compression", jobqueue.HandlerFunc(func(context.Context, *jobqueue.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))
	registry.Register("virus-scan", jobqueue.HandlerFunc(func(context.Context, *jobqueue.Job) (json.RawMessage, error) {
		return nil, nil
	}))
	s.queue = jobqueue.New(registry, logtest.NewLogger(), jobqueue.Opts{Clock: s.clock})

	store, err := ratelimit.NewMemoryStore(0, nil, s.clock)
	s.Require().NoError(err)
	limiter := ratelimit.NewFixedWindowLimiterWithOpts(store, ratelimit.FixedWindowLimiterOpts{Clock: s.clock})
	s.limits = ratelimit.NewRegistry()
	s.Require().NoError(s.limits.Register(ratelimit.Policy{Name: EnqueuePolicyName, Limit: 3, Window: time.Minute}, limiter))
	s.Require().NoError(s.limits.Register(ratelimit.Policy{Name: "login", Limit: 2, Window: 15 * time.Minute}, limiter))

	sched, err := scheduler.New([]scheduler.Entry{{Name: "nightly-scan", Schedule: "@daily", JobType: "virus-scan"}},
		s.queue, logtest.NewLogger(), scheduler.Opts{})
	s.Require().NoError(err)

	s.handler, err = NewHandler(s.queue, logtest.NewLogger(), Opts{
		RateLimits:              s.limits,
		StoreErrorPolicy:        middleware.RateLimitFailClosed,
		DefaultCleanupRetention: time.Hour,
		Scheduler:               sched,
	})
	s.Require().NoError(err)
	s.router = chi.NewRouter()
	s.handler.Routes(s.router)
}

func (s *HandlerTestSuite) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "10.0.0.1:40000"
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *HandlerTestSuite) addJob(body string) string {
	resp := s.do(http.MethodPost, "/jobs", body)
	s.Require().Equal(http.StatusCreated, resp.Code, resp.Body.String())
	var addResp AddJobResponse
	s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &addResp))
	s.Require().NotEmpty(addResp.ID)
	return addResp.ID
}

func (s *HandlerTestSuite) TestAddAndGetJob() {
	jobID := s.addJob(`{"type":"file-compression","payload":{"path":"a.enc"},"priority":"high","delay":"1m"}`)

	resp := s.do(http.MethodGet, "/jobs/"+jobID, "")
	s.Require().Equal(http.StatusOK, resp.Code)
	var job jobqueue.Job
	s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &job))
	s.Require().Equal(jobID, job.ID)
	s.Require().Equal("file-compression", job.Type)
	s.Require().Equal(jobqueue.StatusPending, job.Status)
	s.Require().Equal(jobqueue.PriorityHigh, job.Priority)
	s.Require().JSONEq(`{"path":"a.enc"}`, string(job.Payload))
	s.Require().True(job.RunAt.Equal(s.clock.Now().Add(time.Minute)))

	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodGet, "/jobs/missing", ""),
		http.StatusNotFound, ErrorDomain, ErrCodeJobNotFound)
}

func (s *HandlerTestSuite) TestAddJob_Errors() {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"no type", `{"payload":{}}`, http.StatusBadRequest, "invalidArgument"},
		{"unknown type", `{"type":"mine-bitcoins"}`, http.StatusBadRequest, ErrCodeUnknownJobType},
		{"bad priority", `{"type":"virus-scan","priority":"urgent"}`, http.StatusBadRequest, "invalidArgument"},
		{"unknown field", `{"type":"virus-scan","color":"red"}`, http.StatusBadRequest, "badRequest"},
		{"bad json", `{"type":`, http.StatusBadRequest, "badRequest"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.clock.Advance(time.Minute) // keep out of the enqueue rate limit
			testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodPost, "/jobs", tt.body),
				tt.wantCode, ErrorDomain, tt.wantErr)
		})
	}
}

func (s *HandlerTestSuite) TestAddJob_RateLimited() {
	for i := 0; i < 3; i++ {
		resp := s.do(http.MethodPost, "/jobs", `{"type":"virus-scan","payload":{"path":"a"}}`)
		s.Require().Equal(http.StatusCreated, resp.Code)
		testutil.RequireRateLimitHeaders(s.T(), resp.Header(), 3, 2-i)
	}
	resp := s.do(http.MethodPost, "/jobs", `{"type":"virus-scan","payload":{"path":"a"}}`)
	testutil.RequireErrorInRecorder(s.T(), resp, http.StatusTooManyRequests, ErrorDomain, "tooManyRequests")
	s.Require().Equal("60", resp.Header().Get("Retry-After"))

	s.clock.Advance(time.Minute)
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/jobs", `{"type":"virus-scan"}`).Code)
}

func (s *HandlerTestSuite) TestListJobs() {
	scanID := s.addJob(`{"type":"virus-scan"}`)
	compressID := s.addJob(`{"type":"file-compression"}`)
	processed, err := s.queue.ProcessNext(context.Background())
	s.Require().NoError(err)
	s.Require().True(processed)

	listIDs := func(query string) []string {
		resp := s.do(http.MethodGet, "/jobs?"+query, "")
		s.Require().Equal(http.StatusOK, resp.Code, resp.Body.String())
		var jobsResp JobsResponse
		s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &jobsResp))
		ids := make([]string, 0, len(jobsResp.Jobs))
		for _, job := range jobsResp.Jobs {
			ids = append(ids, job.ID)
		}
		return ids
	}
	s.Require().Equal([]string{scanID}, listIDs("status=completed"))
	s.Require().Equal([]string{compressID}, listIDs("status=pending"))
	s.Require().Equal([]string{compressID}, listIDs("type=file-compression"))
	s.Require().Equal([]string{}, listIDs("status=pending&type=virus-scan"))
	s.Require().Equal([]string{}, listIDs("status=failed"))

	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodGet, "/jobs?status=lost", ""),
		http.StatusBadRequest, ErrorDomain, "invalidArgument")
	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodGet, "/jobs", ""),
		http.StatusBadRequest, ErrorDomain, "invalidArgument")
}

func (s *HandlerTestSuite) TestCancelJob() {
	pendingID := s.addJob(`{"type":"virus-scan"}`)
	resp := s.do(http.MethodPost, "/jobs/"+pendingID+"/cancel", "")
	testutil.RequireJSONInRecorder(s.T(), resp, &CancelJobResponse{Cancelled: true}, &CancelJobResponse{})

	job, err := s.queue.Get(context.Background(), pendingID)
	s.Require().NoError(err)
	s.Require().Equal(jobqueue.StatusCancelled, job.Status)

	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodPost, "/jobs/"+pendingID+"/cancel", ""),
		http.StatusConflict, ErrorDomain, ErrCodeNotCancellable)
	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodPost, "/jobs/missing/cancel", ""),
		http.StatusNotFound, ErrorDomain, ErrCodeJobNotFound)
}

func (s *HandlerTestSuite) TestCleanup() {
	doneID := s.addJob(`{"type":"virus-scan"}`)
	_, err := s.queue.ProcessNext(context.Background())
	s.Require().NoError(err)
	pendingID := s.addJob(`{"type":"virus-scan"}`)

	resp := s.do(http.MethodPost, "/jobs/cleanup", "")
	testutil.RequireJSONInRecorder(s.T(), resp, &CleanupResponse{Removed: 0}, &CleanupResponse{})

	s.clock.Advance(time.Hour)
	resp = s.do(http.MethodPost, "/jobs/cleanup", `{"retention":"2h"}`)
	testutil.RequireJSONInRecorder(s.T(), resp, &CleanupResponse{Removed: 0}, &CleanupResponse{})

	resp = s.do(http.MethodPost, "/jobs/cleanup", `{"retention":"30m"}`)
	testutil.RequireJSONInRecorder(s.T(), resp, &CleanupResponse{Removed: 1}, &CleanupResponse{})

	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodGet, "/jobs/"+doneID, ""),
		http.StatusNotFound, ErrorDomain, ErrCodeJobNotFound)
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/jobs/"+pendingID, "").Code)

	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodPost, "/jobs/cleanup", `{"retention":"-1h"}`),
		http.StatusBadRequest, ErrorDomain, "invalidArgument")
}

func (s *HandlerTestSuite) TestQueueStatusAndMetrics() {
	s.addJob(`{"type":"virus-scan"}`)
	s.addJob(`{"type":"file-compression"}`)
	_, err := s.queue.ProcessNext(context.Background())
	s.Require().NoError(err)

	resp := s.do(http.MethodGet, "/queue/status", "")
	s.Require().Equal(http.StatusOK, resp.Code)
	var status jobqueue.QueueStatus
	s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &status))
	s.Require().Equal(2, status.Total)
	s.Require().Equal(1, status.ByStatus[jobqueue.StatusPending])
	s.Require().Equal(1, status.ByStatus[jobqueue.StatusCompleted])
	s.Require().Equal(0, status.ByStatus[jobqueue.StatusFailed])
	s.Require().Equal(map[string]int{"virus-scan": 1, "file-compression": 1}, status.ByType)

	resp = s.do(http.MethodGet, "/queue/metrics", "")
	s.Require().Equal(http.StatusOK, resp.Code)
	var metrics jobqueue.QueueMetrics
	s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &metrics))
	s.Require().Equal(int64(2), metrics.Enqueued)
	s.Require().Equal(int64(1), metrics.Succeeded)
}

func (s *HandlerTestSuite) TestRateLimitCheck() {
	for i := 0; i < 2; i++ {
		resp := s.do(http.MethodPost, "/ratelimit/check", `{"identifier":"alice@example.com","policy":"login"}`)
		s.Require().Equal(http.StatusOK, resp.Code)
		testutil.RequireRateLimitHeaders(s.T(), resp.Header(), 2, 1-i)
		var checkResp RateLimitCheckResponse
		s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &checkResp))
		s.Require().True(checkResp.Allowed)
		s.Require().Equal(1-i, checkResp.Remaining)
		s.Require().True(checkResp.ResetTime.Equal(s.clock.Now().Add(15 * time.Minute)))
	}
	resp := s.do(http.MethodPost, "/ratelimit/check", `{"identifier":"alice@example.com","policy":"login"}`)
	s.Require().Equal(http.StatusOK, resp.Code)
	var checkResp RateLimitCheckResponse
	s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &checkResp))
	s.Require().False(checkResp.Allowed)
	s.Require().Equal(0, checkResp.Remaining)

	testutil.RequireErrorInRecorder(s.T(),
		s.do(http.MethodPost, "/ratelimit/check", `{"identifier":"alice","policy":"download"}`),
		http.StatusNotFound, ErrorDomain, ErrCodePolicyNotFound)
	testutil.RequireErrorInRecorder(s.T(),
		s.do(http.MethodPost, "/ratelimit/check", `{"policy":"login"}`),
		http.StatusBadRequest, ErrorDomain, "invalidArgument")

	resp = s.do(http.MethodGet, "/ratelimit/policies", "")
	s.Require().Equal(http.StatusOK, resp.Code)
	s.Require().JSONEq(`[{"name":"jobs-enqueue","limit":3,"window":"1m0s"},{"name":"login","limit":2,"window":"15m0s"}]`,
		resp.Body.String())
}

func (s *HandlerTestSuite) TestSchedules() {
	resp := s.do(http.MethodGet, "/schedules", "")
	s.Require().Equal(http.StatusOK, resp.Code)
	var entries []scheduler.EntryInfo
	s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &entries))
	s.Require().Len(entries, 1)
	s.Require().Equal("nightly-scan", entries[0].Name)

	resp = s.do(http.MethodPost, "/schedules/nightly-scan/trigger", "")
	s.Require().Equal(http.StatusCreated, resp.Code)
	var triggerResp TriggerScheduleResponse
	s.Require().NoError(json.Unmarshal(resp.Body.Bytes(), &triggerResp))
	job, err := s.queue.Get(context.Background(), triggerResp.JobID)
	s.Require().NoError(err)
	s.Require().Equal("virus-scan", job.Type)

	testutil.RequireErrorInRecorder(s.T(), s.do(http.MethodPost, "/schedules/weekly/trigger", ""),
		http.StatusNotFound, ErrorDomain, ErrCodeScheduleNotFound)
}

func (s *HandlerTestSuite) TestStreamEvents() {
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/events?type=virus-scan"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	s.Require().NoError(err)
	defer resp.Body.Close() // nolint: errcheck
	defer conn.Close()      // nolint: errcheck

	s.Require().Eventually(func() bool {
		status, statusErr := s.queue.Status(context.Background())
		return statusErr == nil && status.Subscribers == 1
	}, 5*time.Second, 10*time.Millisecond)

	s.clock.Advance(time.Minute)
	s.addJob(`{"type":"file-compression"}`)
	scanID := s.addJob(`{"type":"virus-scan"}`)
	_, err = s.queue.ProcessNext(context.Background()) // compression, filtered out
	s.Require().NoError(err)
	_, err = s.queue.ProcessNext(context.Background())
	s.Require().NoError(err)

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var gotTypes []jobqueue.EventType
	for i := 0; i < 3; i++ {
		var ev jobqueue.Event
		s.Require().NoError(conn.ReadJSON(&ev))
		s.Require().Equal(scanID, ev.Job.ID)
		gotTypes = append(gotTypes, ev.Type)
	}
	s.Require().Equal([]jobqueue.EventType{jobqueue.EventAdded, jobqueue.EventStarted, jobqueue.EventCompleted}, gotTypes)

	s.Require().NoError(conn.Close())
	s.Require().Eventually(func() bool {
		status, statusErr := s.queue.Status(context.Background())
		return statusErr == nil && status.Subscribers == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewHandler_WithoutRateLimits(t *testing.T) {
	queue := jobqueue.New(jobqueue.NewRegistry(), logtest.NewLogger(), jobqueue.Opts{})
	h, err := NewHandler(queue, logtest.NewLogger(), Opts{})
	require.NoError(t, err)
	router := chi.NewRouter()
	h.Routes(router)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ratelimit/check", nil))
	require.Equal(t, http.StatusNotFound, resp.Code)

	_, err = NewHandler(queue, logtest.NewLogger(), Opts{RateLimits: ratelimit.NewRegistry()})
	require.NoError(t, err, "missing enqueue policy disables limiting")

	limits := ratelimit.NewRegistry()
	limiter := ratelimit.NewFixedWindowLimiter(nil)
	require.NoError(t, limits.Register(ratelimit.Policy{Name: EnqueuePolicyName, Limit: 1, Window: time.Second}, limiter))
	_, err = NewHandler(queue, logtest.NewLogger(), Opts{RateLimits: limits})
	require.ErrorIs(t, err, middleware.ErrRateLimitStoreErrorPolicyRequired)
}
