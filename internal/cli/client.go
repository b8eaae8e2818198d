/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/httpclient"
	"github.com/secureshare/secureshare/internal/app"
	"github.com/secureshare/secureshare/internal/buildinfo"
	"github.com/secureshare/secureshare/internal/jobsapi"
	"github.com/secureshare/secureshare/internal/scheduler"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/restapi"
	"github.com/secureshare/secureshare/retry"
)

const (
	defaultServerURL     = "http://localhost:8080"
	defaultClientRetries = 3
	clientRetryInterval  = 500 * time.Millisecond
)

// clientFlags are shared by all commands talking to a running service.
type clientFlags struct {
	serverURL string
	retries   int
	timeout   time.Duration
	verbose   bool
}

func (cf *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&cf.serverURL, "server", "s", defaultServerURL, "base URL of a running secureshare-worker")
	fs.IntVar(&cf.retries, "retries", defaultClientRetries, "max retry attempts for throttled or failed requests")
	fs.DurationVar(&cf.timeout, "timeout", httpclient.DefaultTimeout, "overall request timeout")
	fs.BoolVarP(&cf.verbose, "verbose", "v", false, "log HTTP requests to stderr")
}

// callAPI sends the request and prints the decoded response.
func (cf *clientFlags) callAPI(cmd *cobra.Command, method, path string, reqData, result interface{}) error {
	logger := log.NewDisabledLogger()
	if cf.verbose {
		var closeLogger log.CloseFunc
		logger, closeLogger = log.NewLoggerWithWriter(
			&log.Config{Level: log.LevelDebug, Format: log.FormatText, NoColor: true}, cmd.ErrOrStderr())
		defer closeLogger()
	}
	httpOpts := httpclient.Opts{
		UserAgent: buildinfo.UserAgent("secureshare-worker"),
		Logger:    logger,
		Timeout:   cf.timeout,
	}
	if cf.retries > 0 {
		httpOpts.Retries = retry.NewExponentialBackoffPolicy(clientRetryInterval, cf.retries)
	}
	client := restapi.NewClient(cf.serverURL+"/api/"+app.ServiceName+"/v1", httpclient.New(httpOpts), logger)

	if err := client.DoJSON(cmd.Context(), method, path, reqData, result); err != nil {
		if apiErr, ok := restapi.APIError(err); ok {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func newJobsCommand() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage jobs of a running service",
	}
	cf.register(cmd.PersistentFlags())

	var priority, payload string
	var delay time.Duration
	addCmd := &cobra.Command{
		Use:   "add TYPE",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobsapi.AddJobRequest{
				Type:     args[0],
				Priority: jobqueue.Priority(priority),
				Delay:    config.TimeDuration(delay),
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			return cf.callAPI(cmd, http.MethodPost, "/jobs", req, &jobsapi.AddJobResponse{})
		},
	}
	addCmd.Flags().StringVarP(&priority, "priority", "p", "", "job priority: low, normal or high")
	addCmd.Flags().StringVar(&payload, "payload", "", "job payload as a JSON document")
	addCmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes eligible")

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.callAPI(cmd, http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &jobqueue.Job{})
		},
	}

	var status, jobType string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by status or type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if jobType != "" {
				query.Set("type", jobType)
			}
			return cf.callAPI(cmd, http.MethodGet, "/jobs?"+query.Encode(), nil, &jobsapi.JobsResponse{})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "job status")
	listCmd.Flags().StringVar(&jobType, "type", "", "job type")

	cancelCmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.callAPI(cmd, http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/cancel",
				nil, &jobsapi.CancelJobResponse{})
		},
	}

	var retention time.Duration
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished jobs older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := jobsapi.CleanupRequest{}
			if cmd.Flags().Changed("retention") {
				r := config.TimeDuration(retention)
				req.Retention = &r
			}
			return cf.callAPI(cmd, http.MethodPost, "/jobs/cleanup", req, &jobsapi.CleanupResponse{})
		},
	}
	cleanupCmd.Flags().DurationVar(&retention, "retention", 0, "retention period, the server default if not set")

	cmd.AddCommand(addCmd, getCmd, listCmd, cancelCmd, cleanupCmd)
	return cmd
}

func newQueueCommand() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue of a running service",
	}
	cf.register(cmd.PersistentFlags())
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show job counts by status and type",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return cf.callAPI(cmd, http.MethodGet, "/queue/status", nil, &jobqueue.QueueStatus{})
			},
		},
		&cobra.Command{
			Use:   "metrics",
			Short: "Show processing statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return cf.callAPI(cmd, http.MethodGet, "/queue/metrics", nil, &jobqueue.QueueMetrics{})
			},
		},
	)
	return cmd
}

func newRateLimitCommand() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Query rate limits of a running service",
	}
	cf.register(cmd.PersistentFlags())
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check POLICY IDENTIFIER",
			Short: "Count an attempt of the identifier against the policy",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				req := jobsapi.RateLimitCheckRequest{Policy: args[0], Identifier: args[1]}
				return cf.callAPI(cmd, http.MethodPost, "/ratelimit/check", req, &jobsapi.RateLimitCheckResponse{})
			},
		},
		&cobra.Command{
			Use:   "policies",
			Short: "List configured policies",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var policies []jobsapi.PolicyResponse
				return cf.callAPI(cmd, http.MethodGet, "/ratelimit/policies", nil, &policies)
			},
		},
	)
	return cmd
}

func newSchedulesCommand() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and trigger scheduled jobs of a running service",
	}
	cf.register(cmd.PersistentFlags())
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List schedule entries with their next and previous runs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var entries []scheduler.EntryInfo
				return cf.callAPI(cmd, http.MethodGet, "/schedules", nil, &entries)
			},
		},
		&cobra.Command{
			Use:   "trigger NAME",
			Short: "Enqueue the job of a schedule entry now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cf.callAPI(cmd, http.MethodPost, "/schedules/"+url.PathEscape(args[0])+"/trigger",
					nil, &jobsapi.TriggerScheduleResponse{})
			},
		},
	)
	return cmd
}
