package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/platform/web"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type options struct {
	api      string
	user     string
	jobType  string
	payload  string
	language string
	code     string
	key      string
	count    int
	watch    bool
}

func main() {
	// 1. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "goxec-producer",
		Short: "Submit jobs to the goxec API",
		Example: `  goxec-producer --language python --code "print('hi')" --watch
  goxec-producer --type BACKGROUND_TASK --payload '{"task":"sleep","args":{"ms":500}}' --count 5`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.api, "api", "http://localhost:8080", "API base URL")
	f.StringVar(&opts.user, "user", "cli", "Caller identity sent as "+web.UserHeader)
	f.StringVar(&opts.jobType, "type", string(domain.JobTypeCodeExecution), "Job type")
	f.StringVar(&opts.payload, "payload", "", "Raw JSON payload (overrides --language/--code)")
	f.StringVar(&opts.language, "language", "python", "Language for CODE_EXECUTION jobs")
	f.StringVar(&opts.code, "code", "print('Hello from Goxec')", "Code for CODE_EXECUTION jobs")
	f.StringVar(&opts.key, "key", "", "Idempotency key; with --count > 1 a -N suffix is added")
	f.IntVar(&opts.count, "count", 1, "Number of jobs to submit")
	f.BoolVar(&opts.watch, "watch", false, "Stream status updates until each job finishes")
	return cmd
}

func (o options) body(i int) ([]byte, error) {
	payload := json.RawMessage(o.payload)
	if o.payload == "" {
		var err error
		payload, err = json.Marshal(domain.CodeExecutionPayload{Language: o.language, Code: o.code})
		if err != nil {
			return nil, err
		}
	}

	key := o.key
	if key != "" && o.count > 1 {
		key = fmt.Sprintf("%s-%d", key, i)
	}
	return json.Marshal(map[string]any{
		"type":           o.jobType,
		"payload":        payload,
		"idempotencyKey": key,
	})
}

func run(ctx context.Context, o options) error {
	client := &http.Client{Timeout: 10 * time.Second}

	for i := 1; i <= o.count; i++ {
		body, err := o.body(i)
		if err != nil {
			return err
		}

		job, err := submit(ctx, client, o, body)
		if err != nil {
			slog.Error("Failed to submit job", "error", err)
			return err
		}
		slog.Info("Job submitted", "jobID", job.ID, "status", job.Status, "idempotencyKey", job.IdempotencyKey)

		if o.watch {
			if err := watch(ctx, o, job.ID); err != nil {
				slog.Error("Watch failed", "jobID", job.ID, "error", err)
			}
		}
	}

	slog.Info("Done", "submitted", o.count)
	return nil
}

func submit(ctx context.Context, client *http.Client, o options, body []byte) (*domain.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.api, "/")+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.UserHeader, o.user)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("submit: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &job, nil
}

// watch follows the job's websocket stream until it reaches a terminal status.
func watch(ctx context.Context, o options, jobID string) error {
	u, err := url.Parse(o.api)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/api/ws"
	u.RawQuery = url.Values{"job_id": {jobID}, "user_id": {o.user}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		var event domain.JobEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		slog.Info("Job update", "jobID", event.JobID, "status", event.Status, "attempts", event.Attempts, "error", event.Error)
		if event.Status.Terminal() {
			if len(event.Result) > 0 {
				fmt.Println(string(event.Result))
			}
			return nil
		}
	}
}
