// Package hooks calls the configured success, failure, partial and fatal
// webhooks after a cycle or an escalated job.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hoarderhq/hoarder/internal/config"
	"github.com/hoarderhq/hoarder/internal/httpclient"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
)

// Outcome of a cycle as seen by the hooks.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// FailurePayload is posted to the failure hook.
type FailurePayload struct {
	CycleID string             `json:"cycle_id"`
	Error   string             `json:"error"`
	Failed  []FailedTarget     `json:"failed"`
	Counts  CountsPayload      `json:"counts"`
	Time    time.Time          `json:"time"`
	Reports []models.JobReport `json:"reports,omitempty"`
}

// FailedTarget names a failed target and its reason.
type FailedTarget struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// CountsPayload mirrors the cycle counts.
type CountsPayload struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Fatal     int `json:"fatal"`
}

// Notifier calls webhooks. It implements the coordinator's Observer
// interface for the fatal hook.
type Notifier struct {
	urls       config.HookURLs
	client     *http.Client
	maxRetries uint64
	interval   time.Duration
	logger     zerolog.Logger
}

// NewNotifier creates a Notifier. Empty URLs disable the matching hook.
// A nil client uses a plain client with a 30s timeout.
func NewNotifier(urls config.HookURLs, client *http.Client, logger zerolog.Logger) *Notifier {
	if client == nil {
		client = httpclient.NewSimple(30 * time.Second)
	}
	return &Notifier{
		urls:       urls,
		client:     client,
		maxRetries: 2,
		interval:   time.Second,
		logger:     logger.With().Str("component", "hooks").Logger(),
	}
}

// Classify maps a cycle to its hook outcome. A cycle is a success when every
// job completed, a failure when nothing was backed up and partial otherwise.
// An empty cycle is a success.
func Classify(cycle *models.CycleReport) Outcome {
	counts := cycle.Counts()
	if counts.Failed == 0 && counts.Fatal == 0 {
		return OutcomeSuccess
	}
	for _, job := range cycle.Jobs {
		if job.State == models.JobStateCompleted || len(job.Snapshots) > 0 {
			return OutcomePartial
		}
	}
	return OutcomeFailure
}

// FailedPaths lists "<target>:<path>" for every path without a snapshot
// in failed jobs, or "<target>" when the job never reached staging.
func FailedPaths(cycle *models.CycleReport) []string {
	var failed []string
	for _, job := range cycle.Jobs {
		if job.State == models.JobStateCompleted {
			continue
		}
		if len(job.Outcomes) == 0 {
			failed = append(failed, job.Target)
			continue
		}
		for _, o := range job.Outcomes {
			if o.SnapshotID == "" {
				failed = append(failed, job.Target+":"+o.Path)
			}
		}
	}
	return failed
}

// CycleFinished calls the hook matching the cycle outcome.
func (n *Notifier) CycleFinished(ctx context.Context, cycle *models.CycleReport) error {
	switch Classify(cycle) {
	case OutcomeSuccess:
		if n.urls.Success == "" {
			return nil
		}
		return n.send(ctx, "success", http.MethodGet, n.urls.Success, nil)

	case OutcomePartial:
		if n.urls.Partial == "" {
			return nil
		}
		failed := FailedPaths(cycle)
		if failed == nil {
			failed = []string{}
		}
		return n.send(ctx, "partial", http.MethodPost, n.urls.Partial, failed)

	default:
		if n.urls.Failure == "" {
			return nil
		}
		return n.send(ctx, "failure", http.MethodPost, n.urls.Failure, failurePayload(cycle))
	}
}

// JobFinished is a no-op; hooks fire per cycle.
func (n *Notifier) JobFinished(context.Context, models.JobReport) {}

// JobEscalated posts the job report to the fatal hook.
func (n *Notifier) JobEscalated(ctx context.Context, report models.JobReport) {
	if n.urls.Fatal == "" {
		return
	}
	if err := n.send(ctx, "fatal", http.MethodPost, n.urls.Fatal, report); err != nil {
		n.logger.Error().Err(err).Str("target", report.Target).Msg("fatal hook failed")
	}
}

func failurePayload(cycle *models.CycleReport) FailurePayload {
	counts := cycle.Counts()
	payload := FailurePayload{
		CycleID: cycle.ID.String(),
		Counts:  CountsPayload{Completed: counts.Completed, Failed: counts.Failed, Fatal: counts.Fatal},
		Time:    time.Now().UTC(),
		Reports: cycle.Jobs,
	}
	for _, job := range cycle.Jobs {
		if job.State == models.JobStateCompleted {
			continue
		}
		payload.Failed = append(payload.Failed, FailedTarget{
			Target: job.Target,
			Reason: string(job.Reason),
			Error:  job.Error,
		})
		if payload.Error == "" {
			payload.Error = job.Error
		}
	}
	return payload
}

// send performs the request with a short retry.
func (n *Notifier) send(ctx context.Context, hook, method, rawURL string, payload any) error {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s hook payload: %w", hook, err)
		}
		body = data
	}

	logger := n.logger.With().Str("hook", hook).Str("url", Redact(rawURL)).Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.interval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, n.maxRetries), ctx)

	operation := func() error {
		return n.do(ctx, method, rawURL, body)
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug().Err(err).Dur("retry_in", wait).Msg("retrying hook")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		logger.Error().Err(err).Msg("hook failed")
		return fmt.Errorf("%s hook: %w", hook, err)
	}

	logger.Info().Msg("hook executed successfully")
	return nil
}

func (n *Notifier) do(ctx context.Context, method, rawURL string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request for %s", Redact(rawURL)))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "hoarder")

	resp, err := n.client.Do(req)
	if err != nil {
		// The client error embeds the URL; report the redacted one.
		return fmt.Errorf("request to %s failed", Redact(rawURL))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("hook returned status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Redact strips credentials and the query string from a hook URL.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
