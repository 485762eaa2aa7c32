// ABOUTME: Built-in background job types: echo, send_email, send_webhook and the daily purge.
// ABOUTME: Definitions(deps) is the single list both the worker and the scheduler register.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/notify"
)

// Job type names. These are persisted in background_jobs.job_type; renaming
// one orphans queued rows.
const (
	TypeEcho              = "echo"
	TypeSendEmail         = "send_email"
	TypeSendWebhook       = "send_webhook"
	TypePurgeFinishedJobs = "purge_finished_jobs"
)

// EchoPayload is the payload of the echo job.
type EchoPayload struct {
	Msg string `json:"msg"`
}

// Purger deletes finished jobs. Implemented by *store.Store.
type Purger interface {
	PurgeFinishedJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error)
}

// Deps are the collaborators the built-in handlers need.
type Deps struct {
	SMTP notify.SmtpConfig
	// Send delivers an email; defaults to notify.EmailSend.
	Send func(ctx context.Context, cfg notify.SmtpConfig, e notify.Email) error

	// HTTPClient delivers webhooks; defaults to a safe client with the default timeout.
	HTTPClient     *http.Client
	WebhookSecrets notify.WebhookSecrets

	Purger    Purger
	Retention time.Duration
	BatchSize int
}

// Definitions returns the built-in job definitions.
func Definitions(d Deps) []jobs.Definition {
	if d.Send == nil {
		d.Send = notify.EmailSend
	}
	if d.HTTPClient == nil {
		d.HTTPClient = notify.BuildSafeClient(0)
	}
	return []jobs.Definition{
		jobs.Define(TypeEcho, Echo),
		jobs.Define(TypeSendEmail, sendEmail(d), jobs.WithMaxTries(5)),
		jobs.Define(TypeSendWebhook, sendWebhook(d), jobs.WithMaxTries(8)),
		jobs.Define(TypePurgeFinishedJobs, purgeFinished(d), jobs.OnCron("0 3 * * *")),
	}
}

// Echo logs its message. Used to check that a deployment is processing jobs.
func Echo(_ context.Context, p EchoPayload) error {
	slog.Info("echo job", "msg", p.Msg)
	return nil
}

func sendEmail(d Deps) func(context.Context, notify.Email) error {
	return func(ctx context.Context, e notify.Email) error {
		if err := d.Send(ctx, d.SMTP, e); err != nil {
			return err
		}
		slog.Info("email sent", "recipient", e.Recipient)
		return nil
	}
}

func sendWebhook(d Deps) func(context.Context, notify.Webhook) error {
	return func(ctx context.Context, w notify.Webhook) error {
		if err := notify.Send(ctx, d.HTTPClient, d.WebhookSecrets, w); err != nil {
			return err
		}
		slog.Info("webhook delivered", "url", w.URL)
		return nil
	}
}

func purgeFinished(d Deps) func(context.Context, jobs.Empty) error {
	return func(ctx context.Context, _ jobs.Empty) error {
		if d.Purger == nil {
			return errors.New("purge finished jobs: no store configured")
		}
		n, err := d.Purger.PurgeFinishedJobs(ctx, d.Retention, d.BatchSize)
		if err != nil {
			return fmt.Errorf("purge finished jobs: %w", err)
		}
		slog.Info("purged finished jobs", "deleted", n, "retention", d.Retention)
		return nil
	}
}
