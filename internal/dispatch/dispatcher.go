// Package dispatch drains due jobs from the store and hands each one to
// the configured provider, isolating every job from the others.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-outbox/internal/compose"
	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/metrics"
	"github.com/shineum/smtp-outbox/internal/provider"
	"github.com/shineum/smtp-outbox/internal/smtp"
	"github.com/shineum/smtp-outbox/internal/store"
)

const (
	defaultJobTimeout = 2 * time.Minute

	// statusWriteTimeout bounds the status update after an attempt. It
	// runs detached from the job context so an expired job can still be
	// recorded as failed.
	statusWriteTimeout = 10 * time.Second
)

// Failure reasons attached to logs and metrics.
const (
	ReasonConnectionClosed = "connection_closed"
	ReasonUnexpectedReply  = "unexpected_reply"
	ReasonTransport        = "transport"
	ReasonCompose          = "compose"
	ReasonStore            = "store"
	ReasonProvider         = "provider"
	ReasonTimeout          = "timeout"
	ReasonCanceled         = "canceled"
	ReasonPanic            = "panic"
)

// Config tunes a Dispatcher.
type Config struct {
	// Concurrency is the number of jobs in flight. Defaults to 1, which
	// processes jobs one after another.
	Concurrency int

	// JobTimeout bounds one job from attachment lookup to the end of the
	// send. Defaults to 2 minutes.
	JobTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result summarizes one cycle.
type Result struct {
	Due    int
	Sent   int
	Failed int

	// Skipped jobs were not started because the cycle was cancelled.
	Skipped int

	// Unrecorded jobs finished but their status could not be stored, so
	// they stay pending.
	Unrecorded int
}

// Dispatcher runs delivery cycles against a store and a provider.
type Dispatcher struct {
	store       store.Store
	provider    provider.Provider
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
	jobTimeout  time.Duration
	newBoundary func() string
}

// New creates a Dispatcher.
func New(st store.Store, p provider.Provider, cfg Config) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		store:       st,
		provider:    p,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		concurrency: cfg.Concurrency,
		jobTimeout:  cfg.JobTimeout,
		newBoundary: compose.NewBoundary,
	}
}

// RunCycle sends every job due at now. A failing job never affects the
// others, and no error escapes: failures are recorded on the job and
// logged. Jobs not yet started when ctx is cancelled stay pending.
func (d *Dispatcher) RunCycle(ctx context.Context, now time.Time) Result {
	started := time.Now()
	defer func() { d.metrics.ObserveCycle(time.Since(started)) }()

	jobs, err := d.store.ListDueJobs(ctx, now)
	if err != nil {
		d.logger.Error("failed to list due jobs", "error", err)
		return Result{}
	}
	if len(jobs) == 0 {
		d.logger.Debug("no due jobs")
		return Result{}
	}

	d.logger.Info("dispatch cycle started",
		"due", len(jobs),
		"provider", d.provider.Name(),
		"concurrency", d.concurrency,
	)

	var (
		mu     sync.Mutex
		result = Result{Due: len(jobs)}
	)

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i := range jobs {
		if ctx.Err() != nil {
			result.Skipped += len(jobs) - i
			break
		}
		job := jobs[i]
		g.Go(func() error {
			outcome := d.processJob(ctx, &job)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case !outcome.recorded:
				result.Unrecorded++
			case outcome.status == email.StatusSent:
				result.Sent++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("dispatch cycle finished",
		"due", result.Due,
		"sent", result.Sent,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"unrecorded", result.Unrecorded,
		"duration", time.Since(started),
	)
	return result
}

type outcome struct {
	status   email.Status
	recorded bool
}

// processJob runs one job to a terminal status. It recovers from panics
// so a single job cannot take down the cycle.
func (d *Dispatcher) processJob(ctx context.Context, job *email.Job) (out outcome) {
	done := d.metrics.JobStarted()
	defer done()

	logger := d.logger.With("job_id", job.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", "panic", r)
			err := &jobError{reason: ReasonPanic, err: fmt.Errorf("panic: %v", r)}
			out = d.finish(ctx, logger, job, err, 0)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()

	sendTime, err := d.attempt(jobCtx, logger, job)
	return d.finish(ctx, logger, job, err, sendTime)
}

// attempt composes and sends one job. It returns how long the provider
// call took and the error that decides the job's fate.
func (d *Dispatcher) attempt(ctx context.Context, logger *slog.Logger, job *email.Job) (time.Duration, error) {
	attachments, err := d.store.ListAttachments(ctx, job.ID)
	if err != nil {
		return 0, &jobError{reason: ReasonStore, err: fmt.Errorf("list attachments: %w", err)}
	}

	msg, err := compose.Compose(job, attachments, d.newBoundary())
	if err != nil {
		return 0, err
	}
	d.metrics.ObserveMessageSize(len(msg))

	logger.Debug("sending job",
		"provider", d.provider.Name(),
		"attachments", len(attachments),
		"bytes", len(msg),
	)

	start := time.Now()
	err = d.provider.Send(ctx, job.Envelope(), msg)
	return time.Since(start), err
}

// finish stores the terminal status for job and emits its log line and
// metrics.
func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, job *email.Job, sendErr error, sendTime time.Duration) outcome {
	providerName := d.provider.Name()

	status, reason, lastError := email.StatusSent, "", ""
	if sendErr != nil {
		status, reason, lastError = email.StatusFailed, failureReason(sendErr), sendErr.Error()
	}
	if sendTime > 0 {
		d.metrics.ObserveSend(providerName, string(status), sendTime)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err := d.store.SetJobStatus(writeCtx, job.ID, status, lastError); err != nil {
		if status == email.StatusSent {
			d.metrics.StatusWriteFailed()
			logger.Error("job sent but status not recorded, it may be sent again",
				"provider", providerName,
				"error", err,
			)
		} else {
			logger.Error("failed to record job failure",
				"reason", reason,
				"send_error", lastError,
				"error", err,
			)
		}
		d.metrics.JobFinished(providerName, "unrecorded", reason)
		return outcome{status: status}
	}

	d.metrics.JobFinished(providerName, string(status), reason)

	if sendErr != nil {
		attrs := []any{
			"provider", providerName,
			"reason", reason,
			"error", sendErr,
		}
		var ure *smtp.UnexpectedReplyError
		if errors.As(sendErr, &ure) {
			attrs = append(attrs, "state", ure.Stage, "reply", ure.Line)
		}
		logger.Error("job failed", attrs...)
		return outcome{status: status, recorded: true}
	}

	logger.Info("job sent",
		"provider", providerName,
		"duration", sendTime,
	)
	return outcome{status: status, recorded: true}
}

// jobError tags a failure that did not come from the provider.
type jobError struct {
	reason string
	err    error
}

func (e *jobError) Error() string { return e.err.Error() }

func (e *jobError) Unwrap() error { return e.err }

// failureReason maps an attempt error to a stable label.
func failureReason(err error) string {
	var (
		je  *jobError
		ure *smtp.UnexpectedReplyError
		te  *smtp.TransportError
		ce  *compose.ComposeError
	)

	switch {
	case errors.As(err, &je):
		return je.reason
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, smtp.ErrConnectionClosed):
		return ReasonConnectionClosed
	case errors.Is(err, smtp.ErrLineBreak):
		return ReasonCompose
	case errors.As(err, &ure):
		return ReasonUnexpectedReply
	case errors.As(err, &te):
		return ReasonTransport
	case errors.As(err, &ce):
		return ReasonCompose
	default:
		return ReasonProvider
	}
}
