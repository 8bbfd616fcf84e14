// internal/runtime/runtime.go

// Package runtime is the execution harness shared by every pipeline stage:
// queue declaration, bounded-concurrency consumption, message-to-record
// mapping, status bookkeeping and the acknowledgment policy. Stages plug in
// a handler; everything else is common.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hoangvt/docpipe/internal/store"
	"github.com/hoangvt/docpipe/pkg/schema"
)

// Handler runs one job. The returned record's non-zero fields are merged
// into the stored record on success.
type Handler func(ctx context.Context, rec schema.JobRecord) (schema.JobRecord, error)

// Broker is the slice of the bus client the runtime needs. Tests substitute
// an in-memory implementation.
type Broker interface {
	EnsureQueue(queue string) error
	PublishJSON(queue string, v any) error
	Consume(queue, group string, prefetch int, ackWait time.Duration, h nats.MsgHandler) (*nats.Subscription, error)
}

// Stage configures one consumer process.
type Stage struct {
	Name       string
	InQueue    string
	OutQueue   string // empty: terminal stage for record forwarding
	DeadLetter string // empty: exhausted messages are dropped after logging
	Group      string // durable consumer group; defaults to Name + "-workers"

	// Prefetch bounds how many messages are in flight at once. The PDF
	// stage runs with 1, the lighter stages with more.
	Prefetch int

	// HandlerTimeout caps a single handler attempt so a stuck engine call
	// cannot hold a concurrency slot forever.
	HandlerTimeout time.Duration

	// MaxAttempts of 1 means no retry, matching the pipeline's default
	// policy of parking failed jobs in their *_failed status.
	MaxAttempts int
	RetryDelay  time.Duration

	Processing schema.Status
	Completed  schema.Status
	Failed     schema.Status

	Handler Handler

	// Forward maps the completed record to the payload published on
	// OutQueue. Nil forwards the record itself.
	Forward func(rec schema.JobRecord) any
}

func (s *Stage) applyDefaults() {
	if s.Group == "" {
		s.Group = s.Name + "-workers"
	}
	if s.Prefetch <= 0 {
		s.Prefetch = 1
	}
	if s.HandlerTimeout <= 0 {
		s.HandlerTimeout = 2 * time.Minute
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = 5 * time.Second
	}
}

// Runtime consumes one stage's input queue and advances job records through
// the status state machine.
type Runtime struct {
	stage  Stage
	broker Broker
	store  *store.Store
	logger *slog.Logger
}

func New(stage Stage, broker Broker, st *store.Store, logger *slog.Logger) *Runtime {
	stage.applyDefaults()
	return &Runtime{
		stage:  stage,
		broker: broker,
		store:  st,
		logger: logger.With("stage", stage.Name),
	}
}

// Run declares the stage's queues, consumes until ctx is cancelled, then
// drains the subscription.
func (r *Runtime) Run(ctx context.Context) error {
	queues := []string{r.stage.InQueue}
	if r.stage.OutQueue != "" {
		queues = append(queues, r.stage.OutQueue)
	}
	if r.stage.DeadLetter != "" {
		queues = append(queues, r.stage.DeadLetter)
	}
	for _, q := range queues {
		if err := r.broker.EnsureQueue(q); err != nil {
			return fmt.Errorf("ensure queue %s: %w", q, err)
		}
	}

	sub, err := r.broker.Consume(r.stage.InQueue, r.stage.Group, r.stage.Prefetch, r.ackWait(), func(msg *nats.Msg) {
		if r.Process(ctx, msg.Data) {
			if err := msg.Ack(); err != nil {
				r.logger.Error("ack failed", "err", err)
			}
			return
		}
		if err := msg.Nak(); err != nil {
			r.logger.Warn("nak failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.stage.InQueue, err)
	}
	r.logger.Info("listening for jobs", "queue", r.stage.InQueue, "group", r.stage.Group, "prefetch", r.stage.Prefetch)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		r.logger.Warn("drain subscription", "err", err)
	}
	return nil
}

// ackWait must outlast the worst-case handler time including retries, or the
// broker starts redelivering messages that are still being worked on.
func (r *Runtime) ackWait() time.Duration {
	attempts := time.Duration(r.stage.MaxAttempts)
	return attempts*r.stage.HandlerTimeout + attempts*r.stage.RetryDelay + 30*time.Second
}

// Process handles one message body end to end and reports whether the caller
// should acknowledge it. A failed job parks in its *_failed status and is
// still acked; only a shutdown that interrupts the handler declines the ack,
// so the broker redelivers the message to a live worker.
func (r *Runtime) Process(ctx context.Context, data []byte) bool {
	var payload schema.JobRecord
	if err := json.Unmarshal(data, &payload); err != nil {
		r.logger.Error("undecodable message", "err", err)
		r.deadLetter(data, fmt.Errorf("decode payload: %w", err))
		return true
	}
	if payload.SourcePath == "" {
		r.logger.Error("message without source path", "job_id", payload.ID)
		r.deadLetter(data, fmt.Errorf("payload missing source_path"))
		return true
	}
	logger := r.logger.With("job_id", payload.ID, "source", payload.SourcePath)

	key := store.BySourcePath(payload.SourcePath)

	// Join the message back to the stored record; the queue copy may be
	// stale. An unknown record is adopted from the payload.
	rec, ok := r.store.FindOne(key)
	if !ok {
		if _, err := r.store.Upsert(key, payload); err != nil {
			logger.Error("adopt record failed", "err", err)
		}
		rec = payload
	}

	// A record already in this stage's processing status is a redelivery
	// after a crash or an interrupted shutdown; run it again.
	if !rec.Status.CanTransition(r.stage.Processing) && rec.Status != r.stage.Processing {
		logger.Warn("dropping message, record not eligible for stage", "status", rec.Status)
		return true
	}

	if _, err := r.store.Update(key, func(j *schema.JobRecord) {
		j.Status = r.stage.Processing
		j.Error = ""
	}); err != nil {
		logger.Error("persist processing status failed", "err", err)
	}
	rec.Status = r.stage.Processing
	logger.Info("processing job")

	out, err := r.invoke(ctx, rec, logger)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the handler; the job is healthy. Leave
			// it in its processing status and let the broker redeliver.
			logger.Warn("shutdown interrupted handler, leaving job for redelivery", "err", err)
			return false
		}
		if _, uerr := r.store.Update(key, func(j *schema.JobRecord) {
			j.Status = r.stage.Failed
			j.Error = err.Error()
		}); uerr != nil {
			logger.Error("persist failed status failed", "err", uerr)
		}
		logger.Error("stage failed", "err", err)
		r.deadLetter(data, err)
		return true
	}

	var final schema.JobRecord
	n, err := r.store.Update(key, func(j *schema.JobRecord) {
		*j = schema.Merge(*j, out)
		j.Status = r.stage.Completed
		final = *j
	})
	if err != nil {
		logger.Error("persist completed status failed", "err", err)
	}
	if n == 0 {
		// Deleted while the handler ran, e.g. the gateway reset the job on
		// a re-upload. Nothing to forward.
		logger.Warn("record removed during processing, dropping result")
		return true
	}

	if r.stage.OutQueue != "" {
		payload := any(final)
		if r.stage.Forward != nil {
			payload = r.stage.Forward(final)
		}
		if err := r.broker.PublishJSON(r.stage.OutQueue, payload); err != nil {
			// The record is already completed for this stage; redelivery
			// would be refused by the transition check, so log loudly
			// instead of nacking.
			logger.Error("forward to next stage failed", "queue", r.stage.OutQueue, "err", err)
			return true
		}
	}
	logger.Info("completed job", "status", final.Status)
	return true
}

// invoke runs the handler up to MaxAttempts times, each attempt under its
// own timeout, with a jittered pause between attempts.
func (r *Runtime) invoke(ctx context.Context, rec schema.JobRecord, logger *slog.Logger) (schema.JobRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= r.stage.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.stage.HandlerTimeout)
		out, err := r.stage.Handler(actx, rec)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < r.stage.MaxAttempts {
			delay := r.stage.RetryDelay + time.Duration(rand.Int63n(int64(r.stage.RetryDelay)/2+1))
			logger.Warn("handler attempt failed, retrying", "attempt", attempt, "delay", delay, "err", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return schema.JobRecord{}, ctx.Err()
			}
		}
	}
	return schema.JobRecord{}, lastErr
}

func (r *Runtime) deadLetter(data []byte, cause error) {
	if r.stage.DeadLetter == "" {
		return
	}
	evt := schema.DeadLetterEvent{
		Stage:      r.stage.Name,
		Error:      cause.Error(),
		Payload:    json.RawMessage(data),
		HappenedAt: time.Now().Unix(),
	}
	if err := r.broker.PublishJSON(r.stage.DeadLetter, evt); err != nil {
		r.logger.Error("publish dead letter failed", "queue", r.stage.DeadLetter, "err", err)
	}
}
