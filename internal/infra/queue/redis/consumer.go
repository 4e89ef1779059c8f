package redis

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff"
	goredis "github.com/redis/go-redis/v9"

	"github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/platform/logger"
)

// ResultHandler applies job results to analyses. *analyses.Service from the
// application layer implements it.
type ResultHandler interface {
	RecordRunResult(ctx context.Context, res analyses.RunResult, analysisID, initiator string) error
	RecordGenerateInputsResult(ctx context.Context, res analyses.GenerateInputsResult, analysisID, initiator string) error
	RecordRunFailure(ctx context.Context, analysisID, initiator, taskID, traceback string) error
	RecordGenerateInputsFailure(ctx context.Context, analysisID, initiator, taskID, traceback string) error
	HandleTaskFailure(ctx context.Context, kind analyses.JobKind, analysisID, initiator, taskID, trace string) error
	RunAnalysisSuccess(ctx context.Context, outputLocation, analysisID, initiator, taskID string) error
	GenerateInputSuccess(ctx context.Context, res analyses.GenerateInputsSuccess, analysisID, initiator, taskID string) error
	SetTaskStatus(ctx context.Context, analysisID, taskID string, status analyses.Status) error
}

// Outcome classifies how an envelope was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeFailed    Outcome = "failed"
	OutcomeMalformed Outcome = "malformed"
)

// Observer is notified once per handled envelope.
type Observer interface {
	ObserveResult(kind string, outcome Outcome)
}

// Consumer drains the results list and routes every envelope to a
// ResultHandler. Delivery is at least once.
type Consumer struct {
	rdb      goredis.UniversalClient
	keys     Keys
	handler  ResultHandler
	log      *logger.Logger
	observer Observer

	// BlockTimeout bounds a single BLMOVE so shutdown is noticed.
	BlockTimeout time.Duration
}

func NewConsumer(rdb goredis.UniversalClient, keys Keys, handler ResultHandler, log *logger.Logger, obs Observer) *Consumer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Consumer{
		rdb:          rdb,
		keys:         keys,
		handler:      handler,
		log:          log.With("component", "result-consumer"),
		observer:     obs,
		BlockTimeout: 5 * time.Second,
	}
}

// Run consumes until ctx is cancelled. Broker errors are retried with
// exponential backoff without limit.
func (c *Consumer) Run(ctx context.Context) error {
	n, err := c.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovering in-flight results: %w", err)
	}
	if n > 0 {
		c.log.Warn("requeued results left by a previous consumer", "count", n)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	c.log.Info("result consumer started", "list", c.keys.Results())
	for {
		if ctx.Err() != nil {
			c.log.Info("result consumer stopped")
			return nil
		}

		raw, err := c.rdb.BLMove(ctx, c.keys.Results(), c.keys.Processing(), "RIGHT", "LEFT", c.BlockTimeout).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := bo.NextBackOff()
			c.log.Warn("reading results failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		c.process(ctx, raw)
	}
}

// RecoverInFlight moves envelopes left in the processing list back onto the
// results list and returns how many were moved.
func (c *Consumer) RecoverInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		err := c.rdb.RPopLPush(ctx, c.keys.Processing(), c.keys.Results()).Err()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Backlog is a snapshot of the result lists.
type Backlog struct {
	Pending      int64 `json:"pending"`
	InFlight     int64 `json:"in_flight"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Backlog reads the length of the results, processing and dead-letter lists.
func (c *Consumer) Backlog(ctx context.Context) (Backlog, error) {
	var pending, inFlight, dead *goredis.IntCmd
	_, err := c.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		pending = p.LLen(ctx, c.keys.Results())
		inFlight = p.LLen(ctx, c.keys.Processing())
		dead = p.LLen(ctx, c.keys.DeadLetter())
		return nil
	})
	if err != nil {
		return Backlog{}, fmt.Errorf("reading result backlog: %w", err)
	}
	return Backlog{Pending: pending.Val(), InFlight: inFlight.Val(), DeadLettered: dead.Val()}, nil
}

// process handles one envelope already moved to the processing list and then
// acknowledges it. Envelopes that can never be handled go to the dead-letter
// list.
func (c *Consumer) process(ctx context.Context, raw string) {
	// Acknowledge even when ctx is being cancelled; the work is done.
	ackCtx := context.WithoutCancel(ctx)

	if err := c.Handle(ctx, []byte(raw)); err != nil {
		c.log.Error("dead-lettering result envelope", "err", err)
		if err := c.rdb.LPush(ackCtx, c.keys.DeadLetter(), raw).Err(); err != nil {
			c.log.Error("dead-lettering failed", "err", err)
		}
	}
	if err := c.rdb.LRem(ackCtx, c.keys.Processing(), 1, raw).Err(); err != nil {
		c.log.Error("acknowledging result envelope failed", "err", err)
	}
}

// Handle decodes and applies one envelope. It returns an error only for an
// envelope that can never be applied; handler failures are routed to the
// task-failure hook and stale results are dropped.
func (c *Consumer) Handle(ctx context.Context, raw []byte) (err error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		c.observe("unknown", OutcomeMalformed)
		return err
	}
	log := c.log.With("kind", env.Kind, "analysis_id", env.AnalysisID, "task_id", env.TaskID)

	defer func() {
		if r := recover(); r != nil {
			trace := fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			log.Error("result handler panicked", "panic", r)
			err = c.fail(ctx, log, env, trace)
		}
	}()

	herr := c.route(ctx, env)
	switch {
	case herr == nil:
		c.observe(env.Kind, OutcomeApplied)
		return nil
	case errors.Is(herr, ErrMalformed):
		c.observe(env.Kind, OutcomeMalformed)
		return herr
	case errors.Is(herr, analyses.ErrStaleResult):
		log.Info("stale result dropped", "err", herr)
		c.observe(env.Kind, OutcomeStale)
		return nil
	case errors.Is(herr, analyses.ErrNotFound):
		log.Error("result for unknown analysis", "err", herr)
		c.observe(env.Kind, OutcomeFailed)
		return nil
	case env.Kind == KindTaskFailure || env.Kind == KindTaskStatus:
		// The hook itself, or a bare status update, failed; there is no
		// further fallback.
		log.Error("result handler failed", "err", herr)
		c.observe(env.Kind, OutcomeFailed)
		return nil
	default:
		log.Error("result handler failed", "err", herr)
		return c.fail(ctx, log, env, herr.Error())
	}
}

// fail fires the task-failure hook for the envelope's job.
func (c *Consumer) fail(ctx context.Context, log *logger.Logger, env *Envelope, trace string) error {
	c.observe(env.Kind, OutcomeFailed)
	kind, err := env.JobKind()
	if err != nil {
		return err
	}
	if err := c.handler.HandleTaskFailure(ctx, kind, env.AnalysisID, env.InitiatorID, env.TaskID, trace); err != nil {
		log.Error("task failure hook failed", "err", err)
	}
	return nil
}

func (c *Consumer) route(ctx context.Context, env *Envelope) error {
	h := c.handler
	switch env.Kind {
	case KindRunResult:
		res, err := env.RunResult()
		if err != nil {
			return err
		}
		return h.RecordRunResult(ctx, res, env.AnalysisID, env.InitiatorID)

	case KindGenerateInputsResult:
		res, err := env.GenerateInputsResult()
		if err != nil {
			return err
		}
		return h.RecordGenerateInputsResult(ctx, res, env.AnalysisID, env.InitiatorID)

	case KindRunFailure:
		return h.RecordRunFailure(ctx, env.AnalysisID, env.InitiatorID, env.TaskID, env.Traceback)

	case KindGenerateInputsFail:
		return h.RecordGenerateInputsFailure(ctx, env.AnalysisID, env.InitiatorID, env.TaskID, env.Traceback)

	case KindRunSuccess:
		loc, err := env.OutputLocation()
		if err != nil {
			return err
		}
		return h.RunAnalysisSuccess(ctx, loc, env.AnalysisID, env.InitiatorID, env.TaskID)

	case KindGenerateInputSuccess:
		res, err := env.GenerateInputSuccess()
		if err != nil {
			return err
		}
		return h.GenerateInputSuccess(ctx, res, env.AnalysisID, env.InitiatorID, env.TaskID)

	case KindTaskStatus:
		st, err := analyses.ParseStatus(env.Status)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return h.SetTaskStatus(ctx, env.AnalysisID, env.TaskID, st)

	case KindTaskFailure:
		kind, err := env.JobKind()
		if err != nil {
			return err
		}
		return h.HandleTaskFailure(ctx, kind, env.AnalysisID, env.InitiatorID, env.TaskID, env.Traceback)

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}
}

func (c *Consumer) observe(kind string, o Outcome) {
	if c.observer != nil {
		c.observer.ObserveResult(kind, o)
	}
}
