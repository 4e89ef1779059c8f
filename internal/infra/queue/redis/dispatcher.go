package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/platform/logger"
)

const defaultRevokeTTL = 24 * time.Hour

// Job is the message a worker pops from a jobs list.
type Job struct {
	Kind       string              `json:"kind"`
	Payload    analyses.JobPayload `json:"payload"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// Dispatcher implements analyses.JobDispatcher.
type Dispatcher struct {
	rdb       goredis.UniversalClient
	keys      Keys
	revokeTTL time.Duration
	log       *logger.Logger
	tracer    trace.Tracer
}

func NewDispatcher(rdb goredis.UniversalClient, keys Keys, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		rdb:       rdb,
		keys:      keys,
		revokeTTL: defaultRevokeTTL,
		log:       log.With("component", "dispatcher"),
		tracer:    otel.Tracer("github.com/OasisLMF/OasisApi/internal/infra/queue/redis"),
	}
}

// Enqueue pushes the job and returns its task id, generating one when the
// payload carries none.
func (d *Dispatcher) Enqueue(ctx context.Context, kind analyses.JobKind, payload analyses.JobPayload) (_ string, err error) {
	if payload.TaskID == "" {
		payload.TaskID = uuid.NewString()
	}
	ctx, span := d.tracer.Start(ctx, "redis.Enqueue", trace.WithAttributes(
		attribute.String("job.kind", kind.String()),
		attribute.String("task.id", payload.TaskID),
		attribute.String("analysis.id", payload.AnalysisID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	raw, err := json.Marshal(Job{Kind: kind.String(), Payload: payload, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("encoding %s job: %w", kind, err)
	}
	if err := d.rdb.LPush(ctx, d.keys.Jobs(kind), raw).Err(); err != nil {
		return "", fmt.Errorf("pushing %s job: %w", kind, err)
	}
	d.log.Debug("job enqueued", "job", kind, "task_id", payload.TaskID, "analysis_id", payload.AnalysisID)
	return payload.TaskID, nil
}

// RequestCancel marks the task revoked and announces it. Workers check the
// marker before starting a job and may listen on the channel to abort one.
func (d *Dispatcher) RequestCancel(ctx context.Context, taskID string) error {
	_, err := d.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, d.keys.Revoked(taskID), 1, d.revokeTTL)
		p.Publish(ctx, d.keys.RevokeChannel(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoking task %s: %w", taskID, err)
	}
	d.log.Info("task revoked", "task_id", taskID)
	return nil
}
