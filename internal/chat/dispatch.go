package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"go.uber.org/zap"
)

type SummaryRequest struct {
	SessionID      string
	OrganizationID uint64
	Trigger        JobTrigger
	RequestedBy    *uint64
	IdempotencyKey *string
}

// DispatchResult carries whichever of the two is known when Dispatch returns.
type DispatchResult struct {
	Job     *Job
	Summary *Summary
}

// SummaryDispatcher starts summary generation for a closed session.
type SummaryDispatcher interface {
	Dispatch(ctx context.Context, req SummaryRequest) (*DispatchResult, error)
}

// InlineDispatcher runs summaries in-process, either before returning or on a detached goroutine.
type InlineDispatcher struct {
	svc   *SummaryService
	async bool
	log   *zap.Logger
	wg    sync.WaitGroup
}

func NewInlineDispatcher(svc *SummaryService, async bool, log *zap.Logger) *InlineDispatcher {
	return &InlineDispatcher{svc: svc, async: async, log: logger.OrNop(log)}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, req SummaryRequest) (*DispatchResult, error) {
	if !d.async {
		sum, err := d.svc.Generate(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{Summary: sum}, nil
	}

	// outlive the webhook request that closed the session
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.svc.Generate(bg, req.SessionID); err != nil {
			level := d.log.Warn
			if IsSkip(err) {
				level = d.log.Info
			}
			level("background summary did not complete",
				zap.String("session_id", req.SessionID),
				zap.String("trigger", string(req.Trigger)),
				zap.Error(err),
			)
		}
	}()
	return &DispatchResult{}, nil
}

// Wait blocks until background summaries started so far have finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// JobPublisher enqueues a job id for the worker. *rabbitmq.Publisher satisfies it.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// QueueDispatcher records a summary job row and hands its id to the worker queue.
// A repeated request with the same idempotency key returns the existing job without
// publishing again.
type QueueDispatcher struct {
	repo      *Repo
	publisher JobPublisher
	log       *zap.Logger
}

func NewQueueDispatcher(repo *Repo, publisher JobPublisher, log *zap.Logger) *QueueDispatcher {
	return &QueueDispatcher{repo: repo, publisher: publisher, log: logger.OrNop(log)}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req SummaryRequest) (*DispatchResult, error) {
	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	job, created, err := d.repo.CreateJobOrGetExisting(ctx, &Job{
		ID:             jobID,
		OrganizationID: req.OrganizationID,
		SessionID:      req.SessionID,
		Trigger:        trigger,
		RequestedBy:    req.RequestedBy,
		IdempotencyKey: req.IdempotencyKey,
		Status:         JobQueued,
	})
	if err != nil {
		return nil, fmt.Errorf("create summary job: %w", err)
	}
	if !created {
		return &DispatchResult{Job: job}, nil
	}

	if err := d.publisher.PublishJob(ctx, job.ID); err != nil {
		if mErr := d.repo.MarkJobFailed(context.WithoutCancel(ctx), job.ID, "enqueue failed: "+err.Error()); mErr != nil {
			d.log.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(mErr))
		}
		return nil, fmt.Errorf("enqueue summary job %s: %w", job.ID, err)
	}

	d.log.Info("summary job queued",
		zap.String("job_id", job.ID),
		zap.String("session_id", req.SessionID),
		zap.String("trigger", string(trigger)),
	)
	return &DispatchResult{Job: job}, nil
}
