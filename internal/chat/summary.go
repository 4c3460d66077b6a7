package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ai"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// DefaultStaleSummarizing is how long a session may stay in summarizing before another
// attempt or the sweeper treats the previous attempt as dead.
const DefaultStaleSummarizing = 10 * time.Minute

const interruptedSummary = "summary attempt interrupted"

// TranscriptSummarizer is the AI call behind a summary. *ai.Summarizer satisfies it.
type TranscriptSummarizer interface {
	Summarize(ctx context.Context, lines []ai.TranscriptLine) (*ai.SummaryResult, error)
}

// SummaryService generates and regenerates session summaries. A session moves
// closed -> summarizing -> closed around each attempt, whatever the outcome.
type SummaryService struct {
	repo        *Repo
	summarizer  TranscriptSummarizer
	minMessages int
	staleAfter  time.Duration
	events      EventSink
	now         func() time.Time
	log         *zap.Logger
}

func NewSummaryService(repo *Repo, summarizer TranscriptSummarizer, minMessages int, events EventSink, log *zap.Logger) *SummaryService {
	if minMessages <= 0 {
		minMessages = 1
	}
	if events == nil {
		events = nopSink{}
	}
	return &SummaryService{
		repo:        repo,
		summarizer:  summarizer,
		minMessages: minMessages,
		staleAfter:  DefaultStaleSummarizing,
		events:      events,
		now:         time.Now,
		log:         logger.OrNop(log),
	}
}

// SetStaleAfter changes how old a summarizing attempt must be before it counts as dead.
// It must exceed the summarizer timeout.
func (s *SummaryService) SetStaleAfter(d time.Duration) {
	if d > 0 {
		s.staleAfter = d
	}
}

func (s *SummaryService) staleCutoff() time.Time {
	return s.now().Add(-s.staleAfter)
}

// InProgress reports whether a live attempt is summarizing sess right now.
func (s *SummaryService) InProgress(sess *ChatSession) bool {
	return sess.Status == SessionSummarizing && !isStale(sess, s.staleCutoff())
}

func isStale(sess *ChatSession, cutoff time.Time) bool {
	return sess.SummarizingSince == nil || !sess.SummarizingSince.After(cutoff)
}

// Generate summarizes a closed session, creating its Summary row or rewriting the existing one.
// On AI failure the row is marked failed and the error is returned; the session is back to
// closed either way.
func (s *SummaryService) Generate(ctx context.Context, sessionID string) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "chat.GenerateSummary", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case SessionActive:
		return nil, ErrSessionActive
	case SessionSummarizing:
		if s.InProgress(sess) {
			return nil, ErrSummaryInProgress
		}
		s.log.Warn("taking over stale summary attempt", zap.String("session_id", sessionID))
	}

	count, err := s.repo.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if count < int64(s.minMessages) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotEnoughMessages, count, s.minMessages)
	}

	org, err := s.repo.GetOrganization(ctx, sess.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.SummaryQuotaLeft(s.now()) {
		return nil, fmt.Errorf("%w: organization %d", ErrQuotaExceeded, org.ID)
	}

	marked, err := s.repo.MarkSummarizing(ctx, sess.ID, s.now(), s.staleCutoff())
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, ErrSummaryInProgress
	}

	var linked *uint64
	defer func() {
		// the session must leave summarizing even if the caller went away
		if err := s.repo.FinishSummarizing(context.WithoutCancel(ctx), sess.ID, linked); err != nil {
			s.log.Error("return session to closed failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	row, err := s.repo.BeginSummary(ctx, sess, int(count))
	if err != nil {
		return nil, fmt.Errorf("begin summary: %w", err)
	}

	msgs, err := s.repo.ListTranscript(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	start := time.Now()
	res, err := s.summarizer.Summarize(ctx, transcriptLines(msgs))
	if err != nil {
		durationMs := time.Since(start).Milliseconds()
		s.failRow(ctx, row.ID, err, durationMs)
		s.log.Warn("summary generation failed",
			zap.Uint64("organization_id", sess.OrganizationID),
			zap.String("session_id", sessionID),
			zap.Int64("duration_ms", durationMs),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarize failed")
		s.publish(ctx, sess.OrganizationID, EventSummaryFailed, SummaryEvent{
			SessionID: sessionID, SummaryID: row.ID, Status: string(SummaryFailed), Error: err.Error(), At: s.now(),
		})
		return nil, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	topics, err := json.Marshal(res.KeyTopics)
	if err != nil {
		s.failRow(ctx, row.ID, err, res.Duration.Milliseconds())
		return nil, fmt.Errorf("encode key topics: %w", err)
	}
	if err := s.repo.CompleteSummary(ctx, row.ID, Summary{
		Content:    res.Content,
		KeyTopics:  datatypes.JSON(topics),
		Provider:   res.Provider,
		Model:      res.Model,
		DurationMs: res.Duration.Milliseconds(),
	}); err != nil {
		s.failRow(ctx, row.ID, err, res.Duration.Milliseconds())
		return nil, fmt.Errorf("store summary: %w", err)
	}
	linked = &row.ID

	if err := s.repo.IncrementSummaryUsage(ctx, sess.OrganizationID, s.now()); err != nil {
		s.log.Warn("update summary usage failed", zap.Uint64("organization_id", sess.OrganizationID), zap.Error(err))
	}

	s.log.Info("summary completed",
		zap.Uint64("organization_id", sess.OrganizationID),
		zap.String("session_id", sessionID),
		zap.Uint64("summary_id", row.ID),
		zap.String("provider", res.Provider),
		zap.Int64("duration_ms", res.Duration.Milliseconds()),
	)
	s.publish(ctx, sess.OrganizationID, EventSummaryCompleted, SummaryEvent{
		SessionID: sessionID, SummaryID: row.ID, Status: string(SummaryCompleted), At: s.now(),
	})

	return s.repo.FindSummary(ctx, sessionID)
}

// RunJob executes one queued summary job and records its outcome on the job row.
func (s *SummaryService) RunJob(ctx context.Context, jobID string) error {
	if err := s.repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		return err
	}
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobSucceeded {
		return nil
	}

	sum, err := s.Generate(ctx, job.SessionID)
	if err != nil {
		if mErr := s.repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, err.Error()); mErr != nil {
			s.log.Error("mark job failed", zap.String("job_id", jobID), zap.Error(mErr))
		}
		return err
	}
	return s.repo.MarkJobSucceeded(ctx, jobID, &sum.ID)
}

// failRow marks a summary row failed so it never stays processing once the attempt ends.
func (s *SummaryService) failRow(ctx context.Context, summaryID uint64, cause error, durationMs int64) {
	if err := s.repo.FailSummary(context.WithoutCancel(ctx), summaryID, cause.Error(), durationMs); err != nil {
		s.log.Error("mark summary failed", zap.Uint64("summary_id", summaryID), zap.Error(err))
	}
}

// RecoverStale returns sessions left in summarizing by a dead attempt to closed and fails
// their in-progress summary rows. It returns how many were reset.
func (s *SummaryService) RecoverStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.staleCutoff()
	stale, err := s.repo.ListStaleSummarizing(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range stale {
		sess := &stale[i]
		ok, err := s.repo.ResetStaleSummarizing(ctx, sess, cutoff, interruptedSummary)
		if err != nil {
			s.log.Error("reset stale summarizing session failed", zap.String("session_id", sess.SessionID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		recovered++
		s.log.Warn("reset stale summarizing session",
			zap.Uint64("organization_id", sess.OrganizationID),
			zap.String("session_id", sess.SessionID),
		)
		s.publish(ctx, sess.OrganizationID, EventSummaryFailed, SummaryEvent{
			SessionID: sess.SessionID, Status: string(SummaryFailed), Error: interruptedSummary, At: s.now(),
		})
	}
	return recovered, nil
}

func (s *SummaryService) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	return s.repo.FindSummary(ctx, sessionID)
}

func (s *SummaryService) publish(ctx context.Context, orgID uint64, key string, payload any) {
	if err := s.events.Publish(ctx, orgID, key, payload); err != nil {
		s.log.Warn("publish event failed", zap.String("event", key), zap.Error(err))
	}
}

func transcriptLines(msgs []Message) []ai.TranscriptLine {
	lines := make([]ai.TranscriptLine, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, ai.TranscriptLine{
			Timestamp: m.Timestamp,
			Sender:    m.SenderName,
			Direction: string(m.Direction),
			Content:   m.Content,
		})
	}
	return lines
}

// IsSkip reports whether err means a summary was deliberately not attempted.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNotEnoughMessages) || errors.Is(err, ErrQuotaExceeded)
}
