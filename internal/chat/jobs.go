package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxIdempotencyKeyLen = 128

// SubmitAsync persists the user message together with a queued job. When
// key matches an earlier submission on the session, that job is returned
// with created=false and nothing is written.
func (s *Service) SubmitAsync(ctx context.Context, sessionID, content, key string) (job *Job, created bool, err error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false, &ValidationError{Field: "content", Message: "content is required"}
	}
	key = strings.TrimSpace(key)
	if len(key) > maxIdempotencyKeyLen {
		return nil, false, &ValidationError{Field: "Idempotency-Key", Message: "idempotency key too long"}
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	release, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	var keyPtr *string
	if key != "" {
		existing, err := s.repo.GetJobByIdempotencyKey(ctx, sessionID, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		keyPtr = &key
	}

	jobID, err := NewULID()
	if err != nil {
		return nil, false, err
	}
	job = &Job{ID: jobID, SessionID: sessionID, IdempotencyKey: keyPtr}
	userMsg := &Message{SessionID: sessionID, Role: RoleUser, Content: content}

	var title string
	if sess.Title == "" {
		title = deriveTitle(content)
	}
	if err := s.repo.CreateQueuedJob(ctx, userMsg, title, job); err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	return job, true, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

// RunJob executes a queued job as a buffered turn. The job is claimed
// (queued -> running) only once the session lock is held, so a job waiting
// on a busy session stays queued. Jobs that are no longer queued are skipped
// (nil, nil) and a redelivered message never produces a second reply.
func (s *Service) RunJob(ctx context.Context, jobID string) (*Message, error) {
	log := s.log.With(zap.String("job_id", jobID))

	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobQueued {
		log.Info("job not queued, skipping", zap.String("status", string(job.Status)))
		return nil, nil
	}

	msg, claimed, runErr := s.runJob(ctx, job)
	if runErr != nil {
		if err := s.repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, runErr.Error()); err != nil {
			log.Error("mark job failed", zap.Error(err))
		}
		return nil, runErr
	}
	if !claimed {
		log.Info("job claimed elsewhere, skipping")
		return nil, nil
	}
	if err := s.repo.MarkJobSucceeded(ctx, jobID, msg.ID); err != nil {
		return msg, fmt.Errorf("mark job succeeded: %w", err)
	}
	return msg, nil
}

func (s *Service) runJob(ctx context.Context, job *Job) (msg *Message, claimed bool, err error) {
	sess, err := s.repo.GetSession(ctx, job.SessionID)
	if err != nil {
		return nil, false, err
	}
	t, err := s.lockTurn(ctx, sess)
	if err != nil {
		return nil, false, err
	}
	defer t.Close()

	claimed, err = s.repo.MarkJobRunning(ctx, job.ID)
	if err != nil {
		return nil, false, fmt.Errorf("mark job running: %w", err)
	}
	if !claimed {
		return nil, false, nil
	}

	t.setState(StatePersisted)
	if err := t.assemble(ctx); err != nil {
		return nil, true, err
	}
	msg, err = t.Complete(ctx)
	return msg, true, err
}

// FailStaleJobs marks jobs left running for longer than olderThan as failed.
// A worker that dies mid-turn leaves its job running; the broker's
// redelivery is skipped because the job is no longer queued.
func (s *Service) FailStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.FailStaleRunningJobs(ctx, time.Now().Add(-olderThan), "worker stopped before completion")
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	if n > 0 {
		s.log.Warn("stale running jobs failed", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}
