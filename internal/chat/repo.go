package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repo is the Session Store.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// notFound maps gorm's sentinel onto the package one so callers never import gorm.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ListSessions returns sessions newest first.
func (r *Repo) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSession writes the mutable session fields.
func (r *Repo) UpdateSession(ctx context.Context, s *Session) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{
			"title":               s.Title,
			"custom_instructions": s.CustomInstructions,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// sqlite/mysql report 0 for unchanged rows too; confirm existence.
		if _, err := r.GetSession(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSession removes the session with its messages and jobs.
func (r *Repo) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("session_id = ?", id).Delete(&Job{}).Error; err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// InsertUserMessage persists a user message and, when the session has no
// title yet, sets it in the same transaction.
func (r *Repo) InsertUserMessage(ctx context.Context, m *Message, title string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertUserMessageTx(tx, m, title)
	})
}

func insertUserMessageTx(tx *gorm.DB, m *Message, title string) error {
	if err := tx.Create(m).Error; err != nil {
		return err
	}
	if title == "" {
		return nil
	}
	return tx.Model(&Session{}).
		Where("id = ? AND title = ?", m.SessionID, "").
		Update("title", title).Error
}

// ListMessages returns every message of the session in conversational order.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// LastMessage returns nil when the session has no messages.
func (r *Repo) LastMessage(ctx context.Context, sessionID string) (*Message, error) {
	msgs, err := r.ListRecentMessagesDesc(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (r *Repo) countMessages(ctx context.Context, sessionID string, role Role) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ? AND role = ?", sessionID, role).
		Count(&n).Error
	return n, err
}

// Job CRUD

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (r *Repo) GetJobByIdempotencyKey(ctx context.Context, sessionID, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND idempotency_key = ?", sessionID, key).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// CreateQueuedJob persists the user message and the job row atomically.
func (r *Repo) CreateQueuedJob(ctx context.Context, m *Message, title string, job *Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := insertUserMessageTx(tx, m, title); err != nil {
			return err
		}
		job.UserMessageID = m.ID
		job.Status = JobQueued
		return tx.Create(job).Error
	})
}

// MarkJobRunning transitions queued -> running. It reports false when the
// job was not queued (already picked up or finished).
func (r *Repo) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

// FailStaleRunningJobs fails running jobs not updated since before.
func (r *Repo) FailStaleRunningJobs(ctx context.Context, before time.Time, errMsg string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND updated_at < ?", JobRunning, before).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		})
	return res.RowsAffected, res.Error
}
