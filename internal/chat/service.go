package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"go.uber.org/zap"
)

// Gateway is the inference endpoint as seen by the coordinator.
type Gateway interface {
	ai.Provider
	ai.StreamProvider
}

type Options struct {
	SystemPrompt string
	MaxHistory   int
	// LockWait bounds how long a turn waits for another turn on the same session.
	LockWait time.Duration
}

type Service struct {
	repo      *Repo
	assembler *Assembler
	gateway   Gateway
	locker    Locker
	lockWait  time.Duration
	log       *zap.Logger
}

func NewService(repo *Repo, gateway Gateway, locker Locker, opts Options, log *zap.Logger) *Service {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		assembler: NewAssembler(repo, opts.SystemPrompt, opts.MaxHistory),
		gateway:   gateway,
		locker:    locker,
		lockWait:  opts.LockWait,
		log:       log,
	}
}

func (s *Service) CreateSession(ctx context.Context, title, customInstructions string) (*SessionView, error) {
	sess := &Session{
		ID:                 NewSessionID(),
		Title:              strings.TrimSpace(title),
		CustomInstructions: strings.TrimSpace(customInstructions),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &SessionView{Session: *sess}, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*SessionView, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, sess)
}

func (s *Service) ListSessions(ctx context.Context) ([]SessionView, error) {
	sessions, err := s.repo.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		v, err := s.view(ctx, &sessions[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// SessionPatch carries the fields present in an update request.
type SessionPatch struct {
	Title              *string
	CustomInstructions *string
}

func (s *Service) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*SessionView, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		sess.Title = strings.TrimSpace(*patch.Title)
		if n := len([]rune(sess.Title)); n > 200 {
			return nil, &ValidationError{Field: "title", Message: "at most 200 characters"}
		}
	}
	if patch.CustomInstructions != nil {
		sess.CustomInstructions = strings.TrimSpace(*patch.CustomInstructions)
	}
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return s.view(ctx, sess)
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID)
}

// AppendMessage stores a message without calling upstream.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, role Role, content string) (*Message, error) {
	if !role.Valid() {
		return nil, &ValidationError{Field: "role", Message: "must be one of user, assistant, system"}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ValidationError{Field: "content", Message: "content is required"}
	}
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	release, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	m := &Message{SessionID: sessionID, Role: role, Content: content}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) view(ctx context.Context, sess *Session) (*SessionView, error) {
	last, err := s.repo.LastMessage(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	v := &SessionView{Session: *sess}
	if last != nil {
		v.LastMessage = &MessagePreview{Role: last.Role, Content: last.Content, CreatedAt: last.CreatedAt}
	}
	return v, nil
}

func (s *Service) lockSession(ctx context.Context, sessionID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	release, err := s.locker.Acquire(lctx, sessionID)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrSessionBusy
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	return release, nil
}
