package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"go.uber.org/zap"
)

const (
	titleMaxRunes   = 60
	finalizeTimeout = 10 * time.Second
)

type TurnState int

const (
	StateReceived TurnState = iota
	StatePersisted
	StateAssembling
	StateCalling
	StateStreaming
	StateBuffered
	StateFinalizing
	StateDone
	StateErrored
)

var turnStateNames = [...]string{
	StateReceived:   "received",
	StatePersisted:  "persisted",
	StateAssembling: "assembling",
	StateCalling:    "calling",
	StateStreaming:  "streaming",
	StateBuffered:   "buffered",
	StateFinalizing: "finalizing",
	StateDone:       "done",
	StateErrored:    "errored",
}

func (s TurnState) String() string {
	if int(s) < len(turnStateNames) {
		return turnStateNames[s]
	}
	return fmt.Sprintf("TurnState(%d)", int(s))
}

// Sink receives a streaming turn's output. Done is always the last call.
type Sink interface {
	Delta(fragment string) error
	Error(message string) error
	Done() error
}

// Turn is one user-submission-to-assistant-response cycle. It holds the
// session lock from BeginTurn until Complete, Stream or Close returns.
// A Turn is driven by a single goroutine.
type Turn struct {
	svc      *Service
	session  *Session
	userMsg  *Message
	messages []ai.Message

	state    TurnState
	finished bool
	release  func()
	log      *zap.Logger
}

// BeginTurn validates and persists the user message, then assembles the
// upstream context. Validation and not-found errors happen before any write.
func (s *Service) BeginTurn(ctx context.Context, sessionID, content string) (*Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ValidationError{Field: "content", Message: "content is required"}
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	t, err := s.lockTurn(ctx, sess)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			t.Close()
		}
	}()

	userMsg := &Message{SessionID: sess.ID, Role: RoleUser, Content: content}
	var title string
	if sess.Title == "" {
		title = deriveTitle(content)
	}
	if err := s.repo.InsertUserMessage(ctx, userMsg, title); err != nil {
		t.setState(StateErrored)
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	if title != "" {
		sess.Title = title
	}
	t.userMsg = userMsg
	t.setState(StatePersisted)

	if err := t.assemble(ctx); err != nil {
		return nil, err
	}
	ok = true
	return t, nil
}

func (s *Service) lockTurn(ctx context.Context, sess *Session) (*Turn, error) {
	release, err := s.lockSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return &Turn{
		svc:     s,
		session: sess,
		state:   StateReceived,
		release: func() { once.Do(release) },
		log:     s.log.With(zap.String("session_id", sess.ID)),
	}, nil
}

func (t *Turn) assemble(ctx context.Context) error {
	t.setState(StateAssembling)
	msgs, err := t.svc.assembler.Assemble(ctx, t.session)
	if err != nil {
		t.setState(StateErrored)
		return fmt.Errorf("assemble context: %w", err)
	}
	t.messages = msgs
	t.log.Debug("context assembled",
		zap.Int("messages", len(msgs)),
		zap.Int("max_history", t.svc.assembler.MaxHistory()),
	)
	return nil
}

func deriveTitle(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) > titleMaxRunes {
		r = r[:titleMaxRunes]
	}
	return strings.TrimSpace(string(r))
}

func (t *Turn) Session() *Session { return t.session }
func (t *Turn) UserMessage() *Message { return t.userMsg }
func (t *Turn) Messages() []ai.Message { return t.messages }
func (t *Turn) State() TurnState { return t.state }

func (t *Turn) setState(s TurnState) {
	t.state = s
	t.log.Debug("turn state", zap.Stringer("state", s))
}

func (t *Turn) claim() error {
	if t.finished {
		return ErrTurnFinished
	}
	t.finished = true
	return nil
}

// Close releases the session lock of a turn that will not be completed.
// It is safe to call after Complete or Stream.
func (t *Turn) Close() {
	t.finished = true
	t.release()
}

// Complete runs the buffered path: the whole reply is stored as one
// assistant message, or nothing is stored when the upstream call fails.
func (t *Turn) Complete(ctx context.Context) (*Message, error) {
	if err := t.claim(); err != nil {
		return nil, err
	}
	defer t.release()

	t.setState(StateCalling)
	reply, err := t.svc.gateway.Chat(ctx, t.messages)
	if err != nil {
		t.setState(StateErrored)
		return nil, err
	}
	t.setState(StateBuffered)

	t.setState(StateFinalizing)
	msg := &Message{SessionID: t.session.ID, Role: RoleAssistant, Content: reply}
	if err := t.svc.repo.InsertMessage(ctx, msg); err != nil {
		t.setState(StateErrored)
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	t.setState(StateDone)
	return msg, nil
}

// Stream runs the streaming path. Fragments go to sink as they arrive.
// Whatever ends the stream (completion, upstream failure, a failed sink
// write or ctx cancellation), the text received so far is stored as one
// assistant message if it is not blank, and sink.Done is sent last.
// The returned error is informational: it has already been reported in-band.
func (t *Turn) Stream(ctx context.Context, sink Sink) (assistant *Message, err error) {
	if err := t.claim(); err != nil {
		return nil, err
	}

	var (
		text       strings.Builder
		callerGone bool
	)
	report := func(msg string) {
		if callerGone {
			return
		}
		if werr := sink.Error(msg); werr != nil {
			callerGone = true
		}
	}

	defer func() {
		t.setState(StateFinalizing)
		msg, ferr := t.finalize(ctx, text.String())
		if ferr != nil {
			t.log.Error("finalize streamed reply", zap.Int("chars", text.Len()), zap.Error(ferr))
			report("failed to save assistant message")
			if err == nil {
				err = ferr
			}
		}
		assistant = msg

		if !callerGone {
			if derr := sink.Done(); derr != nil {
				t.log.Debug("write stream terminator", zap.Error(derr))
			}
		}
		t.release()

		if err != nil {
			t.setState(StateErrored)
		} else {
			t.setState(StateDone)
		}
	}()

	t.setState(StateCalling)
	stream, err := t.svc.gateway.Stream(ctx, t.messages)
	if err != nil {
		t.log.Warn("open upstream stream", zap.Error(err))
		report(err.Error())
		return nil, err
	}
	// runs before finalization so the upstream connection is released first
	defer stream.Close()

	t.setState(StateStreaming)
	for stream.Next() {
		frag := stream.Fragment()
		if frag == "" {
			continue
		}
		text.WriteString(frag)
		if werr := sink.Delta(frag); werr != nil {
			callerGone = true
			t.log.Info("caller went away mid-stream", zap.Error(werr))
			return nil, werr
		}
	}

	if serr := stream.Err(); serr != nil {
		if ctx.Err() != nil {
			callerGone = true
			t.log.Info("caller cancelled stream", zap.Error(ctx.Err()))
			return nil, serr
		}
		t.log.Warn("upstream stream interrupted", zap.Int("chars", text.Len()), zap.Error(serr))
		report(serr.Error())
		return nil, serr
	}
	return nil, nil
}

// finalize stores text as an assistant message. It ignores ctx cancellation
// so a disconnected caller does not lose the partial reply.
func (t *Turn) finalize(ctx context.Context, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	msg := &Message{SessionID: t.session.ID, Role: RoleAssistant, Content: text}
	if err := t.svc.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	return msg, nil
}
