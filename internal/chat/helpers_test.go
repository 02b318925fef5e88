package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(Models()...))
	return gdb
}

// fakeGateway records the context it was called with. onCall runs before
// the reply is produced so tests can inspect the store at call time.
type fakeGateway struct {
	mu   sync.Mutex
	last []ai.Message
	n    int

	reply   string
	chatErr error

	fragments []string
	streamErr error // reported by Stream.Err after the fragments
	openErr   error

	onCall func()
}

func (g *fakeGateway) record(messages []ai.Message) {
	g.mu.Lock()
	g.last = append([]ai.Message(nil), messages...)
	g.n++
	g.mu.Unlock()
	if g.onCall != nil {
		g.onCall()
	}
}

func (g *fakeGateway) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	g.record(messages)
	if g.chatErr != nil {
		return "", g.chatErr
	}
	return g.reply, nil
}

func (g *fakeGateway) Stream(ctx context.Context, messages []ai.Message) (ai.Stream, error) {
	g.record(messages)
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &sliceStream{frags: g.fragments, final: g.streamErr}, nil
}

func (g *fakeGateway) lastMessages() []ai.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

type sliceStream struct {
	frags  []string
	i      int
	cur    string
	final  error
	err    error
	closed bool
}

func (s *sliceStream) Next() bool {
	if s.closed || s.i >= len(s.frags) {
		if !s.closed {
			s.err = s.final
		}
		return false
	}
	s.cur = s.frags[s.i]
	s.i++
	return true
}

func (s *sliceStream) Fragment() string { return s.cur }

func (s *sliceStream) Err() error { return s.err }

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// recordingSink keeps the events in order. failDeltaAt makes the n-th
// Delta (1-based) fail like a write to a disconnected caller.
type recordingSink struct {
	events      []string
	deltas      int
	failDeltaAt int
}

func (s *recordingSink) Delta(fragment string) error {
	s.deltas++
	if s.failDeltaAt > 0 && s.deltas >= s.failDeltaAt {
		return errBrokenPipe
	}
	s.events = append(s.events, "delta:"+fragment)
	return nil
}

func (s *recordingSink) Error(message string) error {
	s.events = append(s.events, "error")
	return nil
}

func (s *recordingSink) Done() error {
	s.events = append(s.events, "done")
	return nil
}

type sinkError string

func (e sinkError) Error() string { return string(e) }

const errBrokenPipe = sinkError("write: broken pipe")

func newTestService(t *testing.T, gw Gateway, opts Options) (*Service, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	if opts.LockWait == 0 {
		opts.LockWait = time.Second
	}
	return NewService(repo, gw, NewMemoryLocker(), opts, nil), repo
}

func mustSession(t *testing.T, svc *Service, title, instructions string) string {
	t.Helper()
	v, err := svc.CreateSession(context.Background(), title, instructions)
	require.NoError(t, err)
	return v.ID
}

func countRole(t *testing.T, repo *Repo, sessionID string, role Role) int64 {
	t.Helper()
	n, err := repo.countMessages(context.Background(), sessionID, role)
	require.NoError(t, err)
	return n
}
