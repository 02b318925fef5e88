package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-relay/internal/ai"
)

func TestBeginTurn_Validation(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	_, err := svc.BeginTurn(ctx, id, " \n\t ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)

	_, err = svc.BeginTurn(ctx, "missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(0), countRole(t, repo, id, RoleUser))
	assert.Equal(t, 0, gw.n)
}

func TestTurn_Complete(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{reply: "Hi there!"}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	var usersAtCall int64
	gw.onCall = func() { usersAtCall = countRole(t, repo, id, RoleUser) }

	turn, err := svc.BeginTurn(ctx, id, "  Hello  ")
	require.NoError(t, err)
	assert.Equal(t, StateAssembling, turn.State())
	assert.Equal(t, "Hello", turn.UserMessage().Content)

	msg, err := turn.Complete(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, turn.State())
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "Hi there!", msg.Content)
	assert.Equal(t, int64(1), usersAtCall, "user message is stored before the upstream call")

	msgs, err := svc.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)

	_, err = turn.Complete(ctx)
	assert.ErrorIs(t, err, ErrTurnFinished)
	_, err = turn.Stream(ctx, &recordingSink{})
	assert.ErrorIs(t, err, ErrTurnFinished)
}

func TestTurn_CompleteUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{chatErr: &ai.UpstreamError{Op: "chat", StatusCode: 500, Err: errors.New("boom")}}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	turn, err := svc.BeginTurn(ctx, id, "Hello")
	require.NoError(t, err)

	_, err = turn.Complete(ctx)
	var uerr *ai.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 500, uerr.StatusCode)
	assert.Equal(t, StateErrored, turn.State())

	assert.Equal(t, int64(1), countRole(t, repo, id, RoleUser))
	assert.Equal(t, int64(0), countRole(t, repo, id, RoleAssistant))

	// the lock is released, the session accepts another turn
	next, err := svc.BeginTurn(ctx, id, "again")
	require.NoError(t, err)
	next.Close()
}

func TestTurn_CustomInstructionsContext(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{reply: "Fine."}
	svc, _ := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "Be terse.")

	_, err := svc.AppendMessage(ctx, id, RoleUser, "Hi")
	require.NoError(t, err)

	turn, err := svc.BeginTurn(ctx, id, "How are you?")
	require.NoError(t, err)
	_, err = turn.Complete(ctx)
	require.NoError(t, err)

	assert.Equal(t, []ai.Message{
		{Role: "system", Content: "Be terse."},
		{Role: "user", Content: "Hi"},
		{Role: "user", Content: "How are you?"},
	}, gw.lastMessages())
}

func TestTurn_HistoryWindow(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{reply: "ok"}
	svc, _ := newTestService(t, gw, Options{MaxHistory: 3, SystemPrompt: "sys"})
	id := mustSession(t, svc, "", "")

	for i := 1; i <= 5; i++ {
		_, err := svc.AppendMessage(ctx, id, RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	turn, err := svc.BeginTurn(ctx, id, "latest")
	require.NoError(t, err)
	_, err = turn.Complete(ctx)
	require.NoError(t, err)

	got := gw.lastMessages()
	require.Len(t, got, 4)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, []string{"m4", "m5", "latest"}, []string{got[1].Content, got[2].Content, got[3].Content})
}

func TestBeginTurn_DerivesTitle(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("日本語", 30)

	tests := []struct {
		name     string
		existing string
		content  string
		want     string
	}{
		{name: "short content", content: "Plan a trip", want: "Plan a trip"},
		{name: "truncated to 60 runes", content: long, want: string([]rune(long)[:60])},
		{name: "trailing space after cut is trimmed", content: strings.Repeat("a", 59) + " bcd", want: strings.Repeat("a", 59)},
		{name: "existing title kept", existing: "Mine", content: "Plan a trip", want: "Mine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, &fakeGateway{reply: "ok"}, Options{})
			id := mustSession(t, svc, tt.existing, "")

			turn, err := svc.BeginTurn(ctx, id, tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.want, turn.Session().Title)
			turn.Close()

			v, err := svc.GetSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Title)
		})
	}
}

func TestTurn_Stream(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"Hel", "", "lo"}}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	turn, err := svc.BeginTurn(ctx, id, "Hi")
	require.NoError(t, err)

	sink := &recordingSink{}
	msg, err := turn.Stream(ctx, sink)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, []string{"delta:Hel", "delta:lo", "done"}, sink.events)
	assert.Equal(t, StateDone, turn.State())
	assert.Equal(t, int64(1), countRole(t, repo, id, RoleAssistant))
}

func TestTurn_StreamInterruptedKeepsPartial(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		fragments: []string{"Hel", "lo"},
		streamErr: fmt.Errorf("%w: connection reset", ai.ErrStreamInterrupted),
	}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	turn, err := svc.BeginTurn(ctx, id, "Hi")
	require.NoError(t, err)

	sink := &recordingSink{}
	msg, err := turn.Stream(ctx, sink)
	assert.ErrorIs(t, err, ai.ErrStreamInterrupted)
	require.NotNil(t, msg)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, []string{"delta:Hel", "delta:lo", "error", "done"}, sink.events)
	assert.Equal(t, StateErrored, turn.State())

	msgs, err := repo.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
}

func TestTurn_StreamNothingToPersist(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"", ""}}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	turn, err := svc.BeginTurn(ctx, id, "Hi")
	require.NoError(t, err)

	sink := &recordingSink{}
	msg, err := turn.Stream(ctx, sink)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, []string{"done"}, sink.events)
	assert.Equal(t, int64(0), countRole(t, repo, id, RoleAssistant))
}

func TestTurn_StreamOpenFailure(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{openErr: &ai.UpstreamError{Op: "stream", Err: errors.New("connection refused")}}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	turn, err := svc.BeginTurn(ctx, id, "Hi")
	require.NoError(t, err)

	sink := &recordingSink{}
	msg, err := turn.Stream(ctx, sink)
	var uerr *ai.UpstreamError
	assert.ErrorAs(t, err, &uerr)
	assert.Nil(t, msg)
	assert.Equal(t, []string{"error", "done"}, sink.events)
	assert.Equal(t, int64(1), countRole(t, repo, id, RoleUser))
	assert.Equal(t, int64(0), countRole(t, repo, id, RoleAssistant))
}

func TestTurn_StreamCallerWriteFails(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"Hel", "lo", " world"}}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	turn, err := svc.BeginTurn(ctx, id, "Hi")
	require.NoError(t, err)

	sink := &recordingSink{failDeltaAt: 2}
	msg, err := turn.Stream(ctx, sink)
	assert.ErrorIs(t, err, errBrokenPipe)
	require.NotNil(t, msg)
	assert.Equal(t, "Hello", msg.Content, "the fragment that failed to write is still kept")
	assert.Equal(t, []string{"delta:Hel"}, sink.events, "nothing is written after the failure")
	assert.Equal(t, int64(1), countRole(t, repo, id, RoleAssistant))
}

func TestTurn_StreamCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{fragments: []string{"Par", "tial"}, streamErr: context.Canceled}
	svc, repo := newTestService(t, gw, Options{})
	id := mustSession(t, svc, "", "")

	turn, err := svc.BeginTurn(ctx, id, "Hi")
	require.NoError(t, err)
	cancel()

	sink := &recordingSink{}
	msg, err := turn.Stream(ctx, sink)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, msg)
	assert.Equal(t, "Partial", msg.Content)
	assert.Equal(t, []string{"delta:Par", "delta:tial"}, sink.events, "no error or done for a departed caller")
	assert.Equal(t, int64(1), countRole(t, repo, id, RoleAssistant))
}

func TestBeginTurn_SessionBusy(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{reply: "ok"}
	svc, repo := newTestService(t, gw, Options{LockWait: 50 * time.Millisecond})
	id := mustSession(t, svc, "", "")

	first, err := svc.BeginTurn(ctx, id, "one")
	require.NoError(t, err)

	_, err = svc.BeginTurn(ctx, id, "two")
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, int64(1), countRole(t, repo, id, RoleUser), "a busy session rejects before writing")

	// other sessions are unaffected
	other := mustSession(t, svc, "", "")
	ot, err := svc.BeginTurn(ctx, other, "elsewhere")
	require.NoError(t, err)
	ot.Close()

	_, err = first.Complete(ctx)
	require.NoError(t, err)

	second, err := svc.BeginTurn(ctx, id, "two")
	require.NoError(t, err)
	second.Close()
}

func TestTurnState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "TurnState(42)", TurnState(42).String())
}
