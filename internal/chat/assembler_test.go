package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-relay/internal/ai"
)

func descHistory(n int) []Message {
	out := make([]Message, 0, n)
	for i := n; i >= 1; i-- {
		role := RoleUser
		if i%2 == 0 {
			role = RoleAssistant
		}
		out = append(out, Message{ID: uint64(i), Role: role, Content: fmt.Sprintf("m%d", i)})
	}
	return out
}

func TestAssembler_Compose_SystemEntry(t *testing.T) {
	tests := []struct {
		name         string
		systemPrompt string
		instructions string
		want         []ai.Message
	}{
		{
			name: "both empty omits system entry",
			want: []ai.Message{{Role: "user", Content: "m1"}},
		},
		{
			name:         "whitespace only counts as empty",
			systemPrompt: "   ",
			instructions: "\n\t",
			want:         []ai.Message{{Role: "user", Content: "m1"}},
		},
		{
			name:         "default prompt only",
			systemPrompt: "You are helpful.",
			want:         []ai.Message{{Role: "system", Content: "You are helpful."}, {Role: "user", Content: "m1"}},
		},
		{
			name:         "instructions only",
			instructions: "Be terse.",
			want:         []ai.Message{{Role: "system", Content: "Be terse."}, {Role: "user", Content: "m1"}},
		},
		{
			name:         "both joined by a blank line",
			systemPrompt: "You are helpful.",
			instructions: " Be terse. ",
			want: []ai.Message{
				{Role: "system", Content: "You are helpful.\n\nBe terse."},
				{Role: "user", Content: "m1"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler(nil, tt.systemPrompt, 20)
			got := a.Compose(&Session{CustomInstructions: tt.instructions}, descHistory(1))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssembler_Compose_Window(t *testing.T) {
	a := NewAssembler(nil, "", 3)

	got := a.Compose(&Session{}, descHistory(7))
	assert.Equal(t, []ai.Message{
		{Role: "user", Content: "m5"},
		{Role: "assistant", Content: "m6"},
		{Role: "user", Content: "m7"},
	}, got)

	got = a.Compose(&Session{}, descHistory(2))
	assert.Equal(t, []ai.Message{
		{Role: "user", Content: "m1"},
		{Role: "assistant", Content: "m2"},
	}, got)

	assert.Empty(t, a.Compose(&Session{}, nil))
}

func TestAssembler_DefaultMaxHistory(t *testing.T) {
	assert.Equal(t, 20, NewAssembler(nil, "", 0).MaxHistory())
	assert.Equal(t, 20, NewAssembler(nil, "", -1).MaxHistory())
	assert.Equal(t, 7, NewAssembler(nil, "", 7).MaxHistory())
}

func TestAssembler_Assemble_FromStore(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))

	sess := &Session{ID: NewSessionID(), CustomInstructions: "Be terse."}
	require.NoError(t, repo.CreateSession(ctx, sess))
	for i := 1; i <= 25; i++ {
		require.NoError(t, repo.InsertMessage(ctx, &Message{SessionID: sess.ID, Role: RoleUser, Content: fmt.Sprintf("m%d", i)}))
	}

	got, err := NewAssembler(repo, "", 20).Assemble(ctx, sess)
	require.NoError(t, err)
	require.Len(t, got, 21)
	assert.Equal(t, ai.Message{Role: "system", Content: "Be terse."}, got[0])
	assert.Equal(t, "m6", got[1].Content)
	assert.Equal(t, "m25", got[20].Content)
}
