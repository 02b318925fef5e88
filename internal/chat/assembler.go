package chat

import (
	"context"
	"strings"

	"github.com/suPer8Hu/chat-relay/internal/ai"
)

const defaultMaxHistory = 20

// HistoryReader is the slice of the Session Store the assembler needs.
type HistoryReader interface {
	ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Assembler builds the ordered message list sent upstream: an optional
// system entry followed by the newest MaxHistory messages, oldest first.
type Assembler struct {
	history      HistoryReader
	systemPrompt string
	maxHistory   int
}

func NewAssembler(history HistoryReader, systemPrompt string, maxHistory int) *Assembler {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Assembler{
		history:      history,
		systemPrompt: strings.TrimSpace(systemPrompt),
		maxHistory:   maxHistory,
	}
}

func (a *Assembler) MaxHistory() int { return a.maxHistory }

// Assemble must run after the turn's user message has been persisted so
// that the message falls inside the window.
func (a *Assembler) Assemble(ctx context.Context, sess *Session) ([]ai.Message, error) {
	recentDesc, err := a.history.ListRecentMessagesDesc(ctx, sess.ID, a.maxHistory)
	if err != nil {
		return nil, err
	}
	return a.Compose(sess, recentDesc), nil
}

// Compose is the pure part of Assemble. recentDesc is newest first; only
// the first MaxHistory entries are used.
func (a *Assembler) Compose(sess *Session, recentDesc []Message) []ai.Message {
	if len(recentDesc) > a.maxHistory {
		recentDesc = recentDesc[:a.maxHistory]
	}

	out := make([]ai.Message, 0, len(recentDesc)+1)
	if system := a.systemContent(sess); system != "" {
		out = append(out, ai.Message{Role: string(RoleSystem), Content: system})
	}

	// reverse to ASC (oldest -> newest)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (a *Assembler) systemContent(sess *Session) string {
	parts := make([]string, 0, 2)
	if a.systemPrompt != "" {
		parts = append(parts, a.systemPrompt)
	}
	if custom := strings.TrimSpace(sess.CustomInstructions); custom != "" {
		parts = append(parts, custom)
	}
	return strings.Join(parts, "\n\n")
}
