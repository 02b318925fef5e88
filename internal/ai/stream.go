package ai

import "context"

// Message is one role/content pair of the request context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider runs a buffered chat call and returns the complete assistant text.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider opens an incremental chat call.
type StreamProvider interface {
	Stream(ctx context.Context, messages []Message) (Stream, error)
}

// Stream is a finite, non-restartable sequence of content fragments.
//
//	for s.Next() {
//		use(s.Fragment())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Close must be called when the caller stops consuming; it releases the
// upstream connection and may be called more than once.
type Stream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}
