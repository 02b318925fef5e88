package chat

import "errors"

var (
	// ErrNotFound is returned when the referenced session or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionBusy is returned when another turn holds the session for
	// longer than the configured lock wait.
	ErrSessionBusy = errors.New("session busy")
	// ErrTurnFinished is returned when a turn is completed or streamed twice.
	ErrTurnFinished = errors.New("turn already finished")
)

// ValidationError reports malformed caller input. It is detected before any
// state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
