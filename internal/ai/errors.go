package ai

import (
	"errors"
	"fmt"
)

// ErrStreamInterrupted is wrapped by Stream.Err when the upstream stream
// ends before a completion flag was observed.
var ErrStreamInterrupted = errors.New("upstream stream interrupted")

// UpstreamError reports a failed call to the inference endpoint: unreachable,
// non-success status, or an undecodable response.
type UpstreamError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
