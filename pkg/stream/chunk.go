package stream

import (
	"errors"
	"fmt"

	"relay/pkg/metadata"
)

var (
	// ErrSinkClosed is returned by writes to a sink that was already closed
	// or failed.
	ErrSinkClosed = errors.New("sink closed")

	// ErrUpstreamIdle is reported when the upstream sends nothing for longer
	// than the idle timeout.
	ErrUpstreamIdle = errors.New("upstream idle timeout")
)

// Chunk is one unit of paced output: a text fragment, the terminal metadata
// record, or a terminal error.
type Chunk struct {
	Text     string
	Metadata *metadata.Metadata
	Err      error
}

// IsMetadata reports whether c is the terminal metadata record.
func (c Chunk) IsMetadata() bool {
	return c.Metadata != nil
}

// UpstreamError is a non-abort failure of the upstream sequence surfaced
// through a sink.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
