// Package resumable lets several readers share one generation stream. The
// first caller for a stream id starts the generation; later callers attach to
// it and see every frame from the beginning.
package resumable

import (
	"context"
	"errors"
	"io"
)

type Mode string

const (
	// ModeStarted means this call started the generation.
	ModeStarted Mode = "started"
	// ModeAttached means the generation was already running and the reader
	// replays it from the first frame.
	ModeAttached Mode = "attached"
	// ModeDegraded means the coordinator could not reach its backend and ran
	// the generation as a single unresumable stream.
	ModeDegraded Mode = "degraded"
)

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrResumeUnsupported = errors.New("resume unsupported")
)

// StartFunc produces the stream body by writing frames to w. It owns w until
// it returns.
type StartFunc func(ctx context.Context, w io.Writer) error

type Coordinator interface {
	AttachOrStart(ctx context.Context, streamID string, start StartFunc) (io.ReadCloser, Mode, error)
	Resume(ctx context.Context, streamID string) (io.ReadCloser, error)
	// Resumable reports whether Resume can ever succeed.
	Resumable() bool
}

type degradedKey struct{}

// Degraded reports whether a StartFunc runs without resume support because
// its coordinator fell back to passthrough.
func Degraded(ctx context.Context) bool {
	v, _ := ctx.Value(degradedKey{}).(bool)
	return v
}

// StreamID derives the stream id published for an assistant message.
func StreamID(messageID string) string {
	return "stream_" + messageID
}
