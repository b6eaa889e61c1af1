package resumable

import (
	"context"
	"io"
	"log/slog"
)

// Passthrough serves a single consumer per stream. The generation runs on the
// caller's context, so a disconnected client ends it.
type Passthrough struct{}

func (Passthrough) AttachOrStart(ctx context.Context, streamID string, start StartFunc) (io.ReadCloser, Mode, error) {
	pr, pw := io.Pipe()
	go func() {
		err := start(ctx, pw)
		if err != nil {
			slog.Warn("stream generation ended with error", "stream_id", streamID, "err", err)
		}
		_ = pw.CloseWithError(err)
	}()
	return pr, ModeStarted, nil
}

func (Passthrough) Resume(context.Context, string) (io.ReadCloser, error) {
	return nil, ErrResumeUnsupported
}

func (Passthrough) Resumable() bool { return false }
