package resumable

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCoordinator(t *testing.T) (*RedisCoordinator, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	coord, err := NewRedisCoordinator(client, RedisConfig{
		Prefix:      "test",
		Block:       50 * time.Millisecond,
		IdleTimeout: time.Second,
		Retention:   time.Minute,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coord, srv
}

func writeAll(parts ...string) StartFunc {
	return func(_ context.Context, w io.Writer) error {
		for _, p := range parts {
			if _, err := io.WriteString(w, p); err != nil {
				return err
			}
		}
		return nil
	}
}

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestStreamID(t *testing.T) {
	if got := StreamID("m1"); got != "stream_m1" {
		t.Fatalf("unexpected stream id %q", got)
	}
}

func TestRedisStartThenReplay(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	body, mode, err := coord.AttachOrStart(ctx, "stream_m1", writeAll("0:\"a\"\n", "d:{}\n"))
	if err != nil || mode != ModeStarted {
		t.Fatalf("expected started, got %v %v", mode, err)
	}
	if got := readAll(t, body); got != "0:\"a\"\nd:{}\n" {
		t.Fatalf("unexpected body %q", got)
	}

	again, mode, err := coord.AttachOrStart(ctx, "stream_m1", func(context.Context, io.Writer) error {
		t.Error("generation started twice")
		return nil
	})
	if err != nil || mode != ModeAttached {
		t.Fatalf("expected attached, got %v %v", mode, err)
	}
	if got := readAll(t, again); got != "0:\"a\"\nd:{}\n" {
		t.Fatalf("unexpected replay %q", got)
	}

	resumed, err := coord.Resume(ctx, "stream_m1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := readAll(t, resumed); got != "0:\"a\"\nd:{}\n" {
		t.Fatalf("unexpected resumed body %q", got)
	}
}

func TestRedisAttachWhileRunning(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()
	release := make(chan struct{})

	first, _, err := coord.AttachOrStart(ctx, "s", func(_ context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "one\n"); err != nil {
			return err
		}
		<-release
		_, err := io.WriteString(w, "two\n")
		return err
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, mode, err := coord.AttachOrStart(ctx, "s", writeAll("never\n"))
	if err != nil || mode != ModeAttached {
		t.Fatalf("expected attached, got %v %v", mode, err)
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(second, buf); err != nil || string(buf) != "one\n" {
		t.Fatalf("expected replayed first frame, got %q %v", buf, err)
	}
	close(release)

	if got := readAll(t, first); got != "one\ntwo\n" {
		t.Fatalf("unexpected first body %q", got)
	}
	if got := readAll(t, second); got != "two\n" {
		t.Fatalf("unexpected rest of second body %q", got)
	}
}

func TestRedisGenerationOutlivesReader(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)

	body, _, err := coord.AttachOrStart(ctx, "s", func(genCtx context.Context, w io.Writer) error {
		time.Sleep(100 * time.Millisecond)
		_, err := io.WriteString(w, "late\n")
		finished <- genCtx.Err()
		return err
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	_ = body.Close()

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("generation context cancelled with reader: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not finish")
	}

	resumed, err := coord.Resume(context.Background(), "s")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := readAll(t, resumed); got != "late\n" {
		t.Fatalf("unexpected resumed body %q", got)
	}
}

func TestRedisResumeUnknownStream(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	if _, err := coord.Resume(context.Background(), "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestRedisRetentionApplied(t *testing.T) {
	coord, srv := newTestCoordinator(t)
	body, _, err := coord.AttachOrStart(context.Background(), "s", writeAll("x\n"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	readAll(t, body)

	ttl := srv.TTL("test:s:events")
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected retention ttl, got %v", ttl)
	}
	srv.FastForward(2 * time.Minute)
	if _, err := coord.Resume(context.Background(), "s"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected expired stream, got %v", err)
	}
}

func TestRedisFallsBackToPassthrough(t *testing.T) {
	coord, srv := newTestCoordinator(t)
	srv.Close()

	var degraded bool
	start := func(ctx context.Context, w io.Writer) error {
		degraded = Degraded(ctx)
		return writeAll("direct\n")(ctx, w)
	}
	body, mode, err := coord.AttachOrStart(context.Background(), "s", start)
	if err != nil || mode != ModeDegraded {
		t.Fatalf("expected degraded start, got %v %v", mode, err)
	}
	if got := readAll(t, body); got != "direct\n" {
		t.Fatalf("unexpected body %q", got)
	}
	if !degraded {
		t.Fatal("start did not see the degraded marker")
	}
}

func TestPassthrough(t *testing.T) {
	var p Passthrough
	body, mode, err := p.AttachOrStart(context.Background(), "s", writeAll("a", "b"))
	if err != nil || mode != ModeStarted {
		t.Fatalf("unexpected start: %v %v", mode, err)
	}
	if got := readAll(t, body); got != "ab" {
		t.Fatalf("unexpected body %q", got)
	}
	if _, err := p.Resume(context.Background(), "s"); !errors.Is(err, ErrResumeUnsupported) {
		t.Fatalf("expected ErrResumeUnsupported, got %v", err)
	}
	if p.Resumable() {
		t.Fatal("passthrough must not be resumable")
	}
}

func TestPassthroughPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	body, _, _ := Passthrough{}.AttachOrStart(context.Background(), "s", func(context.Context, io.Writer) error {
		return boom
	})
	defer body.Close()
	if _, err := io.ReadAll(body); !errors.Is(err, boom) {
		t.Fatalf("expected generation error, got %v", err)
	}
}
