package resumable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"streamchat/internal/util"
)

const (
	fieldData  = "d"
	fieldEnd   = "end"
	fieldError = "err"

	endDone  = "done"
	endError = "error"
)

type RedisConfig struct {
	// Prefix namespaces every key; defaults to "chat:stream".
	Prefix string
	// OwnerTTL bounds how long a claimed stream may run.
	OwnerTTL time.Duration
	// Retention is how long a finished stream stays replayable.
	Retention time.Duration
	// Block is the XREAD BLOCK interval readers wait for new frames.
	Block time.Duration
	// IdleTimeout ends a reader that sees neither frames nor an owner.
	IdleTimeout time.Duration
	ReadCount   int64
}

// RedisCoordinator tees generation output through a Redis stream. The owner
// is elected with SET NX; every reader tails the stream with XREAD BLOCK.
type RedisCoordinator struct {
	client      redis.UniversalClient
	prefix      string
	ownerTTL    time.Duration
	retention   time.Duration
	block       time.Duration
	idleTimeout time.Duration
	readCount   int64
	instance    string
	claims      singleflight.Group
	fallback    Passthrough
}

func NewRedisCoordinator(client redis.UniversalClient, cfg RedisConfig) (*RedisCoordinator, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "chat:stream"
	}
	ownerTTL := cfg.OwnerTTL
	if ownerTTL <= 0 {
		ownerTTL = 10 * time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	block := cfg.Block
	if block <= 0 {
		block = time.Second
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 64
	}
	return &RedisCoordinator{
		client:      client,
		prefix:      prefix,
		ownerTTL:    ownerTTL,
		retention:   retention,
		block:       block,
		idleTimeout: idle,
		readCount:   readCount,
		instance:    util.NewID(),
	}, nil
}

func (c *RedisCoordinator) Resumable() bool { return true }

// AttachOrStart claims streamID. The winner runs start detached from ctx so
// the generation outlives its first reader; everyone else attaches. When Redis
// cannot be reached the call degrades to a passthrough stream.
func (c *RedisCoordinator) AttachOrStart(ctx context.Context, streamID string, start StartFunc) (io.ReadCloser, Mode, error) {
	leader := false
	v, err, _ := c.claims.Do(streamID, func() (any, error) {
		leader = true
		return c.client.SetNX(ctx, c.ownerKey(streamID), c.instance, c.ownerTTL).Result()
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		util.LoggerFromContext(ctx).Warn("stream_degraded", "stream_id", streamID, "err", err)
		body, _, err := c.fallback.AttachOrStart(context.WithValue(ctx, degradedKey{}, true), streamID, start)
		return body, ModeDegraded, err
	}
	claimed, _ := v.(bool)
	if !leader || !claimed {
		return c.tail(ctx, streamID), ModeAttached, nil
	}

	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ownerTTL)
	go func() {
		defer cancel()
		c.run(genCtx, streamID, start)
	}()
	return c.tail(ctx, streamID), ModeStarted, nil
}

// Resume replays streamID from its first frame while it is running or retained.
func (c *RedisCoordinator) Resume(ctx context.Context, streamID string) (io.ReadCloser, error) {
	n, err := c.client.Exists(ctx, c.ownerKey(streamID), c.eventsKey(streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup stream: %w", err)
	}
	if n == 0 {
		return nil, ErrStreamNotFound
	}
	return c.tail(ctx, streamID), nil
}

func (c *RedisCoordinator) run(ctx context.Context, streamID string, start StartFunc) {
	logger := util.LoggerFromContext(ctx).With("stream_id", streamID)
	w := &streamWriter{ctx: ctx, client: c.client, key: c.eventsKey(streamID)}
	err := start(ctx, w)

	marker := map[string]any{fieldEnd: endDone}
	if err != nil {
		logger.Warn("stream generation ended with error", "err", err)
		marker = map[string]any{fieldEnd: endError, fieldError: err.Error()}
	}
	// The end marker must land even if the generation deadline passed.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	pipe := c.client.TxPipeline()
	pipe.XAdd(finishCtx, &redis.XAddArgs{Stream: w.key, Values: marker})
	pipe.Expire(finishCtx, w.key, c.retention)
	pipe.Expire(finishCtx, c.ownerKey(streamID), c.retention)
	if _, err := pipe.Exec(finishCtx); err != nil {
		logger.Error("failed to close stream", "err", err)
	}
}

func (c *RedisCoordinator) tail(ctx context.Context, streamID string) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		_ = pw.CloseWithError(c.follow(ctx, streamID, pw))
	}()
	return &tailReader{PipeReader: pr, cancel: cancel}
}

// follow copies frames to w until the end marker. A nil return closes the
// reader with io.EOF.
func (c *RedisCoordinator) follow(ctx context.Context, streamID string, w io.Writer) error {
	key := c.eventsKey(streamID)
	lastID := "0"
	lastSeen := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := c.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   c.readCount,
			Block:   c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if time.Since(lastSeen) < c.idleTimeout {
				continue
			}
			alive, err := c.client.Exists(ctx, c.ownerKey(streamID)).Result()
			if err != nil {
				return err
			}
			if alive == 0 {
				return ErrStreamNotFound
			}
			lastSeen = time.Now()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				lastSeen = time.Now()
				if end, ok := msg.Values[fieldEnd].(string); ok {
					if end == endError {
						// Failures are reported in-band by the generation.
						msgText, _ := msg.Values[fieldError].(string)
						slog.Debug("stream ended with error marker", "stream_id", streamID, "err", msgText)
					}
					return nil
				}
				data, _ := msg.Values[fieldData].(string)
				if data == "" {
					continue
				}
				if _, err := io.WriteString(w, data); err != nil {
					return err
				}
			}
		}
	}
}

func (c *RedisCoordinator) ownerKey(streamID string) string {
	return fmt.Sprintf("%s:%s:owner", c.prefix, streamID)
}

func (c *RedisCoordinator) eventsKey(streamID string) string {
	return fmt.Sprintf("%s:%s:events", c.prefix, streamID)
}

// streamWriter appends every Write as one stream entry.
type streamWriter struct {
	ctx    context.Context
	client redis.UniversalClient
	key    string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.client.XAdd(w.ctx, &redis.XAddArgs{
		Stream: w.key,
		Values: map[string]any{fieldData: string(p)},
	}).Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

type tailReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (r *tailReader) Close() error {
	r.cancel()
	return r.PipeReader.Close()
}
