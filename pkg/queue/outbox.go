// Package queue is the finalize outbox: durable write-backs that failed are
// queued on a Redis stream and retried by a consumer group until the guarded
// patch lands or retries run out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"streamchat/internal/util"
	"streamchat/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

var ErrInvalidJob = errors.New("finalize job requires thread and message ids and a terminal status")

// FinalizeJob carries the terminal write-back for one message.
type FinalizeJob struct {
	ThreadID   string                  `json:"threadId"`
	MessageID  string                  `json:"messageId"`
	Patch      domain.MessagePatch     `json:"patch"`
	Generation domain.GenerationStatus `json:"generationStatus"`
}

func (j FinalizeJob) validate() error {
	if strings.TrimSpace(j.MessageID) == "" || strings.TrimSpace(j.ThreadID) == "" {
		return ErrInvalidJob
	}
	if j.Patch.Status == nil || !j.Patch.Status.Terminal() {
		return ErrInvalidJob
	}
	return nil
}

// JobStatus is the tracked state of a message's outbox entry. There is at
// most one per message; enqueueing again supersedes the pending payload.
type JobStatus struct {
	ID         string `redis:"id"`
	MessageID  string `redis:"messageId"`
	ThreadID   string `redis:"threadId"`
	Status     string `redis:"status"`
	Error      string `redis:"error"`
	Attempts   int    `redis:"attempts"`
	Seq        int64  `redis:"seq"`
	EnqueuedAt int64  `redis:"enqueuedAt"`
	UpdatedAt  int64  `redis:"updatedAt"`
}

// Job is what a handler receives: the tracked status plus its payload.
type Job struct {
	JobStatus
	Finalize FinalizeJob
}

type Handler func(context.Context, Job) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that no retry can fix. The entry fails
// immediately instead of backing off.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type OutboxConfig struct {
	// Client is reused when set; otherwise one is dialed from Addr.
	Client   redis.UniversalClient
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// StatusTTL is how long a finished entry's status stays readable.
	StatusTTL  time.Duration
	MaxRetries int
	// RetryDelay is the first backoff; each further attempt doubles it up
	// to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Block         time.Duration
	ClaimIdle     time.Duration
	MaxLen        int64
	ReadCount     int64
	Logger        *slog.Logger
}

// Outbox is a Redis-streams backed retry queue for finalize write-backs.
type Outbox struct {
	client        redis.UniversalClient
	stream        string
	group         string
	consumer      string
	statusTTL     time.Duration
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	block         time.Duration
	claimIdle     time.Duration
	maxLen        int64
	readCount     int64
	logger        *slog.Logger
	groupOnce     sync.Once
	now           func() time.Time
}

func NewOutbox(cfg OutboxConfig) (*Outbox, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	o := &Outbox{
		client:        client,
		stream:        orDefault(cfg.Stream, "chat:finalize"),
		group:         orDefault(cfg.Group, "finalizers"),
		consumer:      orDefault(cfg.Consumer, util.NewID()),
		statusTTL:     durationOr(cfg.StatusTTL, 24*time.Hour),
		retryDelay:    durationOr(cfg.RetryDelay, 2*time.Second),
		maxRetryDelay: durationOr(cfg.MaxRetryDelay, time.Minute),
		block:         durationOr(cfg.Block, 5*time.Second),
		claimIdle:     durationOr(cfg.ClaimIdle, 30*time.Second),
		maxRetries:    cfg.MaxRetries,
		maxLen:        cfg.MaxLen,
		readCount:     cfg.ReadCount,
		logger:        cfg.Logger,
		now:           time.Now,
	}
	if o.maxRetries <= 0 {
		o.maxRetries = 5
	}
	if o.maxLen <= 0 {
		o.maxLen = 10000
	}
	if o.readCount <= 0 {
		o.readCount = 10
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("queue", o.stream)
	return o, nil
}

// Enqueue records job as the pending write-back for its message. A pending
// entry for the same message is superseded and skipped when it comes up.
func (o *Outbox) Enqueue(ctx context.Context, job FinalizeJob) (JobStatus, error) {
	if err := job.validate(); err != nil {
		return JobStatus{}, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return JobStatus{}, fmt.Errorf("encode finalize job: %w", err)
	}
	key := o.statusKey(job.MessageID)
	seq, err := o.client.HIncrBy(ctx, key, "seq", 1).Result()
	if err != nil {
		return JobStatus{}, fmt.Errorf("outbox seq: %w", err)
	}
	now := o.now().UnixMilli()
	st := JobStatus{
		ID:         job.MessageID + ":" + strconv.FormatInt(seq, 10),
		MessageID:  job.MessageID,
		ThreadID:   job.ThreadID,
		Status:     StatusQueued,
		Seq:        seq,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	pipe := o.client.TxPipeline()
	pipe.HSet(ctx, key, "id", st.ID, "messageId", st.MessageID, "threadId", st.ThreadID,
		"status", st.Status, "error", "", "attempts", 0, "enqueuedAt", now, "updatedAt", now)
	pipe.Expire(ctx, key, o.statusTTL)
	pipe.XAdd(ctx, o.entry(job.MessageID, seq, string(payload)))
	if _, err := pipe.Exec(ctx); err != nil {
		return JobStatus{}, fmt.Errorf("outbox enqueue: %w", err)
	}
	return st, nil
}

// Status returns the outbox state of messageID's write-back.
func (o *Outbox) Status(ctx context.Context, messageID string) (JobStatus, bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return JobStatus{}, false, nil
	}
	res := o.client.HGetAll(ctx, o.statusKey(messageID))
	if err := res.Err(); err != nil {
		return JobStatus{}, false, err
	}
	if len(res.Val()) == 0 {
		return JobStatus{}, false, nil
	}
	var st JobStatus
	if err := res.Scan(&st); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode outbox status: %w", err)
	}
	return st, true, nil
}

// Start runs concurrency consumers until ctx is done.
func (o *Outbox) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	o.ensureGroup(ctx)
	for i := range concurrency {
		go o.consume(ctx, fmt.Sprintf("%s-%d", o.consumer, i), handler)
	}
}

// ensureGroup starts the group at the stream head so entries written before
// any consumer existed are still delivered.
func (o *Outbox) ensureGroup(ctx context.Context) {
	o.groupOnce.Do(func() {
		err := o.client.XGroupCreateMkStream(ctx, o.stream, o.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			o.logger.Warn("outbox group create failed", "err", err)
		}
	})
}

func (o *Outbox) consume(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		// Entries a crashed consumer left pending come first.
		claimed, _, err := o.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   o.stream,
			Group:    o.group,
			Consumer: consumer,
			MinIdle:  o.claimIdle,
			Start:    "0-0",
			Count:    o.readCount,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				o.process(ctx, msg, handler)
			}
		}

		streams, err := o.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    o.group,
			Consumer: consumer,
			Streams:  []string{o.stream, ">"},
			Count:    o.readCount,
			Block:    o.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				o.logger.Warn("outbox read failed", "consumer", consumer, "err", err)
				sleepCtx(ctx, o.retryDelay)
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				o.process(ctx, msg, handler)
			}
		}
	}
}

func (o *Outbox) process(ctx context.Context, msg redis.XMessage, handler Handler) {
	messageID, _ := msg.Values["message"].(string)
	payload, _ := msg.Values["payload"].(string)
	seq, _ := strconv.ParseInt(fmt.Sprint(msg.Values["seq"]), 10, 64)
	var job FinalizeJob
	if messageID == "" || json.Unmarshal([]byte(payload), &job) != nil || job.validate() != nil {
		o.logger.Warn("dropping malformed outbox entry", "entry_id", msg.ID)
		o.drop(ctx, msg.ID)
		return
	}

	st, err := o.begin(ctx, messageID, seq)
	switch {
	case errors.Is(err, errSuperseded):
		o.drop(ctx, msg.ID)
		return
	case err != nil:
		// Leave the entry pending; XAUTOCLAIM picks it up again.
		o.logger.Warn("outbox status update failed", "message_id", messageID, "err", err)
		return
	}

	logger := o.logger.With("job_id", st.ID, "message_id", messageID, "attempts", st.Attempts)
	err = handler(ctx, Job{JobStatus: st, Finalize: job})
	switch {
	case err == nil:
		_ = o.mark(ctx, messageID, seq, StatusDone, "")
		o.drop(ctx, msg.ID)
	case isPermanent(err) || st.Attempts >= o.maxRetries:
		logger.Error("finalize write-back gave up", "err", err)
		_ = o.mark(ctx, messageID, seq, StatusFailed, err.Error())
		o.drop(ctx, msg.ID)
	default:
		delay := o.backoff(st.Attempts)
		logger.Warn("finalize write-back retry", "err", err, "delay", delay)
		_ = o.mark(ctx, messageID, seq, StatusQueued, err.Error())
		if sleepCtx(ctx, delay) {
			_ = o.requeue(ctx, msg.ID, messageID, seq, payload)
		}
	}
}

var errSuperseded = errors.New("outbox entry superseded")

// begin bumps the attempt counter unless a newer entry for the message
// exists.
func (o *Outbox) begin(ctx context.Context, messageID string, seq int64) (JobStatus, error) {
	key := o.statusKey(messageID)
	current, err := o.client.HGet(ctx, key, "seq").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return JobStatus{}, err
	}
	if current > seq {
		return JobStatus{}, errSuperseded
	}
	pipe := o.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key, "status", StatusProcessing, "updatedAt", o.now().UnixMilli())
	pipe.Expire(ctx, key, o.statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobStatus{}, err
	}
	st, _, err := o.Status(ctx, messageID)
	return st, err
}

// mark records the entry's outcome unless a newer entry took over.
func (o *Outbox) mark(ctx context.Context, messageID string, seq int64, status, errMsg string) error {
	key := o.statusKey(messageID)
	current, err := o.client.HGet(ctx, key, "seq").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if current > seq {
		return nil
	}
	return o.client.HSet(ctx, key, "status", status, "error", errMsg, "updatedAt", o.now().UnixMilli()).Err()
}

func (o *Outbox) backoff(attempts int) time.Duration {
	delay := o.retryDelay
	for i := 1; i < attempts && delay < o.maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, o.maxRetryDelay)
}

func (o *Outbox) drop(ctx context.Context, entryID string) {
	pipe := o.client.TxPipeline()
	pipe.XAck(ctx, o.stream, o.group, entryID)
	pipe.XDel(ctx, o.stream, entryID)
	_, _ = pipe.Exec(ctx)
}

// requeue appends a fresh copy and retires the old entry in one
// transaction. On failure the old entry stays pending.
func (o *Outbox) requeue(ctx context.Context, entryID, messageID string, seq int64, payload string) error {
	pipe := o.client.TxPipeline()
	pipe.XAdd(ctx, o.entry(messageID, seq, payload))
	pipe.XAck(ctx, o.stream, o.group, entryID)
	pipe.XDel(ctx, o.stream, entryID)
	_, err := pipe.Exec(ctx)
	return err
}

func (o *Outbox) entry(messageID string, seq int64, payload string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: map[string]any{"message": messageID, "seq": seq, "payload": payload},
	}
}

func (o *Outbox) statusKey(messageID string) string {
	return o.stream + ":status:" + messageID
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
