package queue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"github.com/jDay-whyT/converterBot-backend/internal/config"
	"github.com/jDay-whyT/converterBot-backend/internal/entities"
	"github.com/jDay-whyT/converterBot-backend/internal/faults"
)

// Processor handles one delivered job. A nil return acks the message.
// A permanent fault acks too: the processor has recorded the failure and a
// retry cannot succeed. Transient faults requeue with backoff until the
// attempt budget runs out, then Exhausted is called and the message is
// routed to the dead stream.
type Processor interface {
	Process(ctx context.Context, job entities.Job, attempt int) error
	Exhausted(ctx context.Context, job entities.Job, err error)
}

// streams is the slice of the Redis client the worker actually uses.
// redis.UniversalClient satisfies it; tests substitute an in-memory fake.
type streams interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
}

type Worker struct {
	rc   streams
	cfg  config.QueueConfig
	proc Processor
}

// Init wires a producer and a background worker over the same stream.
func Init(ctx context.Context, rc redis.UniversalClient, cfg config.QueueConfig, proc Processor) *Producer {
	producer := NewProducer(rc, cfg.Stream, cfg.MaxLen)
	worker := NewWorker(rc, cfg, proc)

	go func() {
		if err := worker.Start(ctx); err != nil {
			log.Printf("[queue-worker] stopped: %v", err)
		}
	}()

	return producer
}

func NewWorker(rc streams, cfg config.QueueConfig, proc Processor) *Worker {
	return &Worker{rc: rc, cfg: cfg, proc: proc}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if we create a group before any
	// messages exist in the stream.
	err := w.rc.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	log.Printf("[queue-worker] starting consumer group=%s stream=%s consumer=%s",
		w.cfg.Group, w.cfg.Stream, w.cfg.Consumer,
	)

	// Adopt orphaned pending messages left by a crashed instance.
	w.autoClaim(ctx)

	go w.claimLoop(ctx)
	go w.retryPump(ctx)

	// One job at a time per instance: a single conversion is memory-heavy,
	// throughput comes from running more instances.
	return w.loop(ctx)
}

// claimLoop periodically reclaims messages whose consumer never acked.
// This is the queue's ack deadline: exceed it and the message is
// redelivered to this instance.
func (w *Worker) claimLoop(ctx context.Context) {
	every := w.cfg.ClaimEvery * time.Second
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.autoClaim(ctx)
		}
	}
}

// autoClaim scans the consumer group for messages that were delivered to
// some consumer but never acknowledged, and takes ownership so they get
// processed again. Happens after a crash or a kill between delivery and XACK.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"

	// A message must sit idle for a while before we steal it, or we would
	// reclaim jobs a slow worker is still converting.
	minIdle := 30 * time.Second
	if w.cfg.BlockTimeout > 0 {
		t := w.cfg.BlockTimeout * time.Second * 6
		if t > minIdle {
			minIdle = t
		}
	}

	for {
		msgs, start, err := w.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			w.handle(ctx, m)
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		// XREADGROUP marks returned messages pending for this consumer; they
		// stay in the group's PEL until XACK. If we crash before acking,
		// autoClaim picks them up again later.
		streams, err := w.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout * time.Second,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) {
	msg, err := decodeMessage(m.ID, m.Values)
	if err != nil {
		// Malformed payloads can never succeed; drop them to the dead stream.
		sentry.CaptureException(err)
		log.Printf("[queue-worker] dropping malformed message %s: %v", m.ID, err)
		w.deadLetter(ctx, m.Values, err)
		w.ack(ctx, m.ID)
		return
	}

	procErr := w.proc.Process(ctx, msg.Job, msg.Attempt)
	if procErr == nil || !faults.IsTransient(procErr) {
		// Success, or a failure that retrying cannot fix. The processor has
		// already recorded the terminal outcome either way.
		w.ack(ctx, m.ID)
		return
	}

	if msg.Attempt+1 >= w.cfg.MaxAttempts {
		sentry.CaptureException(procErr)
		log.Printf("[queue-worker] job %s exhausted after %d attempts: %v",
			msg.Job.ID, msg.Attempt+1, procErr)
		w.deadLetter(ctx, m.Values, procErr)
		w.proc.Exhausted(ctx, msg.Job, procErr)
		w.ack(ctx, m.ID)
		return
	}

	delay := backoffDelay(w.cfg.BackoffMin*time.Second, w.cfg.BackoffMax*time.Second, msg.Attempt)
	log.Printf("[queue-worker] job %s attempt %d failed, retry in %s: %v",
		msg.Job.ID, msg.Attempt+1, delay, procErr)
	if err := w.scheduleRetry(ctx, m.Values, msg.Attempt+1, time.Now().Add(delay)); err != nil {
		// Leave the message unacked so autoClaim redelivers it later instead
		// of losing the retry.
		log.Printf("[queue-worker] schedule retry for %s failed: %v", msg.Job.ID, err)
		return
	}
	w.ack(ctx, m.ID)
}

// scheduleRetry parks the message in the retry stream until notBefore. The
// retry lives in Redis, so a crash during the wait does not drop it.
func (w *Worker) scheduleRetry(ctx context.Context, values map[string]any, attempt int, notBefore time.Time) error {
	return w.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: retryStream(w.cfg.Stream),
		Values: map[string]any{
			"payload":    values["payload"],
			"attempt":    attempt,
			"not_before": notBefore.Unix(),
		},
	}).Err()
}

// retryPump moves due messages from the retry stream back onto the main
// stream. Two instances pumping the same entry produce a duplicate
// delivery, which the processor's dedup store absorbs.
func (w *Worker) retryPump(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.pumpDue(ctx)
		}
	}
}

func (w *Worker) pumpDue(ctx context.Context) {
	entries, err := w.rc.XRangeN(ctx, retryStream(w.cfg.Stream), "-", "+", 64).Result()
	if err != nil {
		return
	}
	now := time.Now().Unix()
	for _, e := range entries {
		if toInt64(e.Values["not_before"]) > now {
			continue
		}
		err := w.rc.XAdd(ctx, &redis.XAddArgs{
			Stream: w.cfg.Stream,
			MaxLen: w.cfg.MaxLen,
			Approx: true,
			Values: map[string]any{
				"payload": e.Values["payload"],
				"attempt": e.Values["attempt"],
			},
		}).Err()
		if err != nil {
			continue
		}
		w.rc.XDel(ctx, retryStream(w.cfg.Stream), e.ID)
	}
}

func (w *Worker) deadLetter(ctx context.Context, values map[string]any, cause error) {
	err := w.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: deadStream(w.cfg.Stream),
		Values: map[string]any{
			"payload": values["payload"],
			"attempt": values["attempt"],
			"error":   cause.Error(),
			"failed":  strconv.FormatInt(time.Now().Unix(), 10),
		},
	}).Err()
	if err != nil {
		sentry.CaptureException(err)
		log.Printf("[queue-worker] dead-letter write failed: %v", err)
	}
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.rc.XAck(ctx, w.cfg.Stream, w.cfg.Group, id).Err(); err != nil {
		log.Printf("[queue-worker] ack %s failed: %v", id, err)
	}
}
