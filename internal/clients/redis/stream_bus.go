package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/platform/envutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// Consumer names this process inside every consumer group it joins.
	Consumer  string
	MaxLen    int64
	BatchSize int64
	Block     time.Duration
	// MinIdle is how long a delivery may stay unacknowledged before another
	// consumer of the group reclaims it.
	MinIdle time.Duration
}

func LoadConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Addr:      envutil.String("REDIS_ADDR", ""),
		Password:  envutil.String("REDIS_PASSWORD", ""),
		DB:        envutil.Int("REDIS_DB", 0),
		Consumer:  envutil.String("REDIS_CONSUMER_NAME", fmt.Sprintf("%s-%d", host, os.Getpid())),
		MaxLen:    int64(envutil.Int("REDIS_STREAM_MAXLEN", 100000)),
		BatchSize: int64(envutil.Int("REDIS_READ_BATCH", 16)),
		Block:     envutil.Duration("REDIS_READ_BLOCK", 2*time.Second),
		MinIdle:   envutil.Duration("REDIS_CLAIM_MIN_IDLE", 30*time.Second),
	}
}

// StreamBus is an events.Bus over Redis Streams. Each topic is a stream and
// each subscriber group a consumer group, so delivery is at-least-once.
type StreamBus struct {
	log *logger.Logger
	rdb *goredis.Client
	cfg Config
}

var _ events.Bus = (*StreamBus)(nil)

func NewStreamBus(log *logger.Logger, cfg Config) (*StreamBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &StreamBus{log: log.With("component", "RedisStreamBus"), rdb: rdb, cfg: cfg}, nil
}

func (b *StreamBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis stream bus not initialized")
	}
	args := &goredis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"key": key, "payload": string(payload)},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return b.rdb.XAdd(ctx, args).Err()
}

func (b *StreamBus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis create group %s/%s: %w", topic, group, err)
	}
	return nil
}

// Consume reads topic as a member of group until ctx is done. Deliveries whose
// handler fails stay pending and are reclaimed once idle for cfg.MinIdle.
func (b *StreamBus) Consume(ctx context.Context, topic, group string, handler events.Handler) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis stream bus not initialized")
	}
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return err
	}
	log := b.log.With("topic", topic, "group", group)
	log.Info("consuming stream", "consumer", b.cfg.Consumer)

	lastReclaim := time.Time{}
	failures := 0
	bo := readBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if b.cfg.MinIdle > 0 && time.Since(lastReclaim) >= b.cfg.MinIdle {
			lastReclaim = time.Now()
			b.reclaim(ctx, log, topic, group, handler)
		}

		streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{topic, ">"},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			log.Warn("stream read failed", "attempt", failures, "error", err)
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				_ = b.ensureGroup(ctx, topic, group)
			}
			sleep(ctx, bo.NextBackOff())
			continue
		}
		if failures > 0 {
			failures = 0
			bo.Reset()
		}
		for _, s := range streams {
			for _, xm := range s.Messages {
				b.deliver(ctx, log, topic, group, xm, handler)
			}
		}
	}
}

func (b *StreamBus) reclaim(ctx context.Context, log *logger.Logger, topic, group string, handler events.Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.MinIdle,
			Start:    start,
			Count:    b.cfg.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("stream reclaim failed", "error", err)
			}
			return
		}
		for _, xm := range msgs {
			log.Info("redelivering idle message", "id", xm.ID)
			b.deliver(ctx, log, topic, group, xm, handler)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (b *StreamBus) deliver(ctx context.Context, log *logger.Logger, topic, group string, xm goredis.XMessage, handler events.Handler) {
	msg := events.Message{
		ID:      xm.ID,
		Topic:   topic,
		Key:     field(xm.Values, "key"),
		Payload: []byte(field(xm.Values, "payload")),
	}
	if err := handler(ctx, msg); err != nil {
		log.Warn("message handling failed; left pending", "id", xm.ID, "error", err)
		return
	}
	if err := b.rdb.XAck(ctx, topic, group, xm.ID).Err(); err != nil {
		log.Warn("ack failed", "id", xm.ID, "error", err)
	}
}

func field(values map[string]interface{}, k string) string {
	switch v := values[k].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// readBackOff paces XREADGROUP retries while Redis is unreachable.
func readBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.Multiplier = 2
	bo.Reset()
	return bo
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (b *StreamBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func (b *StreamBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
