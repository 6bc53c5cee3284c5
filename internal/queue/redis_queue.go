package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams queue implementation.
type RedisConfig struct {
	Client       redis.UniversalClient
	Stream       string
	Group        string
	MaxAttempts  int
	BackoffBase  time.Duration
	BlockTimeout time.Duration
	Logger       *slog.Logger
}

// Redis carries jobs on a Redis stream with a consumer group. Failed attempts
// park in a sorted set scored by their retry deadline; exhausted jobs land on
// the dead-letter stream.
type Redis struct {
	client       redis.UniversalClient
	stream       string
	retryKey     string
	deadStream   string
	group        string
	consumer     string
	maxAttempts  int
	backoffBase  time.Duration
	blockTimeout time.Duration
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// NewRedis initialises the queue. The caller owns the Redis client lifecycle.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "video-processing"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	q := &Redis{
		client:       cfg.Client,
		stream:       stream,
		retryKey:     stream + ":retry",
		deadStream:   stream + ":dead",
		group:        group,
		consumer:     randomConsumerID(),
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.backoffBase <= 0 {
		q.backoffBase = 5 * time.Second
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 2 * time.Second
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.VideoID) == "" {
		return fmt.Errorf("job video id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	_, err = q.client.Do(ctx, "XADD", q.stream, "*", "payload", string(payload), "attempt", "1").Result()
	return err
}

func (q *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := q.ensureGroup(ctx); err != nil {
			return nil, err
		}
		if err := q.promoteRetries(ctx); err != nil {
			q.logger.Warn("queue retry promotion failed", "error", err)
		}
		entry, err := q.read(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(entry.payload, &job); err != nil {
			q.logger.Error("queue payload decode failed", "id", entry.id, "error", err)
			q.ackEntry(ctx, entry.id)
			continue
		}
		return q.delivery(job, entry), nil
	}
}

func (q *Redis) delivery(job Job, entry *streamEntry) *Delivery {
	return &Delivery{
		Job:     job,
		Attempt: entry.attempt,
		ack: func(ctx context.Context) error {
			return q.ackEntry(ctx, entry.id)
		},
		nack: func(ctx context.Context, reason string) error {
			if err := q.ackEntry(ctx, entry.id); err != nil {
				return err
			}
			if entry.attempt >= q.maxAttempts {
				return q.deadLetter(ctx, entry.payload, entry.attempt, reason)
			}
			return q.scheduleRetry(ctx, entry.payload, entry.attempt+1)
		},
	}
}

func (q *Redis) Close() error { return nil }

type retryEnvelope struct {
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
	Nonce   string          `json:"nonce"`
}

func (q *Redis) scheduleRetry(ctx context.Context, payload []byte, attempt int) error {
	delay := q.backoffBase << (attempt - 2)
	envelope, err := json.Marshal(retryEnvelope{
		Payload: payload,
		Attempt: attempt,
		Nonce:   randomConsumerID(),
	})
	if err != nil {
		return fmt.Errorf("marshal retry envelope: %w", err)
	}
	score := time.Now().Add(delay).UnixMilli()
	_, err = q.client.Do(ctx, "ZADD", q.retryKey, strconv.FormatInt(score, 10), string(envelope)).Result()
	return err
}

func (q *Redis) deadLetter(ctx context.Context, payload []byte, attempts int, reason string) error {
	_, err := q.client.Do(ctx, "XADD", q.deadStream, "*",
		"payload", string(payload),
		"attempts", strconv.Itoa(attempts),
		"reason", reason,
	).Result()
	return err
}

// promoteRetries moves due entries from the retry set back onto the stream.
func (q *Redis) promoteRetries(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	reply, err := q.client.Do(ctx, "ZRANGEBYSCORE", q.retryKey, "-inf", now, "LIMIT", "0", "32").Result()
	if err != nil {
		if isNilReply(err) {
			return nil
		}
		return err
	}
	members, ok := reply.([]interface{})
	if !ok {
		return nil
	}
	for _, member := range members {
		raw, ok := asString(member)
		if !ok || raw == "" {
			continue
		}
		// Claim the member before re-adding so concurrent consumers
		// promote each retry once.
		removed, err := q.client.Do(ctx, "ZREM", q.retryKey, raw).Result()
		if err != nil {
			return err
		}
		if count, ok := removed.(int64); ok && count == 0 {
			continue
		}
		var envelope retryEnvelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			q.logger.Error("queue retry envelope decode failed", "error", err)
			continue
		}
		_, err = q.client.Do(ctx, "XADD", q.stream, "*",
			"payload", string(envelope.Payload),
			"attempt", strconv.Itoa(envelope.Attempt),
		).Result()
		if err != nil {
			return err
		}
	}
	return nil
}

type streamEntry struct {
	id      string
	payload []byte
	attempt int
}

func (q *Redis) read(ctx context.Context) (*streamEntry, error) {
	blockMs := int(math.Max(float64(q.blockTimeout.Milliseconds()), 1))
	reply, err := q.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		q.group,
		q.consumer,
		"COUNT",
		"1",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		q.stream,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := parseStreamReply(reply)
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (q *Redis) ackEntry(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := q.client.Do(ctx, "XACK", q.stream, q.group, id).Result()
	return err
}

func (q *Redis) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	_, err := q.client.Do(ctx, "XGROUP", "CREATE", q.stream, q.group, "$", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			q.groupReady.Store(true)
			return nil
		}
		return err
	}
	q.groupReady.Store(true)
	return nil
}

func parseStreamReply(reply interface{}) []streamEntry {
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil
	}
	var entries []streamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		for _, record := range records {
			tuple, ok := record.([]interface{})
			if !ok || len(tuple) != 2 {
				continue
			}
			id, _ := asString(tuple[0])
			fields, _ := tuple[1].([]interface{})
			entry := streamEntry{id: id, attempt: 1}
			for i := 0; i+1 < len(fields); i += 2 {
				key, _ := asString(fields[i])
				value, _ := asString(fields[i+1])
				switch strings.ToLower(key) {
				case "payload":
					entry.payload = []byte(value)
				case "attempt":
					if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
						entry.attempt = parsed
					}
				}
			}
			if entry.id == "" || len(entry.payload) == 0 {
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

var (
	_ Producer = (*Redis)(nil)
	_ Consumer = (*Redis)(nil)
)
