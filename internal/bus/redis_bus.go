package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
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

// RedisConfig configures the Redis Streams bus implementation.
type RedisConfig struct {
	Client       redis.UniversalClient
	Stream       string
	Group        string
	BlockTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// NewRedis initialises a bus backed by Redis Streams. Each subscription joins
// the consumer group under a random consumer name so replicas share the
// stream without double-delivering within a group.
func NewRedis(cfg RedisConfig) (Bus, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "video:status"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "status-consumers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	b := &redisBus{
		client:       cfg.Client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.blockTimeout <= 0 {
		b.blockTimeout = 2 * time.Second
	}
	if err := b.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

type redisBus struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (b *redisBus) Publish(ctx context.Context, event StatusEvent) error {
	if event.VideoID == "" {
		return errors.New("event video id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}
	_, err = b.client.Do(ctx, "XADD", b.stream, "*", "payload", string(payload)).Result()
	return err
}

func (b *redisBus) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.ensureGroup(ctx); err != nil {
		b.logger.Error("status bus group setup failed", "error", err)
	}
	sub := &redisSubscription{
		bus:      b,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan StatusEvent, b.buffer),
	}
	go sub.run(ctx)
	return sub
}

func (b *redisBus) ensureGroup(ctx context.Context) error {
	if b.groupReady.Load() {
		return nil
	}
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groupReady.Load() {
		return nil
	}
	_, err := b.client.Do(ctx, "XGROUP", "CREATE", b.stream, b.group, "$", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			b.groupReady.Store(true)
			return nil
		}
		return err
	}
	b.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	bus      *redisBus
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan StatusEvent
}

func (s *redisSubscription) Events() <-chan StatusEvent {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.ch)
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.bus.logger.Warn("status bus read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, entry := range entries {
			var event StatusEvent
			if err := json.Unmarshal(entry.payload, &event); err != nil {
				s.bus.logger.Error("status bus decode failed", "error", err)
				s.ack(ctx, entry.id)
				continue
			}
			select {
			case s.ch <- event:
				s.ack(ctx, entry.id)
			case <-ctx.Done():
				// Leave the entry pending so another consumer picks
				// it up.
				return
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if _, err := s.bus.client.Do(ctx, "XACK", s.bus.stream, s.bus.group, id).Result(); err != nil {
		s.bus.logger.Warn("status bus ack failed", "id", id, "error", err)
	}
}

type busEntry struct {
	id      string
	payload []byte
}

func (s *redisSubscription) read(ctx context.Context) ([]busEntry, error) {
	blockMs := int(math.Max(float64(s.bus.blockTimeout.Milliseconds()), 1))
	reply, err := s.bus.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		s.bus.group,
		s.consumer,
		"COUNT",
		"32",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		s.bus.stream,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, nil
	}
	var entries []busEntry
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
			payload := extractPayload(fields)
			if id == "" || len(payload) == 0 {
				continue
			}
			entries = append(entries, busEntry{id: id, payload: payload})
		}
	}
	return entries, nil
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
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
