package jobs

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

// RedisSchedulerConfig configures the Redis-backed scheduler. Stream carries
// ready jobs; the delay index is a sorted set keyed by due time that the
// poller drains into the stream.
type RedisSchedulerConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	DelayIndex   string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PollInterval time.Duration
	PoolSize     int
	MasterName   string
}

// NewRedisScheduler initialises a scheduler backed by Redis Streams. The
// caller is responsible for ensuring the Redis instance is reachable.
func NewRedisScheduler(cfg RedisSchedulerConfig) (*RedisScheduler, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "imagevault:jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "job-workers"
	}
	delayIndex := strings.TrimSpace(cfg.DelayIndex)
	if delayIndex == "" {
		delayIndex = stream + ":delayed"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	scheduler := &RedisScheduler{
		client:       client,
		stream:       stream,
		group:        group,
		delayIndex:   delayIndex,
		consumer:     randomConsumerID(),
		blockTimeout: cfg.BlockTimeout,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
	}
	if scheduler.logger == nil {
		scheduler.logger = slog.Default()
	}
	if scheduler.blockTimeout <= 0 {
		scheduler.blockTimeout = 2 * time.Second
	}
	if scheduler.pollInterval <= 0 {
		scheduler.pollInterval = time.Second
	}
	if err := scheduler.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return scheduler, nil
}

// RedisScheduler dispatches jobs through a Redis stream shared by every
// server replica. Delayed jobs wait in a sorted set until due.
type RedisScheduler struct {
	registry
	client       redis.UniversalClient
	stream       string
	group        string
	delayIndex   string
	consumer     string
	blockTimeout time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Register binds a handler to a job kind. Register before Start.
func (s *RedisScheduler) Register(kind string, fn HandlerFunc) {
	s.register(kind, fn)
}

func (s *RedisScheduler) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	_, err = s.client.Do(ctx, "XADD", s.stream, "*", "payload", string(payload)).Result()
	return err
}

func (s *RedisScheduler) EnqueueAfter(ctx context.Context, delay time.Duration, job Job) error {
	if delay <= 0 {
		return s.Enqueue(ctx, job)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	// A random prefix keeps identical payloads from collapsing into one
	// sorted-set member.
	member := randomConsumerID() + "|" + string(payload)
	_, err = s.client.Do(ctx, "ZADD", s.delayIndex, strconv.FormatInt(due, 10), member).Result()
	return err
}

// Start launches the consume loop and the delay-index poller.
func (s *RedisScheduler) Start() {
	if s == nil {
		return
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.consume(ctx)
	go s.pollDelayed(ctx)
}

// Shutdown stops the loops and closes the client.
func (s *RedisScheduler) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.runMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.client.Close()
}

func (s *RedisScheduler) ensureGroup(ctx context.Context) error {
	if s.groupReady.Load() {
		return nil
	}
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	if s.groupReady.Load() {
		return nil
	}
	_, err := s.client.Do(ctx, "XGROUP", "CREATE", s.stream, s.group, "$", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			s.groupReady.Store(true)
			return nil
		}
		return err
	}
	s.groupReady.Store(true)
	return nil
}

func (s *RedisScheduler) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("job stream group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		entries, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("job stream read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, entry := range entries {
			var job Job
			if err := json.Unmarshal(entry.Payload, &job); err != nil {
				s.logger.Error("job decode failed", "error", err)
				s.ack(ctx, entry.ID)
				continue
			}
			fn, ok := s.lookup(job.Kind)
			if !ok {
				s.logger.Error("job has no handler", "kind", job.Kind)
				s.ack(ctx, entry.ID)
				continue
			}
			if err := fn(ctx, job); err != nil {
				s.logger.Error("job failed", "kind", job.Kind, "error", err)
			}
			s.ack(ctx, entry.ID)
		}
	}
}

// pollDelayed moves due members from the delay index into the stream. ZREM
// before XADD keeps two replicas from double-publishing the same member.
func (s *RedisScheduler) pollDelayed(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		reply, err := s.client.Do(ctx, "ZRANGEBYSCORE", s.delayIndex, "-inf", now, "LIMIT", "0", "32").Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if !isNilReply(err) {
				s.logger.Warn("delay index read failed", "error", err)
			}
			continue
		}
		members, ok := reply.([]interface{})
		if !ok {
			continue
		}
		for _, raw := range members {
			member, ok := asString(raw)
			if !ok || member == "" {
				continue
			}
			removed, err := s.client.Do(ctx, "ZREM", s.delayIndex, member).Result()
			if err != nil {
				s.logger.Warn("delay index remove failed", "error", err)
				continue
			}
			if count, ok := removed.(int64); !ok || count == 0 {
				// Another replica claimed it first.
				continue
			}
			payload := member
			if idx := strings.Index(member, "|"); idx >= 0 {
				payload = member[idx+1:]
			}
			if _, err := s.client.Do(ctx, "XADD", s.stream, "*", "payload", payload).Result(); err != nil {
				s.logger.Warn("delayed job publish failed", "error", err)
			}
		}
	}
}

func (s *RedisScheduler) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if _, err := s.client.Do(ctx, "XACK", s.stream, s.group, id).Result(); err != nil {
		s.logger.Warn("job ack failed", "id", id, "error", err)
	}
}

type redisStreamEntry struct {
	ID      string
	Payload []byte
}

func (s *RedisScheduler) read(ctx context.Context) ([]redisStreamEntry, error) {
	blockMs := int(math.Max(float64(s.blockTimeout.Milliseconds()), 1))
	reply, err := s.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		s.group,
		s.consumer,
		"COUNT",
		"32",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		s.stream,
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
	var entries []redisStreamEntry
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
			entries = append(entries, redisStreamEntry{ID: id, Payload: payload})
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
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	return errors.Is(err, redis.Nil)
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}
