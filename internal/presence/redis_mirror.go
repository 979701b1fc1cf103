package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures a RedisMirror.
type RedisConfig struct {
	Address   string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"redis_password"`
	DB        int           `mapstructure:"redis_db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	QueueSize int           `mapstructure:"queue_size"`
}

type eventKind int

const (
	eventStarted eventKind = iota + 1
	eventEnded
)

type event struct {
	kind eventKind
	info Info
}

// RedisMirror keeps a Redis hash <prefix>:sessions of session id to Info.
// Events are queued and applied by a background worker; the hash TTL is
// refreshed on every heartbeat so a crashed relay's entries expire.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger

	events  chan event
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	once    sync.Once
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: connect to redis %s: %w", cfg.Address, err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chat:presence"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &RedisMirror{
		client: client,
		key:    cfg.KeyPrefix + ":sessions",
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "presence").Logger(),
		events: make(chan event, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Key returns the Redis hash holding the sessions.
func (m *RedisMirror) Key() string {
	return m.key
}

// SessionStarted queues an insert. A full queue drops the event.
func (m *RedisMirror) SessionStarted(info Info) {
	m.enqueue(event{eventStarted, info})
}

// SessionEnded queues a removal. A full queue drops the event.
func (m *RedisMirror) SessionEnded(info Info) {
	m.enqueue(event{eventEnded, info})
}

func (m *RedisMirror) enqueue(ev event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().Str("session_id", ev.info.ID).Msg("presence queue full; dropping event")
	}
}

// Run applies queued events and refreshes the key TTL until ctx is cancelled
// or Close is called. It returns nil on orderly stop.
func (m *RedisMirror) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("presence: mirror already running")
	}
	defer close(m.done)

	heartbeat := time.NewTicker(m.ttl / 3)
	defer heartbeat.Stop()

	m.logger.Info().Str("key", m.key).Dur("ttl", m.ttl).Msg("presence mirror started")

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return nil
		case <-m.stop:
			m.drain()
			return nil
		case ev := <-m.events:
			m.apply(ctx, ev)
		case <-heartbeat.C:
			if err := m.client.Expire(ctx, m.key, m.ttl).Err(); err != nil {
				m.logger.Error().Err(err).Msg("failed to refresh presence ttl")
			}
		}
	}
}

func (m *RedisMirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-m.events:
			m.apply(ctx, ev)
		default:
			return
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, ev event) {
	var err error
	switch ev.kind {
	case eventStarted:
		var payload []byte
		payload, err = json.Marshal(ev.info)
		if err == nil {
			pipe := m.client.TxPipeline()
			pipe.HSet(ctx, m.key, ev.info.ID, payload)
			pipe.Expire(ctx, m.key, m.ttl)
			_, err = pipe.Exec(ctx)
		}
	case eventEnded:
		err = m.client.HDel(ctx, m.key, ev.info.ID).Err()
	}
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", ev.info.ID).Msg("failed to mirror presence event")
	}
}

// Sessions reads back the mirrored sessions.
func (m *RedisMirror) Sessions(ctx context.Context) (map[string]Info, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: read sessions: %w", err)
	}
	out := make(map[string]Info, len(raw))
	for id, payload := range raw {
		var info Info
		if err := json.Unmarshal([]byte(payload), &info); err != nil {
			return nil, fmt.Errorf("presence: decode session %s: %w", id, err)
		}
		out[id] = info
	}
	return out, nil
}

// Close stops the worker, removes this relay's hash and closes the client.
func (m *RedisMirror) Close() error {
	var err error
	m.once.Do(func() {
		close(m.stop)
		if m.running.Load() {
			<-m.done
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if delErr := m.client.Del(ctx, m.key).Err(); delErr != nil {
			m.logger.Warn().Err(delErr).Msg("failed to remove presence key")
		}
		err = m.client.Close()
	})
	return err
}
