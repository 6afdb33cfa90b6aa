// Package wakeup publishes a hint on Redis whenever a run is queued so idle
// workers can claim before their next poll. Claims stay the only source of
// truth; a lost message only costs one poll interval.
package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/env"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "runqueue:queued"

type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Enabled reports whether a Redis address was configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("RUNQUEUE_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:     env.String("RUNQUEUE_REDIS_ADDR", ""),
		Password: env.String("RUNQUEUE_REDIS_PASSWORD", ""),
		DB:       db,
		Channel:  env.String("RUNQUEUE_REDIS_CHANNEL", DefaultChannel),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DB < 0 {
		return errors.New("RUNQUEUE_REDIS_DB must be >= 0")
	}
	if c.Enabled() && strings.TrimSpace(c.Channel) == "" {
		return errors.New("RUNQUEUE_REDIS_CHANNEL is required")
	}
	return nil
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	if client == nil {
		return nil
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Notify announces that a run with the given mode became claimable.
func (p *Publisher) Notify(ctx context.Context, mode domain.ScheduleMode) error {
	if err := p.client.Publish(ctx, p.channel, string(mode)).Err(); err != nil {
		return fmt.Errorf("publish wakeup: %w", err)
	}
	return nil
}

type Subscriber struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewSubscriber(client *redis.Client, channel string, logger *slog.Logger) *Subscriber {
	if client == nil {
		return nil
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &Subscriber{client: client, channel: channel, logger: logger}
}

// Listen returns a channel that receives a signal for every queued run whose
// mode is in modes (all modes when empty). Signals coalesce; the channel
// closes when ctx is done.
func (s *Subscriber) Listen(ctx context.Context, modes []domain.ScheduleMode) (<-chan struct{}, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe wakeup: %w", err)
	}

	wanted := make(map[domain.ScheduleMode]struct{}, len(modes))
	for _, m := range modes {
		wanted[m] = struct{}{}
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				mode, err := domain.ParseScheduleMode(msg.Payload)
				if err != nil {
					if s.logger != nil {
						s.logger.Warn("ignoring wakeup", "payload", msg.Payload, "error", err)
					}
					continue
				}
				if len(wanted) > 0 {
					if _, ok := wanted[mode]; !ok {
						continue
					}
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
