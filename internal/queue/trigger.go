package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "imageforge:watermark:wake"

// Trigger is a coalescing wake-up signal for the processor. Any number of
// Wake calls between two drains collapse into one.
type Trigger struct {
	ch      chan struct{}
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

func NewTrigger(log *slog.Logger) *Trigger {
	return &Trigger{ch: make(chan struct{}, 1), log: log}
}

// WithRedis makes Wake also publish to channel so processors in other
// instances drain too. Listen must run to receive their wake-ups.
func (t *Trigger) WithRedis(rdb *redis.Client, channel string) *Trigger {
	if channel == "" {
		channel = DefaultChannel
	}
	t.rdb = rdb
	t.channel = channel
	return t
}

// NewRedisClient builds the client used for cross-instance wake-ups.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
}

// Wake never blocks.
func (t *Trigger) Wake() {
	t.poke()
	if t.rdb == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.rdb.Publish(ctx, t.channel, "wake").Err(); err != nil {
			t.log.Warn("publish queue wake-up", "channel", t.channel, "err", err)
		}
	}()
}

func (t *Trigger) poke() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C is signalled after Wake.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}

// Listen forwards wake-ups published by other instances until ctx ends.
// Without Redis it just waits for ctx.
func (t *Trigger) Listen(ctx context.Context) error {
	if t.rdb == nil {
		<-ctx.Done()
		return nil
	}
	sub := t.rdb.Subscribe(ctx, t.channel)
	defer sub.Close()

	msgs := sub.Channel()
	t.log.Info("listening for queue wake-ups", "channel", t.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			t.poke()
		}
	}
}
