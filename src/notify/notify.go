// Package notify delivers settlement outcomes to claimants and campaign creators.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Stream is the redis stream consumers read claim events from.
const Stream = "daget.notifications"

type Event string

const (
	ClaimConfirmed Event = "claim_confirmed"
	ClaimFailed    Event = "claim_failed"
)

// Payload describes the claim an event is about. Amount is already rendered in whole
// token units.
type Payload struct {
	ClaimID   string
	Campaign  string
	Amount    string
	Token     string
	Signature string
	Reason    string
}

type Sink interface {
	Notify(ctx context.Context, recipient string, event Event, p Payload) error
}

// FormatAmount renders base units as a decimal string with the token's precision.
func FormatAmount(amount int64, decimals int32) string {
	return decimal.New(amount, -decimals).StringFixed(decimals)
}

// RedisStream appends every event to Stream.
type RedisStream struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStream(rdb redis.Cmdable) *RedisStream {
	return &RedisStream{rdb: rdb, stream: Stream, maxLen: 100000}
}

func (s *RedisStream) Notify(ctx context.Context, recipient string, event Event, p Payload) error {
	_, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"recipient": recipient,
			"event":     string(event),
			"claim_id":  p.ClaimID,
			"campaign":  p.Campaign,
			"amount":    p.Amount,
			"token":     p.Token,
			"signature": p.Signature,
			"reason":    p.Reason,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("notify: xadd %s: %w", s.stream, err)
	}
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, recipient string, event Event, p Payload) error {
	var errs []error
	for i, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, recipient, event, p); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, string, Event, Payload) error { return nil }
