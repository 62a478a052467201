package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/daget/src/data/datatest"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, _ string, event Event, _ Payload) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1.2345678901", FormatAmount(12345678901, 10))
	assert.Equal(t, "0.000001", FormatAmount(1, 6))
	assert.Equal(t, "42", FormatAmount(42, 0))
	assert.Equal(t, "100.00", FormatAmount(10000, 2))
}

func TestRedisStreamAppends(t *testing.T) {
	rdb, _ := datatest.NewRedis(t)
	s := NewRedisStream(rdb)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, "user-1", ClaimConfirmed, Payload{
		ClaimID: "c1", Campaign: "spring", Amount: "1.5", Token: "native", Signature: "0xabc",
	}))

	msgs, err := rdb.XRange(ctx, Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user-1", msgs[0].Values["recipient"])
	assert.Equal(t, "claim_confirmed", msgs[0].Values["event"])
	assert.Equal(t, "0xabc", msgs[0].Values["signature"])
	assert.Equal(t, "1.5", msgs[0].Values["amount"])
}

func TestRedisStreamError(t *testing.T) {
	rdb, mr := datatest.NewRedis(t)
	mr.Close()
	err := NewRedisStream(rdb).Notify(context.Background(), "u", ClaimFailed, Payload{})
	assert.Error(t, err)
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("dm closed")}
	m := Multi{bad, nil, ok}

	err := m.Notify(context.Background(), "u", ClaimFailed, Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dm closed")
	assert.Equal(t, []Event{ClaimFailed}, ok.events)
	assert.Equal(t, []Event{ClaimFailed}, bad.events)

	assert.NoError(t, Multi{ok}.Notify(context.Background(), "u", ClaimConfirmed, Payload{}))
	assert.NoError(t, Discard{}.Notify(context.Background(), "u", ClaimConfirmed, Payload{}))
}
