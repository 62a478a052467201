package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/daget/src/data/datatest"
	"github.com/stake-plus/daget/src/logging"
	"github.com/stake-plus/daget/src/types"
)

func newStore(t *testing.T) (*Store, func(time.Duration)) {
	t.Helper()
	rdb, _ := datatest.NewRedis(t)
	s := NewStore(datatest.NewDB(t), rdb, time.Hour, time.Minute, logging.Discard())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, func(d time.Duration) { now = now.Add(d) }
}

var scope = Scope{Key: "k-1", Identity: "user-1", Endpoint: "reserve"}

func TestFingerprintStable(t *testing.T) {
	a, err := Fingerprint(map[string]string{"slug": "x", "address": "y"})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]string{"address": "y", "slug": "x"})
	require.NoError(t, err)
	c, err := Fingerprint(map[string]string{"slug": "x", "address": "z"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestBeginSaveReplay(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	rec, release, err := s.Begin(ctx, scope, "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, s.Save(ctx, scope, "fp", Record{StatusCode: 201, Body: []byte(`{"claim_id":"c1"}`)}))
	release()

	rec, release, err = s.Begin(ctx, scope, "fp")
	require.NoError(t, err)
	release()
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.StatusCode)
	assert.JSONEq(t, `{"claim_id":"c1"}`, string(rec.Body))

	_, _, err = s.Begin(ctx, scope, "other")
	assert.ErrorIs(t, err, ErrKeyReused)

	other := scope
	other.Identity = "user-2"
	rec, release, err = s.Begin(ctx, other, "other")
	require.NoError(t, err)
	release()
	assert.Nil(t, rec)
}

func TestBeginInFlight(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, release, err := s.Begin(ctx, scope, "fp")
	require.NoError(t, err)

	_, _, err = s.Begin(ctx, scope, "fp")
	assert.ErrorIs(t, err, ErrInFlight)

	release()
	_, release, err = s.Begin(ctx, scope, "fp")
	require.NoError(t, err)
	release()
}

func TestBeginRequiresKey(t *testing.T) {
	s, _ := newStore(t)
	_, _, err := s.Begin(context.Background(), Scope{Identity: "u", Endpoint: "reserve"}, "fp")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestExpiredRecordIsReplaced(t *testing.T) {
	s, advance := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, scope, "fp", Record{StatusCode: 201, Body: []byte(`{}`)}))
	advance(2 * time.Hour)

	rec, release, err := s.Begin(ctx, scope, "new-fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, s.Save(ctx, scope, "new-fp", Record{StatusCode: 409, Body: []byte(`{"reason":"ALREADY_CLAIMED"}`)}))
	release()

	var count int64
	require.NoError(t, s.db.Model(&types.IdempotencyKey{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	rec, release, err = s.Begin(ctx, scope, "new-fp")
	require.NoError(t, err)
	release()
	assert.Equal(t, 409, rec.StatusCode)
}

func TestPurge(t *testing.T) {
	s, advance := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, scope, "fp", Record{StatusCode: 201, Body: []byte(`{}`)}))

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	advance(time.Hour)
	n, err = s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStoreWithoutRedis(t *testing.T) {
	s := NewStore(datatest.NewDB(t), nil, 0, 0, nil)
	rec, release, err := s.Begin(context.Background(), scope, "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
	release()
}

func TestJanitorPurgesOnTick(t *testing.T) {
	s, advance := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, scope, "fp", Record{StatusCode: 201, Body: []byte(`{}`)}))
	advance(2 * time.Hour)

	j := NewJanitor(s, 10*time.Millisecond, logging.Discard())
	require.NoError(t, j.Start(ctx))
	defer j.Stop(ctx)

	require.Eventually(t, func() bool {
		var n int64
		err := s.db.Model(&types.IdempotencyKey{}).Count(&n).Error
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}
