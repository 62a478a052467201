package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/stake-plus/daget/src/data/datatest"
	"github.com/stake-plus/daget/src/distribution"
	"github.com/stake-plus/daget/src/idempotency"
	"github.com/stake-plus/daget/src/logging"
	"github.com/stake-plus/daget/src/types"
)

type scalar int64

func (s scalar) Scalar() (int64, error) { return int64(s), nil }

type oracleFunc func(claimant string) (bool, error)

func (f oracleFunc) IsEligible(_ context.Context, claimant string, _ types.Campaign) (bool, error) {
	return f(claimant)
}

func seedCampaign(t *testing.T, db *gorm.DB, mutate func(*types.Campaign)) types.Campaign {
	t.Helper()
	c := types.Campaign{
		ID:           uuid.NewString(),
		Slug:         "drop-" + uuid.NewString()[:8],
		CreatorID:    "creator",
		WalletID:     "wallet",
		Token:        "native",
		TotalAmount:  1000,
		TotalWinners: 5,
		Mode:         types.ModeFixed,
		Status:       types.CampaignActive,
	}
	if mutate != nil {
		mutate(&c)
	}
	require.NoError(t, db.Create(&c).Error)
	return c
}

func reload(t *testing.T, db *gorm.DB, id string) types.Campaign {
	t.Helper()
	var c types.Campaign
	require.NoError(t, db.First(&c, "id = ?", id).Error)
	return c
}

func newManager(db *gorm.DB, opts ...Option) *Manager {
	return NewManager(db, append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func requireReason(t *testing.T, err error, want Reason) *RejectError {
	t.Helper()
	re, ok := AsReject(err)
	require.True(t, ok, "expected rejection %s, got %v", want, err)
	assert.Equal(t, want, re.Reason)
	return re
}

func TestReserveFixedUntilClosed(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, func(c *types.Campaign) { c.TotalAmount = 1003 })
	m := newManager(db)
	ctx := context.Background()

	var total int64
	for i := 0; i < 5; i++ {
		res, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: fmt.Sprintf("u%d", i), Address: fmt.Sprintf("addr%d", i)})
		require.NoError(t, err)
		assert.Equal(t, types.ClaimCreated, res.Status)
		total += res.Amount
	}
	assert.Equal(t, int64(1003), total)

	got := reload(t, db, c.ID)
	assert.Equal(t, 5, got.ClaimedCount)
	assert.Equal(t, types.CampaignClosed, got.Status)

	_, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "late", Address: "late-addr"})
	requireReason(t, err, ReasonCampaignNotActive)
}

func TestReserveConcurrentNeverOverAllocates(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, nil)
	m := newManager(db)

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Reserve(context.Background(), Request{Slug: c.Slug, ClaimantID: fmt.Sprintf("u%d", i), Address: fmt.Sprintf("a%d", i)})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
				return
			}
			re, ok := AsReject(err)
			if assert.True(t, ok, "unexpected error %v", err) {
				assert.Contains(t, []Reason{ReasonFullyClaimed, ReasonCampaignNotActive}, re.Reason)
			}
			rejected++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, created)
	assert.Equal(t, n-5, rejected)

	var claims []types.Claim
	require.NoError(t, db.Where("campaign_id = ?", c.ID).Find(&claims).Error)
	assert.Len(t, claims, 5)
	var sum int64
	for _, cl := range claims {
		sum += cl.Amount
	}
	assert.Equal(t, c.TotalAmount, sum)
	assert.Equal(t, 5, reload(t, db, c.ID).ClaimedCount)
}

func TestReserveSameClaimantConcurrently(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, nil)
	m := newManager(db)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
		dup []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Reserve(context.Background(), Request{Slug: c.Slug, ClaimantID: "same", Address: fmt.Sprintf("a%d", i)})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ids = append(ids, res.ClaimID)
				return
			}
			re, ok := AsReject(err)
			if !assert.True(t, ok, "unexpected error %v", err) {
				return
			}
			assert.Equal(t, ReasonAlreadyClaimed, re.Reason)
			dup = append(dup, re.ClaimID)
		}(i)
	}
	wg.Wait()

	require.Len(t, ids, 1)
	assert.Len(t, dup, 7)
	for _, id := range dup {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, reload(t, db, c.ID).ClaimedCount)
}

func TestReserveAddressAlreadyUsed(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, nil)
	m := newManager(db)
	ctx := context.Background()

	_, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "u1", Address: "shared"})
	require.NoError(t, err)
	_, err = m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "u2", Address: "shared"})
	requireReason(t, err, ReasonAddressAlreadyUsed)

	// same address in another campaign is fine
	other := seedCampaign(t, db, nil)
	_, err = m.Reserve(ctx, Request{Slug: other.Slug, ClaimantID: "u2", Address: "shared"})
	require.NoError(t, err)
}

func TestReserveInactiveOrMissing(t *testing.T) {
	db := datatest.NewDB(t)
	stopped := seedCampaign(t, db, func(c *types.Campaign) { c.Status = types.CampaignStopped })
	m := newManager(db)
	ctx := context.Background()

	_, err := m.Reserve(ctx, Request{Slug: stopped.Slug, ClaimantID: "u", Address: "a"})
	requireReason(t, err, ReasonCampaignNotActive)

	_, err = m.Reserve(ctx, Request{Slug: "nope", ClaimantID: "u", Address: "a"})
	requireReason(t, err, ReasonCampaignNotActive)

	_, err = m.Reserve(ctx, Request{Slug: stopped.Slug, ClaimantID: " ", Address: "a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReserveFullyClaimedWhileActive(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, func(c *types.Campaign) { c.ClaimedCount = 5 })
	_, err := newManager(db).Reserve(context.Background(), Request{Slug: c.Slug, ClaimantID: "u", Address: "a"})
	requireReason(t, err, ReasonFullyClaimed)
}

func TestReserveEligibility(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, nil)
	rdb, _ := datatest.NewRedis(t)
	store := idempotency.NewStore(db, rdb, 0, 0, logging.Discard())
	oracleDown := errors.New("discord unavailable")
	calls := 0
	m := newManager(db, WithIdempotency(store), WithEligibility(oracleFunc(func(claimant string) (bool, error) {
		calls++
		switch claimant {
		case "outsider":
			return false, nil
		case "flaky":
			if calls < 3 {
				return false, oracleDown
			}
		}
		return true, nil
	})))
	ctx := context.Background()

	_, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "outsider", Address: "a1", IdempotencyKey: "k1"})
	requireReason(t, err, ReasonNotEligible)

	_, err = m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "flaky", Address: "a2", IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, oracleDown)

	// oracle errors are not stored, so the same key runs again
	res, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "flaky", Address: "a2", IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, reload(t, db, c.ID).ClaimedCount)
}

func TestReserveIdempotentReplay(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, nil)
	rdb, _ := datatest.NewRedis(t)
	m := newManager(db, WithIdempotency(idempotency.NewStore(db, rdb, 0, 0, logging.Discard())))
	ctx := context.Background()
	req := Request{Slug: c.Slug, ClaimantID: "u1", Address: "a1", IdempotencyKey: "key-1"}

	first, err := m.Reserve(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := m.Reserve(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ClaimID, again.ClaimID)
	assert.Equal(t, first.Amount, again.Amount)
	assert.Equal(t, 1, reload(t, db, c.ID).ClaimedCount)

	changed := req
	changed.Address = "a2"
	_, err = m.Reserve(ctx, changed)
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)

	// a rejection is replayed as the same rejection
	dupReq := Request{Slug: c.Slug, ClaimantID: "u1", Address: "a3", IdempotencyKey: "key-2"}
	_, err = m.Reserve(ctx, dupReq)
	re := requireReason(t, err, ReasonAlreadyClaimed)
	assert.Equal(t, first.ClaimID, re.ClaimID)
	assert.False(t, re.Replayed)
	_, err = m.Reserve(ctx, dupReq)
	re = requireReason(t, err, ReasonAlreadyClaimed)
	assert.Equal(t, first.ClaimID, re.ClaimID)
	assert.True(t, re.Replayed)
}

func seedClaims(t *testing.T, db *gorm.DB, c types.Campaign, amounts []int64, status types.ClaimStatus) {
	t.Helper()
	for _, amt := range amounts {
		id := uuid.NewString()
		require.NoError(t, db.Create(&types.Claim{
			ID: id, CampaignID: c.ID, ClaimantID: "seed-" + id, ReceivingAddress: "addr-" + id,
			Amount: amt, Status: status,
		}).Error)
	}
}

func TestReserveRandomLastClaimerGetsOne(t *testing.T) {
	db := datatest.NewDB(t)
	minBps, maxBps := 1, 10000
	c := seedCampaign(t, db, func(c *types.Campaign) {
		c.Mode, c.MinBps, c.MaxBps = types.ModeRandom, &minBps, &maxBps
		c.TotalAmount, c.TotalWinners, c.ClaimedCount = 100, 10, 9
	})
	seedClaims(t, db, c, []int64{11, 11, 11, 11, 11, 11, 11, 11, 11}, types.ClaimConfirmed)

	res, err := newManager(db, WithSource(scalar(distribution.ScalarScale))).
		Reserve(context.Background(), Request{Slug: c.Slug, ClaimantID: "last", Address: "last"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Amount)
	assert.Equal(t, types.CampaignClosed, reload(t, db, c.ID).Status)
}

func TestReserveRandomFirstOfTwo(t *testing.T) {
	db := datatest.NewDB(t)
	minBps, maxBps := 5000, 10000
	c := seedCampaign(t, db, func(c *types.Campaign) {
		c.Mode, c.MinBps, c.MaxBps = types.ModeRandom, &minBps, &maxBps
		c.TotalAmount, c.TotalWinners = 1000, 2
	})
	m := newManager(db)
	ctx := context.Background()

	first, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "a", Address: "a"})
	require.NoError(t, err)
	assert.LessOrEqual(t, first.Amount, int64(999))
	second, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "b", Address: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.Amount+second.Amount)
}

func TestReleasedClaimsLeaveUsedAmount(t *testing.T) {
	db := datatest.NewDB(t)
	minBps, maxBps := 1, 10000
	c := seedCampaign(t, db, func(c *types.Campaign) {
		c.Mode, c.MinBps, c.MaxBps = types.ModeRandom, &minBps, &maxBps
		c.TotalAmount, c.TotalWinners, c.ClaimedCount = 100, 3, 2
	})
	seedClaims(t, db, c, []int64{40}, types.ClaimConfirmed)
	seedClaims(t, db, c, []int64{30}, types.ClaimReleased)

	res, err := newManager(db).Reserve(context.Background(), Request{Slug: c.Slug, ClaimantID: "z", Address: "z"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Amount)
}

func TestDuplicateReason(t *testing.T) {
	db := datatest.NewDB(t)
	c := seedCampaign(t, db, nil)
	m := newManager(db)
	ctx := context.Background()
	res, err := m.Reserve(ctx, Request{Slug: c.Slug, ClaimantID: "u1", Address: "a1"})
	require.NoError(t, err)

	re := requireReason(t, m.duplicateReason(ctx, c.ID, Request{ClaimantID: "u1", Address: "zz"}), ReasonAlreadyClaimed)
	assert.Equal(t, res.ClaimID, re.ClaimID)
	requireReason(t, m.duplicateReason(ctx, c.ID, Request{ClaimantID: "u2", Address: "a1"}), ReasonAddressAlreadyUsed)
}

func TestReasonHTTPStatus(t *testing.T) {
	assert.Equal(t, 409, ReasonAlreadyClaimed.HTTPStatus())
	assert.Equal(t, 409, ReasonAddressAlreadyUsed.HTTPStatus())
	assert.Equal(t, 410, ReasonFullyClaimed.HTTPStatus())
	assert.Equal(t, 410, ReasonCampaignNotActive.HTTPStatus())
	assert.Equal(t, 403, ReasonNotEligible.HTTPStatus())
}
