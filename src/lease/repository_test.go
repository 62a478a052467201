package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/stake-plus/daget/src/data/datatest"
	"github.com/stake-plus/daget/src/types"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, db *gorm.DB, status types.ClaimStatus, age time.Duration, nextRetry *time.Time) types.Claim {
	t.Helper()
	id := uuid.NewString()
	c := types.Claim{
		ID: id, CampaignID: "camp", ClaimantID: "u-" + id, ReceivingAddress: "a-" + id,
		Amount: 10, Status: status, NextRetryAt: nextRetry, CreatedAt: t0.Add(-age),
	}
	require.NoError(t, db.Create(&c).Error)
	return c
}

func ids(claims []types.Claim) []string {
	out := make([]string, len(claims))
	for i, c := range claims {
		out[i] = c.ID
	}
	return out
}

func TestAcquireSelectsWorkableOldestFirst(t *testing.T) {
	db := datatest.NewDB(t)
	repo := NewRepository(db, time.Minute)
	future := t0.Add(time.Hour)
	past := t0.Add(-time.Second)

	created := seed(t, db, types.ClaimCreated, 3*time.Hour, nil)
	retryDue := seed(t, db, types.ClaimFailedRetryable, 2*time.Hour, &past)
	submitted := seed(t, db, types.ClaimSubmitted, time.Hour, nil)
	seed(t, db, types.ClaimFailedRetryable, 4*time.Hour, &future)
	seed(t, db, types.ClaimConfirmed, 5*time.Hour, nil)
	seed(t, db, types.ClaimFailedPermanent, 5*time.Hour, nil)
	seed(t, db, types.ClaimReleased, 5*time.Hour, nil)

	got, err := repo.Acquire(context.Background(), 10, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID, retryDue.ID, submitted.ID}, ids(got))
	for _, c := range got {
		require.NotNil(t, c.LeaseToken)
		require.NotNil(t, c.LockedUntil)
		assert.True(t, c.LockedUntil.Equal(t0.Add(time.Minute)))
	}
}

func TestAcquireRespectsLimit(t *testing.T) {
	db := datatest.NewDB(t)
	repo := NewRepository(db, time.Minute)
	for i := 0; i < 5; i++ {
		seed(t, db, types.ClaimCreated, time.Duration(i)*time.Minute, nil)
	}
	got, err := repo.Acquire(context.Background(), 2, t0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	none, err := repo.Acquire(context.Background(), 0, t0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAcquireIsExclusive(t *testing.T) {
	db := datatest.NewDB(t)
	repo := NewRepository(db, time.Minute)
	for i := 0; i < 30; i++ {
		seed(t, db, types.ClaimCreated, time.Duration(i)*time.Second, nil)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := repo.Acquire(context.Background(), 7, t0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range got {
				seen[c.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 30)
	for id, n := range seen {
		assert.Equal(t, 1, n, fmt.Sprintf("claim %s leased %d times", id, n))
	}
}

func TestLeaseExpiresAndCanBeRetaken(t *testing.T) {
	db := datatest.NewDB(t)
	repo := NewRepository(db, time.Minute)
	c := seed(t, db, types.ClaimCreated, time.Minute, nil)

	first, err := repo.Acquire(context.Background(), 1, t0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	held, err := repo.Acquire(context.Background(), 1, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, held)

	second, err := repo.Acquire(context.Background(), 1, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, c.ID, second[0].ID)
	assert.NotEqual(t, *first[0].LeaseToken, *second[0].LeaseToken)

	// the stale holder cannot clear the new lease
	require.NoError(t, repo.Release(context.Background(), c.ID, *first[0].LeaseToken))
	var row types.Claim
	require.NoError(t, db.First(&row, "id = ?", c.ID).Error)
	require.NotNil(t, row.LeaseToken)
	assert.Equal(t, *second[0].LeaseToken, *row.LeaseToken)
}

func TestReleaseMakesClaimWorkableAgain(t *testing.T) {
	db := datatest.NewDB(t)
	repo := NewRepository(db, time.Minute)
	seed(t, db, types.ClaimSubmitted, time.Minute, nil)

	got, err := repo.Acquire(context.Background(), 1, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, repo.Release(context.Background(), got[0].ID, *got[0].LeaseToken))

	var row types.Claim
	require.NoError(t, db.First(&row, "id = ?", got[0].ID).Error)
	assert.Nil(t, row.LeaseToken)
	assert.Nil(t, row.LockedUntil)

	again, err := repo.Acquire(context.Background(), 1, t0)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}
