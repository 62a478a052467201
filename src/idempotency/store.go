// Package idempotency replays the stored outcome of a keyed request instead of running it twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/daget/src/data"
	"github.com/stake-plus/daget/src/types"
)

var (
	ErrKeyReused  = errors.New("idempotency: key reused with a different request")
	ErrInFlight   = errors.New("idempotency: request with this key is in flight")
	ErrMissingKey = errors.New("idempotency: key is required")
)

// Scope identifies one idempotent operation.
type Scope struct {
	Key      string
	Identity string
	Endpoint string
}

func (s Scope) lockKey() string {
	return "idem:" + s.Endpoint + ":" + s.Identity + ":" + s.Key
}

// Record is a stored outcome.
type Record struct {
	StatusCode int
	Body       []byte
}

type Store struct {
	db          *gorm.DB
	rdb         *redis.Client
	ttl         time.Duration
	inFlightTTL time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// NewStore keeps outcomes for ttl. rdb may be nil, which disables the in-flight guard.
func NewStore(db *gorm.DB, rdb *redis.Client, ttl, inFlightTTL time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if inFlightTTL <= 0 {
		inFlightTTL = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, rdb: rdb, ttl: ttl, inFlightTTL: inFlightTTL, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Fingerprint hashes the JSON form of a request payload.
func Fingerprint(payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Checksum64(body), 16), nil
}

// Begin returns the stored record for a completed request, or claims the key for
// this caller and returns a release func that must be called once Save is done.
func (s *Store) Begin(ctx context.Context, scope Scope, fingerprint string) (*Record, func(), error) {
	noop := func() {}
	if scope.Key == "" {
		return nil, noop, ErrMissingKey
	}
	if rec, err := s.lookup(ctx, scope, fingerprint); err != nil || rec != nil {
		return rec, noop, err
	}
	if s.rdb == nil {
		return nil, noop, nil
	}

	token := uuid.NewString()
	ok, err := data.AcquireLock(ctx, s.rdb, scope.lockKey(), token, s.inFlightTTL)
	if err != nil {
		return nil, noop, fmt.Errorf("idempotency: lock: %w", err)
	}
	if !ok {
		return nil, noop, ErrInFlight
	}
	release := func() {
		if err := data.ReleaseLock(context.WithoutCancel(ctx), s.rdb, scope.lockKey(), token); err != nil {
			s.log.Warn("idempotency: release lock failed", "endpoint", scope.Endpoint, "err", err)
		}
	}

	// the previous holder may have finished between lookup and lock
	rec, err := s.lookup(ctx, scope, fingerprint)
	if err != nil || rec != nil {
		release()
		return rec, noop, err
	}
	return nil, release, nil
}

func (s *Store) lookup(ctx context.Context, scope Scope, fingerprint string) (*Record, error) {
	var row types.IdempotencyKey
	err := s.db.WithContext(ctx).
		Where(&types.IdempotencyKey{Key: scope.Key, Identity: scope.Identity, Endpoint: scope.Endpoint}).
		Where("expires_at > ?", s.now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: lookup: %w", err)
	}
	if row.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return &Record{StatusCode: row.StatusCode, Body: row.Response}, nil
}

// Save stores the outcome, replacing an expired record under the same scope.
func (s *Store) Save(ctx context.Context, scope Scope, fingerprint string, rec Record) error {
	now := s.now()
	row := types.IdempotencyKey{
		Key:         scope.Key,
		Identity:    scope.Identity,
		Endpoint:    scope.Endpoint,
		Fingerprint: fingerprint,
		StatusCode:  rec.StatusCode,
		Response:    rec.Body,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}, {Name: "identity"}, {Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"fingerprint", "status_code", "response", "expires_at", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("idempotency: save: %w", err)
	}
	return nil
}

// Purge deletes expired records and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&types.IdempotencyKey{})
	return res.RowsAffected, res.Error
}
