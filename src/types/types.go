package types

import "time"

// CampaignStatus is the lifecycle state of a daget.
type CampaignStatus string

const (
	CampaignActive  CampaignStatus = "active"
	CampaignStopped CampaignStatus = "stopped"
	CampaignClosed  CampaignStatus = "closed"
)

// DistributionMode selects how a claim amount is computed.
type DistributionMode string

const (
	ModeFixed  DistributionMode = "fixed"
	ModeRandom DistributionMode = "random"
)

// ClaimStatus is the persisted settlement state of a claim.
type ClaimStatus string

const (
	ClaimCreated         ClaimStatus = "created"
	ClaimSubmitted       ClaimStatus = "submitted"
	ClaimConfirmed       ClaimStatus = "confirmed"
	ClaimFailedRetryable ClaimStatus = "failed_retryable"
	ClaimFailedPermanent ClaimStatus = "failed_permanent"
	ClaimReleased        ClaimStatus = "released"
)

// WorkableStatuses are the states the lease scheduler hands to workers.
var WorkableStatuses = []ClaimStatus{ClaimCreated, ClaimFailedRetryable, ClaimSubmitted}

// UncommittedStatuses are the states whose amount no longer counts against the pool.
var UncommittedStatuses = []ClaimStatus{ClaimFailedPermanent, ClaimReleased}

// Campaign (a "daget") is one giveaway run.
type Campaign struct {
	ID             string           `gorm:"primaryKey;size:36"`
	Slug           string           `gorm:"size:64;uniqueIndex;not null"`
	Name           string           `gorm:"size:255"`
	CreatorID      string           `gorm:"size:64;index;not null"`
	WalletID       string           `gorm:"size:36;not null"`
	Token          string           `gorm:"size:32;not null;default:native"`
	TokenDecimals  int32            `gorm:"not null;default:0"`
	TotalAmount    int64            `gorm:"not null"`
	TotalWinners   int              `gorm:"not null"`
	ClaimedCount   int              `gorm:"not null;default:0"`
	Mode           DistributionMode `gorm:"size:16;not null"`
	MinBps         *int
	MaxBps         *int
	Status         CampaignStatus `gorm:"size:16;index;not null"`
	DiscordGuildID string         `gorm:"size:64"`
	DiscordRoleID  string         `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Campaign) TableName() string { return "dagets" }

// Claim is one claimant's reservation and its settlement lifecycle.
type Claim struct {
	ID               string      `gorm:"primaryKey;size:36"`
	CampaignID       string      `gorm:"size:36;not null;uniqueIndex:idx_claims_campaign_claimant;uniqueIndex:idx_claims_campaign_address"`
	ClaimantID       string      `gorm:"size:64;not null;uniqueIndex:idx_claims_campaign_claimant"`
	ReceivingAddress string      `gorm:"size:128;not null;uniqueIndex:idx_claims_campaign_address"`
	Amount           int64       `gorm:"not null"`
	Status           ClaimStatus `gorm:"size:24;not null;index:idx_claims_workable,priority:1"`
	TxSignature      *string     `gorm:"size:128;uniqueIndex"`
	TxNonce          *uint64
	TxSinceBlock     *uint64
	AttemptCount     int    `gorm:"not null;default:0"`
	LastError        string `gorm:"type:text"`
	NextRetryAt      *time.Time
	LockedUntil      *time.Time `gorm:"index:idx_claims_workable,priority:2"`
	LeaseToken       *string    `gorm:"size:36;index"`
	IdempotencyKey   string     `gorm:"size:128"`
	SubmittedAt      *time.Time
	ConfirmedAt      *time.Time
	FailedAt         *time.Time
	ReleasedAt       *time.Time
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

// ClaimSubmission records every transfer signed for a claim. Attempts that reuse a nonce
// replace the claim's tx_signature, so this is where the earlier signatures stay
// reachable. SinceBlock is the finalized height the transfer was built at; it can only
// appear in later blocks.
type ClaimSubmission struct {
	ID         uint64 `gorm:"primaryKey"`
	ClaimID    string `gorm:"size:36;not null;index"`
	Signature  string `gorm:"size:128;not null;uniqueIndex"`
	Nonce      uint64 `gorm:"not null"`
	SinceBlock uint64 `gorm:"not null;default:0"`
	CreatedAt  time.Time
}

// IdempotencyKey stores the original response of a keyed request for safe replay.
type IdempotencyKey struct {
	ID          uint64    `gorm:"primaryKey"`
	Key         string    `gorm:"size:128;not null;uniqueIndex:idx_idem_scope"`
	Identity    string    `gorm:"size:64;not null;uniqueIndex:idx_idem_scope"`
	Endpoint    string    `gorm:"size:64;not null;uniqueIndex:idx_idem_scope"`
	Fingerprint string    `gorm:"size:32;not null"`
	StatusCode  int       `gorm:"not null"`
	Response    []byte    `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"index;not null"`
	CreatedAt   time.Time
}

// Wallet is a campaign signing key sealed at rest.
type Wallet struct {
	ID         string `gorm:"primaryKey;size:36"`
	Address    string `gorm:"size:64;uniqueIndex;not null"`
	Nonce      []byte `gorm:"not null"`
	Ciphertext []byte `gorm:"not null"`
	CreatedAt  time.Time
}

// Setting is a runtime override loaded at startup.
type Setting struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text"`
}

// AllModels lists every table managed by Migrate.
var AllModels = []interface{}{
	&Setting{}, &Wallet{}, &Campaign{}, &Claim{}, &ClaimSubmission{}, &IdempotencyKey{},
}
