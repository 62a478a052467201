// Package settlement drives leased claims from created to an on-chain outcome.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/daget/src/backoff"
	"github.com/stake-plus/daget/src/metrics"
	"github.com/stake-plus/daget/src/notify"
	"github.com/stake-plus/daget/src/types"
)

const maxReasonLen = 1000

// Keys gives scoped access to campaign wallets.
type Keys interface {
	Address(ctx context.Context, walletID string) (string, error)
	WithDecryptedKey(ctx context.Context, walletID string, fn func(secret []byte) error) error
}

type Config struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
	NotifyTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfirmTimeout: 90 * time.Second,
		PollInterval:   6 * time.Second,
		MaxAttempts:    5,
		NotifyTimeout:  5 * time.Second,
	}
}

type Engine struct {
	db       *gorm.DB
	backend  Backend
	keys     Keys
	notifier notify.Sink
	metrics  *metrics.Metrics
	policy   backoff.Policy
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(s notify.Sink) Option { return func(e *Engine) { e.notifier = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithPolicy(p backoff.Policy) Option { return func(e *Engine) { e.policy = p } }

func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(db *gorm.DB, backend Backend, keys Keys, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		backend:  backend,
		keys:     keys,
		notifier: notify.Discard{},
		policy:   backoff.Default,
		cfg:      DefaultConfig(),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	def := DefaultConfig()
	if e.cfg.ConfirmTimeout <= 0 {
		e.cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if e.cfg.PollInterval <= 0 {
		e.cfg.PollInterval = def.PollInterval
	}
	if e.cfg.MaxAttempts <= 0 {
		e.cfg.MaxAttempts = def.MaxAttempts
	}
	if e.cfg.NotifyTimeout <= 0 {
		e.cfg.NotifyTimeout = def.NotifyTimeout
	}
	return e
}

// unsent is a state from which a new transfer may be signed.
type unsent interface {
	State
	Submit(tx Tx, now, pollAt time.Time) Submitted
	Fail(reason string, retryAt time.Time) FailedRetryable
	Escalate(reason string, now time.Time) FailedPermanent
}

// Process advances one leased claim as far as it can go in a single tick. Settlement
// failures end up as state transitions; only storage problems are returned.
func (e *Engine) Process(ctx context.Context, claim types.Claim) error {
	start := e.now()
	defer func() { e.metrics.ObserveSettlement(e.now().Sub(start)) }()

	st, err := FromClaim(claim)
	if err != nil {
		return err
	}
	var camp types.Campaign
	if err := e.db.WithContext(ctx).First(&camp, "id = ?", claim.CampaignID).Error; err != nil {
		return fmt.Errorf("settlement: load campaign %s: %w", claim.CampaignID, err)
	}

	switch s := st.(type) {
	case Created:
		return e.send(ctx, claim, camp, s, nil)
	case FailedRetryable:
		return e.retry(ctx, claim, camp, s)
	case Submitted:
		return e.poll(ctx, claim, camp, s)
	default:
		return nil
	}
}

func (e *Engine) retry(ctx context.Context, claim types.Claim, camp types.Campaign, s FailedRetryable) error {
	skip := ""
	if s.Previous != nil {
		skip = s.Previous.Signature
	}
	sig, ok, err := e.landed(ctx, claim.ID, skip)
	if err != nil {
		return e.failUnsent(ctx, claim, camp, s, fmt.Errorf("check earlier submissions: %w", err))
	}
	if ok {
		return e.finish(ctx, claim, camp, s.ConfirmEarlier(sig, e.now()))
	}

	if s.Previous == nil {
		// After an operator retry the newest recorded submission still owns the nonce.
		latest, err := e.latest(ctx, claim.ID)
		if err != nil {
			return err
		}
		return e.send(ctx, claim, camp, s, latest)
	}
	conf, err := e.status(ctx, s.Previous.Signature, s.Previous.Since)
	if err != nil {
		return e.failUnsent(ctx, claim, camp, s, fmt.Errorf("check previous submission: %w", err))
	}
	switch conf.State {
	case FinalizedOK:
		return e.finish(ctx, claim, camp, s.Confirm(e.now()))
	case FinalizedErr:
		// The previous nonce is spent; a fresh one is needed.
		reason := errors.New(conf.Error)
		if IsFatal(reason) {
			return e.finish(ctx, claim, camp, s.Escalate(conf.Error, e.now()))
		}
		return e.send(ctx, claim, camp, s, nil)
	default:
		return e.send(ctx, claim, camp, s, s.Previous)
	}
}

func (e *Engine) send(ctx context.Context, claim types.Claim, camp types.Campaign, s unsent, prev *Previous) error {
	from, err := e.keys.Address(ctx, camp.WalletID)
	if err != nil {
		return e.failUnsent(ctx, claim, camp, s, err)
	}
	unsigned, err := e.backend.BuildTransfer(ctx, TransferRequest{
		From:     from,
		To:       claim.ReceivingAddress,
		Token:    camp.Token,
		Amount:   claim.Amount,
		Previous: prev,
	})
	if errors.Is(err, ErrPreviousSubmissionLanded) {
		if fr, ok := s.(FailedRetryable); ok && prev != nil {
			return e.finish(ctx, claim, camp, fr.ConfirmEarlier(prev.Signature, e.now()))
		}
	}
	if err != nil {
		return e.failUnsent(ctx, claim, camp, s, err)
	}
	if fr, ok := s.(FailedRetryable); ok && prev != nil && unsigned.Nonce != prev.Nonce {
		// The old nonce is consumed on the finalized chain. Another submission of this
		// claim may be what consumed it.
		sig, ok, err := e.landed(ctx, claim.ID, "")
		if err != nil {
			return e.failUnsent(ctx, claim, camp, s, fmt.Errorf("check earlier submissions: %w", err))
		}
		if ok {
			return e.finish(ctx, claim, camp, fr.ConfirmEarlier(sig, e.now()))
		}
	}

	var signed SignedTx
	err = e.keys.WithDecryptedKey(ctx, camp.WalletID, func(secret []byte) error {
		var err error
		signed, err = e.backend.Sign(ctx, unsigned, secret)
		return err
	})
	if err != nil {
		return e.failUnsent(ctx, claim, camp, s, err)
	}

	now := e.now()
	sub := s.Submit(Tx{Signature: signed.Signature, Nonce: signed.Nonce, Since: signed.Since}, now, now.Add(e.cfg.PollInterval))
	if err := e.record(ctx, claim, sub, prev); err != nil {
		return err
	}
	e.metrics.Transition(string(types.ClaimSubmitted))
	claim.Status = types.ClaimSubmitted
	e.log.Info("settlement: transfer signed",
		"claim", claim.ID, "signature", signed.Signature, "nonce", signed.Nonce, "attempt", sub.Attempts)

	if err := e.backend.Broadcast(ctx, signed); err != nil {
		if IsStaleNonce(err) {
			e.log.Info("settlement: nonce already used on chain, polling earlier submissions",
				"claim", claim.ID, "signature", signed.Signature, "nonce", signed.Nonce)
			return e.poll(ctx, claim, camp, sub)
		}
		e.log.Warn("settlement: broadcast failed", "claim", claim.ID, "signature", signed.Signature, "err", err)
		return e.failSubmitted(ctx, claim, camp, sub, err.Error(), IsFatal(err))
	}
	return e.poll(ctx, claim, camp, sub)
}

// record stores the new submission, and the one it replaces, next to the claim update.
func (e *Engine) record(ctx context.Context, claim types.Claim, sub Submitted, prev *Previous) error {
	rows := make([]types.ClaimSubmission, 0, 2)
	if prev != nil {
		rows = append(rows, types.ClaimSubmission{ClaimID: claim.ID, Signature: prev.Signature, Nonce: prev.Nonce, SinceBlock: prev.Since})
	}
	rows = append(rows, types.ClaimSubmission{ClaimID: claim.ID, Signature: sub.Signature, Nonce: sub.Nonce, SinceBlock: sub.Since})
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return fmt.Errorf("settlement: record submission of %s: %w", claim.ID, err)
		}
		return Save(ctx, tx, claim, sub)
	})
}

func (e *Engine) poll(ctx context.Context, claim types.Claim, camp types.Campaign, s Submitted) error {
	conf, err := e.status(ctx, s.Signature, s.Since)
	if err != nil {
		return e.pollFailed(ctx, claim, camp, s, err)
	}
	if done, err := e.resolve(ctx, claim, camp, s, conf); done {
		return err
	}
	sig, ok, err := e.landed(ctx, claim.ID, s.Signature)
	if err != nil {
		return e.pollFailed(ctx, claim, camp, s, err)
	}
	if ok {
		return e.finish(ctx, claim, camp, s.ConfirmEarlier(sig, e.now()))
	}

	now := e.now()
	if now.Sub(s.SubmittedAt) < e.cfg.ConfirmTimeout {
		return e.deferPoll(ctx, claim, s)
	}

	// One last look before giving up on this submission.
	conf, err = e.status(ctx, s.Signature, s.Since)
	if err == nil {
		if done, err := e.resolve(ctx, claim, camp, s, conf); done {
			return err
		}
	}
	reason := fmt.Sprintf("not finalized within %s", e.cfg.ConfirmTimeout)
	return e.failSubmitted(ctx, claim, camp, s, reason, false)
}

// pollFailed handles a status check that could not be answered. Inside the confirmation
// window the claim waits; past it the attempt fails like an unconfirmed one.
func (e *Engine) pollFailed(ctx context.Context, claim types.Claim, camp types.Campaign, s Submitted, cause error) error {
	e.log.Warn("settlement: confirmation check failed", "claim", claim.ID, "signature", s.Signature, "err", cause)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if e.now().Sub(s.SubmittedAt) < e.cfg.ConfirmTimeout {
		return e.deferPoll(ctx, claim, s)
	}
	reason := fmt.Sprintf("confirmation status unavailable after %s: %v", e.cfg.ConfirmTimeout, cause)
	return e.failSubmitted(ctx, claim, camp, s, reason, false)
}

// status asks the backend about one submission, first widening its block index back to
// the height the submission was built at.
func (e *Engine) status(ctx context.Context, signature string, since uint64) (Confirmation, error) {
	if r, ok := e.backend.(Rewinder); ok && since > 0 {
		if err := r.Rewind(ctx, since); err != nil {
			return Confirmation{}, err
		}
	}
	return e.backend.ConfirmationStatus(ctx, signature)
}

// landed looks for a recorded submission of the claim, other than skip, that finalized
// successfully.
func (e *Engine) landed(ctx context.Context, claimID, skip string) (string, bool, error) {
	var rows []types.ClaimSubmission
	err := e.db.WithContext(ctx).
		Where("claim_id = ? AND signature <> ?", claimID, skip).
		Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return "", false, fmt.Errorf("settlement: load submissions of %s: %w", claimID, err)
	}
	for _, r := range rows {
		conf, err := e.status(ctx, r.Signature, r.SinceBlock)
		if err != nil {
			return "", false, err
		}
		if conf.State == FinalizedOK {
			return r.Signature, true, nil
		}
	}
	return "", false, nil
}

func (e *Engine) latest(ctx context.Context, claimID string) (*Previous, error) {
	var rows []types.ClaimSubmission
	err := e.db.WithContext(ctx).Where("claim_id = ?", claimID).Order("id DESC").Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("settlement: load submissions of %s: %w", claimID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &Previous{Signature: r.Signature, Nonce: r.Nonce, Since: r.SinceBlock}, nil
}

func (e *Engine) resolve(ctx context.Context, claim types.Claim, camp types.Campaign, s Submitted, conf Confirmation) (bool, error) {
	switch conf.State {
	case FinalizedOK:
		return true, e.finish(ctx, claim, camp, s.Confirm(e.now()))
	case FinalizedErr:
		return true, e.failSubmitted(ctx, claim, camp, s, conf.Error, IsFatal(errors.New(conf.Error)))
	default:
		return false, nil
	}
}

func (e *Engine) deferPoll(ctx context.Context, claim types.Claim, s Submitted) error {
	now := e.now()
	if s.NextPollAt.After(now) {
		return nil
	}
	return Save(ctx, e.db, claim, s.Defer(now.Add(e.cfg.PollInterval)))
}

func (e *Engine) failSubmitted(ctx context.Context, claim types.Claim, camp types.Campaign, s Submitted, reason string, fatal bool) error {
	reason = truncate(reason)
	now := e.now()
	if fatal || s.Attempts >= e.cfg.MaxAttempts {
		return e.finish(ctx, claim, camp, s.Escalate(reason, now))
	}
	return e.finish(ctx, claim, camp, s.Fail(reason, now.Add(e.policy.NextDelay(s.Attempts))))
}

func (e *Engine) failUnsent(ctx context.Context, claim types.Claim, camp types.Campaign, s unsent, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	reason := truncate(cause.Error())
	now := e.now()
	attempts := claim.AttemptCount + 1
	e.log.Warn("settlement: attempt failed before broadcast", "claim", claim.ID, "attempt", attempts, "err", cause)
	if IsFatal(cause) || attempts >= e.cfg.MaxAttempts {
		return e.finish(ctx, claim, camp, s.Escalate(reason, now))
	}
	return e.finish(ctx, claim, camp, s.Fail(reason, now.Add(e.policy.NextDelay(attempts))))
}

func (e *Engine) finish(ctx context.Context, claim types.Claim, camp types.Campaign, next State) error {
	if err := Save(ctx, e.db, claim, next); err != nil {
		return err
	}
	e.metrics.Transition(string(next.Status()))

	switch s := next.(type) {
	case Confirmed:
		e.log.Info("settlement: claim confirmed", "claim", claim.ID, "signature", s.Signature)
		e.notify(ctx, claim.ClaimantID, notify.ClaimConfirmed, payload(claim, camp, s.Signature, ""))
	case FailedPermanent:
		e.log.Error("settlement: claim failed permanently", "claim", claim.ID, "attempts", s.Attempts, "reason", s.Reason)
		sig := ""
		if s.Previous != nil {
			sig = s.Previous.Signature
		}
		e.notify(ctx, camp.CreatorID, notify.ClaimFailed, payload(claim, camp, sig, s.Reason))
	case FailedRetryable:
		e.log.Warn("settlement: claim will be retried", "claim", claim.ID, "attempts", s.Attempts, "at", s.NextRetryAt, "reason", s.Reason)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, recipient string, event notify.Event, p notify.Payload) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotifyTimeout)
	defer cancel()
	err := e.notifier.Notify(nctx, recipient, event, p)
	e.metrics.Notification(string(event), err)
	if err != nil {
		e.log.Warn("settlement: notify failed", "claim", p.ClaimID, "event", event, "err", err)
	}
}

func payload(claim types.Claim, camp types.Campaign, sig, reason string) notify.Payload {
	return notify.Payload{
		ClaimID:   claim.ID,
		Campaign:  camp.Slug,
		Amount:    notify.FormatAmount(claim.Amount, camp.TokenDecimals),
		Token:     camp.Token,
		Signature: sig,
		Reason:    reason,
	}
}

func truncate(s string) string {
	if len(s) > maxReasonLen {
		return s[:maxReasonLen]
	}
	return s
}
