package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/encryption"
	"otp-service/internal/events"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/util"
)

const blacklistReason = "Too many failed OTP attempts"

// IdentifierEncryptor seals raw identifier values for at-rest storage.
type IdentifierEncryptor interface {
	EncryptIdentifier(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
}

// Deliverer sends a code over the channel matching the identifier and
// reports which provider handled it.
type Deliverer interface {
	Send(ctx context.Context, identifier model.Identifier, code string, purpose model.Purpose) (string, error)
}

// Cache is the Redis fast path for cooldown stamps, blacklist entries, and
// rolling counters.
type Cache interface {
	MarkIssued(identifierHash string, cooldown time.Duration) error
	CooldownRemaining(identifierHash string) (time.Duration, error)
	SetBlacklist(identifierHash, reason string, ttl time.Duration) error
	GetBlacklist(identifierHash string) (string, bool, error)
	ClearBlacklist(identifierHash string) error
	IncrementIssued(purpose string)
	IncrementVerified(purpose string)
	IncrementFailed(purpose string)
	GetStats(purposes []string) (map[string]map[string]int64, error)
}

// OTPService implements code issuance and verification. The durable store
// is authoritative; the cache only accelerates the deny paths.
type OTPService struct {
	cfg       config.OTPConfig
	hasher    *hashing.Hasher
	buckets   *bucketing.BucketingManager
	encryptor IdentifierEncryptor
	otps      scylla.OTPStore
	blacklist scylla.BlacklistStore
	accounts  scylla.AccountStore
	cache     Cache
	deliverer Deliverer
	recorder  events.Recorder
	clock     Clock
}

func NewOTPService(
	cfg config.OTPConfig,
	hasher *hashing.Hasher,
	buckets *bucketing.BucketingManager,
	encryptor IdentifierEncryptor,
	otps scylla.OTPStore,
	blacklist scylla.BlacklistStore,
	accounts scylla.AccountStore,
	cache Cache,
	deliverer Deliverer,
	recorder events.Recorder,
	clock Clock,
) *OTPService {
	if recorder == nil {
		recorder = events.NoopRecorder{}
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &OTPService{
		cfg:       cfg,
		hasher:    hasher,
		buckets:   buckets,
		encryptor: encryptor,
		otps:      otps,
		blacklist: blacklist,
		accounts:  accounts,
		cache:     cache,
		deliverer: deliverer,
		recorder:  recorder,
		clock:     clock,
	}
}

// CheckRateLimit applies the issuance gates in order: blacklist first, then
// the per-identifier cooldown. A blocked identifier never reveals cooldown
// state.
func (s *OTPService) CheckRateLimit(ctx context.Context, identifier model.Identifier) error {
	identifierHash := identifier.Hash()
	now := s.clock.Now()

	if reason, blocked, err := s.cache.GetBlacklist(identifierHash); err != nil {
		util.Warn("Blacklist cache check failed, falling back to store",
			zap.Error(err))
	} else if blocked {
		return &RateLimitedError{Reason: reason}
	}

	entry, err := s.blacklist.Get(ctx, identifierHash)
	if err != nil && !errors.Is(err, scylla.ErrNotFound) {
		return err
	}
	if entry != nil && entry.ActiveAt(now) {
		// Refill the cache for the remainder of the block window.
		if err := s.cache.SetBlacklist(identifierHash, entry.Reason, entry.BlockedUntil.Sub(now)); err != nil {
			util.Warn("Failed to refill blacklist cache", zap.Error(err))
		}
		return &RateLimitedError{Reason: entry.Reason}
	}

	remaining, err := s.cache.CooldownRemaining(identifierHash)
	if err != nil {
		util.Warn("Cooldown cache check failed, falling back to store",
			zap.Error(err))
		remaining = 0
	}
	if remaining <= 0 {
		lastIssued, err := s.otps.GetLastIssuedAt(ctx, s.bucket(identifierHash), identifierHash)
		if err != nil {
			return err
		}
		if !lastIssued.IsZero() {
			if elapsed := now.Sub(lastIssued); elapsed < s.cfg.Cooldown {
				remaining = s.cfg.Cooldown - elapsed
			}
		}
	}
	if remaining > 0 {
		retryAfter := int(remaining.Round(time.Second) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	return nil
}

// CreateOTP issues a fresh code for the identifier and purpose. The record
// is persisted before dispatch, so a provider failure surfaces as
// ErrDeliveryFailed while the code remains verifiable.
func (s *OTPService) CreateOTP(ctx context.Context, identifier model.Identifier, purpose model.Purpose, requesterIP string) (*model.OTPRecord, error) {
	identifierHash := identifier.Hash()

	if err := s.CheckRateLimit(ctx, identifier); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.recorder.Record(ctx, events.Event{
				EventType:      events.EventRateLimited,
				IdentifierHash: identifierHash,
				IdentifierType: string(identifier.Type),
				Purpose:        string(purpose),
				RequesterIP:    requesterIP,
			})
		}
		return nil, err
	}

	code, err := s.hasher.GenerateCode(s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	hashed := s.hasher.HashCode(code, identifierHash, string(purpose))

	now := s.clock.Now()
	record := &model.OTPRecord{
		Bucket:         s.bucket(identifierHash),
		OTPID:          uuid.New().String(),
		IdentifierHash: identifierHash,
		IdentifierType: identifier.Type,
		Purpose:        purpose,
		CodeHash:       hashed.Hash,
		PepperVersion:  hashed.PepperVersion,
		RequesterIP:    requesterIP,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	}

	if s.encryptor != nil {
		sealed, err := s.encryptor.EncryptIdentifier(ctx, identifier.Value)
		if err != nil {
			return nil, err
		}
		envelope, err := json.Marshal(sealed)
		if err != nil {
			return nil, err
		}
		record.IdentifierEncrypted = envelope
		record.IdentifierKeyID = sealed.KeyID
	}

	// Row outlives the validity window so cooldown arithmetic still sees it.
	if err := s.otps.CreateOTP(ctx, record, s.cfg.TTL*2); err != nil {
		return nil, err
	}

	if err := s.cache.MarkIssued(identifierHash, s.cfg.Cooldown); err != nil {
		util.Warn("Failed to stamp cooldown window", zap.Error(err))
	}
	s.cache.IncrementIssued(string(purpose))

	s.recorder.Record(ctx, events.Event{
		EventType:      events.EventIssued,
		IdentifierHash: identifierHash,
		IdentifierType: string(identifier.Type),
		Purpose:        string(purpose),
		RequesterIP:    requesterIP,
	})

	provider, err := s.deliverer.Send(ctx, identifier, code, purpose)
	record.ProviderUsed = provider
	if err != nil {
		util.Error("Code delivery failed",
			zap.String("otp_id", record.OTPID),
			zap.String("provider", provider),
			zap.Error(err))
		s.recorder.Record(ctx, events.Event{
			EventType:      events.EventDeliveryFailed,
			IdentifierHash: identifierHash,
			IdentifierType: string(identifier.Type),
			Purpose:        string(purpose),
			Provider:       provider,
			Detail:         err.Error(),
		})
		return record, &DeliveryError{Provider: provider, Err: err}
	}

	util.Info("OTP issued",
		zap.String("otp_id", record.OTPID),
		zap.String("purpose", string(purpose)),
		zap.String("provider", provider))

	return record, nil
}

// VerifyOTP checks a submitted code against the most recent active record
// for the identifier and purpose. Absent, expired, superseded, consumed,
// and exhausted records are all reported identically so a caller cannot
// probe which identifiers have codes in flight. On success it returns the
// id of the account bound to the identifier, empty when no account owns it.
func (s *OTPService) VerifyOTP(ctx context.Context, identifier model.Identifier, purpose model.Purpose, code string) (string, error) {
	identifierHash := identifier.Hash()
	now := s.clock.Now()

	record, err := s.otps.GetLatestOTP(ctx, s.bucket(identifierHash), identifierHash, string(purpose))
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return "", ErrInvalidOrExpired
		}
		return "", err
	}
	if !record.Active(now, s.cfg.MaxAttempts) {
		return "", ErrInvalidOrExpired
	}

	// Claim an attempt slot before comparing, so concurrent submissions of
	// the same record each consume a distinct attempt.
	attempts, err := s.otps.IncrementAttempts(ctx, record)
	if err != nil {
		return "", err
	}

	match, err := s.hasher.VerifyCode(code, identifierHash, string(purpose), &hashing.HashResult{
		Hash:          record.CodeHash,
		PepperVersion: record.PepperVersion,
	})
	if err != nil {
		if errors.Is(err, hashing.ErrPepperVersionGone) {
			return "", ErrInvalidOrExpired
		}
		return "", err
	}

	if match {
		if err := s.otps.MarkVerified(ctx, record, now); err != nil {
			return "", err
		}
		accountID := s.markAccountChannel(ctx, identifierHash, identifier.Type, now)
		s.cache.IncrementVerified(string(purpose))
		s.recorder.Record(ctx, events.Event{
			EventType:      events.EventVerified,
			IdentifierHash: identifierHash,
			IdentifierType: string(identifier.Type),
			Purpose:        string(purpose),
			Attempts:       attempts,
		})
		return accountID, nil
	}

	s.cache.IncrementFailed(string(purpose))

	remaining := s.cfg.MaxAttempts - attempts
	if remaining <= 0 {
		s.blacklistIdentifier(ctx, identifierHash, identifier.Type, now)
		s.recorder.Record(ctx, events.Event{
			EventType:      events.EventLockedOut,
			IdentifierHash: identifierHash,
			IdentifierType: string(identifier.Type),
			Purpose:        string(purpose),
			Attempts:       attempts,
			Detail:         blacklistReason,
		})
		return "", ErrLockedOut
	}

	s.recorder.Record(ctx, events.Event{
		EventType:      events.EventVerificationFailed,
		IdentifierHash: identifierHash,
		IdentifierType: string(identifier.Type),
		Purpose:        string(purpose),
		Attempts:       attempts,
	})

	return "", &IncorrectCodeError{Remaining: remaining}
}

func (s *OTPService) blacklistIdentifier(ctx context.Context, identifierHash string, identifierType model.IdentifierType, now time.Time) {
	entry := &model.BlacklistEntry{
		IdentifierHash: identifierHash,
		IdentifierType: identifierType,
		Reason:         blacklistReason,
		BlockedUntil:   now.Add(s.cfg.BlacklistDuration),
		CreatedAt:      now,
	}

	if err := s.blacklist.Upsert(ctx, entry, s.cfg.BlacklistDuration); err != nil {
		util.Error("Failed to persist blacklist entry",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
	}
	if err := s.cache.SetBlacklist(identifierHash, blacklistReason, s.cfg.BlacklistDuration); err != nil {
		util.Warn("Failed to cache blacklist entry", zap.Error(err))
	}
}

// markAccountChannel flips the verified flag on the owning account when one
// exists and returns its id. Identifiers without accounts verify fine,
// nothing to update and the returned id is empty.
func (s *OTPService) markAccountChannel(ctx context.Context, identifierHash string, identifierType model.IdentifierType, now time.Time) string {
	if s.accounts == nil {
		return ""
	}

	account, err := s.accounts.FindByIdentifierHash(ctx, identifierHash)
	if err != nil {
		if !errors.Is(err, scylla.ErrNotFound) {
			util.Warn("Account lookup failed after verification", zap.Error(err))
		}
		return ""
	}

	if err := s.accounts.MarkChannelVerified(ctx, account.AccountID, identifierType, now); err != nil {
		util.Warn("Failed to mark account channel verified",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	return account.AccountID
}

// BlacklistStatus reports the active block for an identifier, or
// ErrNotBlacklisted when none is in effect.
func (s *OTPService) BlacklistStatus(ctx context.Context, identifier model.Identifier) (*model.BlacklistEntry, error) {
	entry, err := s.blacklist.Get(ctx, identifier.Hash())
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrNotBlacklisted
		}
		return nil, err
	}
	if !entry.ActiveAt(s.clock.Now()) {
		return nil, ErrNotBlacklisted
	}
	return entry, nil
}

// ReleaseBlacklist lifts a block before its window elapses.
func (s *OTPService) ReleaseBlacklist(ctx context.Context, identifier model.Identifier) error {
	identifierHash := identifier.Hash()

	if _, err := s.BlacklistStatus(ctx, identifier); err != nil {
		return err
	}

	if err := s.blacklist.Delete(ctx, identifierHash); err != nil {
		return err
	}
	if err := s.cache.ClearBlacklist(identifierHash); err != nil {
		util.Warn("Failed to clear cached blacklist entry", zap.Error(err))
	}

	s.recorder.Record(ctx, events.Event{
		EventType:      events.EventBlacklistReleased,
		IdentifierHash: identifierHash,
		IdentifierType: string(identifier.Type),
	})

	return nil
}

// Stats returns rolling issuance and verification counters per purpose.
func (s *OTPService) Stats(ctx context.Context) (map[string]map[string]int64, error) {
	purposes := []string{
		string(model.PurposeRegistration),
		string(model.PurposeLogin),
		string(model.PurposePasswordReset),
	}
	return s.cache.GetStats(purposes)
}

func (s *OTPService) bucket(identifierHash string) int {
	return s.buckets.IdentifierBucket(identifierHash)
}
