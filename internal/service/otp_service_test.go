package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/events"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
)

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// FakeClock is a settable clock for cooldown and expiry arithmetic.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubOTPStore implements scylla.OTPStore with function fields.
type stubOTPStore struct {
	createOTPFn         func(ctx context.Context, otp *model.OTPRecord, ttl time.Duration) error
	getLatestOTPFn      func(ctx context.Context, bucket int, identifierHash, purpose string) (*model.OTPRecord, error)
	getLastIssuedAtFn   func(ctx context.Context, bucket int, identifierHash string) (time.Time, error)
	incrementAttemptsFn func(ctx context.Context, otp *model.OTPRecord) (int, error)
	markVerifiedFn      func(ctx context.Context, otp *model.OTPRecord, verifiedAt time.Time) error
}

func (s *stubOTPStore) CreateOTP(ctx context.Context, otp *model.OTPRecord, ttl time.Duration) error {
	if s.createOTPFn != nil {
		return s.createOTPFn(ctx, otp, ttl)
	}
	return nil
}

func (s *stubOTPStore) GetLatestOTP(ctx context.Context, bucket int, identifierHash, purpose string) (*model.OTPRecord, error) {
	if s.getLatestOTPFn != nil {
		return s.getLatestOTPFn(ctx, bucket, identifierHash, purpose)
	}
	return nil, scylla.ErrNotFound
}

func (s *stubOTPStore) GetLastIssuedAt(ctx context.Context, bucket int, identifierHash string) (time.Time, error) {
	if s.getLastIssuedAtFn != nil {
		return s.getLastIssuedAtFn(ctx, bucket, identifierHash)
	}
	return time.Time{}, nil
}

func (s *stubOTPStore) IncrementAttempts(ctx context.Context, otp *model.OTPRecord) (int, error) {
	if s.incrementAttemptsFn != nil {
		return s.incrementAttemptsFn(ctx, otp)
	}
	otp.Attempts++
	return otp.Attempts, nil
}

func (s *stubOTPStore) MarkVerified(ctx context.Context, otp *model.OTPRecord, verifiedAt time.Time) error {
	if s.markVerifiedFn != nil {
		return s.markVerifiedFn(ctx, otp, verifiedAt)
	}
	otp.Verified = true
	otp.VerifiedAt = &verifiedAt
	return nil
}

// stubBlacklistStore implements scylla.BlacklistStore with function fields.
type stubBlacklistStore struct {
	upsertFn func(ctx context.Context, entry *model.BlacklistEntry, ttl time.Duration) error
	getFn    func(ctx context.Context, identifierHash string) (*model.BlacklistEntry, error)
	deleteFn func(ctx context.Context, identifierHash string) error
}

func (s *stubBlacklistStore) Upsert(ctx context.Context, entry *model.BlacklistEntry, ttl time.Duration) error {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, entry, ttl)
	}
	return nil
}

func (s *stubBlacklistStore) Get(ctx context.Context, identifierHash string) (*model.BlacklistEntry, error) {
	if s.getFn != nil {
		return s.getFn(ctx, identifierHash)
	}
	return nil, scylla.ErrNotFound
}

func (s *stubBlacklistStore) Delete(ctx context.Context, identifierHash string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, identifierHash)
	}
	return nil
}

// stubAccountStore implements scylla.AccountStore with function fields.
type stubAccountStore struct {
	findByIdentifierHashFn func(ctx context.Context, identifierHash string) (*model.Account, error)
	markChannelVerifiedFn  func(ctx context.Context, accountID string, identifierType model.IdentifierType, at time.Time) error
	createFn               func(ctx context.Context, account *model.Account, identifierHashes []string) error
}

func (s *stubAccountStore) FindByIdentifierHash(ctx context.Context, identifierHash string) (*model.Account, error) {
	if s.findByIdentifierHashFn != nil {
		return s.findByIdentifierHashFn(ctx, identifierHash)
	}
	return nil, scylla.ErrNotFound
}

func (s *stubAccountStore) MarkChannelVerified(ctx context.Context, accountID string, identifierType model.IdentifierType, at time.Time) error {
	if s.markChannelVerifiedFn != nil {
		return s.markChannelVerifiedFn(ctx, accountID, identifierType, at)
	}
	return nil
}

func (s *stubAccountStore) Create(ctx context.Context, account *model.Account, identifierHashes []string) error {
	if s.createFn != nil {
		return s.createFn(ctx, account, identifierHashes)
	}
	return nil
}

// stubCache implements service.Cache with function fields plus call counters
// for the best-effort stat increments.
type stubCache struct {
	markIssuedFn        func(identifierHash string, cooldown time.Duration) error
	cooldownRemainingFn func(identifierHash string) (time.Duration, error)
	setBlacklistFn      func(identifierHash, reason string, ttl time.Duration) error
	getBlacklistFn      func(identifierHash string) (string, bool, error)
	clearBlacklistFn    func(identifierHash string) error
	getStatsFn          func(purposes []string) (map[string]map[string]int64, error)

	issued   int
	verified int
	failed   int
}

func (s *stubCache) MarkIssued(identifierHash string, cooldown time.Duration) error {
	if s.markIssuedFn != nil {
		return s.markIssuedFn(identifierHash, cooldown)
	}
	return nil
}

func (s *stubCache) CooldownRemaining(identifierHash string) (time.Duration, error) {
	if s.cooldownRemainingFn != nil {
		return s.cooldownRemainingFn(identifierHash)
	}
	return 0, nil
}

func (s *stubCache) SetBlacklist(identifierHash, reason string, ttl time.Duration) error {
	if s.setBlacklistFn != nil {
		return s.setBlacklistFn(identifierHash, reason, ttl)
	}
	return nil
}

func (s *stubCache) GetBlacklist(identifierHash string) (string, bool, error) {
	if s.getBlacklistFn != nil {
		return s.getBlacklistFn(identifierHash)
	}
	return "", false, nil
}

func (s *stubCache) ClearBlacklist(identifierHash string) error {
	if s.clearBlacklistFn != nil {
		return s.clearBlacklistFn(identifierHash)
	}
	return nil
}

func (s *stubCache) IncrementIssued(purpose string)   { s.issued++ }
func (s *stubCache) IncrementVerified(purpose string) { s.verified++ }
func (s *stubCache) IncrementFailed(purpose string)   { s.failed++ }

func (s *stubCache) GetStats(purposes []string) (map[string]map[string]int64, error) {
	if s.getStatsFn != nil {
		return s.getStatsFn(purposes)
	}
	return map[string]map[string]int64{}, nil
}

// stubDeliverer implements service.Deliverer and remembers the last code it
// was asked to send.
type stubDeliverer struct {
	sendFn   func(ctx context.Context, identifier model.Identifier, code string, purpose model.Purpose) (string, error)
	lastCode string
	sends    int
}

func (s *stubDeliverer) Send(ctx context.Context, identifier model.Identifier, code string, purpose model.Purpose) (string, error) {
	s.lastCode = code
	s.sends++
	if s.sendFn != nil {
		return s.sendFn(ctx, identifier, code, purpose)
	}
	return "log", nil
}

// captureRecorder collects every event the engine emits.
type captureRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *captureRecorder) Record(ctx context.Context, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *captureRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// testHarness holds all stubs and the constructed OTPService for a test.
type testHarness struct {
	svc       *service.OTPService
	cfg       config.OTPConfig
	clock     *FakeClock
	hasher    *hashing.Hasher
	buckets   *bucketing.BucketingManager
	otps      *stubOTPStore
	blacklist *stubBlacklistStore
	accounts  *stubAccountStore
	cache     *stubCache
	deliverer *stubDeliverer
	recorder  *captureRecorder
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		cfg: config.OTPConfig{
			CodeLength:        6,
			TTL:               10 * time.Minute,
			Cooldown:          90 * time.Second,
			MaxAttempts:       5,
			BlacklistDuration: 24 * time.Hour,
			DeliveryTimeout:   5 * time.Second,
		},
		clock:     NewFakeClock(testStart),
		hasher:    hashing.NewHasher("test-pepper-seed"),
		buckets:   bucketing.NewBucketingManager(16),
		otps:      &stubOTPStore{},
		blacklist: &stubBlacklistStore{},
		accounts:  &stubAccountStore{},
		cache:     &stubCache{},
		deliverer: &stubDeliverer{},
		recorder:  &captureRecorder{},
	}

	h.svc = service.NewOTPService(
		h.cfg,
		h.hasher,
		h.buckets,
		nil,
		h.otps,
		h.blacklist,
		h.accounts,
		h.cache,
		h.deliverer,
		h.recorder,
		h.clock,
	)

	return h
}

// sampleRecord returns an active pending record whose hash matches code.
func sampleRecord(h *testHarness, identifier model.Identifier, purpose model.Purpose, code string) *model.OTPRecord {
	identifierHash := identifier.Hash()
	now := h.clock.Now()
	hashed := h.hasher.HashCode(code, identifierHash, string(purpose))
	return &model.OTPRecord{
		Bucket:         h.buckets.IdentifierBucket(identifierHash),
		OTPID:          "otp-test-001",
		IdentifierHash: identifierHash,
		IdentifierType: identifier.Type,
		Purpose:        purpose,
		CodeHash:       hashed.Hash,
		PepperVersion:  hashed.PepperVersion,
		CreatedAt:      now,
		ExpiresAt:      now.Add(h.cfg.TTL),
	}
}

func mustPhone(t *testing.T, raw string) model.Identifier {
	t.Helper()
	id, err := model.NewPhoneIdentifier(raw)
	if err != nil {
		t.Fatalf("invalid test phone %q: %v", raw, err)
	}
	return id
}
