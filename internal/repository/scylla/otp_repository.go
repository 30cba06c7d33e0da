package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// ErrNotFound is returned when no matching row exists.
var ErrNotFound = errors.New("not found")

// OTPStore is the persistence contract the verification engine depends on.
type OTPStore interface {
	CreateOTP(ctx context.Context, otp *model.OTPRecord, ttl time.Duration) error
	GetLatestOTP(ctx context.Context, bucket int, identifierHash, purpose string) (*model.OTPRecord, error)
	GetLastIssuedAt(ctx context.Context, bucket int, identifierHash string) (time.Time, error)
	IncrementAttempts(ctx context.Context, otp *model.OTPRecord) (int, error)
	MarkVerified(ctx context.Context, otp *model.OTPRecord, verifiedAt time.Time) error
}

type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{
		client: client,
	}
}

// CreateOTP inserts a new code record. The row TTL covers the validity window
// plus a retention margin so verification can distinguish expired from absent.
func (r *OTPRepository) CreateOTP(ctx context.Context, otp *model.OTPRecord, ttl time.Duration) error {
	if otp.OTPID == "" {
		otp.OTPID = uuid.New().String()
	}

	query := r.client.Query(r.client.Stmt.CreateOTP,
		otp.Bucket, otp.IdentifierHash, otp.Purpose, otp.CreatedAt, otp.OTPID,
		otp.IdentifierType, otp.IdentifierEncrypted, otp.IdentifierKeyID,
		otp.CodeHash, otp.PepperVersion, otp.Attempts, otp.Verified, otp.VerifiedAt,
		otp.RequesterIP, otp.ProviderUsed, otp.ExpiresAt,
		int(ttl.Seconds())).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP record",
			zap.String("identifier_hash", otp.IdentifierHash),
			zap.String("otp_id", otp.OTPID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP record: %w", err)
	}

	util.Debug("OTP record created",
		zap.String("otp_id", otp.OTPID),
		zap.String("purpose", string(otp.Purpose)),
		zap.Time("expires_at", otp.ExpiresAt))

	return nil
}

// GetLatestOTP returns the most recently issued record for an identifier and
// purpose, regardless of its state. Returns ErrNotFound when none exists.
func (r *OTPRepository) GetLatestOTP(ctx context.Context, bucket int, identifierHash, purpose string) (*model.OTPRecord, error) {
	otp := &model.OTPRecord{}

	query := r.client.Query(r.client.Stmt.GetLatestOTP, bucket, identifierHash, purpose).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&otp.Bucket, &otp.IdentifierHash, &otp.Purpose, &otp.CreatedAt, &otp.OTPID,
		&otp.IdentifierType, &otp.IdentifierEncrypted, &otp.IdentifierKeyID,
		&otp.CodeHash, &otp.PepperVersion, &otp.Attempts, &otp.Verified, &otp.VerifiedAt,
		&otp.RequesterIP, &otp.ProviderUsed, &otp.ExpiresAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get latest OTP",
			zap.String("identifier_hash", identifierHash),
			zap.String("purpose", purpose),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get latest OTP: %w", err)
	}

	return otp, nil
}

// GetLastIssuedAt returns the newest created_at across all purposes for an
// identifier. Rows cluster by purpose first, so a bounded page is scanned.
func (r *OTPRepository) GetLastIssuedAt(ctx context.Context, bucket int, identifierHash string) (time.Time, error) {
	iter := r.client.Query(r.client.Stmt.GetRecentOTPs, bucket, identifierHash).WithContext(ctx).Iter()

	var purpose string
	var createdAt, expiresAt time.Time
	var latest time.Time

	for iter.Scan(&purpose, &createdAt, &expiresAt) {
		if createdAt.After(latest) {
			latest = createdAt
		}
	}

	if err := iter.Close(); err != nil {
		return time.Time{}, fmt.Errorf("failed to scan recent OTPs: %w", err)
	}

	return latest, nil
}

// IncrementAttempts bumps the attempt counter with a compare-and-set so two
// concurrent verifications cannot both observe the same attempt number.
// Returns the counter value this caller owns after its increment.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, otp *model.OTPRecord) (int, error) {
	current := otp.Attempts

	for i := 0; i < 5; i++ {
		var observed int
		query := r.client.Query(r.client.Stmt.UpdateOTPAttempts,
			current+1, otp.Bucket, otp.IdentifierHash, otp.Purpose, otp.CreatedAt,
			current).WithContext(ctx)

		applied, err := query.ScanCAS(&observed)
		if err != nil {
			util.Error("Failed to increment OTP attempts",
				zap.String("otp_id", otp.OTPID),
				zap.Error(err))
			return 0, fmt.Errorf("failed to increment attempts: %w", err)
		}

		if applied {
			otp.Attempts = current + 1
			return otp.Attempts, nil
		}

		// Lost the race, retry from the value the winner left behind.
		current = observed
	}

	return 0, fmt.Errorf("failed to increment attempts: too much contention on %s", otp.OTPID)
}

// MarkVerified flips the record to its terminal verified state.
func (r *OTPRepository) MarkVerified(ctx context.Context, otp *model.OTPRecord, verifiedAt time.Time) error {
	query := r.client.Query(r.client.Stmt.MarkOTPVerified,
		verifiedAt, otp.Bucket, otp.IdentifierHash, otp.Purpose, otp.CreatedAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark OTP verified",
			zap.String("otp_id", otp.OTPID),
			zap.Error(err))
		return fmt.Errorf("failed to mark OTP verified: %w", err)
	}

	otp.Verified = true
	otp.VerifiedAt = &verifiedAt

	util.Info("OTP marked verified",
		zap.String("otp_id", otp.OTPID),
		zap.String("purpose", string(otp.Purpose)))

	return nil
}
