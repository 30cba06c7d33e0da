package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

var (
	ErrInvalidIdentifier     = errors.New("invalid identifier")
	ErrInvalidIdentifierType = errors.New("invalid identifier type")
	ErrInvalidPurpose        = errors.New("invalid purpose")
)

// IdentifierType discriminates the two delivery channels.
type IdentifierType string

const (
	IdentifierPhone IdentifierType = "phone"
	IdentifierEmail IdentifierType = "email"
)

func ParseIdentifierType(s string) (IdentifierType, error) {
	switch IdentifierType(strings.ToLower(strings.TrimSpace(s))) {
	case IdentifierPhone:
		return IdentifierPhone, nil
	case IdentifierEmail:
		return IdentifierEmail, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifierType, s)
	}
}

// Identifier is a tagged union of a phone number (E.164) or an email address.
// The zero value is invalid; construct through NewPhoneIdentifier,
// NewEmailIdentifier, or NewIdentifier.
type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// NewPhoneIdentifier validates and normalizes an E.164 phone number.
func NewPhoneIdentifier(raw string) (Identifier, error) {
	normalized := normalizePhone(raw)
	if !isE164(normalized) {
		return Identifier{}, fmt.Errorf("%w: phone must be E.164", ErrInvalidIdentifier)
	}
	return Identifier{Type: IdentifierPhone, Value: normalized}, nil
}

// NewEmailIdentifier validates and normalizes an email address.
func NewEmailIdentifier(raw string) (Identifier, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if _, err := mail.ParseAddress(normalized); err != nil {
		return Identifier{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	return Identifier{Type: IdentifierEmail, Value: normalized}, nil
}

// NewIdentifier dispatches on the declared type.
func NewIdentifier(typ IdentifierType, raw string) (Identifier, error) {
	switch typ {
	case IdentifierPhone:
		return NewPhoneIdentifier(raw)
	case IdentifierEmail:
		return NewEmailIdentifier(raw)
	default:
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifierType, typ)
	}
}

// Hash returns the hex SHA-256 of the normalized value. Identifiers are
// stored and keyed by this hash, never by the raw value.
func (id Identifier) Hash() string {
	sum := sha256.Sum256([]byte(id.Value))
	return hex.EncodeToString(sum[:])
}

func (id Identifier) IsZero() bool {
	return id.Type == "" || id.Value == ""
}

func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isE164(s string) bool {
	if len(s) < 8 || len(s) > 16 || !strings.HasPrefix(s, "+") {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s[1] != '0'
}

// Purpose scopes an OTP to the flow that requested it, so a registration
// code can never validate a login attempt.
type Purpose string

const (
	PurposeRegistration  Purpose = "registration"
	PurposeLogin         Purpose = "login"
	PurposePasswordReset Purpose = "password_reset"
)

func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(strings.ToLower(strings.TrimSpace(s))) {
	case PurposeRegistration:
		return PurposeRegistration, nil
	case PurposeLogin:
		return PurposeLogin, nil
	case PurposePasswordReset:
		return PurposePasswordReset, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPurpose, s)
	}
}

// OTPRecord is one issued code. Only the keyed hash of the code is
// persisted; the raw code exists transiently on the delivery path.
type OTPRecord struct {
	Bucket              int            `json:"-" db:"bucket"`
	OTPID               string         `json:"otp_id" db:"otp_id"`
	IdentifierHash      string         `json:"-" db:"identifier_hash"`
	IdentifierType      IdentifierType `json:"identifier_type" db:"identifier_type"`
	IdentifierEncrypted []byte         `json:"-" db:"identifier_encrypted"`
	IdentifierKeyID     string         `json:"-" db:"identifier_key_id"`
	Purpose             Purpose        `json:"purpose" db:"purpose"`
	CodeHash            string         `json:"-" db:"code_hash"`
	PepperVersion       int            `json:"-" db:"pepper_version"`
	Attempts            int            `json:"attempts" db:"attempts"`
	Verified            bool           `json:"verified" db:"verified"`
	VerifiedAt          *time.Time     `json:"verified_at,omitempty" db:"verified_at"`
	RequesterIP         string         `json:"-" db:"requester_ip"`
	ProviderUsed        string         `json:"-" db:"provider_used"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt           time.Time      `json:"expires_at" db:"expires_at"`
}

// Active reports whether the record can still accept a verification attempt.
func (r *OTPRecord) Active(now time.Time, maxAttempts int) bool {
	return !r.Verified && r.Attempts < maxAttempts && now.Before(r.ExpiresAt)
}

// BlacklistEntry blocks issuance for an identifier until BlockedUntil.
// Entries self-expire by comparison at check time; nothing deletes them.
type BlacklistEntry struct {
	IdentifierHash string         `json:"-" db:"identifier_hash"`
	IdentifierType IdentifierType `json:"identifier_type" db:"identifier_type"`
	Reason         string         `json:"reason" db:"reason"`
	BlockedUntil   time.Time      `json:"blocked_until" db:"blocked_until"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

func (b *BlacklistEntry) ActiveAt(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}

// Account is the minimal user projection this service touches: enough to
// flip the per-channel verified flags after a successful OTP check.
type Account struct {
	AccountID     string     `json:"account_id" db:"account_id"`
	PhoneHash     string     `json:"-" db:"phone_hash"`
	EmailHash     string     `json:"-" db:"email_hash"`
	PhoneVerified bool       `json:"phone_verified" db:"phone_verified"`
	EmailVerified bool       `json:"email_verified" db:"email_verified"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}
