package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/util"
)

var (
	ErrInvalidHash       = errors.New("invalid hash format")
	ErrPepperVersionGone = errors.New("pepper version not found")
	ErrInvalidCodeLength = errors.New("code length must be positive")
)

// Pepper is a server-side HMAC key. Versioned so verification keeps
// working for records hashed under a previous key after rotation.
type Pepper struct {
	Value     []byte
	CreatedAt time.Time
	Version   int
}

// Hasher generates OTP codes and computes versioned keyed hashes over them.
type Hasher struct {
	currentPepper *Pepper
	oldPeppers    []*Pepper
	mu            sync.RWMutex
}

// HashResult is what gets persisted in place of the raw code.
type HashResult struct {
	Hash          string `json:"hash"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// NewHasher seeds the hasher with an initial pepper. An empty seed gets a
// random pepper (codes issued before a restart then fail verification,
// which only shortens their effective TTL).
func NewHasher(pepperSeed string) *Hasher {
	h := &Hasher{}
	if pepperSeed != "" {
		h.currentPepper = &Pepper{
			Value:     []byte(pepperSeed),
			CreatedAt: time.Now().UTC(),
			Version:   1,
		}
	} else {
		h.rotatePepper()
	}
	return h
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	version := 1
	if h.currentPepper != nil {
		version = h.currentPepper.Version + 1
	}
	h.currentPepper = &Pepper{
		Value:     pepperBytes,
		CreatedAt: time.Now().UTC(),
		Version:   version,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
}

// StartPepperRotation rotates the pepper on a fixed interval. Old peppers
// are kept two versions deep so in-flight codes stay verifiable.
func (h *Hasher) StartPepperRotation(interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		for range ticker.C {
			h.rotatePepper()

			h.mu.Lock()
			if len(h.oldPeppers) > 2 {
				h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
			}
			h.mu.Unlock()
		}
	}()
}

// GenerateCode produces a decimal code of the given length, each digit
// drawn independently from crypto/rand. Collisions between calls are
// acceptable; expiry and attempt limits bound the exposure window.
func (h *Hasher) GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidCodeLength
	}
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to draw random digit: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// HashCode computes the keyed hash persisted for a code. The identifier
// hash and purpose are mixed in so a hash can never validate for a
// different identifier or flow.
func (h *Hasher) HashCode(code, identifierHash, purpose string) *HashResult {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	return &HashResult{
		Hash:          computeMAC(pepper.Value, code, identifierHash, purpose),
		PepperVersion: pepper.Version,
		Algorithm:     "hmac-sha256-v1",
	}
}

// VerifyCode recomputes the MAC for a submitted code and compares it in
// constant time against the stored hash.
func (h *Hasher) VerifyCode(code, identifierHash, purpose string, stored *HashResult) (bool, error) {
	if stored == nil || stored.Hash == "" {
		return false, ErrInvalidHash
	}

	pepper, err := h.getPepper(stored.PepperVersion)
	if err != nil {
		return false, fmt.Errorf("%w: version %d", ErrPepperVersionGone, stored.PepperVersion)
	}

	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed, err := base64.RawURLEncoding.DecodeString(computeMAC(pepper, code, identifierHash, purpose))
	if err != nil {
		return false, ErrInvalidHash
	}

	return hmac.Equal(computed, expected), nil
}

func computeMAC(pepper []byte, code, identifierHash, purpose string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(code))
	mac.Write([]byte{0})
	mac.Write([]byte(identifierHash))
	mac.Write([]byte{0})
	mac.Write([]byte(purpose))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) getPepper(version int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}

	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}

	return nil, ErrPepperVersionGone
}
