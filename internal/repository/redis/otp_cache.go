package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/util"
)

const (
	cooldownPrefix     = "otp_cooldown:"
	blacklistPrefix    = "otp_blacklist:"
	statIssuedPrefix   = "otp_stat_issued:"
	statVerifiedPrefix = "otp_stat_verified:"
	statFailedPrefix   = "otp_stat_failed:"

	statWindow = 24 * time.Hour
)

// OTPCache is the Redis fast path in front of the durable store. Cooldown
// stamps and blacklist entries live here with TTLs matching their windows.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

// MarkIssued stamps the cooldown window for an identifier.
func (c *OTPCache) MarkIssued(identifierHash string, cooldown time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := cooldownPrefix + identifierHash
	if err := c.client.Set(ctx, key, time.Now().UTC().Unix(), cooldown); err != nil {
		util.Error("Failed to set cooldown stamp",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
		return fmt.Errorf("failed to set cooldown stamp: %w", err)
	}

	return nil
}

// CooldownRemaining returns how long until the identifier may request another
// code, zero when no cooldown is active.
func (c *OTPCache) CooldownRemaining(identifierHash string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ttl, err := c.client.TTL(ctx, cooldownPrefix+identifierHash)
	if err != nil {
		return 0, fmt.Errorf("failed to get cooldown TTL: %w", err)
	}

	// -2 key missing, -1 no expiry set
	if ttl < 0 {
		return 0, nil
	}

	return ttl, nil
}

// ClearCooldown drops the cooldown stamp, used by tests and ops tooling.
func (c *OTPCache) ClearCooldown(identifierHash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return c.client.Del(ctx, cooldownPrefix+identifierHash)
}

// SetBlacklist caches a block entry for its full window.
func (c *OTPCache) SetBlacklist(identifierHash, reason string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := blacklistPrefix + identifierHash
	if err := c.client.Set(ctx, key, reason, ttl); err != nil {
		util.Error("Failed to cache blacklist entry",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
		return fmt.Errorf("failed to cache blacklist entry: %w", err)
	}

	util.Debug("Blacklist entry cached",
		zap.String("identifier_hash", identifierHash),
		zap.Duration("ttl", ttl))

	return nil
}

// GetBlacklist returns the block reason when the identifier is blocked.
func (c *OTPCache) GetBlacklist(identifierHash string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := blacklistPrefix + identifierHash

	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	if !exists {
		return "", false, nil
	}

	reason, err := c.client.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to read blacklist entry: %w", err)
	}

	return reason, true, nil
}

// ClearBlacklist removes a cached block before its window elapses.
func (c *OTPCache) ClearBlacklist(identifierHash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, blacklistPrefix+identifierHash); err != nil {
		return fmt.Errorf("failed to clear blacklist entry: %w", err)
	}

	return nil
}

// IncrementIssued bumps the rolling issued counter for a purpose.
func (c *OTPCache) IncrementIssued(purpose string) {
	c.incrementStat(statIssuedPrefix + purpose)
}

// IncrementVerified bumps the rolling verified counter for a purpose.
func (c *OTPCache) IncrementVerified(purpose string) {
	c.incrementStat(statVerifiedPrefix + purpose)
}

// IncrementFailed bumps the rolling failed-attempt counter for a purpose.
func (c *OTPCache) IncrementFailed(purpose string) {
	c.incrementStat(statFailedPrefix + purpose)
}

func (c *OTPCache) incrementStat(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.client.IncrWithExpire(ctx, key, statWindow); err != nil {
		// Stats are best effort, never block the caller.
		util.Warn("Failed to increment stat counter",
			zap.String("key", key),
			zap.Error(err))
	}
}

// GetStats returns the rolling counters for every purpose.
func (c *OTPCache) GetStats(purposes []string) (map[string]map[string]int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := make(map[string]map[string]int64, len(purposes))

	for _, purpose := range purposes {
		entry := map[string]int64{
			"issued":   0,
			"verified": 0,
			"failed":   0,
		}
		for name, prefix := range map[string]string{
			"issued":   statIssuedPrefix,
			"verified": statVerifiedPrefix,
			"failed":   statFailedPrefix,
		} {
			val, err := c.client.Get(ctx, prefix+purpose)
			if err != nil {
				continue // missing counter reads as zero
			}
			count, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				util.Warn("Invalid stat counter format",
					zap.String("purpose", purpose),
					zap.String("value", val))
				continue
			}
			entry[name] = count
		}
		stats[purpose] = entry
	}

	return stats, nil
}
