package redis_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/client"
	redisrepo "otp-service/internal/repository/redis"
)

const testHash = "6aa0e21d3e3587f0a07ae8ec13bcb7e0f7addf5e7e2b4b9ea9fa9a0a6d7f4c21"

func newTestCache(t *testing.T) (*redisrepo.OTPCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		require.NoError(t, rdb.Close())
	})

	return redisrepo.NewOTPCache(&client.RedisClient{Client: rdb}), mr
}

func TestCooldown(t *testing.T) {
	t.Run("stamp sets the key with the window TTL", func(t *testing.T) {
		cache, mr := newTestCache(t)

		require.NoError(t, cache.MarkIssued(testHash, 90*time.Second))

		key := "otp_cooldown:" + testHash
		assert.True(t, mr.Exists(key))
		assert.Equal(t, 90*time.Second, mr.TTL(key))
	})

	t.Run("remaining tracks the TTL down", func(t *testing.T) {
		cache, mr := newTestCache(t)

		require.NoError(t, cache.MarkIssued(testHash, 90*time.Second))

		remaining, err := cache.CooldownRemaining(testHash)
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, remaining)

		mr.FastForward(30 * time.Second)

		remaining, err = cache.CooldownRemaining(testHash)
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, remaining)
	})

	t.Run("no stamp reads as zero", func(t *testing.T) {
		cache, _ := newTestCache(t)

		remaining, err := cache.CooldownRemaining(testHash)
		require.NoError(t, err)
		assert.Zero(t, remaining)
	})

	t.Run("stamp expires after the window", func(t *testing.T) {
		cache, mr := newTestCache(t)

		require.NoError(t, cache.MarkIssued(testHash, 90*time.Second))
		mr.FastForward(91 * time.Second)

		remaining, err := cache.CooldownRemaining(testHash)
		require.NoError(t, err)
		assert.Zero(t, remaining)
	})

	t.Run("clear drops the stamp early", func(t *testing.T) {
		cache, mr := newTestCache(t)

		require.NoError(t, cache.MarkIssued(testHash, 90*time.Second))
		require.NoError(t, cache.ClearCooldown(testHash))
		assert.False(t, mr.Exists("otp_cooldown:"+testHash))
	})
}

func TestBlacklistCache(t *testing.T) {
	t.Run("set then get returns the reason", func(t *testing.T) {
		cache, _ := newTestCache(t)

		require.NoError(t, cache.SetBlacklist(testHash, "Too many failed OTP attempts", 24*time.Hour))

		reason, blocked, err := cache.GetBlacklist(testHash)
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Equal(t, "Too many failed OTP attempts", reason)
	})

	t.Run("absent entry reads as not blocked", func(t *testing.T) {
		cache, _ := newTestCache(t)

		_, blocked, err := cache.GetBlacklist(testHash)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("entry expires with the block window", func(t *testing.T) {
		cache, mr := newTestCache(t)

		require.NoError(t, cache.SetBlacklist(testHash, "Too many failed OTP attempts", 24*time.Hour))
		mr.FastForward(24*time.Hour + time.Minute)

		_, blocked, err := cache.GetBlacklist(testHash)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("clear removes an active entry", func(t *testing.T) {
		cache, _ := newTestCache(t)

		require.NoError(t, cache.SetBlacklist(testHash, "Too many failed OTP attempts", 24*time.Hour))
		require.NoError(t, cache.ClearBlacklist(testHash))

		_, blocked, err := cache.GetBlacklist(testHash)
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}

func TestStatsCounters(t *testing.T) {
	t.Run("counters accumulate per purpose", func(t *testing.T) {
		cache, _ := newTestCache(t)

		cache.IncrementIssued("login")
		cache.IncrementIssued("login")
		cache.IncrementVerified("login")
		cache.IncrementFailed("registration")

		stats, err := cache.GetStats([]string{"login", "registration", "password_reset"})
		require.NoError(t, err)

		assert.Equal(t, int64(2), stats["login"]["issued"])
		assert.Equal(t, int64(1), stats["login"]["verified"])
		assert.Equal(t, int64(0), stats["login"]["failed"])
		assert.Equal(t, int64(1), stats["registration"]["failed"])
		assert.Equal(t, int64(0), stats["password_reset"]["issued"])
	})

	t.Run("counter keys carry the rolling window TTL", func(t *testing.T) {
		cache, mr := newTestCache(t)

		cache.IncrementIssued("login")
		assert.Equal(t, 24*time.Hour, mr.TTL("otp_stat_issued:login"))
	})

	t.Run("counters roll off after the window", func(t *testing.T) {
		cache, mr := newTestCache(t)

		cache.IncrementIssued("login")
		mr.FastForward(25 * time.Hour)

		stats, err := cache.GetStats([]string{"login"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats["login"]["issued"])
	})
}
