package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifierBucket(t *testing.T) {
	t.Run("deterministic for the same input", func(t *testing.T) {
		bm := NewBucketingManager(64)

		first := bm.IdentifierBucket("abc123")
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, bm.IdentifierBucket("abc123"))
		}
	})

	t.Run("always within range", func(t *testing.T) {
		bm := NewBucketingManager(16)

		for i := 0; i < 1000; i++ {
			bucket := bm.IdentifierBucket(fmt.Sprintf("identifier-%d", i))
			assert.GreaterOrEqual(t, bucket, 0)
			assert.Less(t, bucket, 16)
		}
	})

	t.Run("spreads identifiers across buckets", func(t *testing.T) {
		bm := NewBucketingManager(16)

		used := make(map[int]bool)
		for i := 0; i < 1000; i++ {
			used[bm.IdentifierBucket(fmt.Sprintf("identifier-%d", i))] = true
		}
		// 1000 hashes over 16 buckets leaving most empty would mean a
		// broken distribution.
		assert.GreaterOrEqual(t, len(used), 14)
	})

	t.Run("non-positive bucket count falls back to default", func(t *testing.T) {
		bm := NewBucketingManager(0)
		assert.Equal(t, 64, bm.Buckets())

		bm = NewBucketingManager(-5)
		assert.Equal(t, 64, bm.Buckets())
	})

	t.Run("safe for concurrent use", func(t *testing.T) {
		bm := NewBucketingManager(32)
		want := bm.IdentifierBucket("shared-identifier")

		done := make(chan struct{})
		for g := 0; g < 8; g++ {
			go func() {
				defer func() { done <- struct{}{} }()
				for i := 0; i < 500; i++ {
					if got := bm.IdentifierBucket("shared-identifier"); got != want {
						t.Errorf("bucket changed under concurrency: got %d want %d", got, want)
						return
					}
				}
			}()
		}
		for g := 0; g < 8; g++ {
			<-done
		}
	})
}
