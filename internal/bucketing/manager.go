package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps identifier hashes onto a fixed number of partition
// buckets. The bucket is part of every Scylla partition key so hot
// identifiers cannot concentrate load on a single partition.
type BucketingManager struct {
	identifierBuckets int
	hasherPool        sync.Pool
}

func NewBucketingManager(identifierBuckets int) *BucketingManager {
	if identifierBuckets <= 0 {
		identifierBuckets = 64
	}

	bm := &BucketingManager{
		identifierBuckets: identifierBuckets,
	}

	// Pool of hash states to avoid per-call allocation
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// IdentifierBucket returns a stable bucket in [0, identifierBuckets) for
// the given identifier hash.
func (bm *BucketingManager) IdentifierBucket(identifierHash string) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(identifierHash))

	return int(hasher.Sum64() % uint64(bm.identifierBuckets))
}

// Buckets returns the configured bucket count.
func (bm *BucketingManager) Buckets() int {
	return bm.identifierBuckets
}
