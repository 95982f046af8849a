package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"device-security-service/internal/config"
)

// BucketingManager assigns consistent partition buckets for device-keyed
// rows and event rows.
type BucketingManager struct {
	deviceBuckets int
	eventBuckets  int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		deviceBuckets: cfg.Bucketing.DeviceBuckets,
		eventBuckets:  cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetDeviceBucket returns a consistent bucket for a device (0 to deviceBuckets-1)
func (bm *BucketingManager) GetDeviceBucket(deviceID string) int {
	return bm.getBucket(deviceID, bm.deviceBuckets)
}

// GetEventBucket returns the bucket for event rows
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the date partition for event rows
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetDeviceBuckets() int {
	return bm.deviceBuckets
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
