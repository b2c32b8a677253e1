package edgeguard

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/oarkflow/log"
	"github.com/redis/go-redis/v9"
)

// Fingerprint derives the cache key from the client key and a quantized
// view of the feature vector, so near-identical recent behavior from the
// same client shares one verdict entry.
func Fingerprint(clientKey string, fv *FeatureVector) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(clientKey)
	writeBucket(d, quantize(fv.RequestRate, 1))
	writeBucket(d, quantize(fv.ByteRate, 4096))
	writeBucket(d, quantize(fv.BurstRatio, 0.5))
	writeBucket(d, quantize(fv.PathEntropy, 0.25))
	writeBucket(d, quantize(fv.WriteRatio, 0.1))
	writeBucket(d, int64(fv.DistinctPaths))
	if fv.LowConfidence {
		writeBucket(d, 1)
	}
	return d.Sum64()
}

func writeBucket(d *xxhash.Digest, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, _ = d.Write(buf[:])
}

// RistrettoVerdictCache is the in-process verdict cache. Admission and
// eviction are delegated to ristretto; entries expire by TTL only.
type RistrettoVerdictCache struct {
	cache *ristretto.Cache
}

func NewRistrettoVerdictCache(maxEntries int64) (*RistrettoVerdictCache, error) {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verdict cache: %w", err)
	}
	return &RistrettoVerdictCache{cache: cache}, nil
}

func (c *RistrettoVerdictCache) Get(ctx context.Context, fingerprint uint64) (*DetectionVerdict, bool) {
	raw, ok := c.cache.Get(fingerprint)
	if !ok {
		return nil, false
	}
	verdict, ok := raw.(*DetectionVerdict)
	return verdict, ok
}

func (c *RistrettoVerdictCache) Put(ctx context.Context, fingerprint uint64, verdict *DetectionVerdict, ttl time.Duration) {
	if verdict == nil || ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(fingerprint, verdict, 1, ttl)
}

// Wait flushes pending writes. Used by tests; production callers never
// depend on a write becoming visible.
func (c *RistrettoVerdictCache) Wait() { c.cache.Wait() }

func (c *RistrettoVerdictCache) HealthCheck() error { return nil }

func (c *RistrettoVerdictCache) Close() error {
	c.cache.Close()
	return nil
}

// RedisVerdictCache is the optional shared backend for multi-instance
// deployments. Every operation is bounded by the caller's context; any
// failure is a miss.
type RedisVerdictCache struct {
	client *redis.Client
	logger *log.Logger
	dlog   *degradeLog
}

func NewRedisVerdictCache(addr string, logger *log.Logger) (*RedisVerdictCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisVerdictCache{
		client: client,
		logger: logger,
		dlog:   newDegradeLog(30 * time.Second),
	}, nil
}

func verdictKey(fingerprint uint64) string {
	return fmt.Sprintf("edgeguard:verdict:%016x", fingerprint)
}

func (c *RedisVerdictCache) Get(ctx context.Context, fingerprint uint64) (*DetectionVerdict, bool) {
	data, err := c.client.Get(ctx, verdictKey(fingerprint)).Bytes()
	if err != nil {
		if err != redis.Nil && c.dlog.Allow("redis_get") {
			c.logger.Warn().Err(err).Msg("verdict cache lookup failed, treating as miss")
		}
		return nil, false
	}
	var verdict DetectionVerdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return nil, false
	}
	return &verdict, true
}

func (c *RedisVerdictCache) Put(ctx context.Context, fingerprint uint64, verdict *DetectionVerdict, ttl time.Duration) {
	if verdict == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(verdict)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, verdictKey(fingerprint), data, ttl).Err(); err != nil {
		if c.dlog.Allow("redis_set") {
			c.logger.Warn().Err(err).Msg("verdict cache write failed, continuing uncached")
		}
	}
}

func (c *RedisVerdictCache) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func (c *RedisVerdictCache) Close() error { return c.client.Close() }
