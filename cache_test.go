package edgeguard

import (
	"context"
	"testing"
	"time"
)

func TestFingerprintBucketsNearbyVectors(t *testing.T) {
	a := &FeatureVector{RequestRate: 10.1, ByteRate: 5000, BurstRatio: 1.2, PathEntropy: 2.1, WriteRatio: 0.31, DistinctPaths: 4}
	b := &FeatureVector{RequestRate: 10.9, ByteRate: 5500, BurstRatio: 1.4, PathEntropy: 2.2, WriteRatio: 0.35, DistinctPaths: 4}
	if Fingerprint("1.2.3.4", a) != Fingerprint("1.2.3.4", b) {
		t.Fatalf("vectors inside the same buckets must share a fingerprint")
	}

	c := &FeatureVector{RequestRate: 150, ByteRate: 900000, BurstRatio: 6, PathEntropy: 0.1, WriteRatio: 0.9, DistinctPaths: 1}
	if Fingerprint("1.2.3.4", a) == Fingerprint("1.2.3.4", c) {
		t.Fatalf("dissimilar vectors must not collide")
	}
	if Fingerprint("1.2.3.4", a) == Fingerprint("5.6.7.8", a) {
		t.Fatalf("fingerprints must be scoped per client key")
	}
}

func TestRistrettoCachePutGet(t *testing.T) {
	cache, err := NewRistrettoVerdictCache(1000)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	verdict := &DetectionVerdict{RiskScore: 85, Confidence: 0.8, IsAttack: true, AttackType: AttackVolumetric}
	cache.Put(ctx, 42, verdict, 5*time.Second)
	cache.Wait()

	got, ok := cache.Get(ctx, 42)
	if !ok {
		t.Fatalf("expected cache hit after Put")
	}
	if got.RiskScore != 85 || got.AttackType != AttackVolumetric {
		t.Fatalf("cached verdict corrupted: %+v", got)
	}

	if _, ok := cache.Get(ctx, 43); ok {
		t.Fatalf("expected miss for unknown fingerprint")
	}
}

func TestRistrettoCacheTTLExpiry(t *testing.T) {
	cache, err := NewRistrettoVerdictCache(1000)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	cache.Put(ctx, 7, &DetectionVerdict{RiskScore: 50}, 20*time.Millisecond)
	cache.Wait()

	time.Sleep(100 * time.Millisecond)
	if _, ok := cache.Get(ctx, 7); ok {
		t.Fatalf("expected entry to expire after its TTL")
	}
}

func TestRistrettoCacheIgnoresNoopWrites(t *testing.T) {
	cache, err := NewRistrettoVerdictCache(1000)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	cache.Put(ctx, 1, nil, time.Second)
	cache.Put(ctx, 2, &DetectionVerdict{}, 0)
	cache.Wait()

	if _, ok := cache.Get(ctx, 1); ok {
		t.Fatalf("nil verdicts must not be cached")
	}
	if _, ok := cache.Get(ctx, 2); ok {
		t.Fatalf("zero TTL writes must not be cached")
	}
}
