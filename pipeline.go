package edgeguard

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// Pipeline wires the admission components into a single Decide call. It is
// safe for arbitrary concurrent callers; there is no global serialization
// point, only per-key locks inside the store and the mitigation controller.
type Pipeline struct {
	cfgMu        sync.RWMutex
	cacheTTL     time.Duration
	cacheTimeout time.Duration

	store     *SlidingWindowStore
	extractor *FeatureExtractor
	engine    *DetectionEngine
	mitigator *MitigationController
	cache     VerdictCache // nil disables caching; correctness is unaffected
	alerts    *AlertEngine
	perf      *PerformanceMetrics
	collector MetricsCollector
	logger    *log.Logger
}

func NewPipeline(
	cfg *Config,
	store *SlidingWindowStore,
	extractor *FeatureExtractor,
	engine *DetectionEngine,
	mitigator *MitigationController,
	cache VerdictCache,
	alerts *AlertEngine,
	perf *PerformanceMetrics,
	collector MetricsCollector,
	logger *log.Logger,
) *Pipeline {
	return &Pipeline{
		cacheTTL:     cfg.CacheTTL.Std(),
		cacheTimeout: cfg.CacheTimeout.Std(),
		store:        store,
		extractor:    extractor,
		engine:       engine,
		mitigator:    mitigator,
		cache:        cache,
		alerts:       alerts,
		perf:         perf,
		collector:    collector,
		logger:       logger,
	}
}

// ApplyConfig swaps the hot-reloadable tunables.
func (p *Pipeline) ApplyConfig(cfg *Config) {
	p.cfgMu.Lock()
	p.cacheTTL = cfg.CacheTTL.Std()
	p.cacheTimeout = cfg.CacheTimeout.Std()
	p.cfgMu.Unlock()

	p.engine.SetThresholds(cfg.AttackThreshold, cfg.HardRequestRate, cfg.HardByteRate)
	p.mitigator.SetPolicy(MitigationPolicy{
		BaseRateLimit:   cfg.BaseRateLimit,
		BurstMultiplier: cfg.BurstMultiplier,
		BaseBlock:       cfg.BaseBlockDuration.Std(),
		MaxBlock:        cfg.MaxBlockDuration.Std(),
		DecayWindow:     cfg.ViolationDecayWindow.Std(),
		Window:          cfg.Window.Std(),
	})
}

func (p *Pipeline) cacheParams() (time.Duration, time.Duration) {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cacheTTL, p.cacheTimeout
}

// Decide runs the admission pipeline for one request. The event is recorded
// and the mitigation state advanced even if ctx is already cancelled; only
// the optional cache and alert writes honor cancellation.
func (p *Pipeline) Decide(ctx context.Context, req *Request) (Decision, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		p.collector.IncrementCounter("edgeguard_invalid_requests_total", nil)
		return Decision{}, err
	}
	now := req.Timestamp
	if now.IsZero() {
		now = start
	}

	event := TrafficEvent{
		ClientKey:   req.ClientKey,
		Timestamp:   now,
		Method:      req.Method,
		Path:        req.Path,
		ByteSize:    req.BodySize,
		HeaderCount: req.HeaderCount,
	}

	t := time.Now()
	count, _ := p.store.Record(event)
	p.perf.Record("window", time.Since(t), "")

	// Active blocks short-circuit without re-running detection. The block's
	// original attack type rides along so repeats stay on the same alert.
	if decision, attackType, blocked := p.mitigator.Precheck(req.ClientKey, now); blocked {
		p.observe(now, req.ClientKey, DetectionVerdict{AttackType: attackType}, decision)
		p.finish(start, decision)
		return decision, nil
	}

	snapshot := p.store.Snapshot(req.ClientKey, now)

	t = time.Now()
	fv := p.extractor.Compute(snapshot, event)
	p.perf.Record("features", time.Since(t), "")

	verdict, fromCache := p.lookupVerdict(ctx, req.ClientKey, fv)
	if !fromCache {
		t = time.Now()
		verdict = p.engine.Score(fv)
		p.perf.Record("detection", time.Since(t), string(verdict.AttackType))
		p.storeVerdict(ctx, req.ClientKey, fv, verdict)
	}

	t = time.Now()
	decision := p.mitigator.Decide(req.ClientKey, now, count, verdict)
	p.perf.Record("mitigation", time.Since(t), decision.Action.String())

	p.observe(now, req.ClientKey, verdict, decision)
	p.finish(start, decision)
	return decision, nil
}

// lookupVerdict consults the cache under its bounded timeout. Any failure,
// timeout, or cancellation is a miss.
func (p *Pipeline) lookupVerdict(ctx context.Context, clientKey string, fv *FeatureVector) (DetectionVerdict, bool) {
	if p.cache == nil || ctx.Err() != nil {
		return DetectionVerdict{}, false
	}
	_, timeout := p.cacheParams()
	t := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cached, ok := p.cache.Get(cctx, Fingerprint(clientKey, fv))
	if ok {
		p.perf.Record("cache", time.Since(t), "hit")
		return *cached, true
	}
	p.perf.Record("cache", time.Since(t), "miss")
	return DetectionVerdict{}, false
}

// storeVerdict writes through to the cache. Abandoned when the caller is
// already gone; bounded by the cache timeout otherwise.
func (p *Pipeline) storeVerdict(ctx context.Context, clientKey string, fv *FeatureVector, verdict DetectionVerdict) {
	if p.cache == nil || ctx.Err() != nil {
		return
	}
	ttl, timeout := p.cacheParams()
	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v := verdict
	p.cache.Put(cctx, Fingerprint(clientKey, fv), &v, ttl)
}

func (p *Pipeline) observe(now time.Time, clientKey string, verdict DetectionVerdict, decision Decision) {
	violations := 0
	if st, ok := p.mitigator.Inspect(clientKey); ok {
		violations = st.ViolationCount
	}
	t := time.Now()
	p.alerts.Observe(now, clientKey, verdict, decision, violations)
	p.perf.Record("alerts", time.Since(t), "")
}

func (p *Pipeline) finish(start time.Time, decision Decision) {
	elapsed := time.Since(start)
	p.perf.Record("total", elapsed, decision.Action.String())
	p.collector.IncrementCounter("edgeguard_decisions_total",
		map[string]string{"action": decision.Action.String()})
	p.collector.ObserveHistogram("edgeguard_decision_duration_seconds",
		elapsed.Seconds(), map[string]string{"action": decision.Action.String()})
}

// Close stops the background sweepers owned by the pipeline's components.
func (p *Pipeline) Close() {
	p.store.Close()
	p.mitigator.Close()
	if p.cache != nil {
		_ = p.cache.Close()
	}
}
