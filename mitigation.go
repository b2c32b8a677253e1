package edgeguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MitigationStage is the per-key position in the CLEAR -> WARNED -> BLOCKED
// state machine.
type MitigationStage int

const (
	StageClear MitigationStage = iota
	StageWarned
	StageBlocked
)

func (s MitigationStage) String() string {
	switch s {
	case StageWarned:
		return "warned"
	case StageBlocked:
		return "blocked"
	default:
		return "clear"
	}
}

// MitigationState is the mutable per-key record. All mutation happens inside
// the controller under the key's lock.
type MitigationState struct {
	mu              sync.Mutex
	Stage           MitigationStage
	ViolationCount  int
	EscalationLevel int
	BlockExpiry     time.Time
	LastViolation   time.Time
	LastDecision    Action
	AttackType      AttackType
	lastTouched     time.Time
}

// MitigationPolicy holds the tunables for rate limiting and progressive
// blocking. Window is used to suggest Retry-After on soft throttles.
type MitigationPolicy struct {
	BaseRateLimit   int
	BurstMultiplier float64
	BaseBlock       time.Duration
	MaxBlock        time.Duration
	DecayWindow     time.Duration
	Window          time.Duration
}

const mitigationShardCount = 64

// MitigationController owns all MitigationState. Keys are sharded so
// distinct clients never contend; per-key transitions serialize on the
// state's own mutex because mutation order decides escalation.
type MitigationController struct {
	policyMu sync.RWMutex
	policy   MitigationPolicy

	shards [mitigationShardCount]mitigationShard

	done chan struct{}
	once sync.Once
}

type mitigationShard struct {
	mu   sync.Mutex
	keys map[string]*MitigationState
}

func NewMitigationController(policy MitigationPolicy) *MitigationController {
	if policy.BurstMultiplier < 1 {
		policy.BurstMultiplier = 1
	}
	if policy.MaxBlock < policy.BaseBlock {
		policy.MaxBlock = policy.BaseBlock
	}
	c := &MitigationController{policy: policy, done: make(chan struct{})}
	for i := range c.shards {
		c.shards[i].keys = make(map[string]*MitigationState)
	}
	go c.sweepLoop()
	return c
}

// SetPolicy applies reloaded tunables.
func (c *MitigationController) SetPolicy(policy MitigationPolicy) {
	if policy.BurstMultiplier < 1 {
		policy.BurstMultiplier = 1
	}
	c.policyMu.Lock()
	c.policy = policy
	c.policyMu.Unlock()
}

func (c *MitigationController) snapshotPolicy() MitigationPolicy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy
}

func (c *MitigationController) stateFor(key string, create bool) *MitigationState {
	shard := &c.shards[xxhash.Sum64String(key)%mitigationShardCount]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.keys[key]
	if !ok && create {
		st = &MitigationState{}
		shard.keys[key] = st
	}
	return st
}

// Precheck is the cheap path for keys already under an active block: an
// immediate BLOCK without re-running detection, carrying the attack type
// that triggered the block so repeats feed the same alert. When a block has
// expired the key moves to WARNED and the request is re-evaluated normally.
func (c *MitigationController) Precheck(key string, now time.Time) (Decision, AttackType, bool) {
	st := c.stateFor(key, false)
	if st == nil {
		return Decision{}, AttackNone, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastTouched = now
	if st.Stage == StageBlocked {
		if now.Before(st.BlockExpiry) {
			st.LastDecision = ActionBlock
			attackType := st.AttackType
			if attackType == "" || attackType == AttackNone {
				attackType = AttackVolumetric
			}
			return Decision{
				Action:     ActionBlock,
				Reason:     "block active",
				RetryAfter: st.BlockExpiry.Sub(now),
			}, attackType, true
		}
		st.Stage = StageWarned
	}
	return Decision{}, AttackNone, false
}

// Decide runs the state machine for one evaluated request. windowCount is
// the key's in-window event count including the triggering event.
func (c *MitigationController) Decide(key string, now time.Time, windowCount int, verdict DetectionVerdict) Decision {
	policy := c.snapshotPolicy()
	st := c.stateFor(key, true)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastTouched = now

	// Violations decay back to zero after a quiet cool-down.
	if st.ViolationCount > 0 && now.Sub(st.LastViolation) > policy.DecayWindow {
		st.ViolationCount = 0
		st.EscalationLevel = 0
		st.Stage = StageClear
	}

	burstLimit := int(float64(policy.BaseRateLimit) * policy.BurstMultiplier)
	violation := verdict.IsAttack || windowCount > burstLimit

	switch {
	case violation:
		st.ViolationCount++
		dur := progressiveBlock(policy.BaseBlock, policy.MaxBlock, st.ViolationCount)
		st.EscalationLevel = st.ViolationCount
		st.Stage = StageBlocked
		st.BlockExpiry = now.Add(dur)
		st.LastViolation = now
		st.LastDecision = ActionBlock
		st.AttackType = AttackVolumetric
		reason := fmt.Sprintf("rate %d over burst limit %d", windowCount, burstLimit)
		if verdict.IsAttack {
			st.AttackType = verdict.AttackType
			reason = fmt.Sprintf("%s attack detected (risk %d)", verdict.AttackType, verdict.RiskScore)
		}
		return Decision{Action: ActionBlock, Reason: reason, RetryAfter: dur}

	case windowCount > policy.BaseRateLimit:
		st.Stage = StageWarned
		st.LastDecision = ActionRateLimit
		return Decision{
			Action:     ActionRateLimit,
			Reason:     fmt.Sprintf("rate %d over limit %d", windowCount, policy.BaseRateLimit),
			RetryAfter: policy.Window,
		}

	default:
		if st.Stage == StageWarned && st.ViolationCount == 0 {
			st.Stage = StageClear
		}
		st.LastDecision = ActionAllow
		return Decision{Action: ActionAllow, Reason: "ok"}
	}
}

// MitigationStatus is a point-in-time copy of one key's state.
type MitigationStatus struct {
	Stage           MitigationStage
	ViolationCount  int
	EscalationLevel int
	BlockExpiry     time.Time
	LastViolation   time.Time
	LastDecision    Action
	AttackType      AttackType
}

// Inspect returns a copy of the key's state for tests and the ops surface.
func (c *MitigationController) Inspect(key string) (MitigationStatus, bool) {
	st := c.stateFor(key, false)
	if st == nil {
		return MitigationStatus{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return MitigationStatus{
		Stage:           st.Stage,
		ViolationCount:  st.ViolationCount,
		EscalationLevel: st.EscalationLevel,
		BlockExpiry:     st.BlockExpiry,
		LastViolation:   st.LastViolation,
		LastDecision:    st.LastDecision,
		AttackType:      st.AttackType,
	}, true
}

// progressiveBlock doubles the block per violation, capped at max.
func progressiveBlock(base, max time.Duration, violations int) time.Duration {
	if violations < 1 {
		violations = 1
	}
	shift := violations - 1
	if shift > 30 {
		shift = 30
	}
	dur := base << uint(shift)
	if dur > max || dur <= 0 {
		dur = max
	}
	return dur
}

func (c *MitigationController) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Sweep drops fully cooled-down states so memory stays bounded by the
// active-offender population.
func (c *MitigationController) Sweep(now time.Time) {
	policy := c.snapshotPolicy()
	idle := policy.DecayWindow * 2
	if idle <= 0 {
		idle = 20 * time.Minute
	}
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for key, st := range shard.keys {
			st.mu.Lock()
			cooled := st.Stage != StageBlocked && now.Sub(st.lastTouched) > idle
			st.mu.Unlock()
			if cooled {
				delete(shard.keys, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the background sweeper.
func (c *MitigationController) Close() {
	c.once.Do(func() { close(c.done) })
}
