package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"lumachat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ServeMode records which cache path answered a profile request.
type ServeMode string

const (
	ServedHitFresh          ServeMode = "hit_fresh"
	ServedHitStale          ServeMode = "hit_stale"
	ServedMissWait          ServeMode = "miss_wait"
	ServedMissRefreshWait   ServeMode = "miss_refresh_wait"
	ServedMissFallbackStale ServeMode = "miss_fallback_stale"
	ServedMissSyncFallback  ServeMode = "miss_sync_fallback"
	ServedBypassInvalid     ServeMode = "bypass_invalid"
	ServedCacheDisabled     ServeMode = "cache_disabled"
)

// CacheConfig tunes the profile cache and its worker pool.
type CacheConfig struct {
	// Disabled forces every request through a synchronous computation.
	Disabled bool

	// FreshTTL is how long a computed profile is served without question.
	FreshTTL time.Duration
	// StaleTTL is the hard horizon past which a cached value is unusable
	// even as a fallback.
	StaleTTL time.Duration

	// MaxEntries bounds the cache; least-recently-accessed entries are
	// evicted above it.
	MaxEntries int
	// QueueSize bounds the pending-computation queue.
	QueueSize int
	// Workers is the number of background goroutines draining the queue.
	Workers int

	// ColdWait is how long a caller with no fallback waits for an in-flight
	// computation. StaleWait applies when a stale value can be served instead.
	ColdWait  time.Duration
	StaleWait time.Duration
}

// DefaultCacheConfig returns the production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		FreshTTL:   15 * time.Second,
		StaleTTL:   120 * time.Second,
		MaxEntries: 4000,
		QueueSize:  600,
		Workers:    2,
		ColdWait:   900 * time.Millisecond,
		StaleWait:  140 * time.Millisecond,
	}
}

type computeFunc func(ctx context.Context, key profileKey) (*Profile, error)
type tokenFunc func(ctx context.Context, key profileKey) (string, error)

// refreshHook observes completed recomputations: the previously cached
// profile (nil on a cold fill) and the fresh one.
type refreshHook func(prev, next *Profile)

// cacheEntry is the ephemeral in-memory record for one conversation key.
// Never persisted; rebuilt lazily after restart.
type cacheEntry struct {
	token          string
	profile        *Profile
	updatedAtMs    int64
	expiresAtMs    int64
	staleUntilMs   int64
	lastAccessAtMs int64
}

// inflightJob is one pending computation. Concurrent callers for the same key
// share a single job instead of triggering redundant work.
type inflightJob struct {
	key     profileKey
	done    chan struct{}
	profile *Profile
	err     error
}

// profileCache makes profile computation cheap and safe to call on every
// conversation view: versioned entries with stale-while-revalidate semantics,
// a bounded FIFO queue drained by a fixed worker pool, and per-key in-flight
// deduplication. A caller is never left without an answer; the worst case is
// doing the expensive work inline.
type profileCache struct {
	cfg       CacheConfig
	compute   computeFunc
	token     tokenFunc
	onRefresh refreshHook
	clock     func() time.Time

	mu       sync.Mutex
	entries  map[string]*cacheEntry
	inflight map[string]*inflightJob

	queue  chan *inflightJob
	stopCh chan struct{}
	wg     sync.WaitGroup

	recomputes atomic.Int64
}

func newProfileCache(cfg CacheConfig, compute computeFunc, token tokenFunc, onRefresh refreshHook) *profileCache {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 600
	}
	if cfg.StaleTTL < cfg.FreshTTL {
		cfg.StaleTTL = cfg.FreshTTL
	}
	c := &profileCache{
		cfg:       cfg,
		compute:   compute,
		token:     token,
		onRefresh: onRefresh,
		clock:     time.Now,
		entries:   make(map[string]*cacheEntry),
		inflight:  make(map[string]*inflightJob),
		queue:     make(chan *inflightJob, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
	if !cfg.Disabled {
		for i := 0; i < cfg.Workers; i++ {
			c.wg.Add(1)
			go c.worker()
		}
	}
	return c
}

func (c *profileCache) stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Recomputes returns how many full profile computations have run. Exposed for
// coherence assertions and the stats surface.
func (c *profileCache) Recomputes() int64 {
	return c.recomputes.Load()
}

// get implements the serve algorithm. See the mode constants for the paths.
func (c *profileCache) get(ctx context.Context, key profileKey) (*Profile, error) {
	if c.cfg.Disabled {
		p, err := c.computeCounted(ctx, key)
		if err != nil {
			return nil, err
		}
		return served(p, ServedCacheDisabled), nil
	}

	nowMs := c.clock().UnixMilli()
	ck := key.cacheKey()

	token, tokenErr := c.token(ctx, key)

	c.mu.Lock()
	entry := c.entries[ck]
	if entry != nil {
		entry.lastAccessAtMs = nowMs
	}
	c.mu.Unlock()

	hasStale := entry != nil && nowMs <= entry.staleUntilMs

	if tokenErr != nil {
		// The watermark sources are unreachable; downgrade rather than fail.
		log.Warn().Err(tokenErr).Str("key", ck).Msg("risk: version token unavailable")
		if hasStale {
			return served(entry.profile, ServedMissFallbackStale), nil
		}
		return c.syncFallback(ctx, key)
	}

	if entry != nil && entry.token == token {
		if nowMs <= entry.expiresAtMs {
			return served(entry.profile, ServedHitFresh), nil
		}
		if nowMs <= entry.staleUntilMs {
			// Serve immediately, recompute behind the caller's back.
			c.enqueue(key)
			return served(entry.profile, ServedHitStale), nil
		}
	}

	// Miss or version mismatch: join the in-flight computation for this key.
	job := c.enqueue(key)
	if job == nil {
		// Queue overflow is a dependency error: fall back now, don't wait.
		if hasStale {
			return served(entry.profile, ServedMissFallbackStale), nil
		}
		return c.syncFallback(ctx, key)
	}

	wait, mode := c.cfg.ColdWait, ServedMissWait
	if hasStale {
		wait, mode = c.cfg.StaleWait, ServedMissRefreshWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-job.done:
		if job.err == nil {
			return served(job.profile, mode), nil
		}
		if hasStale {
			return served(entry.profile, ServedMissFallbackStale), nil
		}
		return nil, job.err
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out (or the caller gave up). The in-flight computation keeps
	// running and will populate the cache for future callers.
	if hasStale {
		return served(entry.profile, ServedMissFallbackStale), nil
	}
	return c.syncFallback(ctx, key)
}

// enqueue joins the in-flight job for key, creating and queueing one if none
// exists. Returns nil when the queue bound rejects the new job.
func (c *profileCache) enqueue(key profileKey) *inflightJob {
	ck := key.cacheKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	if job, ok := c.inflight[ck]; ok {
		return job
	}
	job := &inflightJob{key: key, done: make(chan struct{})}
	select {
	case c.queue <- job:
		c.inflight[ck] = job
		metrics.ProfileQueueDepth.Set(float64(len(c.queue)))
		return job
	default:
		metrics.ProfileQueueOverflowTotal.Inc()
		return nil
	}
}

func (c *profileCache) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case job := <-c.queue:
			metrics.ProfileQueueDepth.Set(float64(len(c.queue)))
			c.run(job)
		}
	}
}

// run executes one queued computation. Callers may have stopped waiting; the
// result still lands in the cache. A background context is used deliberately:
// a caller timing out must not cancel the shared computation.
func (c *profileCache) run(job *inflightJob) {
	start := time.Now()
	ctx := context.Background()

	token, err := c.token(ctx, job.key)
	var profile *Profile
	if err == nil {
		profile, err = c.computeCounted(ctx, job.key)
	}

	ck := job.key.cacheKey()
	var prev *Profile
	c.mu.Lock()
	if err == nil {
		if old := c.entries[ck]; old != nil {
			prev = old.profile
		}
		c.storeLocked(ck, token, profile)
	}
	delete(c.inflight, ck)
	c.mu.Unlock()

	job.profile = profile
	job.err = err
	close(job.done)

	metrics.ProfileRecomputeSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warn().Err(err).Str("key", ck).Msg("risk: profile recompute failed")
		return
	}
	if c.onRefresh != nil {
		c.onRefresh(prev, profile)
	}
}

// storeLocked inserts a computed profile and evicts by last access when the
// cache exceeds its bound. Caller holds c.mu.
func (c *profileCache) storeLocked(ck, token string, profile *Profile) {
	nowMs := c.clock().UnixMilli()
	staleTTL := c.cfg.StaleTTL
	if staleTTL < c.cfg.FreshTTL {
		staleTTL = c.cfg.FreshTTL
	}
	c.entries[ck] = &cacheEntry{
		token:          token,
		profile:        profile,
		updatedAtMs:    nowMs,
		expiresAtMs:    nowMs + c.cfg.FreshTTL.Milliseconds(),
		staleUntilMs:   nowMs + staleTTL.Milliseconds(),
		lastAccessAtMs: nowMs,
	}

	for c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries {
		oldestKey := ""
		oldestAccess := int64(0)
		for k, e := range c.entries {
			if oldestKey == "" || e.lastAccessAtMs < oldestAccess {
				oldestKey, oldestAccess = k, e.lastAccessAtMs
			}
		}
		delete(c.entries, oldestKey)
	}
	metrics.ProfileCacheEntries.Set(float64(len(c.entries)))
}

// syncFallback computes inline on the caller's goroutine. This path exists so
// callers always get an answer, at the cost of occasionally doing the
// expensive work in the request path.
func (c *profileCache) syncFallback(ctx context.Context, key profileKey) (*Profile, error) {
	profile, err := c.computeCounted(ctx, key)
	if err != nil {
		return nil, err
	}
	if token, terr := c.token(ctx, key); terr == nil {
		c.mu.Lock()
		c.storeLocked(key.cacheKey(), token, profile)
		c.mu.Unlock()
	}
	return served(profile, ServedMissSyncFallback), nil
}

func (c *profileCache) computeCounted(ctx context.Context, key profileKey) (*Profile, error) {
	c.recomputes.Add(1)
	return c.compute(ctx, key)
}

// invalidProfile is the structured degraded answer for malformed requests:
// no warning is shown, the caller's primary action proceeds.
func (c *profileCache) invalidProfile(viewerUID, targetUID string, tt TargetType) *Profile {
	p := &Profile{
		ViewerUID:  viewerUID,
		TargetUID:  targetUID,
		TargetType: tt,
		Level:      LevelLow,
		ComputedAt: c.clock(),
	}
	return served(p, ServedBypassInvalid)
}

// served clones the profile with the serve mode stamped on it. Cached
// profiles are shared across callers and must never be mutated in place.
func served(p *Profile, mode ServeMode) *Profile {
	out := *p
	out.Served = mode
	metrics.ProfileRequestsTotal.WithLabelValues(string(mode)).Inc()
	return &out
}
