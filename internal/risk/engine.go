package risk

import (
	"context"
	"fmt"
	"time"

	"lumachat/internal/metrics"
	"lumachat/internal/tracing"

	"github.com/rs/zerolog/log"
)

// Config holds the tunable windows and cache settings of the engine.
// Scoring weights and thresholds are deliberately constants, not config:
// they are product rules, not deployment knobs.
type Config struct {
	// Outgoing message scoring
	MessageWindow time.Duration
	MessageLimit  int

	// Friend-add scoring
	AddShortWindow time.Duration
	AddLongWindow  time.Duration
	AttemptLimit   int

	// Conversation profiles
	ProfileWindow      time.Duration
	DecisionLimit      int
	WatermarkScanLimit int

	Cache CacheConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MessageWindow:      10 * time.Minute,
		MessageLimit:       80,
		AddShortWindow:     10 * time.Minute,
		AddLongWindow:      time.Hour,
		AttemptLimit:       200,
		ProfileWindow:      7 * 24 * time.Hour,
		DecisionLimit:      80,
		WatermarkScanLimit: 1600,
		Cache:              DefaultCacheConfig(),
	}
}

// Engine owns the risk core's state: the durable ledger handle, the message
// history collaborator, and the profile cache with its worker pool. Construct
// one per process and inject it; there is no package-level instance.
type Engine struct {
	store    Store
	history  ChatHistory
	notifier Notifier
	cfg      Config
	cache    *profileCache
	clock    func() time.Time
}

// NewEngine wires an engine. notifier may be nil when no client push is wanted.
func NewEngine(store Store, history ChatHistory, notifier Notifier, cfg Config) *Engine {
	e := &Engine{
		store:    store,
		history:  history,
		notifier: notifier,
		cfg:      cfg,
		clock:    time.Now,
	}
	e.cache = newProfileCache(cfg.Cache, e.computeProfile, e.resolveVersionToken, e.onRefreshed)
	return e
}

// Close stops the cache worker pool. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.cache.stop()
}

// newID generates a ledger record ID from the current clock.
func (e *Engine) newID() string {
	return fmt.Sprintf("%d", e.clock().UnixNano())
}

// RecordDecision persists a scored result to the ledger. Low-risk results are
// noise and are not recorded; the returned decision is nil for them.
type DecisionContext struct {
	ActorUID   string
	SubjectUID string
	TargetUID  string
	TargetType TargetType
	Channel    string
	Metadata   map[string]string
}

func (e *Engine) RecordDecision(ctx context.Context, res Result, dctx DecisionContext) (*Decision, error) {
	if !res.Available || res.Score < mediumThreshold {
		return nil, nil
	}
	if dctx.SubjectUID == "" || dctx.TargetUID == "" || !dctx.TargetType.Valid() {
		return nil, fmt.Errorf("risk: invalid decision context")
	}

	d := Decision{
		ID:         e.newID(),
		CreatedAt:  e.clock(),
		ActorUID:   dctx.ActorUID,
		SubjectUID: dctx.SubjectUID,
		TargetUID:  dctx.TargetUID,
		TargetType: dctx.TargetType,
		Channel:    dctx.Channel,
		Score:      ClampScore(res.Score),
		Level:      LevelForScore(res.Score),
		Tags:       res.Tags,
		Evidence:   res.Evidence,
		Summary:    res.Summary,
		Metadata:   capMetadata(dctx.Metadata),
	}
	ctx, span := tracing.StoreSpan(ctx, "append_decision", d.Channel)
	defer span.End()
	if err := e.store.AppendDecision(ctx, d); err != nil {
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("risk: append decision: %w", err)
	}
	metrics.RiskDecisionsTotal.WithLabelValues(string(d.Level), d.Channel).Inc()
	log.Debug().
		Str("id", d.ID).
		Str("subject", d.SubjectUID).
		Str("channel", d.Channel).
		Int("score", d.Score).
		Msg("risk: decision recorded")
	return &d, nil
}

// Ignore mutes the warning for (actor, targetType, target) for ttlHours.
// A second call overwrites the previous entry.
func (e *Engine) Ignore(ctx context.Context, actorUID, targetUID string, tt TargetType, reason string, ttlHours int) (*IgnoreEntry, error) {
	if actorUID == "" || targetUID == "" || !tt.Valid() {
		return nil, fmt.Errorf("risk: invalid ignore key")
	}
	if ttlHours <= 0 {
		ttlHours = 24
	}
	now := e.clock()
	entry := IgnoreEntry{
		ActorUID:   actorUID,
		TargetType: tt,
		TargetUID:  targetUID,
		Reason:     reason,
		IgnoredAt:  now,
		ExpiresAt:  now.Add(time.Duration(ttlHours) * time.Hour),
	}
	if err := e.store.PutIgnore(ctx, entry); err != nil {
		return nil, fmt.Errorf("risk: put ignore: %w", err)
	}
	return &entry, nil
}

// SubmitAppeal records a user dispute. Status always starts pending.
func (e *Engine) SubmitAppeal(ctx context.Context, actorUID, targetUID string, tt TargetType, reason string, appealCtx map[string]string) (*Appeal, error) {
	if actorUID == "" || reason == "" {
		return nil, fmt.Errorf("risk: invalid appeal")
	}
	a := Appeal{
		ID:         e.newID(),
		ActorUID:   actorUID,
		TargetUID:  targetUID,
		TargetType: tt,
		Reason:     reason,
		Status:     AppealStatusPending,
		Context:    capMetadata(appealCtx),
		CreatedAt:  e.clock(),
	}
	if err := e.store.AppendAppeal(ctx, a); err != nil {
		return nil, fmt.Errorf("risk: append appeal: %w", err)
	}
	metrics.RiskAppealsTotal.Inc()
	return &a, nil
}

// RecordFriendAddAttempt appends one friend-add action to the attempt history.
func (e *Engine) RecordFriendAddAttempt(ctx context.Context, actorUID, targetUID, status string) error {
	if actorUID == "" || targetUID == "" {
		return fmt.Errorf("risk: invalid attempt")
	}
	now := e.clock()
	return e.store.AppendAttempt(ctx, FriendAddAttempt{
		ActorUID:    actorUID,
		TargetUID:   targetUID,
		Status:      status,
		CreatedAt:   now,
		CreatedAtMs: now.UnixMilli(),
	})
}

// AdminStats is the aggregate read model for the reporting surface.
type AdminStats struct {
	Total     int            `json:"total"`
	ByLevel   map[string]int `json:"by_level"`
	ByChannel map[string]int `json:"by_channel"`
	ByTag     map[string]int `json:"by_tag"`
}

// Stats aggregates the recent decision ledger by level, channel and tag.
func (e *Engine) Stats(ctx context.Context, limit int) (*AdminStats, error) {
	decisions, err := e.store.ListDecisions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("risk: list decisions: %w", err)
	}
	stats := &AdminStats{
		ByLevel:   make(map[string]int),
		ByChannel: make(map[string]int),
		ByTag:     make(map[string]int),
	}
	for _, d := range decisions {
		stats.Total++
		stats.ByLevel[string(d.Level)]++
		stats.ByChannel[d.Channel]++
		for _, tag := range d.Tags {
			stats.ByTag[tag]++
		}
	}
	return stats, nil
}

// RecentDecisionList exposes the newest ledger entries for the admin surface.
func (e *Engine) RecentDecisionList(ctx context.Context, limit int) ([]Decision, error) {
	return e.store.ListDecisions(ctx, limit)
}

// RecentAppealList exposes the newest appeals for the admin surface.
func (e *Engine) RecentAppealList(ctx context.Context, limit int) ([]Appeal, error) {
	return e.store.ListAppeals(ctx, limit)
}

// StartIgnoreSweeper periodically removes expired ignore entries so the keyed
// map does not accumulate dead keys. Returns a function that stops the routine.
func (e *Engine) StartIgnoreSweeper(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := e.store.SweepIgnores(context.Background(), e.clock())
				if err != nil {
					log.Warn().Err(err).Msg("risk: ignore sweep failed")
				} else if n > 0 {
					log.Debug().Int("removed", n).Msg("risk: swept expired ignore entries")
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// onRefreshed is invoked by the cache when a background recompute produced a
// profile whose level differs from the previously cached one. The notifier is
// called synchronously; slow sinks are the sink's own problem.
func (e *Engine) onRefreshed(prev, next *Profile) {
	if e.notifier == nil || next == nil {
		return
	}
	// A cold fill is not a transition; only an observed change is pushed.
	if prev == nil || prev.Level == next.Level {
		return
	}
	e.notifier.Notify(next.ViewerUID, next)
}
