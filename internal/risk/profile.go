package risk

import (
	"context"
	"fmt"

	"lumachat/internal/tracing"

	"golang.org/x/sync/errgroup"
)

// Conversation profile contributions.
const (
	profileLinkBase   = 70
	profileAdsBase    = 45
	profileFloodFloor = 76
)

// profileKey identifies one cached conversation profile.
type profileKey struct {
	ViewerUID  string
	TargetUID  string
	TargetType TargetType
	WindowMs   int64
}

func (k profileKey) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", k.ViewerUID, string(k.TargetType), k.TargetUID, k.WindowMs)
}

// incomingFilter selects recent messages sent into the conversation by anyone
// but the viewer.
func (k profileKey) incomingFilter(sinceMs int64, limit int) MessageFilter {
	return MessageFilter{
		TargetType: k.TargetType,
		ViewerUID:  k.ViewerUID,
		TargetUID:  k.TargetUID,
		ExcludeUID: k.ViewerUID,
		SinceMs:    sinceMs,
		Limit:      limit,
	}
}

// decisionSubject scopes the ledger query for this conversation: in a private
// chat the peer's behavior toward the viewer is judged; in a group every
// sender's behavior toward the group counts.
func (k profileKey) decisionSubject() (subjectUID, targetUID string) {
	if k.TargetType == TargetGroup {
		return "", k.TargetUID
	}
	return k.TargetUID, k.ViewerUID
}

// resolveVersionToken derives the composite version token from cheap
// aggregate queries. Two computations under an identical token are guaranteed
// semantically equivalent inputs, so a cached profile whose token differs is
// provably invalid without rescanning the sources.
func (e *Engine) resolveVersionToken(ctx context.Context, key profileKey) (string, error) {
	now := e.clock()
	sinceMs := now.UnixMilli() - key.WindowMs

	var msgWM, decWM Watermark
	var ignoredAtMs, expiresAtMs int64

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wm, err := e.history.MessageWatermark(gCtx, key.incomingFilter(sinceMs, e.cfg.MessageLimit))
		if err != nil {
			return fmt.Errorf("message watermark: %w", err)
		}
		msgWM = wm
		return nil
	})
	g.Go(func() error {
		subject, target := key.decisionSubject()
		wm, err := e.store.DecisionWatermark(gCtx, subject, target, key.TargetType, sinceMs, e.cfg.WatermarkScanLimit)
		if err != nil {
			return fmt.Errorf("decision watermark: %w", err)
		}
		decWM = wm
		return nil
	})
	g.Go(func() error {
		entry, err := e.store.GetIgnore(gCtx, key.ViewerUID, key.TargetType, key.TargetUID)
		if err != nil {
			return fmt.Errorf("ignore lookup: %w", err)
		}
		if entry != nil {
			ignoredAtMs = entry.IgnoredAt.UnixMilli()
			expiresAtMs = entry.ExpiresAt.UnixMilli()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	return fmt.Sprintf("m%d.%d|d%d.%s.%d|i%d.%d",
		msgWM.Count, msgWM.LatestMs,
		decWM.Count, decWM.LatestID, decWM.LatestMs,
		ignoredAtMs, expiresAtMs), nil
}

// computeProfile is the expensive computation the cache layer wraps: it scans
// the recent incoming message window through the rule engine, folds in the
// decayed decision history, and consults the ignore list. Pure given its
// inputs; all state lives in the collaborators.
func (e *Engine) computeProfile(ctx context.Context, key profileKey) (*Profile, error) {
	ctx, span := tracing.ProfileSpan(ctx, key.ViewerUID, key.TargetUID, string(key.TargetType))
	defer span.End()

	now := e.clock()
	sinceMs := now.UnixMilli() - key.WindowMs

	var msgs []Message
	var decisions []Decision
	var ignore *IgnoreEntry

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := e.history.QueryMessages(gCtx, key.incomingFilter(sinceMs, e.cfg.MessageLimit))
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		msgs = m
		return nil
	})
	g.Go(func() error {
		subject, target := key.decisionSubject()
		d, err := e.store.RecentDecisions(gCtx, subject, target, key.TargetType, sinceMs, e.cfg.DecisionLimit)
		if err != nil {
			return fmt.Errorf("recent decisions: %w", err)
		}
		decisions = d
		return nil
	})
	g.Go(func() error {
		entry, err := e.store.GetIgnore(gCtx, key.ViewerUID, key.TargetType, key.TargetUID)
		if err != nil {
			return fmt.Errorf("ignore lookup: %w", err)
		}
		ignore = entry
		return nil
	})
	if err := g.Wait(); err != nil {
		tracing.EndWithError(span, err)
		return nil, err
	}

	profile := &Profile{
		ViewerUID:  key.ViewerUID,
		TargetUID:  key.TargetUID,
		TargetType: key.TargetType,
		ComputedAt: now,
	}

	// Rule-engine pass over the incoming window. The base score is the max of
	// the category bases, not a sum; one phishing link should not be diluted
	// or doubled by keyword matches in other messages.
	base := 0
	senderCounts := map[string]int{}
	for _, m := range msgs {
		senderCounts[m.SenderUID]++
		tags, evidence := InspectText(m.Text)
		for _, tag := range tags {
			profile.Tags = appendTag(profile.Tags, tag)
			switch tag {
			case TagMaliciousLink:
				if base < profileLinkBase {
					base = profileLinkBase
				}
			case TagAdsSpam:
				if base < profileAdsBase {
					base = profileAdsBase
				}
			}
		}
		for _, ev := range evidence {
			profile.Evidence = appendEvidence(profile.Evidence, ev)
		}
	}
	profile.Score = base

	for sender, count := range senderCounts {
		if count >= floodHighCount {
			if profile.Score < profileFloodFloor {
				profile.Score = profileFloodFloor
			}
			profile.Tags = appendTag(profile.Tags, TagFlooding)
			profile.Evidence = appendEvidence(profile.Evidence, Evidence{
				Rule: TagFlooding, Kind: "frequency",
				Description: fmt.Sprintf("sender %s posted %d messages in the window", sender, count),
			})
			break
		}
	}

	// Historical severity persists but erodes across clean conversations.
	priorMax := 0
	for _, d := range decisions {
		if d.Score > priorMax {
			priorMax = d.Score
		}
		for _, tag := range d.Tags {
			profile.Tags = appendTag(profile.Tags, tag)
		}
	}
	if priorMax > 0 {
		profile.Score = decayPrior(profile.Score, priorMax)
		profile.Evidence = appendEvidence(profile.Evidence, Evidence{
			Rule: "decision_history", Kind: "history",
			Description: fmt.Sprintf("prior decision severity up to %d in the window", priorMax),
		})
	}

	if ignore != nil && !ignore.Expired(now) {
		profile.Ignored = true
		profile.Ignore = ignore
	}

	profile.Score = ClampScore(profile.Score)
	profile.Level = LevelForScore(profile.Score)
	profile.Summary = summarize(profile.Evidence)
	return profile, nil
}

// GetConversationProfile serves the cached profile for one conversation view.
// The returned profile carries the serve mode that produced it.
func (e *Engine) GetConversationProfile(ctx context.Context, viewerUID, targetUID string, tt TargetType) (*Profile, error) {
	if viewerUID == "" || targetUID == "" || !tt.Valid() {
		return e.cache.invalidProfile(viewerUID, targetUID, tt), nil
	}
	key := profileKey{
		ViewerUID:  viewerUID,
		TargetUID:  targetUID,
		TargetType: tt,
		WindowMs:   e.cfg.ProfileWindow.Milliseconds(),
	}
	return e.cache.get(ctx, key)
}
