package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Outgoing-message score contributions. Additive, then clamped.
const (
	scoreMaliciousLink = 62
	scoreAdsSpam       = 28

	floodHighCount = 10
	floodHighBump  = 36
	floodLowCount  = 6
	floodLowBump   = 20

	dupHighCount = 4
	dupHighBump  = 28
	dupLowCount  = 2
	dupLowBump   = 14

	lowVarianceMinMsgs  = 5
	lowVarianceDistinct = 2
	lowVarianceBump     = 12
)

// Friend-add score contributions.
const (
	addBurstHighCount = 9
	addBurstHighBump  = 78
	addBurstWarnCount = 5
	addBurstWarnBump  = 45

	addUniqueTargetCount = 12
	addUniqueTargetBump  = 26

	addPendingCount = 8
	addPendingBump  = 22

	addRepeatTargetCount = 2
	addRepeatTargetBump  = 12
)

// ScoreOutgoingText scores one outgoing text message. It fails soft: invalid
// input or a history-provider failure yields an unavailable zero result so
// message sending is never blocked by scoring.
func (e *Engine) ScoreOutgoingText(ctx context.Context, senderUID, targetUID string, tt TargetType, text string) Result {
	if senderUID == "" || targetUID == "" || !tt.Valid() || strings.TrimSpace(text) == "" {
		return unavailableResult()
	}

	res := Result{Available: true}

	tags, evidence := InspectText(text)
	for _, tag := range tags {
		res.Tags = appendTag(res.Tags, tag)
		switch tag {
		case TagMaliciousLink:
			res.Score += scoreMaliciousLink
		case TagAdsSpam:
			res.Score += scoreAdsSpam
		}
	}
	for _, ev := range evidence {
		res.Evidence = appendEvidence(res.Evidence, ev)
	}

	now := e.clock()
	msgs, err := e.history.QueryMessages(ctx, MessageFilter{
		TargetType: tt,
		ViewerUID:  senderUID,
		TargetUID:  targetUID,
		SenderUID:  senderUID,
		SinceMs:    now.Add(-e.cfg.MessageWindow).UnixMilli(),
		Limit:      e.cfg.MessageLimit,
	})
	if err != nil {
		log.Warn().Err(err).Str("sender", senderUID).Msg("risk: message history unavailable, scoring degraded")
		return unavailableResult()
	}

	e.scoreFlooding(&res, msgs, text)

	res.Score = ClampScore(res.Score)
	res.Level = LevelForScore(res.Score)
	res.Summary = summarize(res.Evidence)
	return res
}

// scoreFlooding applies the frequency/duplication tiers over the recent
// same-sender window. The message being scored counts toward the window even
// when the transport has not stored it yet.
func (e *Engine) scoreFlooding(res *Result, recent []Message, current string) {
	norm := normalizeText(current)

	windowCount := len(recent) + 1
	dupCount := 0
	distinct := map[string]bool{norm: true}
	for _, m := range recent {
		n := normalizeText(m.Text)
		distinct[n] = true
		if n == norm {
			dupCount++
		}
	}

	switch {
	case windowCount >= floodHighCount:
		res.Score += floodHighBump
		res.Tags = appendTag(res.Tags, TagFlooding)
		res.Evidence = appendEvidence(res.Evidence, Evidence{
			Rule: TagFlooding, Kind: "frequency",
			Description: fmt.Sprintf("%d messages to the same target in the window", windowCount),
		})
	case windowCount >= floodLowCount:
		res.Score += floodLowBump
		res.Tags = appendTag(res.Tags, TagFlooding)
		res.Evidence = appendEvidence(res.Evidence, Evidence{
			Rule: TagFlooding, Kind: "frequency",
			Description: fmt.Sprintf("%d messages to the same target in the window", windowCount),
		})
	}

	switch {
	case dupCount >= dupHighCount:
		res.Score += dupHighBump
		res.Tags = appendTag(res.Tags, TagDuplicateSpam)
		res.Evidence = appendEvidence(res.Evidence, Evidence{
			Rule: TagDuplicateSpam, Kind: "duplication",
			Description: fmt.Sprintf("%d recent duplicates of this message", dupCount),
			Snippet:     snippet(current),
		})
	case dupCount >= dupLowCount:
		res.Score += dupLowBump
		res.Tags = appendTag(res.Tags, TagDuplicateSpam)
		res.Evidence = appendEvidence(res.Evidence, Evidence{
			Rule: TagDuplicateSpam, Kind: "duplication",
			Description: fmt.Sprintf("%d recent duplicates of this message", dupCount),
			Snippet:     snippet(current),
		})
	}

	if windowCount >= lowVarianceMinMsgs && len(distinct) <= lowVarianceDistinct {
		res.Score += lowVarianceBump
		res.Tags = appendTag(res.Tags, TagFlooding)
		res.Evidence = appendEvidence(res.Evidence, Evidence{
			Rule: TagFlooding, Kind: "duplication",
			Description: fmt.Sprintf("low variance spam: %d messages with %d distinct texts", windowCount, len(distinct)),
		})
	}
}

// ActorInfo carries directory facts about the acting user that the risk core
// cannot look up itself; the user/friend directory is an external collaborator.
type ActorInfo struct {
	UID string
	// PendingOutgoing is the number of unanswered friend requests the actor
	// has open, as reported by the friend directory.
	PendingOutgoing int
}

// ScoreFriendAdd scores one friend-add action against the actor's recent
// attempt history. All tiers are independent and additive. Fails soft on
// invalid input or a ledger failure.
func (e *Engine) ScoreFriendAdd(ctx context.Context, actor ActorInfo, targetUID string) Result {
	if actor.UID == "" || targetUID == "" {
		return unavailableResult()
	}

	now := e.clock()
	attempts, err := e.store.RecentAttempts(ctx, actor.UID, now.Add(-e.cfg.AddLongWindow).UnixMilli(), e.cfg.AttemptLimit)
	if err != nil {
		log.Warn().Err(err).Str("actor", actor.UID).Msg("risk: attempt history unavailable, scoring degraded")
		return unavailableResult()
	}

	shortSinceMs := now.Add(-e.cfg.AddShortWindow).UnixMilli()
	shortCount := 0
	repeatSameTarget := 0
	longTargets := map[string]bool{}
	for _, a := range attempts {
		longTargets[a.TargetUID] = true
		if a.CreatedAtMs >= shortSinceMs {
			shortCount++
			if a.TargetUID == targetUID {
				repeatSameTarget++
			}
		}
	}

	res := Result{Available: true}
	bump := func(score int, desc string) {
		res.Score += score
		res.Tags = appendTag(res.Tags, TagAbnormalAddFriend)
		res.Evidence = appendEvidence(res.Evidence, Evidence{
			Rule: TagAbnormalAddFriend, Kind: "behavior", Description: desc,
		})
	}

	switch {
	case shortCount >= addBurstHighCount:
		bump(addBurstHighBump, fmt.Sprintf("%d friend-add attempts in the short window", shortCount))
	case shortCount >= addBurstWarnCount:
		bump(addBurstWarnBump, fmt.Sprintf("%d friend-add attempts in the short window", shortCount))
	}
	if len(longTargets) >= addUniqueTargetCount {
		bump(addUniqueTargetBump, fmt.Sprintf("%d distinct targets in the long window", len(longTargets)))
	}
	if actor.PendingOutgoing >= addPendingCount {
		bump(addPendingBump, fmt.Sprintf("%d pending outgoing friend requests", actor.PendingOutgoing))
	}
	if repeatSameTarget >= addRepeatTargetCount {
		bump(addRepeatTargetBump, fmt.Sprintf("%d repeated attempts at the same target", repeatSameTarget))
	}

	res.Score = ClampScore(res.Score)
	res.Level = LevelForScore(res.Score)
	res.Summary = summarize(res.Evidence)
	return res
}

// normalizeText folds a message for duplicate comparison.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
