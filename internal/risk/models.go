// Package risk implements the abuse-moderation core of the chat platform:
// rule-based scoring of outgoing messages and friend-add bursts, per-conversation
// risk profiles, and the caching layer that keeps profile computation cheap
// under concurrent load.
package risk

import (
	"math"
	"time"
)

// Level buckets a 0-100 score for display and persistence decisions.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Score boundaries for level derivation.
const (
	mediumThreshold = 45
	highThreshold   = 80
)

// LevelForScore derives the risk level from a clamped score.
func LevelForScore(score int) Level {
	switch {
	case score >= highThreshold:
		return LevelHigh
	case score >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ClampScore bounds a raw additive score to [0, 100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// TargetType distinguishes private peers from group conversations.
type TargetType string

const (
	TargetUser  TargetType = "user"
	TargetGroup TargetType = "group"
)

// Valid reports whether the target type is one of the known values.
func (t TargetType) Valid() bool {
	return t == TargetUser || t == TargetGroup
}

// Rule tags attached to scored events.
const (
	TagMaliciousLink     = "malicious_link"
	TagAdsSpam           = "ads_spam"
	TagFlooding          = "flooding"
	TagDuplicateSpam     = "duplicate_spam"
	TagAbnormalAddFriend = "abnormal_add_friend"
)

// Channels identifying where a decision originated.
const (
	ChannelChatSend   = "chat_send"
	ChannelFriendsAdd = "friends_add"
)

// maxEvidence caps the evidence list carried on any result or decision.
const maxEvidence = 8

// maxMetadataKeys caps the free-form metadata bag on persisted records.
const maxMetadataKeys = 16

// Evidence is a structured reason supporting a score contribution.
type Evidence struct {
	Rule        string `json:"rule"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Snippet     string `json:"snippet,omitempty"`
}

// Result is the outcome of scoring a single action. Available is false when
// inputs were invalid or a dependency failed; callers must treat that as
// "no risk signal", never as an error that blocks the primary action.
type Result struct {
	Available bool       `json:"available"`
	Score     int        `json:"score"`
	Level     Level      `json:"level"`
	Tags      []string   `json:"tags,omitempty"`
	Evidence  []Evidence `json:"evidence,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// unavailableResult is what scorers return on invalid input or dependency failure.
func unavailableResult() Result {
	return Result{Available: false, Score: 0, Level: LevelLow}
}

// Decision is one scored event persisted to the ledger. Immutable once appended.
type Decision struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	ActorUID   string            `json:"actor_uid"`
	SubjectUID string            `json:"subject_uid"`
	TargetUID  string            `json:"target_uid"`
	TargetType TargetType        `json:"target_type"`
	Channel    string            `json:"channel"`
	Score      int               `json:"score"`
	Level      Level             `json:"level"`
	Tags       []string          `json:"tags,omitempty"`
	Evidence   []Evidence        `json:"evidence,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IgnoreEntry mutes the risk warning for one (actor, targetType, target) key
// until it expires. At most one entry exists per key.
type IgnoreEntry struct {
	ActorUID   string     `json:"actor_uid"`
	TargetType TargetType `json:"target_type"`
	TargetUID  string     `json:"target_uid"`
	Reason     string     `json:"reason,omitempty"`
	IgnoredAt  time.Time  `json:"ignored_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Expired reports whether the entry has outlived its TTL.
func (e *IgnoreEntry) Expired(now time.Time) bool {
	return e == nil || !now.Before(e.ExpiresAt)
}

// FriendAddAttempt records one friend-add action for windowed burst detection.
type FriendAddAttempt struct {
	ActorUID    string    `json:"actor_uid"`
	TargetUID   string    `json:"target_uid"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedAtMs int64     `json:"created_at_ms"`
}

// Appeal statuses.
const (
	AppealStatusPending   = "pending"
	AppealStatusAccepted  = "accepted"
	AppealStatusDismissed = "dismissed"
)

// Appeal is a user-submitted dispute of a risk decision.
type Appeal struct {
	ID         string            `json:"id"`
	ActorUID   string            `json:"actor_uid"`
	TargetUID  string            `json:"target_uid"`
	TargetType TargetType        `json:"target_type"`
	Reason     string            `json:"reason"`
	Status     string            `json:"status"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Profile is the aggregated risk view of one conversation, as surfaced to the
// client. Ignored suppresses UI display only; the numbers are still computed.
type Profile struct {
	ViewerUID  string       `json:"viewer_uid"`
	TargetUID  string       `json:"target_uid"`
	TargetType TargetType   `json:"target_type"`
	Score      int          `json:"score"`
	Level      Level        `json:"level"`
	Tags       []string     `json:"tags,omitempty"`
	Evidence   []Evidence   `json:"evidence,omitempty"`
	Summary    string       `json:"summary,omitempty"`
	Ignored    bool         `json:"ignored"`
	Ignore     *IgnoreEntry `json:"ignore,omitempty"`
	ComputedAt time.Time    `json:"computed_at"`
	Served     ServeMode    `json:"served,omitempty"`
}

// decayPrior folds a historical maximum decision score into a fresh score.
// The 0.88 multiplier is fixed regardless of decision age; see the product
// note in DESIGN.md before making this time-aware.
func decayPrior(score, priorMax int) int {
	decayed := int(math.Round(float64(priorMax) * 0.88))
	if decayed > score {
		return decayed
	}
	return score
}

// appendTag adds tag to tags unless already present.
func appendTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// appendEvidence adds ev while enforcing the evidence cap.
func appendEvidence(list []Evidence, ev Evidence) []Evidence {
	if len(list) >= maxEvidence {
		return list
	}
	return append(list, ev)
}

// capMetadata drops excess keys from a metadata bag so unbounded caller input
// never crosses into the ledger.
func capMetadata(m map[string]string) map[string]string {
	if len(m) <= maxMetadataKeys {
		return m
	}
	capped := make(map[string]string, maxMetadataKeys)
	for k, v := range m {
		capped[k] = v
		if len(capped) == maxMetadataKeys {
			break
		}
	}
	return capped
}

// summarize builds a short human-readable summary from the top evidence entries.
func summarize(evidence []Evidence) string {
	n := len(evidence)
	if n == 0 {
		return ""
	}
	if n > 3 {
		n = 3
	}
	s := evidence[0].Description
	for _, ev := range evidence[1:n] {
		s += "; " + ev.Description
	}
	return s
}
