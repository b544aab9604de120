package risk

import (
	"context"
	"time"
)

// Watermark is a cheap summary of a windowed data source: how many entries
// fall inside the window and the newest entry's identity. Two identical
// watermarks mean the underlying window is semantically unchanged, so a
// cached profile computed under the same watermarks is still valid.
type Watermark struct {
	Count    int
	LatestMs int64
	LatestID string
}

// Store is the persistence contract for the risk state ledger.
// Implementations must be safe for concurrent use; all mutations are
// serialized through a single logical writer per store instance.
type Store interface {
	// Decisions (append-only, capped)
	AppendDecision(ctx context.Context, d Decision) error
	// RecentDecisions returns decisions matching (subjectUID, targetUID,
	// targetType) newest-first, bounded by sinceMs and limit. An empty
	// subjectUID matches any subject (group conversations).
	RecentDecisions(ctx context.Context, subjectUID, targetUID string, tt TargetType, sinceMs int64, limit int) ([]Decision, error)
	// DecisionWatermark scans backward from the newest decision, stopping
	// once entries fall outside sinceMs or maxScan entries were examined.
	DecisionWatermark(ctx context.Context, subjectUID, targetUID string, tt TargetType, sinceMs int64, maxScan int) (Watermark, error)
	ListDecisions(ctx context.Context, limit int) ([]Decision, error)

	// Ignore entries (keyed upsert, lazily expired on read)
	PutIgnore(ctx context.Context, e IgnoreEntry) error
	GetIgnore(ctx context.Context, actorUID string, tt TargetType, targetUID string) (*IgnoreEntry, error)
	SweepIgnores(ctx context.Context, now time.Time) (int, error)

	// Friend-add attempts (append-only, capped)
	AppendAttempt(ctx context.Context, a FriendAddAttempt) error
	RecentAttempts(ctx context.Context, actorUID string, sinceMs int64, limit int) ([]FriendAddAttempt, error)

	// Appeals (append-only, capped)
	AppendAppeal(ctx context.Context, a Appeal) error
	ListAppeals(ctx context.Context, limit int) ([]Appeal, error)
}

// Message is one chat message as seen by the risk core.
type Message struct {
	SenderUID   string `json:"sender_uid"`
	Text        string `json:"text"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// MessageFilter selects a window of messages. Exactly one conversation is
// addressed: a private chat (TargetUser, ViewerUID+TargetUID participants)
// or a group (TargetGroup, TargetUID is the group). SenderUID restricts to
// one sender; ExcludeUID drops one sender's messages.
type MessageFilter struct {
	TargetType TargetType
	ViewerUID  string
	TargetUID  string
	SenderUID  string
	ExcludeUID string
	SinceMs    int64
	Limit      int
}

// ChatHistory is the message transport/storage collaborator. Results are
// ordered newest-first. MessageWatermark must be far cheaper than
// QueryMessages; it only counts and reports the newest timestamp.
type ChatHistory interface {
	QueryMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	MessageWatermark(ctx context.Context, f MessageFilter) (Watermark, error)
}

// Notifier is the injected sink the core calls synchronously when a
// background refresh changes a conversation's risk level. Transport
// mechanics (websocket fan-out) live entirely behind this interface.
type Notifier interface {
	Notify(uid string, payload any)
}
