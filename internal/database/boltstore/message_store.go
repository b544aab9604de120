package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lumachat/internal/risk"

	bolt "go.etcd.io/bbolt"
)

// MessageStore is the chat message index consumed by the risk core's windowed
// queries. Keys are ordered by conversation then time, so both query shapes
// ("between two private participants" and "into a group") are backward cursor
// walks that stop at the window's lower bound.
type MessageStore struct {
	db *bolt.DB
}

// Ensure MessageStore implements the interface at compile time.
var _ risk.ChatHistory = (*MessageStore)(nil)

// convKey addresses one conversation: private pairs sort their participants
// so both directions land in the same key space.
func convKey(tt risk.TargetType, a, b string) string {
	if tt == risk.TargetGroup {
		return "g|" + a
	}
	if b < a {
		a, b = b, a
	}
	return "p|" + a + "|" + b
}

func filterConvKey(f risk.MessageFilter) string {
	if f.TargetType == risk.TargetGroup {
		return convKey(risk.TargetGroup, f.TargetUID, "")
	}
	return convKey(risk.TargetUser, f.ViewerUID, f.TargetUID)
}

// AppendMessage indexes one chat message. For private chats the conversation
// is the (sender, target) pair; for groups it is the group itself.
func (s *MessageStore) AppendMessage(ctx context.Context, tt risk.TargetType, senderUID, targetUID, text string, at time.Time) error {
	m := risk.Message{SenderUID: senderUID, Text: text, CreatedAtMs: at.UnixMilli()}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	convA, convB := conversationOf(tt, senderUID, targetUID)
	ck := convKey(tt, convA, convB)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketChatMessages)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", BucketChatMessages)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%s|%020d|%08d", ck, at.UnixMilli(), seq))
		return b.Put(key, data)
	})
}

// conversationOf maps a send to its conversation addressing.
func conversationOf(tt risk.TargetType, senderUID, targetUID string) (string, string) {
	if tt == risk.TargetGroup {
		return targetUID, ""
	}
	return senderUID, targetUID
}

// QueryMessages returns matching messages newest-first, bounded by the
// filter's window and limit.
func (s *MessageStore) QueryMessages(ctx context.Context, f risk.MessageFilter) ([]risk.Message, error) {
	var out []risk.Message
	err := s.walk(f, func(m risk.Message) bool {
		out = append(out, m)
		return len(out) < f.Limit
	})
	return out, err
}

// MessageWatermark counts in-window matches and reports the newest timestamp.
// Same walk as QueryMessages but without decoding payloads into results, and
// without a result limit: the count is what detects change.
func (s *MessageStore) MessageWatermark(ctx context.Context, f risk.MessageFilter) (risk.Watermark, error) {
	var wm risk.Watermark
	f.Limit = 0
	err := s.walk(f, func(m risk.Message) bool {
		wm.Count++
		if wm.LatestMs == 0 {
			wm.LatestMs = m.CreatedAtMs
		}
		return true
	})
	return wm, err
}

// walk iterates the conversation backward from its newest message, applying
// sender filters and stopping at the window bound. visit returns false to
// stop early.
func (s *MessageStore) walk(f risk.MessageFilter, visit func(risk.Message) bool) error {
	prefix := []byte(filterConvKey(f) + "|")
	upper := append(append([]byte(nil), prefix...), 0xff)

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketChatMessages)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var m risk.Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue // skip malformed entries
			}
			if m.CreatedAtMs < f.SinceMs {
				break
			}
			if f.SenderUID != "" && m.SenderUID != f.SenderUID {
				continue
			}
			if f.ExcludeUID != "" && m.SenderUID == f.ExcludeUID {
				continue
			}
			if !visit(m) {
				break
			}
		}
		return nil
	})
}
