package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lumachat/internal/metrics"
	"lumachat/internal/risk"

	bolt "go.etcd.io/bbolt"
)

// RiskStore provides persistent storage for the risk state ledger: decisions,
// appeals and friend-add attempts as capped append-only logs, plus the keyed
// ignore map. Bad or partial records are dropped on read, never fatal.
type RiskStore struct {
	db         *bolt.DB
	maxEntries int
}

// Ensure RiskStore implements the interface at compile time.
var _ risk.Store = (*RiskStore)(nil)

const writeRetries = 3

// update runs a write transaction with bounded retry on transient failure.
// BoltDB commits are atomic, so a failed attempt leaves no partial state.
func (s *RiskStore) update(fn func(tx *bolt.Tx) error) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			metrics.StoreWriteRetriesTotal.Inc()
			time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
		}
		if err = s.db.Update(fn); err == nil {
			return nil
		}
	}
	return fmt.Errorf("store: write failed after %d attempts: %w", writeRetries, err)
}

// logKey builds a chronologically sortable key for append-only logs.
func logKey(at time.Time, suffix string) []byte {
	return []byte(fmt.Sprintf("%020d:%s", at.UnixNano(), suffix))
}

// trimOldest deletes oldest-first until the bucket is back under the cap.
func trimOldest(b *bolt.Bucket, max int) error {
	excess := b.Stats().KeyN + 1 - max
	if excess <= 0 {
		return nil
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// ========== Decisions ==========

// AppendDecision appends one decision to the ledger, evicting the oldest
// entries when the cap is exceeded.
func (s *RiskStore) AppendDecision(ctx context.Context, d risk.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskDecisions)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", BucketRiskDecisions)
		}
		if err := trimOldest(b, s.maxEntries); err != nil {
			return err
		}
		return b.Put(logKey(d.CreatedAt, d.ID), data)
	})
}

// matchDecision reports whether d is scoped to the given conversation.
// An empty subjectUID matches any subject (group conversations).
func matchDecision(d *risk.Decision, subjectUID, targetUID string, tt risk.TargetType) bool {
	if d.TargetUID != targetUID || d.TargetType != tt {
		return false
	}
	return subjectUID == "" || d.SubjectUID == subjectUID
}

// RecentDecisions walks the ledger backward from the newest entry, stopping
// once entries fall outside the window, so cost is bounded by the window and
// limit rather than the ledger size.
func (s *RiskStore) RecentDecisions(ctx context.Context, subjectUID, targetUID string, tt risk.TargetType, sinceMs int64, limit int) ([]risk.Decision, error) {
	var out []risk.Decision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskDecisions)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var d risk.Decision
			if err := json.Unmarshal(v, &d); err != nil {
				continue // skip malformed entries
			}
			if d.CreatedAt.UnixMilli() < sinceMs {
				break
			}
			if matchDecision(&d, subjectUID, targetUID, tt) {
				out = append(out, d)
			}
		}
		return nil
	})
	return out, err
}

// DecisionWatermark is the cheap change detector for the profile cache: a
// backward scan counting in-window matches, bounded by maxScan entries
// examined regardless of matches.
func (s *RiskStore) DecisionWatermark(ctx context.Context, subjectUID, targetUID string, tt risk.TargetType, sinceMs int64, maxScan int) (risk.Watermark, error) {
	var wm risk.Watermark
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskDecisions)
		if b == nil {
			return nil
		}
		scanned := 0
		c := b.Cursor()
		for k, v := c.Last(); k != nil && scanned < maxScan; k, v = c.Prev() {
			scanned++
			var d risk.Decision
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			if d.CreatedAt.UnixMilli() < sinceMs {
				break
			}
			if !matchDecision(&d, subjectUID, targetUID, tt) {
				continue
			}
			wm.Count++
			if wm.LatestID == "" {
				wm.LatestID = d.ID
				wm.LatestMs = d.CreatedAt.UnixMilli()
			}
		}
		return nil
	})
	return wm, err
}

// ListDecisions returns the newest entries for the admin surface.
func (s *RiskStore) ListDecisions(ctx context.Context, limit int) ([]risk.Decision, error) {
	var out []risk.Decision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskDecisions)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var d risk.Decision
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// ========== Ignore entries ==========

func ignoreKey(actorUID string, tt risk.TargetType, targetUID string) []byte {
	return []byte(actorUID + "|" + string(tt) + "|" + targetUID)
}

// PutIgnore upserts the single ignore entry for its key.
func (s *RiskStore) PutIgnore(ctx context.Context, e risk.IgnoreEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ignore entry: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskIgnores)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", BucketRiskIgnores)
		}
		return b.Put(ignoreKey(e.ActorUID, e.TargetType, e.TargetUID), data)
	})
}

// GetIgnore returns the unexpired entry for the key, lazily deleting an
// expired one so entries never outlive their TTL observably.
func (s *RiskStore) GetIgnore(ctx context.Context, actorUID string, tt risk.TargetType, targetUID string) (*risk.IgnoreEntry, error) {
	key := ignoreKey(actorUID, tt, targetUID)

	var entry *risk.IgnoreEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskIgnores)
		if b == nil {
			return nil
		}
		data := b.Get(key)
		if data == nil {
			return nil
		}
		e := &risk.IgnoreEntry{}
		if err := json.Unmarshal(data, e); err != nil {
			return nil // drop malformed entry on read
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Expired(time.Now()) {
		err := s.update(func(tx *bolt.Tx) error {
			b := tx.Bucket(BucketRiskIgnores)
			if b == nil {
				return nil
			}
			return b.Delete(key)
		})
		return nil, err
	}
	return entry, nil
}

// SweepIgnores removes all expired entries and returns how many were deleted.
func (s *RiskStore) SweepIgnores(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskIgnores)
		if b == nil {
			return nil
		}
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e risk.IgnoreEntry
			if err := json.Unmarshal(v, &e); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if e.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

// ========== Friend-add attempts ==========

// AppendAttempt appends one friend-add attempt, evicting the oldest entries
// when the cap is exceeded.
func (s *RiskStore) AppendAttempt(ctx context.Context, a risk.FriendAddAttempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskAttempts)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", BucketRiskAttempts)
		}
		if err := trimOldest(b, s.maxEntries); err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d|%s", a.CreatedAt.UnixNano(), a.ActorUID))
		return b.Put(key, data)
	})
}

// RecentAttempts returns the actor's attempts newest-first within the window.
func (s *RiskStore) RecentAttempts(ctx context.Context, actorUID string, sinceMs int64, limit int) ([]risk.FriendAddAttempt, error) {
	var out []risk.FriendAddAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskAttempts)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var a risk.FriendAddAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if a.CreatedAtMs < sinceMs {
				break
			}
			if a.ActorUID == actorUID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// ========== Appeals ==========

// AppendAppeal appends one appeal, evicting the oldest entries when the cap
// is exceeded.
func (s *RiskStore) AppendAppeal(ctx context.Context, a risk.Appeal) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal appeal: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskAppeals)
		if b == nil {
			return fmt.Errorf("bucket not found: %s", BucketRiskAppeals)
		}
		if err := trimOldest(b, s.maxEntries); err != nil {
			return err
		}
		return b.Put(logKey(a.CreatedAt, a.ID), data)
	})
}

// ListAppeals returns the newest appeals for the admin surface.
func (s *RiskStore) ListAppeals(ctx context.Context, limit int) ([]risk.Appeal, error) {
	var out []risk.Appeal
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketRiskAppeals)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var a risk.Appeal
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}
