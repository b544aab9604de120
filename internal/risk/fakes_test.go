package risk

import (
	"context"
	"sort"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu        sync.Mutex
	decisions []Decision
	appeals   []Appeal
	attempts  []FriendAddAttempt
	ignores   map[string]IgnoreEntry

	failDecisions bool
	failAttempts  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{ignores: make(map[string]IgnoreEntry)}
}

func (s *fakeStore) AppendDecision(ctx context.Context, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *fakeStore) RecentDecisions(ctx context.Context, subjectUID, targetUID string, tt TargetType, sinceMs int64, limit int) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDecisions {
		return nil, errFake
	}
	var out []Decision
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		d := s.decisions[i]
		if d.CreatedAt.UnixMilli() < sinceMs {
			continue
		}
		if d.TargetUID != targetUID || d.TargetType != tt {
			continue
		}
		if subjectUID != "" && d.SubjectUID != subjectUID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) DecisionWatermark(ctx context.Context, subjectUID, targetUID string, tt TargetType, sinceMs int64, maxScan int) (Watermark, error) {
	decisions, err := s.RecentDecisions(ctx, subjectUID, targetUID, tt, sinceMs, maxScan)
	if err != nil {
		return Watermark{}, err
	}
	wm := Watermark{Count: len(decisions)}
	if len(decisions) > 0 {
		wm.LatestID = decisions[0].ID
		wm.LatestMs = decisions[0].CreatedAt.UnixMilli()
	}
	return wm, nil
}

func (s *fakeStore) ListDecisions(ctx context.Context, limit int) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Decision
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.decisions[i])
	}
	return out, nil
}

func (s *fakeStore) PutIgnore(ctx context.Context, e IgnoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignores[e.ActorUID+"|"+string(e.TargetType)+"|"+e.TargetUID] = e
	return nil
}

func (s *fakeStore) GetIgnore(ctx context.Context, actorUID string, tt TargetType, targetUID string) (*IgnoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ignores[actorUID+"|"+string(tt)+"|"+targetUID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *fakeStore) SweepIgnores(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.ignores {
		if e.Expired(now) {
			delete(s.ignores, k)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeStore) AppendAttempt(ctx context.Context, a FriendAddAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *fakeStore) RecentAttempts(ctx context.Context, actorUID string, sinceMs int64, limit int) ([]FriendAddAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAttempts {
		return nil, errFake
	}
	var out []FriendAddAttempt
	for i := len(s.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := s.attempts[i]
		if a.CreatedAtMs < sinceMs || a.ActorUID != actorUID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) AppendAppeal(ctx context.Context, a Appeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appeals = append(s.appeals, a)
	return nil
}

func (s *fakeStore) ListAppeals(ctx context.Context, limit int) ([]Appeal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Appeal
	for i := len(s.appeals) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.appeals[i])
	}
	return out, nil
}

// fakeHistory is an in-memory ChatHistory keyed the same way the bolt index is.
type fakeHistory struct {
	mu   sync.Mutex
	msgs map[string][]Message // conversation key -> ascending by time

	fail bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{msgs: make(map[string][]Message)}
}

func convTestKey(tt TargetType, a, b string) string {
	if tt == TargetGroup {
		return "g|" + a
	}
	if b < a {
		a, b = b, a
	}
	return "p|" + a + "|" + b
}

func (h *fakeHistory) add(tt TargetType, senderUID, targetUID, text string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := convTestKey(tt, senderUID, targetUID)
	if tt == TargetGroup {
		key = convTestKey(tt, targetUID, "")
	}
	h.msgs[key] = append(h.msgs[key], Message{
		SenderUID:   senderUID,
		Text:        text,
		CreatedAtMs: at.UnixMilli(),
	})
	sort.Slice(h.msgs[key], func(i, j int) bool {
		return h.msgs[key][i].CreatedAtMs < h.msgs[key][j].CreatedAtMs
	})
}

func (h *fakeHistory) QueryMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return nil, errFake
	}
	key := convTestKey(f.TargetType, f.ViewerUID, f.TargetUID)
	if f.TargetType == TargetGroup {
		key = convTestKey(f.TargetType, f.TargetUID, "")
	}
	var out []Message
	msgs := h.msgs[key]
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.CreatedAtMs < f.SinceMs {
			break
		}
		if f.SenderUID != "" && m.SenderUID != f.SenderUID {
			continue
		}
		if f.ExcludeUID != "" && m.SenderUID == f.ExcludeUID {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (h *fakeHistory) MessageWatermark(ctx context.Context, f MessageFilter) (Watermark, error) {
	f.Limit = 0
	msgs, err := h.QueryMessages(ctx, f)
	if err != nil {
		return Watermark{}, err
	}
	wm := Watermark{Count: len(msgs)}
	if len(msgs) > 0 {
		wm.LatestMs = msgs[0].CreatedAtMs
	}
	return wm, nil
}

// fakeNotifier records pushes for assertion.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(uid string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, uid)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

var errFake = errFakeType{}

type errFakeType struct{}

func (errFakeType) Error() string { return "fake dependency failure" }

// newTestEngine builds an engine over the fakes with a controllable clock.
func newTestEngine(store *fakeStore, history *fakeHistory, notifier Notifier, cfg Config) (*Engine, *time.Time) {
	e := NewEngine(store, history, notifier, cfg)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	e.cache.clock = e.clock
	return e, &now
}
