package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDecision_ThresholdGate(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()
	ctx := context.Background()
	dctx := DecisionContext{
		ActorUID: "u1", SubjectUID: "u1", TargetUID: "u2",
		TargetType: TargetUser, Channel: ChannelChatSend,
	}

	t.Run("below threshold is not persisted", func(t *testing.T) {
		d, err := e.RecordDecision(ctx, Result{Available: true, Score: 44, Level: LevelLow}, dctx)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.Empty(t, store.decisions)
	})

	t.Run("at threshold is persisted", func(t *testing.T) {
		d, err := e.RecordDecision(ctx, Result{Available: true, Score: 45, Level: LevelMedium}, dctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, 45, d.Score)
		assert.Equal(t, LevelMedium, d.Level)
		assert.Len(t, store.decisions, 1)
	})

	t.Run("unavailable results are never persisted", func(t *testing.T) {
		d, err := e.RecordDecision(ctx, Result{Available: false, Score: 99}, dctx)
		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("invalid context is an error", func(t *testing.T) {
		_, err := e.RecordDecision(ctx, Result{Available: true, Score: 80}, DecisionContext{})
		assert.Error(t, err)
	})
}

func TestIgnore(t *testing.T) {
	store := newFakeStore()
	e, now := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()
	ctx := context.Background()

	t.Run("default ttl is a day", func(t *testing.T) {
		entry, err := e.Ignore(ctx, "v", "p", TargetUser, "known contact", 0)
		require.NoError(t, err)
		assert.Equal(t, now.Add(24*time.Hour), entry.ExpiresAt)
	})

	t.Run("explicit ttl", func(t *testing.T) {
		entry, err := e.Ignore(ctx, "v", "p", TargetUser, "", 6)
		require.NoError(t, err)
		assert.Equal(t, now.Add(6*time.Hour), entry.ExpiresAt)
	})

	t.Run("second ignore overwrites", func(t *testing.T) {
		_, err := e.Ignore(ctx, "v", "p", TargetUser, "first", 1)
		require.NoError(t, err)
		_, err = e.Ignore(ctx, "v", "p", TargetUser, "second", 2)
		require.NoError(t, err)

		got, err := store.GetIgnore(ctx, "v", TargetUser, "p")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "second", got.Reason)
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := e.Ignore(ctx, "", "p", TargetUser, "", 1)
		assert.Error(t, err)
		_, err = e.Ignore(ctx, "v", "p", TargetType("bogus"), "", 1)
		assert.Error(t, err)
	})
}

func TestSubmitAppeal(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()
	ctx := context.Background()

	t.Run("appeal starts pending", func(t *testing.T) {
		a, err := e.SubmitAppeal(ctx, "u1", "u2", TargetUser, "this was a joke", map[string]string{"decision": "d1"})
		require.NoError(t, err)
		assert.Equal(t, AppealStatusPending, a.Status)
		assert.NotEmpty(t, a.ID)
		assert.Len(t, store.appeals, 1)
	})

	t.Run("reason is required", func(t *testing.T) {
		_, err := e.SubmitAppeal(ctx, "u1", "u2", TargetUser, "", nil)
		assert.Error(t, err)
	})
}

func TestStats(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()
	ctx := context.Background()
	dctx := DecisionContext{
		ActorUID: "u1", SubjectUID: "u1", TargetUID: "u2",
		TargetType: TargetUser, Channel: ChannelChatSend,
	}

	_, err := e.RecordDecision(ctx, Result{Available: true, Score: 62, Level: LevelMedium, Tags: []string{TagMaliciousLink}}, dctx)
	require.NoError(t, err)
	_, err = e.RecordDecision(ctx, Result{Available: true, Score: 90, Level: LevelHigh, Tags: []string{TagMaliciousLink, TagAdsSpam}}, dctx)
	require.NoError(t, err)
	fctx := dctx
	fctx.Channel = ChannelFriendsAdd
	_, err = e.RecordDecision(ctx, Result{Available: true, Score: 78, Level: LevelMedium, Tags: []string{TagAbnormalAddFriend}}, fctx)
	require.NoError(t, err)

	stats, err := e.Stats(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByLevel[string(LevelMedium)])
	assert.Equal(t, 1, stats.ByLevel[string(LevelHigh)])
	assert.Equal(t, 2, stats.ByChannel[ChannelChatSend])
	assert.Equal(t, 1, stats.ByChannel[ChannelFriendsAdd])
	assert.Equal(t, 2, stats.ByTag[TagMaliciousLink])
	assert.Equal(t, 1, stats.ByTag[TagAbnormalAddFriend])
}

func TestRecordFriendAddAttempt(t *testing.T) {
	store := newFakeStore()
	e, now := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()

	require.NoError(t, e.RecordFriendAddAttempt(context.Background(), "u1", "u2", "sent"))
	require.Len(t, store.attempts, 1)
	assert.Equal(t, now.UnixMilli(), store.attempts[0].CreatedAtMs)

	assert.Error(t, e.RecordFriendAddAttempt(context.Background(), "", "u2", "sent"))
}

func TestStartIgnoreSweeper(t *testing.T) {
	store := newFakeStore()
	e, now := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, store.PutIgnore(ctx, IgnoreEntry{
		ActorUID: "v", TargetType: TargetUser, TargetUID: "p",
		ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.PutIgnore(ctx, IgnoreEntry{
		ActorUID: "v", TargetType: TargetUser, TargetUID: "q",
		ExpiresAt: now.Add(time.Hour),
	}))

	stop := e.StartIgnoreSweeper(5 * time.Millisecond)
	defer stop()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.ignores) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLevelChangePush(t *testing.T) {
	store := newFakeStore()
	history := newFakeHistory()
	notifier := &fakeNotifier{}

	cfg := DefaultConfig()
	cfg.Cache.ColdWait = 2 * time.Second
	e, now := newTestEngine(store, history, notifier, cfg)
	defer e.Close()
	ctx := context.Background()

	// Cold fill at low level: no push.
	p, err := e.GetConversationProfile(ctx, "v", "p", TargetUser)
	require.NoError(t, err)
	require.Equal(t, LevelLow, p.Level)
	assert.Equal(t, 0, notifier.count())

	// The peer turns hostile; the next request sees a changed version token,
	// recomputes, and the level transition is pushed to the viewer.
	history.add(TargetUser, "p", "v", "claim at https://bit.ly/x", now.Add(-time.Minute))

	p, err = e.GetConversationProfile(ctx, "v", "p", TargetUser)
	require.NoError(t, err)
	require.Equal(t, LevelMedium, p.Level)

	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 5*time.Millisecond)
	notifier.mu.Lock()
	assert.Equal(t, "v", notifier.calls[0])
	notifier.mu.Unlock()
}

func TestProfileCoherenceAfterNewMessage(t *testing.T) {
	store := newFakeStore()
	history := newFakeHistory()

	cfg := DefaultConfig()
	cfg.Cache.ColdWait = 2 * time.Second
	e, now := newTestEngine(store, history, nil, cfg)
	defer e.Close()
	ctx := context.Background()

	p, err := e.GetConversationProfile(ctx, "v", "p", TargetUser)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Score)

	// Within the fresh TTL, but the data changed: the version token must
	// force a recompute rather than serving the cached zero.
	history.add(TargetUser, "p", "v", "https://bit.ly/x", now.Add(-time.Second))

	p, err = e.GetConversationProfile(ctx, "v", "p", TargetUser)
	require.NoError(t, err)
	assert.Equal(t, 70, p.Score, "cached profile must not mask new messages")
}
