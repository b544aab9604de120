package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileTestKey(e *Engine, viewer, target string, tt TargetType) profileKey {
	return profileKey{
		ViewerUID:  viewer,
		TargetUID:  target,
		TargetType: tt,
		WindowMs:   e.cfg.ProfileWindow.Milliseconds(),
	}
}

func TestComputeProfile_CleanConversation(t *testing.T) {
	e, _ := newTestEngine(newFakeStore(), newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Score)
	assert.Equal(t, LevelLow, p.Level)
	assert.Empty(t, p.Tags)
	assert.False(t, p.Ignored)
}

func TestComputeProfile_IncomingLink(t *testing.T) {
	history := newFakeHistory()
	e, now := newTestEngine(newFakeStore(), history, nil, scorerTestConfig())
	defer e.Close()

	history.add(TargetUser, "p", "v", "claim at https://bit.ly/x", now.Add(-time.Hour))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.Equal(t, 70, p.Score)
	assert.Equal(t, LevelMedium, p.Level)
	assert.Contains(t, p.Tags, TagMaliciousLink)
	assert.NotEmpty(t, p.Summary)
}

func TestComputeProfile_ViewerMessagesExcluded(t *testing.T) {
	history := newFakeHistory()
	e, now := newTestEngine(newFakeStore(), history, nil, scorerTestConfig())
	defer e.Close()

	// Only the viewer's own message carries the link; it must not raise the
	// profile the viewer sees about the peer.
	history.add(TargetUser, "v", "p", "claim at https://bit.ly/x", now.Add(-time.Hour))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Score)
}

func TestComputeProfile_BaseIsMaxNotSum(t *testing.T) {
	history := newFakeHistory()
	e, now := newTestEngine(newFakeStore(), history, nil, scorerTestConfig())
	defer e.Close()

	history.add(TargetUser, "p", "v", "https://bit.ly/x", now.Add(-2*time.Hour))
	history.add(TargetUser, "p", "v", "promo code inside, act now", now.Add(-time.Hour))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.Equal(t, 70, p.Score)
	assert.ElementsMatch(t, []string{TagMaliciousLink, TagAdsSpam}, p.Tags)
}

func TestComputeProfile_FloodFloor(t *testing.T) {
	history := newFakeHistory()
	e, now := newTestEngine(newFakeStore(), history, nil, scorerTestConfig())
	defer e.Close()

	for i := 0; i < 10; i++ {
		history.add(TargetUser, "p", "v", fmt.Sprintf("msg %d", i), now.Add(-time.Duration(i+1)*time.Minute))
	}

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.Equal(t, 76, p.Score)
	assert.Contains(t, p.Tags, TagFlooding)
}

func TestComputeProfile_DecayedPriorDecision(t *testing.T) {
	store := newFakeStore()
	e, now := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()

	require.NoError(t, store.AppendDecision(context.Background(), Decision{
		ID:         "d1",
		CreatedAt:  now.Add(-24 * time.Hour),
		SubjectUID: "p",
		TargetUID:  "v",
		TargetType: TargetUser,
		Channel:    ChannelChatSend,
		Score:      90,
		Level:      LevelHigh,
		Tags:       []string{TagMaliciousLink},
	}))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	// 90 * 0.88 rounds to 79: one decay step below the high threshold.
	assert.Equal(t, 79, p.Score)
	assert.Equal(t, LevelMedium, p.Level)
	assert.Contains(t, p.Tags, TagMaliciousLink)
}

func TestComputeProfile_FreshSignalBeatsDecayedPrior(t *testing.T) {
	store := newFakeStore()
	history := newFakeHistory()
	e, now := newTestEngine(store, history, nil, scorerTestConfig())
	defer e.Close()

	history.add(TargetUser, "p", "v", "https://bit.ly/x", now.Add(-time.Hour))
	require.NoError(t, store.AppendDecision(context.Background(), Decision{
		ID: "d1", CreatedAt: now.Add(-24 * time.Hour),
		SubjectUID: "p", TargetUID: "v", TargetType: TargetUser,
		Score: 50, Level: LevelMedium,
	}))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	// base 70 beats 50 * 0.88 = 44
	assert.Equal(t, 70, p.Score)
}

func TestComputeProfile_OtherConversationsDoNotLeak(t *testing.T) {
	store := newFakeStore()
	e, now := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()

	require.NoError(t, store.AppendDecision(context.Background(), Decision{
		ID: "d1", CreatedAt: now.Add(-time.Hour),
		SubjectUID: "p", TargetUID: "someone-else", TargetType: TargetUser,
		Score: 95, Level: LevelHigh,
	}))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Score)
}

func TestComputeProfile_GroupCountsAllSenders(t *testing.T) {
	store := newFakeStore()
	e, now := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()

	// Two different subjects misbehaved toward the same group; both count.
	for i, subject := range []string{"s1", "s2"} {
		require.NoError(t, store.AppendDecision(context.Background(), Decision{
			ID: fmt.Sprintf("d%d", i), CreatedAt: now.Add(-time.Hour),
			SubjectUID: subject, TargetUID: "grp", TargetType: TargetGroup,
			Score: 60 + i, Level: LevelMedium,
		}))
	}

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "grp", TargetGroup))
	require.NoError(t, err)
	// 61 * 0.88 rounds to 54
	assert.Equal(t, 54, p.Score)
}

func TestComputeProfile_IgnoreCarriedNotSuppressed(t *testing.T) {
	store := newFakeStore()
	history := newFakeHistory()
	e, now := newTestEngine(store, history, nil, scorerTestConfig())
	defer e.Close()

	history.add(TargetUser, "p", "v", "https://bit.ly/x", now.Add(-time.Hour))
	require.NoError(t, store.PutIgnore(context.Background(), IgnoreEntry{
		ActorUID: "v", TargetType: TargetUser, TargetUID: "p",
		IgnoredAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour),
	}))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.True(t, p.Ignored)
	require.NotNil(t, p.Ignore)
	// The score is still computed; ignoring only mutes the warning display.
	assert.Equal(t, 70, p.Score)
}

func TestComputeProfile_ExpiredIgnoreNotCarried(t *testing.T) {
	store := newFakeStore()
	e, now := newTestEngine(store, newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()

	require.NoError(t, store.PutIgnore(context.Background(), IgnoreEntry{
		ActorUID: "v", TargetType: TargetUser, TargetUID: "p",
		IgnoredAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	p, err := e.computeProfile(context.Background(), profileTestKey(e, "v", "p", TargetUser))
	require.NoError(t, err)
	assert.False(t, p.Ignored)
	assert.Nil(t, p.Ignore)
}

func TestResolveVersionToken(t *testing.T) {
	store := newFakeStore()
	history := newFakeHistory()
	e, now := newTestEngine(store, history, nil, scorerTestConfig())
	defer e.Close()
	ctx := context.Background()
	key := profileTestKey(e, "v", "p", TargetUser)

	t1, err := e.resolveVersionToken(ctx, key)
	require.NoError(t, err)
	t2, err := e.resolveVersionToken(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, t1, t2, "token must be stable when nothing changed")

	t.Run("changes on new message", func(t *testing.T) {
		history.add(TargetUser, "p", "v", "hi", now.Add(-time.Minute))
		t3, err := e.resolveVersionToken(ctx, key)
		require.NoError(t, err)
		assert.NotEqual(t, t2, t3)
	})

	t.Run("changes on new decision", func(t *testing.T) {
		before, err := e.resolveVersionToken(ctx, key)
		require.NoError(t, err)
		require.NoError(t, store.AppendDecision(ctx, Decision{
			ID: "d1", CreatedAt: now.Add(-time.Minute),
			SubjectUID: "p", TargetUID: "v", TargetType: TargetUser,
			Score: 50, Level: LevelMedium,
		}))
		after, err := e.resolveVersionToken(ctx, key)
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})

	t.Run("changes on ignore", func(t *testing.T) {
		before, err := e.resolveVersionToken(ctx, key)
		require.NoError(t, err)
		require.NoError(t, store.PutIgnore(ctx, IgnoreEntry{
			ActorUID: "v", TargetType: TargetUser, TargetUID: "p",
			IgnoredAt: *now, ExpiresAt: now.Add(time.Hour),
		}))
		after, err := e.resolveVersionToken(ctx, key)
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})

	t.Run("unrelated conversations do not move the token", func(t *testing.T) {
		before, err := e.resolveVersionToken(ctx, key)
		require.NoError(t, err)
		history.add(TargetUser, "x", "y", "hi", now.Add(-time.Minute))
		after, err := e.resolveVersionToken(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestGetConversationProfile_InvalidRequestBypasses(t *testing.T) {
	e, _ := newTestEngine(newFakeStore(), newFakeHistory(), nil, scorerTestConfig())
	defer e.Close()

	p, err := e.GetConversationProfile(context.Background(), "", "p", TargetUser)
	require.NoError(t, err)
	assert.Equal(t, ServedBypassInvalid, p.Served)
	assert.Equal(t, LevelLow, p.Level)

	p, err = e.GetConversationProfile(context.Background(), "v", "p", TargetType("bogus"))
	require.NoError(t, err)
	assert.Equal(t, ServedBypassInvalid, p.Served)
}
