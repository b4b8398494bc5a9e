package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperbot/vesper/internal/channel"
)

func event(platform channel.Platform, messageID string) channel.NormalizedEvent {
	return channel.NormalizedEvent{
		Platform:  platform,
		ChannelID: "c1",
		UserID:    "u1",
		MessageID: messageID,
	}
}

func TestDispatch_FallbackRoute(t *testing.T) {
	t.Parallel()

	called := 0
	r := New(nil, func(ctx context.Context, e channel.NormalizedEvent, a channel.Adapter) error {
		called++
		return nil
	})

	require.NoError(t, r.Dispatch(context.Background(), event("discord", "m1"), nil))
	assert.Equal(t, 1, called)
	assert.Equal(t, 0, r.InFlight())
}

func TestDispatch_FirstMatchingRouteWins(t *testing.T) {
	t.Parallel()

	var hits []string
	record := func(name string) Handler {
		return func(ctx context.Context, e channel.NormalizedEvent, a channel.Adapter) error {
			hits = append(hits, name)
			return nil
		}
	}

	r := New(nil, record("default"))
	r.Route("dm", IsDM(), record("dm"))
	r.Route("discord", OnPlatform("discord"), record("discord"))

	dm := event("discord", "m1")
	dm.IsDM = true
	require.NoError(t, r.Dispatch(context.Background(), dm, nil))
	require.NoError(t, r.Dispatch(context.Background(), event("discord", "m2"), nil))
	require.NoError(t, r.Dispatch(context.Background(), event("misskey", "m3"), nil))

	assert.Equal(t, []string{"dm", "discord", "default"}, hits)
}

func TestDispatch_SuppressesConcurrentDuplicate(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	r := New(nil, func(ctx context.Context, e channel.NormalizedEvent, a channel.Adapter) error {
		startOnce.Do(func() { close(started) })
		<-release
		return nil
	})

	e := event("discord", "m1")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Dispatch(context.Background(), e, nil)
	}()
	<-started

	err := r.Dispatch(context.Background(), e, nil)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Equal(t, 1, r.InFlight())

	close(release)
	wg.Wait()

	// The key is released once the handler returns.
	assert.Equal(t, 0, r.InFlight())
	assert.NoError(t, r.Dispatch(context.Background(), e, nil))
}

func TestDispatch_SamePlatformDifferentMessagesAreIndependent(t *testing.T) {
	t.Parallel()

	r := New(nil, func(ctx context.Context, e channel.NormalizedEvent, a channel.Adapter) error {
		return nil
	})
	require.NoError(t, r.Dispatch(context.Background(), event("discord", "m1"), nil))
	require.NoError(t, r.Dispatch(context.Background(), event("discord", "m2"), nil))
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	dm := channel.NormalizedEvent{IsDM: true, Platform: "discord", Content: "Hello Bot"}
	guild := channel.NormalizedEvent{GuildID: "g1", Platform: "misskey", Content: "nothing"}

	assert.True(t, IsDM()(dm))
	assert.False(t, IsDM()(guild))
	assert.True(t, IsGuild()(guild))
	assert.False(t, IsGuild()(dm))
	assert.True(t, OnPlatform("discord")(dm))
	assert.False(t, OnPlatform("discord")(guild))
	assert.True(t, KeywordContains("bot")(dm))
	assert.False(t, KeywordContains("bot")(guild))
	assert.True(t, All(IsDM(), OnPlatform("discord"))(dm))
	assert.False(t, All(IsDM(), OnPlatform("misskey"))(dm))
}
