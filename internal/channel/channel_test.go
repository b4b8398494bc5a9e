package channel

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello", TruncateMessage("hello", 10))
	assert.Equal(t, "hello", TruncateMessage("hello", 5))
	assert.Equal(t, "he...", TruncateMessage("hello world", 5))
	assert.Equal(t, "hi", TruncateMessage("hi", 0))
	assert.Equal(t, "abc", TruncateMessage("abc", 3))
}

func TestTruncateMessage_Multibyte(t *testing.T) {
	t.Parallel()

	// Limits count characters, and a cut never lands inside a codepoint.
	got := TruncateMessage("日本語のメッセージ", 10)
	assert.Equal(t, "日本語のメッセージ", got, "9 runes fit a 10-char limit")

	got = TruncateMessage("日本語のメッセージです", 10)
	assert.Equal(t, "日本語のメッセ...", got)
	assert.True(t, utf8.ValidString(got))
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	event := NormalizedEvent{Platform: "discord", MessageID: "m42"}
	assert.Equal(t, "discord:m42", event.DedupKey())
}

func TestSummarizeText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", SummarizeText("  short  "))

	long := strings.Repeat("a", 100)
	got := SummarizeText(long)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Len(t, []rune(got), 49)

	wide := strings.Repeat("あ", 100)
	got = SummarizeText(wide)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("あ", 48)+"…", got)
}

func TestBackoff_GrowthAndCap(t *testing.T) {
	t.Parallel()

	b := NewBackoff(0)
	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		delay, ok := b.Next()
		require.True(t, ok)
		base := time.Second << i
		assert.InDelta(t, float64(base), float64(delay), float64(base)*0.11, "attempt %d", i)
		assert.Greater(t, delay, prev/2)
		prev = delay
	}

	// Way past the doubling range the delay stays at the cap.
	for i := 0; i < 10; i++ {
		b.Next()
	}
	delay, ok := b.Next()
	require.True(t, ok)
	assert.InDelta(t, float64(60*time.Second), float64(delay), float64(60*time.Second)*0.11)
}

func TestBackoff_AttemptCapAndReset(t *testing.T) {
	t.Parallel()

	b := NewBackoff(2)
	_, ok := b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	assert.False(t, ok, "third attempt exceeds the cap")

	b.Reset()
	delay, ok := b.Next()
	require.True(t, ok)
	assert.InDelta(t, float64(time.Second), float64(delay), float64(time.Second)*0.11)
}

type registryAdapter struct {
	platform Platform
	search   bool
}

func (a *registryAdapter) Platform() Platform                 { return a.platform }
func (a *registryAdapter) Capabilities() Capabilities         { return Capabilities{Search: a.search} }
func (a *registryAdapter) ConnectionStatus() ConnectionStatus { return StatusConnected }

type sendingAdapter struct {
	registryAdapter
}

func (a *sendingAdapter) SendReply(_ context.Context, channelID, content string, opts ReplyOptions) error {
	return nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(&registryAdapter{platform: "Discord"}))

	// Lookups are case-insensitive via normalization.
	_, ok := r.Get("discord")
	assert.True(t, ok)
	_, ok = r.Get("DISCORD")
	assert.True(t, ok)
	_, ok = r.Get("misskey")
	assert.False(t, ok)

	assert.Error(t, r.Register(&registryAdapter{platform: "discord"}), "duplicate platform")
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&registryAdapter{platform: "  "}))
	assert.Len(t, r.List(), 1)
}

func TestRegistry_CapabilityAccessors(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister(&registryAdapter{platform: "plain"})
	r.MustRegister(&sendingAdapter{registryAdapter: registryAdapter{platform: "sender", search: true}})

	_, ok := r.GetSender("plain")
	assert.False(t, ok, "plain adapter has no Sender")
	_, ok = r.GetSender("sender")
	assert.True(t, ok)

	_, ok = r.GetReceiver("sender")
	assert.False(t, ok)

	caps, ok := r.GetCapabilities("sender")
	require.True(t, ok)
	assert.True(t, caps.Search)
	_, ok = r.GetCapabilities("missing")
	assert.False(t, ok)
}
