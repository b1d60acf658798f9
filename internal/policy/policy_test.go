package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zakirovtech/twitch-rag-buddy/internal/summarizer"
)

func baseConfig() Config {
	return Config{
		AutoSpeakEnabled:   true,
		SpeakEverySec:      60,
		BusyChatMsgs10s:    5,
		QuietAfterSec:      120,
		TopicCooldownSec:   60,
		MentionCooldownSec: 30,
		AICooldownSec:      10,
	}
}

func TestShouldReplyAIRespectsCooldown(t *testing.T) {
	cfg := baseConfig()
	st := State{LastAIReplyTS: time.Now().Unix()}
	assert.False(t, ShouldReplyAI(st, cfg))

	st.LastAIReplyTS = time.Now().Unix() - 11
	assert.True(t, ShouldReplyAI(st, cfg))
}

func TestShouldReplyMentionRespectsCooldown(t *testing.T) {
	cfg := baseConfig()
	st := State{LastMentionReplyTS: time.Now().Unix()}
	assert.False(t, ShouldReplyMention(st, cfg))

	st.LastMentionReplyTS = time.Now().Unix() - 31
	assert.True(t, ShouldReplyMention(st, cfg))
}

func TestDecideAutospeakDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoSpeakEnabled = false
	summary := &summarizer.Summary{LastMessageAgeSec: 999}
	assert.Equal(t, ReasonNone, DecideAutospeak(1000, State{}, cfg, summary))
}

func TestDecideAutospeakNilSummary(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, ReasonNone, DecideAutospeak(1000, State{}, cfg, nil))
}

func TestDecideAutospeakSpeakEveryCooldown(t *testing.T) {
	cfg := baseConfig()
	st := State{LastSpeakTS: 950}
	summary := &summarizer.Summary{LastMessageAgeSec: 999}
	assert.Equal(t, ReasonNone, DecideAutospeak(1000, st, cfg, summary))
}

func TestDecideAutospeakBusyChatSuppresses(t *testing.T) {
	cfg := baseConfig()
	st := State{LastSpeakTS: 0}
	summary := &summarizer.Summary{MsgsLast10s: 10, LastMessageAgeSec: 999}
	assert.Equal(t, ReasonNone, DecideAutospeak(1000, st, cfg, summary))
}

func TestDecideAutospeakSilence(t *testing.T) {
	cfg := baseConfig()
	st := State{LastSpeakTS: 0}
	summary := &summarizer.Summary{MsgsLast10s: 1, LastMessageAgeSec: 150}
	assert.Equal(t, ReasonSilence, DecideAutospeak(1000, st, cfg, summary))
}

func TestDecideAutospeakTopicShift(t *testing.T) {
	cfg := baseConfig()
	st := State{LastSpeakTS: 0, LastTopicFP: "old topic", LastTopicTS: 0}
	summary := &summarizer.Summary{MsgsLast10s: 1, LastMessageAgeSec: 10, TopicFingerprint: "new topic"}
	assert.Equal(t, ReasonTopicShift, DecideAutospeak(1000, st, cfg, summary))
}

func TestDecideAutospeakTopicShiftSuppressedBySameFingerprint(t *testing.T) {
	cfg := baseConfig()
	st := State{LastSpeakTS: 0, LastTopicFP: "same topic", LastTopicTS: 0}
	summary := &summarizer.Summary{MsgsLast10s: 1, LastMessageAgeSec: 10, TopicFingerprint: "same topic"}
	assert.Equal(t, ReasonNone, DecideAutospeak(1000, st, cfg, summary))
}

func TestDecideAutospeakTopicShiftRespectsCooldown(t *testing.T) {
	cfg := baseConfig()
	st := State{LastSpeakTS: 0, LastTopicFP: "old topic", LastTopicTS: 980}
	summary := &summarizer.Summary{MsgsLast10s: 1, LastMessageAgeSec: 10, TopicFingerprint: "new topic"}
	assert.Equal(t, ReasonNone, DecideAutospeak(1000, st, cfg, summary))
}

func TestDecideAutospeakIsPure(t *testing.T) {
	cfg := baseConfig()
	st := State{LastSpeakTS: 0, LastTopicFP: "old", LastTopicTS: 0}
	summary := &summarizer.Summary{MsgsLast10s: 1, LastMessageAgeSec: 10, TopicFingerprint: "new"}

	first := DecideAutospeak(1000, st, cfg, summary)
	second := DecideAutospeak(1000, st, cfg, summary)
	assert.Equal(t, first, second)
}

func TestMarkSpokeUpdatesTopicOnlyForTopicReasons(t *testing.T) {
	st := &State{}
	summary := &summarizer.Summary{TopicFingerprint: "fp1"}

	MarkSpoke(st, summary, ReasonSilence)
	assert.Equal(t, "fp1", st.LastTopicFP)
	assert.NotZero(t, st.LastSpeakTS)
	assert.NotZero(t, st.LastTopicTS)
}

func TestMarkSpokeDoesNotUpdateTopicForNoneReason(t *testing.T) {
	st := &State{LastTopicFP: "unchanged"}
	summary := &summarizer.Summary{TopicFingerprint: "fp1"}

	MarkSpoke(st, summary, ReasonNone)
	assert.Equal(t, "unchanged", st.LastTopicFP)
	assert.NotZero(t, st.LastSpeakTS)
}

func TestMarkAIRepliedAndMentionReplied(t *testing.T) {
	st := &State{}
	MarkAIReplied(st)
	assert.NotZero(t, st.LastAIReplyTS)

	MarkMentionReplied(st)
	assert.NotZero(t, st.LastMentionReplyTS)
}
