// Package policy arbitrates speak/reply decisions under per-channel
// cooldowns, as specified in spec.md §4.I. All decision functions are
// pure functions of their inputs (spec.md §8).
package policy

import (
	"time"

	"github.com/zakirovtech/twitch-rag-buddy/internal/summarizer"
)

// Reason identifies why an autospeak tick decided to speak.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonSilence    Reason = "SILENCE"
	ReasonTopicShift Reason = "TOPIC_SHIFT"
)

// State is the per-channel PolicyState of spec.md §3. The *TS fields
// are monotonically non-decreasing unix timestamps; LastTopicFP is the
// last topic fingerprint spoken on. All are mutated only by the
// functions in this package.
type State struct {
	LastSpeakTS        int64
	LastTopicFP        string
	LastTopicTS        int64
	LastMentionReplyTS int64
	LastAIReplyTS      int64
}

// Config is the subset of brain configuration the policy functions
// need — cooldowns and autospeak thresholds (spec.md §6).
type Config struct {
	AutoSpeakEnabled   bool
	SpeakEverySec      int64
	BusyChatMsgs10s    int
	QuietAfterSec      int64
	TopicCooldownSec   int64
	MentionCooldownSec int64
	AICooldownSec      int64
}

func now() int64 { return time.Now().Unix() }

// ShouldReplyAI reports whether enough time has passed since the last
// !ai reply in this channel.
func ShouldReplyAI(st State, cfg Config) bool {
	return now()-st.LastAIReplyTS >= cfg.AICooldownSec
}

// ShouldReplyMention reports whether enough time has passed since the
// last mention reply in this channel.
func ShouldReplyMention(st State, cfg Config) bool {
	return now()-st.LastMentionReplyTS >= cfg.MentionCooldownSec
}

// DecideAutospeak implements spec.md §4.I's five-step arbitration. It
// is a pure function of (now, state, cfg, summary): identical inputs
// yield identical output (spec.md §8).
func DecideAutospeak(nowUnix int64, st State, cfg Config, summary *summarizer.Summary) Reason {
	if !cfg.AutoSpeakEnabled || summary == nil {
		return ReasonNone
	}
	if nowUnix-st.LastSpeakTS < cfg.SpeakEverySec {
		return ReasonNone
	}
	if summary.MsgsLast10s > cfg.BusyChatMsgs10s {
		return ReasonNone
	}
	if summary.LastMessageAgeSec >= cfg.QuietAfterSec {
		return ReasonSilence
	}
	if summary.TopicFingerprint != "" &&
		summary.TopicFingerprint != st.LastTopicFP &&
		nowUnix-st.LastTopicTS >= cfg.TopicCooldownSec {
		return ReasonTopicShift
	}
	return ReasonNone
}

// MarkSpoke records that the Brain just spoke in a channel, updating
// topic tracking for SILENCE/TOPIC_SHIFT reasons.
func MarkSpoke(st *State, summary *summarizer.Summary, reason Reason) {
	n := now()
	st.LastSpeakTS = n
	if reason == ReasonSilence || reason == ReasonTopicShift {
		if summary != nil {
			st.LastTopicFP = summary.TopicFingerprint
		}
		st.LastTopicTS = n
	}
}

// MarkAIReplied records a direct !ai reply.
func MarkAIReplied(st *State) {
	st.LastAIReplyTS = now()
}

// MarkMentionReplied records a direct mention reply.
func MarkMentionReplied(st *State) {
	st.LastMentionReplyTS = now()
}
