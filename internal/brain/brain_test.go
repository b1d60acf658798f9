package brain

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zakirovtech/twitch-rag-buddy/internal/bus"
	"github.com/zakirovtech/twitch-rag-buddy/internal/config"
)

func newTestBrain(t *testing.T) (*Brain, *bus.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	ctx := context.Background()
	busClient, err := bus.New(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { busClient.Close() })

	cfg := config.BrainConfig{
		StreamIn:           "IN",
		StreamOut:          "OUT",
		ConsumerGroupIn:    "ai-brain",
		ConsumerNameIn:     "brain-1",
		BotNick:            "mybot",
		WindowSec:          60,
		MaxItems:           200,
		MaxContextMsgs:     15,
		BatchSec:           45,
		QuietAfterSec:      30,
		BusyChatMsgs10s:    8,
		SpeakEverySec:      180,
		TopicCooldownSec:   600,
		MentionCooldownSec: 60,
		AICooldownSec:      20,
		MaxOutLen:          350,
		AutoSpeakEnabled:   true,
	}
	b := New(cfg, busClient)
	return b, busClient
}

func chatEntry(channel, user, text, msgID string) bus.Entry {
	return bus.Entry{
		ID: "1-1",
		Fields: map[string]string{
			"ts":      strconv.FormatInt(time.Now().Unix(), 10),
			"type":    "chat_message",
			"channel": channel,
			"user":    user,
			"text":    text,
			"msg_id":  msgID,
		},
	}
}

// drainOut reads every entry currently on the OUT stream under a
// fresh consumer group used only by the test.
func drainOut(t *testing.T, busClient *bus.Client) []bus.Entry {
	t.Helper()
	ctx := context.Background()
	if err := busClient.EnsureGroup(ctx, "OUT", "test-readers"); err != nil {
		t.Fatalf("EnsureGroup OUT: %v", err)
	}
	entries, err := busClient.ReadNew(ctx, "OUT", "test-readers", "test-1", 50, 0)
	if err != nil {
		t.Fatalf("ReadNew OUT: %v", err)
	}
	return entries
}

// TestExplicitCommandReply is end-to-end scenario 1 of spec.md §8: a
// !ai message produces exactly one OUT reply correlated via reply_to,
// and a second one within the AI cooldown produces none.
func TestExplicitCommandReply(t *testing.T) {
	b, busClient := newTestBrain(t)
	ctx := context.Background()

	b.handleOne(ctx, chatEntry("demo", "alice", "!ai what is rust?", "m1"))
	b.Wait()

	entries := drainOut(t, busClient)
	if len(entries) != 1 {
		t.Fatalf("expected 1 OUT message, got %d", len(entries))
	}
	if entries[0].Fields["channel"] != "demo" {
		t.Fatalf("expected channel demo, got %q", entries[0].Fields["channel"])
	}
	if entries[0].Fields["text"] == "" {
		t.Fatal("expected non-empty reply text")
	}
	if entries[0].Fields["reply_to"] != "m1" {
		t.Fatalf("expected reply_to m1, got %q", entries[0].Fields["reply_to"])
	}

	// A second identical command within the cooldown must not reply.
	b.handleOne(ctx, chatEntry("demo", "alice", "!ai what is rust?", "m1b"))
	b.Wait()
	if entries2 := drainOut(t, busClient); len(entries2) != 0 {
		t.Fatalf("expected no reply within AI cooldown, got %d", len(entries2))
	}
}

// TestMentionReply is end-to-end scenario 2 of spec.md §8.
func TestMentionReply(t *testing.T) {
	b, busClient := newTestBrain(t)
	ctx := context.Background()

	b.handleOne(ctx, chatEntry("demo", "bob", "hey @mybot ping", "m2"))
	b.Wait()

	entries := drainOut(t, busClient)
	if len(entries) != 1 {
		t.Fatalf("expected 1 OUT message, got %d", len(entries))
	}
	if entries[0].Fields["reply_to"] != "m2" {
		t.Fatalf("expected reply_to m2, got %q", entries[0].Fields["reply_to"])
	}
}

// TestNonTriggeringMessageIndexedNotReplied covers the third
// arbitration branch of spec.md §4.K: an ordinary message is indexed
// into the channel buffer and produces no OUT reply.
func TestNonTriggeringMessageIndexedNotReplied(t *testing.T) {
	b, busClient := newTestBrain(t)
	ctx := context.Background()

	b.handleOne(ctx, chatEntry("demo", "carol", "just chatting about rust and compilers", "m3"))
	b.Wait()

	if entries := drainOut(t, busClient); len(entries) != 0 {
		t.Fatalf("expected no reply for ordinary message, got %d", len(entries))
	}
	if got := b.chat.Buffer("demo").Snapshot(0); len(got) != 1 {
		t.Fatalf("expected message indexed into buffer, got %d items", len(got))
	}
}

func TestDisallowedChannelIgnored(t *testing.T) {
	b, busClient := newTestBrain(t)
	b.cfg.ChannelAllowlist = []string{"otherchannel"}
	ctx := context.Background()

	b.handleOne(ctx, chatEntry("demo", "alice", "!ai anything", "m4"))
	b.Wait()

	if entries := drainOut(t, busClient); len(entries) != 0 {
		t.Fatalf("expected no reply for disallowed channel, got %d", len(entries))
	}
}
