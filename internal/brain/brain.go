// Package brain implements the Brain loop: batched consumption of IN,
// per-message trigger dispatch, and a periodic autospeak tick, as
// specified in spec.md §4.K. Grounded on
// original_source/ai_chat_brain/main.py for the loop shape; LLM calls
// are pushed onto a bounded worker pool per spec.md §5 so bus I/O is
// never stalled behind an HTTP round trip.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zakirovtech/twitch-rag-buddy/internal/bus"
	"github.com/zakirovtech/twitch-rag-buddy/internal/busproto"
	"github.com/zakirovtech/twitch-rag-buddy/internal/buffer"
	"github.com/zakirovtech/twitch-rag-buddy/internal/config"
	"github.com/zakirovtech/twitch-rag-buddy/internal/filters"
	"github.com/zakirovtech/twitch-rag-buddy/internal/generator"
	"github.com/zakirovtech/twitch-rag-buddy/internal/metrics"
	"github.com/zakirovtech/twitch-rag-buddy/internal/policy"
	"github.com/zakirovtech/twitch-rag-buddy/internal/summarizer"
)

// replyWorkers bounds the number of concurrent generator calls, so an
// Ollama HTTP round trip never holds up the next bus read (spec.md §5).
const replyWorkers = 4

// Brain owns the per-process state: the rolling chat buffers, the
// per-channel policy map, and the selected generator.
type Brain struct {
	cfg  config.BrainConfig
	bus  *bus.Client
	filt *filters.Filters
	gen  generator.Generator
	chat *buffer.ChatState

	policyMu sync.Mutex
	policies map[string]*policy.State

	lastBatchTS int64

	sem   sync.WaitGroup // tracks in-flight reply workers for graceful drain
	slots chan struct{}
}

// New builds a Brain ready for Run.
func New(cfg config.BrainConfig, busClient *bus.Client) *Brain {
	return &Brain{
		cfg:      cfg,
		bus:      busClient,
		filt:     filters.New(cfg.Banwords, cfg.BotNick, cfg.MinLen),
		gen:      generator.Build(ollamaConfigFrom(cfg)),
		chat:     buffer.NewChatState(cfg.WindowSec, cfg.MaxItems),
		policies: map[string]*policy.State{},
		slots:    make(chan struct{}, replyWorkers),
	}
}

// Wait blocks until all in-flight reply workers have finished —
// callers use this for graceful shutdown draining (spec.md §5).
func (b *Brain) Wait() {
	b.sem.Wait()
}

func ollamaConfigFrom(cfg config.BrainConfig) generator.OllamaConfig {
	return generator.OllamaConfig{
		URL:            cfg.OllamaURL,
		Model:          cfg.OllamaModel,
		TimeoutSec:     cfg.OllamaTimeoutSec,
		Temperature:    cfg.OllamaTemperature,
		NumCtx:         cfg.OllamaNumCtx,
		NumPredict:     cfg.OllamaNumPredict,
		TopP:           cfg.OllamaTopP,
		RepeatPenalty:  cfg.OllamaRepeatPenalty,
		Think:          cfg.OllamaThink,
		ForceRU:        cfg.OllamaForceRU,
		RetryNonRU:     cfg.OllamaRetryNonRU,
		MaxContextMsgs: cfg.MaxContextMsgs,
	}
}

func (b *Brain) policyFor(channel string) *policy.State {
	b.policyMu.Lock()
	defer b.policyMu.Unlock()
	st, ok := b.policies[channel]
	if !ok {
		st = &policy.State{}
		b.policies[channel] = st
	}
	return st
}

func (b *Brain) policyCfg() policy.Config {
	return policy.Config{
		AutoSpeakEnabled:   b.cfg.AutoSpeakEnabled,
		SpeakEverySec:      int64(b.cfg.SpeakEverySec),
		BusyChatMsgs10s:    b.cfg.BusyChatMsgs10s,
		QuietAfterSec:      int64(b.cfg.QuietAfterSec),
		TopicCooldownSec:   int64(b.cfg.TopicCooldownSec),
		MentionCooldownSec: int64(b.cfg.MentionCooldownSec),
		AICooldownSec:      int64(b.cfg.AICooldownSec),
	}
}

func (b *Brain) allowedChannel(channel string) bool {
	if len(b.cfg.ChannelAllowlist) == 0 {
		return true
	}
	for _, c := range b.cfg.ChannelAllowlist {
		if c == channel {
			return true
		}
	}
	return false
}

// Run drives the consume-dispatch-autospeak loop of spec.md §4.K
// until ctx is cancelled.
func (b *Brain) Run(ctx context.Context) error {
	if err := b.bus.EnsureGroup(ctx, b.cfg.StreamIn, b.cfg.ConsumerGroupIn); err != nil {
		return fmt.Errorf("brain: ensure IN group: %w", err)
	}
	b.lastBatchTS = time.Now().Unix()

	for {
		if ctx.Err() != nil {
			return nil
		}

		items, err := b.bus.ReadNew(ctx, b.cfg.StreamIn, b.cfg.ConsumerGroupIn, b.cfg.ConsumerNameIn, 50, 5000)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("brain: read IN failed", "err", err)
			time.Sleep(time.Second)
			continue
		}

		if len(items) == 0 {
			b.maybeAutospeakAll(ctx)
			continue
		}

		var ackIDs []string
		for _, e := range items {
			ackIDs = append(ackIDs, e.ID)
			b.handleOne(ctx, e)
		}
		if err := b.bus.Ack(ctx, b.cfg.StreamIn, b.cfg.ConsumerGroupIn, ackIDs...); err != nil {
			slog.Warn("brain: ack IN failed", "err", err)
		}
		metrics.BrainMessagesConsumedTotal.Add(float64(len(items)))

		b.maybeAutospeakAll(ctx)
	}
}

func (b *Brain) handleOne(ctx context.Context, e bus.Entry) {
	msg := busproto.ChatMessageFromFields(e.Fields)
	if msg.Type != "chat_message" {
		return
	}
	channel := strings.ToLower(msg.Channel)
	if channel == "" || !b.allowedChannel(channel) {
		return
	}

	st := b.policyFor(channel)
	pcfg := b.policyCfg()

	// 1) explicit !ai command takes precedence and replies directly.
	if q, ok := filters.ParseAICommand(msg.Text); ok && policy.ShouldReplyAI(*st, pcfg) {
		buf := b.chat.Buffer(channel)
		recent := buf.Snapshot(b.cfg.MaxContextMsgs)
		summary := summarizer.Summarize(buf.Snapshot(0))

		req := generator.Request{
			Purpose:  generator.PurposeAnswerAI,
			Channel:  channel,
			User:     msg.User,
			UserText: q,
			Summary:  summary,
			Recent:   recent,
			MaxLen:   b.cfg.MaxOutLen,
		}
		policy.MarkAIReplied(st)
		metrics.BrainRepliesTotal.WithLabelValues("answer_ai").Inc()
		slog.Info("brain: answering !ai", "channel", channel, "user", msg.User)
		b.dispatchReply(channel, req, msg.MsgID)
		return
	}

	// 2) bot mention: lightweight direct reply.
	if filters.HasMention(msg.Text, b.cfg.BotNick) && policy.ShouldReplyMention(*st, pcfg) {
		if ok, _ := b.filt.ShouldIndex(msg.User, msg.Text); ok {
			b.chat.Add(buffer.ChatItem{
				TS:      time.Now().Unix(),
				Channel: channel,
				User:    msg.User,
				Text:    b.filt.Normalize(msg.Text),
			})
		}

		buf := b.chat.Buffer(channel)
		recent := buf.Snapshot(b.cfg.MaxContextMsgs)
		summary := summarizer.Summarize(buf.Snapshot(0))

		req := generator.Request{
			Purpose:  generator.PurposeMention,
			Channel:  channel,
			User:     msg.User,
			UserText: msg.Text,
			Summary:  summary,
			Recent:   recent,
			MaxLen:   b.cfg.MaxOutLen,
		}
		policy.MarkMentionReplied(st)
		metrics.BrainRepliesTotal.WithLabelValues("mention").Inc()
		slog.Info("brain: replying to mention", "channel", channel, "user", msg.User)
		b.dispatchReply(channel, req, msg.MsgID)
		return
	}

	// 3) otherwise, index for topic analysis.
	if ok, reason := b.filt.ShouldIndex(msg.User, msg.Text); ok {
		b.chat.Add(buffer.ChatItem{
			TS:      time.Now().Unix(),
			Channel: channel,
			User:    msg.User,
			Text:    b.filt.Normalize(msg.Text),
		})
	} else {
		slog.Debug("brain: skipped indexing", "channel", channel, "reason", reason)
	}
}

func (b *Brain) maybeAutospeakAll(ctx context.Context) {
	now := time.Now().Unix()
	if now-b.lastBatchTS < int64(b.cfg.BatchSec) {
		return
	}

	pcfg := b.policyCfg()
	for _, channel := range b.chat.Channels() {
		if !b.allowedChannel(channel) {
			continue
		}
		metrics.BrainAutospeakTicksTotal.Inc()

		buf := b.chat.Buffer(channel)
		snap := buf.Snapshot(0)
		summary := summarizer.Summarize(snap)
		if summary == nil {
			continue
		}

		st := b.policyFor(channel)
		reason := policy.DecideAutospeak(now, *st, pcfg, summary)
		if reason == policy.ReasonNone {
			continue
		}
		metrics.BrainAutospeakSpeaksTotal.WithLabelValues(string(reason)).Inc()

		recent := buf.Snapshot(b.cfg.MaxContextMsgs)
		req := generator.Request{
			Purpose: generator.PurposeInitiate,
			Channel: channel,
			Summary: summary,
			Recent:  recent,
			MaxLen:  b.cfg.MaxOutLen,
		}
		policy.MarkSpoke(st, summary, reason)
		metrics.BrainRepliesTotal.WithLabelValues("initiate").Inc()
		b.dispatchReply(channel, req, "")
	}
	b.lastBatchTS = now
}

// dispatchReply hands a generation request to the worker pool so the
// caller (the main read/ack loop) is never blocked behind the LLM HTTP
// round trip (spec.md §5). The goroutine is spawned unconditionally;
// the bounded-concurrency slot is acquired inside it, not here, so a
// full worker pool never stalls the bus read/ack loop itself.
func (b *Brain) dispatchReply(channel string, req generator.Request, replyTo string) {
	b.sem.Add(1)
	go func() {
		defer b.sem.Done()
		b.slots <- struct{}{}
		defer func() { <-b.slots }()
		b.reply(context.Background(), channel, req, replyTo)
	}()
}

// reply runs the (potentially blocking) generator call and appends the
// result to OUT.
func (b *Brain) reply(ctx context.Context, channel string, req generator.Request, replyTo string) {
	start := time.Now()
	text, err := b.gen.Generate(ctx, req)
	metrics.BrainGenerationDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("brain: generator failed", "err", err)
		return
	}
	if text == "" {
		return
	}

	out := busproto.OutboundMessage{
		TS:      time.Now().Unix(),
		Channel: channel,
		Text:    text,
		ReplyTo: replyTo,
	}
	if _, err := b.bus.Add(ctx, b.cfg.StreamOut, out.ToFields()); err != nil {
		slog.Warn("brain: failed to publish to OUT", "err", err)
	}
}
