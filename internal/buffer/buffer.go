// Package buffer implements the per-channel rolling chat window
// specified in spec.md §3 (ChannelBuffer) and §4.F (Session Buffer).
package buffer

import (
	"container/list"
	"sync"
	"time"
)

// ChatItem is one indexed message retained for topic analysis.
type ChatItem struct {
	TS      int64
	Channel string
	User    string
	Text    string
}

// ChannelBuffer is an ordered, time-and-count-bounded deque of
// ChatItems for a single channel. Trim runs on every observation so
// Stats is never stale relative to the wall clock (spec.md §4.F).
type ChannelBuffer struct {
	mu       sync.Mutex
	window   time.Duration
	maxItems int
	items    *list.List // of ChatItem
}

// NewChannelBuffer creates a buffer with window W seconds and a hard
// cap of maxItems entries.
func NewChannelBuffer(windowSec, maxItems int) *ChannelBuffer {
	return &ChannelBuffer{
		window:   time.Duration(windowSec) * time.Second,
		maxItems: maxItems,
		items:    list.New(),
	}
}

// Add appends item then trims both axes (spec.md §3 invariant).
func (b *ChannelBuffer) Add(item ChatItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items.PushBack(item)
	b.trimLocked(time.Now().Unix())
}

func (b *ChannelBuffer) trimLocked(nowUnix int64) {
	cutoff := nowUnix - int64(b.window.Seconds())
	for e := b.items.Front(); e != nil; {
		next := e.Next()
		if e.Value.(ChatItem).TS < cutoff {
			b.items.Remove(e)
			e = next
			continue
		}
		break
	}
	for b.items.Len() > b.maxItems {
		b.items.Remove(b.items.Front())
	}
}

// Snapshot trims then materializes a copy, optionally tail-sliced to
// the last n items (lastN <= 0 returns everything).
func (b *ChannelBuffer) Snapshot(lastN int) []ChatItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimLocked(time.Now().Unix())

	out := make([]ChatItem, 0, b.items.Len())
	for e := b.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(ChatItem))
	}
	if lastN > 0 && len(out) > lastN {
		out = out[len(out)-lastN:]
	}
	return out
}

// Stats holds the per-channel activity counters of spec.md §3.
type Stats struct {
	MsgsLast10s    int
	MsgsLast60s    int
	LastMessageTS  int64
	HasLastMessage bool
}

// Stats trims then computes activity counters against now.
func (b *ChannelBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().Unix()
	b.trimLocked(now)

	var st Stats
	for e := b.items.Front(); e != nil; e = e.Next() {
		it := e.Value.(ChatItem)
		if it.TS >= now-10 {
			st.MsgsLast10s++
		}
		if it.TS >= now-60 {
			st.MsgsLast60s++
		}
		st.LastMessageTS = it.TS
		st.HasLastMessage = true
	}
	return st
}

// ChatState maps channel -> ChannelBuffer, creating entries lazily.
// Safe for concurrent use.
type ChatState struct {
	mu        sync.Mutex
	windowSec int
	maxItems  int
	buffers   map[string]*ChannelBuffer
}

// NewChatState creates an empty ChatState with the given per-buffer
// window and cap.
func NewChatState(windowSec, maxItems int) *ChatState {
	return &ChatState{
		windowSec: windowSec,
		maxItems:  maxItems,
		buffers:   map[string]*ChannelBuffer{},
	}
}

// Buffer returns (creating if necessary) the ChannelBuffer for channel.
func (s *ChatState) Buffer(channel string) *ChannelBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[channel]
	if !ok {
		b = NewChannelBuffer(s.windowSec, s.maxItems)
		s.buffers[channel] = b
	}
	return b
}

// Add is a convenience for Buffer(item.Channel).Add(item).
func (s *ChatState) Add(item ChatItem) {
	s.Buffer(item.Channel).Add(item)
}

// Channels enumerates currently active channels.
func (s *ChatState) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buffers))
	for ch := range s.buffers {
		out = append(out, ch)
	}
	return out
}
