// Package summarizer derives a per-channel Summary (topic, keywords,
// questions, activity) from a ChannelBuffer snapshot, as specified in
// spec.md §4.G.
package summarizer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zakirovtech/twitch-rag-buddy/internal/buffer"
)

// wordRE matches runs of length >= 3 of letters/digits/underscore,
// including the Cyrillic range, mirroring
// original_source/ai_chat_brain/config.py's WORD_RE.
var wordRE = regexp.MustCompile(`[A-Za-zА-Яа-я0-9_]{3,}`)

// stopwords is the fixed multilingual stop-word set from
// original_source/ai_chat_brain/config.py's STOP.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "that": {}, "this": {}, "with": {}, "have": {}, "you": {}, "your": {},
	"but": {}, "not": {}, "are": {}, "for": {}, "was": {},
	"что": {}, "это": {}, "как": {}, "так": {}, "там": {}, "тут": {}, "его": {}, "ее": {},
	"они": {}, "она": {}, "оно": {}, "да": {}, "нет": {}, "или": {}, "уже": {}, "ещё": {},
	"ещe": {}, "кто": {}, "где": {}, "когда": {}, "почему": {},
}

const defaultTopic = "чат"

// Summary is the per-channel, per-tick derived view of a chat window.
type Summary struct {
	Topic               string
	Keywords            []string
	Questions           []string
	TopicFingerprint    string
	MsgsLast10s         int
	MsgsLast60s         int
	LastMessageAgeSec   int64
	Bullets             []string
}

type kv struct {
	word  string
	count int
}

func extractKeywords(texts []string, topK int) []string {
	counts := map[string]int{}
	order := []string{} // preserves first-seen order for stable ties
	for _, t := range texts {
		for _, w := range wordRE.FindAllString(strings.ToLower(t), -1) {
			if _, stop := stopwords[w]; stop {
				continue
			}
			if _, seen := counts[w]; !seen {
				order = append(order, w)
			}
			counts[w]++
		}
	}

	ranked := make([]kv, 0, len(order))
	for _, w := range order {
		ranked = append(ranked, kv{w, counts[w]})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].count > ranked[j].count })

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}

func extractQuestions(items []buffer.ChatItem, topK int) []string {
	var uniq []string
	seen := map[string]struct{}{}
	for _, it := range items {
		if !strings.Contains(it.Text, "?") {
			continue
		}
		q := strings.TrimSpace(it.Text)
		if len(q) <= 2 {
			continue
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, q)
		if len(uniq) >= topK {
			break
		}
	}
	return uniq
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Summarize derives a Summary from a snapshot of ChatItems, or returns
// nil (the empty sentinel) if items is empty.
func Summarize(items []buffer.ChatItem) *Summary {
	if len(items) == 0 {
		return nil
	}

	now := time.Now().Unix()
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}

	keywords := extractKeywords(texts, 8)
	questions := extractQuestions(items, 3)

	topic := defaultTopic
	if n := min(3, len(keywords)); n > 0 {
		topic = strings.Join(keywords[:n], ", ")
	}

	topicFP := topic
	if n := min(5, len(keywords)); n > 0 {
		topicFP = strings.Join(keywords[:n], " ")
	}

	var msgs10, msgs60 int
	for _, it := range items {
		if it.TS >= now-10 {
			msgs10++
		}
		if it.TS >= now-60 {
			msgs60++
		}
	}
	lastAge := now - items[len(items)-1].TS
	if lastAge < 0 {
		lastAge = 0
	}

	var bullets []string
	if len(keywords) > 0 {
		n := min(6, len(keywords))
		bullets = append(bullets, "Ключи: "+strings.Join(keywords[:n], ", "))
	}
	if len(questions) > 0 {
		bullets = append(bullets, "Вопрос: "+truncate(questions[0], 120))
	}
	bullets = append(bullets, "Сообщений в окне: "+strconv.Itoa(len(items)))

	return &Summary{
		Topic:             topic,
		Keywords:          keywords,
		Questions:         questions,
		TopicFingerprint:  topicFP,
		MsgsLast10s:       msgs10,
		MsgsLast60s:       msgs60,
		LastMessageAgeSec: lastAge,
		Bullets:           bullets,
	}
}

