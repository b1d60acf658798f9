// Package filters implements indexability and trigger classification,
// as specified in spec.md §4.H.
package filters

import (
	"regexp"
	"sort"
	"strings"
)

var (
	urlRE   = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)
	noiseRE = regexp.MustCompile(`^[^\p{L}\p{N}_]+$`)
	wsRunRE = regexp.MustCompile(`\s+`)
)

// collapseRuns collapses any run of 7 or more identical runes down to
// exactly 3, matching spec.md §4.H's normalize rule. Go's RE2 doesn't
// support backreferences (no `(.)\1{6,}`), so this is a manual scan
// instead of a regex.
func collapseRuns(s string) string {
	runes := []rune(s)
	var out []rune
	i := 0
	for i < len(runes) {
		j := i + 1
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		runLen := j - i
		if runLen >= 7 {
			runLen = 3
		}
		for k := 0; k < runLen; k++ {
			out = append(out, runes[i])
		}
		i = j
	}
	return string(out)
}

// Reason codes for should_index, matching spec.md §4.H's fixed set.
const (
	ReasonTooShort     = "too_short"
	ReasonSelfMessage  = "self_message"
	ReasonBanword      = "banword"
	ReasonHasURL       = "has_url"
	ReasonNoise        = "noise"
	ReasonOK           = "ok"
)

// Filters holds compiled configuration: banword list, the bot's own
// nick, and a minimum indexable length.
type Filters struct {
	botNick string
	minLen  int
	banRE   *regexp.Regexp
}

// New compiles banwords (case-insensitive, longest-first so longer
// words win overlapping matches) and stores botNick/minLen.
func New(banwords []string, botNick string, minLen int) *Filters {
	f := &Filters{botNick: strings.ToLower(botNick), minLen: minLen}

	var cleaned []string
	for _, w := range banwords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			cleaned = append(cleaned, w)
		}
	}
	if len(cleaned) > 0 {
		sort.Slice(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })
		var b strings.Builder
		for i, w := range cleaned {
			if i > 0 {
				b.WriteByte('|')
			}
			b.WriteString(regexp.QuoteMeta(w))
		}
		f.banRE = regexp.MustCompile("(?i)" + b.String())
	}
	return f
}

// Normalize strips, collapses runs of >=7 identical characters to
// exactly 3, and collapses whitespace runs to single spaces.
// Normalize is idempotent: Normalize(Normalize(t)) == Normalize(t).
func (f *Filters) Normalize(text string) string {
	t := strings.TrimSpace(text)
	t = collapseRuns(t)
	t = wsRunRE.ReplaceAllString(t, " ")
	return t
}

func (f *Filters) containsBanword(text string) bool {
	if f.banRE == nil {
		return false
	}
	return f.banRE.MatchString(text)
}

// ShouldIndex classifies whether text should be indexed into the
// rolling buffer, returning (ok, reason) per spec.md §4.H.
func (f *Filters) ShouldIndex(user, text string) (bool, string) {
	t := f.Normalize(text)

	if len(t) < f.minLen {
		return false, ReasonTooShort
	}
	if user != "" && strings.ToLower(user) == f.botNick {
		return false, ReasonSelfMessage
	}
	if f.containsBanword(t) {
		return false, ReasonBanword
	}
	if urlRE.MatchString(t) {
		return false, ReasonHasURL
	}
	if noiseRE.MatchString(t) {
		return false, ReasonNoise
	}
	return true, ReasonOK
}

// ParseAICommand returns the trimmed remainder of an explicit "!ai "
// command, or ("", false) if text doesn't start with it (case- and
// trim-insensitive) or the remainder is empty/whitespace-only.
func ParseAICommand(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(strings.ToLower(t), "!ai ") {
		return "", false
	}
	rest := strings.TrimSpace(t[4:])
	if rest == "" {
		return "", false
	}
	return rest, true
}

// HasMention reports whether text contains an @bot_nick mention,
// case-insensitively.
func HasMention(text, botNick string) bool {
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(botNick))
}
