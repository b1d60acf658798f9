// Package ircline parses and emits the tagged IRC-style wire dialect
// used by the chat server, as specified in spec.md §4.C.
package ircline

import "strings"

// Message is a single parsed line.
type Message struct {
	Raw      string
	Tags     map[string]string
	Prefix   string // empty if absent
	Command  string
	Params   []string
	Trailing string // empty if absent; use HasTrailing to distinguish
	HasTrailing bool
}

// Nick extracts the nick portion of an IRC prefix of the form
// "nick!user@host", falling back to the whole prefix if there is no
// "!" (matching original_source/twitch_gateway/main.py:extract_user).
func (m Message) Nick() string {
	if m.Prefix == "" {
		return ""
	}
	if i := strings.IndexByte(m.Prefix, '!'); i >= 0 {
		return m.Prefix[:i]
	}
	return m.Prefix
}

// Parse decodes one raw line (no trailing CRLF) into a Message.
func Parse(line string) Message {
	msg := Message{Raw: line, Tags: map[string]string{}}
	rest := line

	if strings.HasPrefix(rest, "@") {
		var tagPart string
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			tagPart, rest = rest[1:i], rest[i+1:]
		} else {
			tagPart, rest = rest[1:], ""
		}
		if tagPart != "" {
			for _, kv := range strings.Split(tagPart, ";") {
				if kv == "" {
					continue
				}
				if i := strings.IndexByte(kv, '='); i >= 0 {
					msg.Tags[kv[:i]] = kv[i+1:]
				} else {
					msg.Tags[kv] = ""
				}
			}
		}
	}

	if strings.HasPrefix(rest, ":") {
		var prefixPart string
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			prefixPart, rest = rest[1:i], rest[i+1:]
		} else {
			prefixPart, rest = rest[1:], ""
		}
		msg.Prefix = prefixPart
	}

	head := rest
	if i := strings.Index(rest, " :"); i >= 0 {
		head = rest[:i]
		msg.Trailing = rest[i+2:]
		msg.HasTrailing = true
	}

	fields := strings.Fields(head)
	if len(fields) > 0 {
		msg.Command = fields[0]
		msg.Params = fields[1:]
	}

	return msg
}

// FirstParamOrTrailing returns trailing if present, else the first
// param, else "" — used for PING payload extraction (spec.md §4.C).
func (m Message) FirstParamOrTrailing() string {
	if m.HasTrailing {
		return m.Trailing
	}
	if len(m.Params) > 0 {
		return m.Params[0]
	}
	return ""
}

// line formats a command line terminated with CRLF.
func line(s string) string { return s + "\r\n" }

// Pass emits PASS <cred>.
func Pass(cred string) string { return line("PASS " + cred) }

// Nick emits NICK <nick>.
func Nick(nick string) string { return line("NICK " + nick) }

// CapReq emits the capability request for tags/commands/membership.
func CapReq() string {
	return line("CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership")
}

// Join emits JOIN #<channel>.
func Join(channel string) string {
	return line("JOIN #" + strings.TrimPrefix(channel, "#"))
}

// Privmsg emits a PRIVMSG to channel, prefixing a reply-parent tag
// when replyParentMsgID is non-empty.
func Privmsg(channel, text, replyParentMsgID string) string {
	ch := "#" + strings.TrimPrefix(channel, "#")
	if replyParentMsgID != "" {
		return line("@reply-parent-msg-id=" + replyParentMsgID + " PRIVMSG " + ch + " :" + text)
	}
	return line("PRIVMSG " + ch + " :" + text)
}

// Pong emits PONG :<payload>, answering a PING.
func Pong(payload string) string {
	return line("PONG :" + payload)
}
