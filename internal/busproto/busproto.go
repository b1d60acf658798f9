// Package busproto defines the field-map schemas carried on the two
// bus streams (IN and OUT), as specified in spec.md §3.
package busproto

import "strconv"

// ChatMessage is produced by the Gateway onto the IN stream and
// consumed exactly once per consumer group by the Brain.
type ChatMessage struct {
	TS          int64
	Type        string
	Channel     string
	User        string
	Text        string
	MsgID       string
	UserID      string
	DisplayName string
	Badges      string
	Mod         string
	Subscriber  string
	VIP         string
	Raw         string
}

// ToFields converts a ChatMessage to the string field map XAdd expects.
func (m ChatMessage) ToFields() map[string]interface{} {
	return map[string]interface{}{
		"ts":           strconv.FormatInt(m.TS, 10),
		"type":         "chat_message",
		"channel":      m.Channel,
		"user":         m.User,
		"text":         m.Text,
		"msg_id":       m.MsgID,
		"user_id":      m.UserID,
		"display_name": m.DisplayName,
		"badges":       m.Badges,
		"mod":          m.Mod,
		"subscriber":   m.Subscriber,
		"vip":          m.VIP,
		"raw":          m.Raw,
	}
}

// ChatMessageFromFields decodes a stream entry's fields back into a
// ChatMessage. Unknown/missing fields default to zero values; callers
// must tolerate duplicate delivery (spec.md §4.D).
func ChatMessageFromFields(fields map[string]string) ChatMessage {
	ts, _ := strconv.ParseInt(fields["ts"], 10, 64)
	return ChatMessage{
		TS:          ts,
		Type:        fields["type"],
		Channel:     fields["channel"],
		User:        fields["user"],
		Text:        fields["text"],
		MsgID:       fields["msg_id"],
		UserID:      fields["user_id"],
		DisplayName: fields["display_name"],
		Badges:      fields["badges"],
		Mod:         fields["mod"],
		Subscriber:  fields["subscriber"],
		VIP:         fields["vip"],
		Raw:         fields["raw"],
	}
}

// OutboundMessage is produced by the Brain onto the OUT stream and
// drained by the Gateway.
type OutboundMessage struct {
	TS      int64
	Channel string
	Text    string
	ReplyTo string // optional, empty if this is not a threaded reply
}

// ToFields converts an OutboundMessage to the string field map XAdd
// expects. ReplyTo is omitted entirely when empty, matching the
// original's `if reply_to: fields["reply_to"] = reply_to`.
func (m OutboundMessage) ToFields() map[string]interface{} {
	f := map[string]interface{}{
		"ts":      strconv.FormatInt(m.TS, 10),
		"channel": m.Channel,
		"text":    m.Text,
	}
	if m.ReplyTo != "" {
		f["reply_to"] = m.ReplyTo
	}
	return f
}

// OutboundMessageFromFields decodes a stream entry's fields back into
// an OutboundMessage.
func OutboundMessageFromFields(fields map[string]string) OutboundMessage {
	ts, _ := strconv.ParseInt(fields["ts"], 10, 64)
	return OutboundMessage{
		TS:      ts,
		Channel: fields["channel"],
		Text:    fields["text"],
		ReplyTo: fields["reply_to"],
	}
}
