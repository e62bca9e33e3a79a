package bus

import "time"

// InboundEvent is one accepted provider message. It is passed by value and
// never mutated after the receiver constructs it.
type InboundEvent struct {
	MessageID  string            `json:"message_id"`
	SenderID   string            `json:"sender_id"`
	Body       string            `json:"body"`
	ReceivedAt time.Time         `json:"received_at"`
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DedupKey namespaces the provider message id by channel so ids from
// different providers never collide.
func (e InboundEvent) DedupKey() string {
	return e.Channel + ":" + e.MessageID
}

// ReplyTo is the address outbound replies go to: the chat when the provider
// distinguishes one, otherwise the sender.
func (e InboundEvent) ReplyTo() string {
	if e.ChatID != "" {
		return e.ChatID
	}
	return e.SenderID
}

// OutboundMessage is a reply produced by a dispatch worker.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	To        string            `json:"to"`
	Content   string            `json:"content"`
	InReplyTo string            `json:"in_reply_to,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
