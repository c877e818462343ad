package models

import "strings"

const (
	// SelfSender marks a message authored on this device.
	SelfSender = "me"

	selfSenderPrefix = SelfSender + ":"
)

// Message is one conversation entry as seen by the client.
type Message struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	IsEncrypted bool   `json:"is_encrypted"`
	Status      Status `json:"status"`
}

// IsOutgoing reports whether the message was authored locally.
func (m Message) IsOutgoing() bool {
	return IsSelfSender(m.Sender)
}

// WithStatus returns a copy of m carrying status.
func (m Message) WithStatus(status Status) Message {
	m.Status = status
	return m
}

// IsSelfSender matches "me" and "me:<token>".
func IsSelfSender(sender string) bool {
	return sender == SelfSender || strings.HasPrefix(sender, selfSenderPrefix)
}

// SelfSenderFor builds the outgoing sender marker addressed to recipientToken.
func SelfSenderFor(recipientToken string) string {
	if recipientToken == "" {
		return SelfSender
	}
	return selfSenderPrefix + recipientToken
}

// RecipientOf returns the recipient token encoded in an outgoing sender marker.
func RecipientOf(sender string) (string, bool) {
	if !strings.HasPrefix(sender, selfSenderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(sender, selfSenderPrefix), true
}

// StatusUpdate reports a delivery/read transition for a locally sent message.
type StatusUpdate struct {
	MessageID string `json:"message_id"`
	Status    Status `json:"status"`
}

// Contact is a locally known conversation peer.
type Contact struct {
	Nickname     string `json:"nickname"`
	RoutingToken string `json:"routing_token"`
}
