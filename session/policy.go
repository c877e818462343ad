package session

import (
	"context"

	"rebelio/models"
)

const provisionedNicknamePrefix = "User-"

// onNewIncoming runs unread accounting, notification emission, and contact
// provisioning over messages the store had not seen before. Runs on the owner.
func (s *Session) onNewIncoming(inserted []models.Message) {
	for _, message := range inserted {
		if models.IsSelfSender(message.Sender) {
			continue
		}
		s.unread[message.Sender]++
		s.provisionContact(message.Sender)
		if message.Sender != s.viewing {
			s.notify(message)
		}
	}
}

// notify hands message to the consumer. While the channel has room and nothing
// is queued ahead of it, delivery is immediate; otherwise it waits in the queue
// for forwardNotifications. It never blocks the owner.
func (s *Session) notify(message models.Message) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if s.notifyPending == 0 {
		select {
		case s.notifications <- message:
			return
		default:
		}
	}
	s.notifyQueue = append(s.notifyQueue, message)
	s.notifyPending++
	if s.notifyPending == s.options.NotificationBuffer+1 {
		s.log.Debug().Str("message_id", message.ID).Msg("Notification consumer is falling behind")
	}

	select {
	case s.notifyWake <- struct{}{}:
	default:
	}
}

// isKnownContact matches contacts by token or nickname, and group tokens.
func (s *Session) isKnownContact(token string) bool {
	for _, contact := range s.state.Contacts {
		if contact.RoutingToken == token || contact.Nickname == token {
			return true
		}
	}
	for _, group := range s.state.Groups {
		if group.ID == token {
			return true
		}
	}
	return false
}

// ProvisionedNickname derives the nickname given to an unknown sender.
func ProvisionedNickname(token string, prefixLength int) string {
	if prefixLength > 0 && len(token) > prefixLength {
		token = token[:prefixLength]
	}
	return provisionedNicknamePrefix + token
}

// provisionContact adds an unknown sender to the in-memory contact list at once
// and persists it in the background. A persistence failure keeps the in-memory
// entry.
func (s *Session) provisionContact(token string) {
	if token == "" || s.isKnownContact(token) {
		return
	}
	contact := models.Contact{
		Nickname:     ProvisionedNickname(token, s.options.NicknamePrefixLength),
		RoutingToken: token,
	}
	s.state.Contacts = append(s.state.Contacts, contact)
	s.log.Info().Str("contact", token).Str("nickname", contact.Nickname).Msg("Provisioned contact for unknown sender")

	s.goIO(func(ctx context.Context) {
		if err := s.options.Engine.AddContact(ctx, contact.Nickname, contact.RoutingToken); err != nil {
			s.log.Warn().Err(err).Str("contact", token).Msg("Failed to persist provisioned contact")
		}
	})
}

// SetViewingContact records the open conversation. Notifications from that
// sender are suppressed until it changes; "" means no conversation is open.
func (s *Session) SetViewingContact(token string) {
	_ = s.do(func() { s.viewing = token })
}

// MarkAsRead clears the unread count for token and sends read receipts for every
// known message from it. Receipt delivery is fire-and-forget.
func (s *Session) MarkAsRead(token string) {
	s.post(func() {
		_, hadUnread := s.unread[token]
		delete(s.unread, token)
		if hadUnread {
			s.publish()
		}

		ids := s.store.ReceivedIDsFrom(token)
		selfToken := s.state.SelfToken
		if len(ids) == 0 || selfToken == "" {
			return
		}
		s.goIO(func(ctx context.Context) {
			if err := s.options.Engine.MarkRead(ctx, ids, selfToken); err != nil {
				s.log.Warn().Err(err).Str("contact", token).Int("count", len(ids)).Msg("Failed to send read receipts")
				return
			}
			s.log.Debug().Str("contact", token).Int("count", len(ids)).Msg("Sent read receipts")
		})
	})
}
