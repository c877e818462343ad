package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"rebelio/engine"
	"rebelio/history"
	"rebelio/models"
)

// apply runs fn on the owner and publishes the result.
func (s *Session) apply(fn func()) error {
	return s.do(func() {
		fn()
		s.publish()
	})
}

func (s *Session) setLoading(loading bool) {
	_ = s.apply(func() { s.state.Loading = loading })
}

func (s *Session) fail(format string, err error) {
	_ = s.apply(func() {
		s.state.Error = fmt.Sprintf(format, err)
		s.state.Loading = false
	})
}

// Refresh checks registration. When registered it loads contacts, groups and
// devices, rehydrates history once per process, and starts auto-refresh.
func (s *Session) Refresh(ctx context.Context) error {
	s.setLoading(true)

	status, err := s.options.Engine.Status(ctx)
	if err != nil {
		s.fail("Failed to get status: %v", err)
		return fmt.Errorf("get status: %w", err)
	}

	var loadHistory bool
	var epoch uint64
	if err := s.apply(func() {
		s.state.Registered = status.IsRegistered
		s.state.Username = status.Username
		s.state.ServerURL = status.ServerURL
		s.state.SelfToken = status.RoutingToken
		if !status.IsRegistered {
			s.state.Loading = false
		}
		loadHistory = status.IsRegistered && !s.historyLoaded
		epoch = s.epoch
	}); err != nil {
		return err
	}
	if !status.IsRegistered {
		return nil
	}

	contacts, contactsErr := s.options.Engine.LoadContacts(ctx)
	if contactsErr != nil {
		s.log.Warn().Err(contactsErr).Msg("Failed to load contacts")
	}
	groups, groupsErr := s.options.Engine.LoadGroups(ctx)
	if groupsErr != nil {
		s.log.Warn().Err(groupsErr).Msg("Failed to load groups")
	}
	devices, devicesErr := s.options.Engine.ListDevices(ctx)
	if devicesErr != nil {
		s.log.Warn().Err(devicesErr).Msg("Failed to list devices")
	}

	var rehydrated []models.Message
	historyOK := false
	if loadHistory {
		messages, err := history.Load(ctx, s.options.History)
		if err != nil {
			s.log.Warn().Err(err).Msg("History unavailable; starting empty")
		} else {
			rehydrated, historyOK = messages, true
		}
	}

	if err := s.apply(func() {
		if contactsErr == nil {
			s.state.Contacts = contacts
		}
		if groupsErr == nil {
			s.state.Groups = groups
		}
		if devicesErr == nil {
			s.state.Devices = devices
		}
		if historyOK && epoch == s.epoch && !s.historyLoaded {
			s.store.IngestHistory(rehydrated)
			s.historyLoaded = true
			s.log.Info().Int("count", len(rehydrated)).Msg("History rehydrated")
		}
		s.refreshMessages()
		s.state.Loading = false
	}); err != nil {
		return err
	}

	return s.StartAutoRefresh()
}

// Register creates the local account and then refreshes.
func (s *Session) Register(ctx context.Context, username, serverURL string) error {
	s.setLoading(true)

	token, err := s.options.Engine.Register(ctx, username, serverURL)
	if err != nil {
		s.fail("Registration failed: %v", err)
		return fmt.Errorf("register %q: %w", username, err)
	}
	s.log.Info().Str("username", username).Str("routing_token", token).Msg("Registered")

	_ = s.apply(func() { s.state.Error = "" })
	return s.Refresh(ctx)
}

// SendMessage sends text to recipientToken and records the acknowledged message.
// The ID comes from the engine when it returns one, else from the newest
// outgoing history entry when its content matches, else from the wall clock.
func (s *Session) SendMessage(ctx context.Context, recipientToken, text string) error {
	return s.send(ctx, recipientToken, text, "Failed to send message: %v", s.options.Engine.Send)
}

type sendFunc func(ctx context.Context, target, text string) (string, error)

func (s *Session) send(ctx context.Context, target, text, failFormat string, sendFn sendFunc) error {
	s.setLoading(true)

	id, err := sendFn(ctx, target, text)
	if err = engine.Classify(err, target); err != nil {
		_ = s.apply(func() {
			if !s.handleIdentityError(err) {
				s.state.Error = fmt.Sprintf(failFormat, err)
			}
			s.state.Loading = false
		})
		return fmt.Errorf("send to %q: %w", target, err)
	}

	now := s.options.Now()
	message := models.Message{
		ID:          id,
		Sender:      models.SelfSenderFor(target),
		Content:     text,
		Timestamp:   now.Unix(),
		IsEncrypted: true,
		Status:      models.StatusSent,
	}
	if id == "" {
		if recovered, ok := s.recoverSent(ctx, text); ok {
			message = recovered
		} else {
			message.ID = strconv.FormatInt(now.UnixMilli(), 10)
			s.log.Warn().Str("message_id", message.ID).Str("contact", target).
				Msg("Sent message not found in history; using local ID")
		}
	}

	return s.apply(func() {
		if s.store.RecordSent(message) {
			s.refreshMessages()
		}
		s.state.Error = ""
		s.state.Loading = false
	})
}

// recoverSent re-reads history for the newest outgoing entry and returns it when
// its content matches text.
func (s *Session) recoverSent(ctx context.Context, text string) (models.Message, bool) {
	if delay := s.options.SendSettleDelay; delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.Message{}, false
		}
	}

	messages, err := history.Load(ctx, s.options.History)
	if err != nil {
		s.log.Warn().Err(err).Msg("History unavailable after send")
		return models.Message{}, false
	}

	var latest models.Message
	found := false
	for _, message := range messages {
		if !message.IsOutgoing() {
			continue
		}
		if !found || message.Timestamp >= latest.Timestamp {
			latest, found = message, true
		}
	}
	if !found || latest.Content != text {
		return models.Message{}, false
	}
	return latest, true
}

// AddContact persists a contact and reloads the list.
func (s *Session) AddContact(ctx context.Context, nickname, routingToken string) error {
	s.setLoading(true)
	if err := s.options.Engine.AddContact(ctx, nickname, routingToken); err != nil {
		s.fail("Failed to add contact: %v", err)
		return fmt.Errorf("add contact %q: %w", nickname, err)
	}
	return s.reloadContacts(ctx)
}

// RemoveContact deletes a contact by nickname and reloads the list.
func (s *Session) RemoveContact(ctx context.Context, nickname string) error {
	s.setLoading(true)
	if err := s.options.Engine.RemoveContact(ctx, nickname); err != nil {
		s.fail("Failed to remove contact: %v", err)
		return fmt.Errorf("remove contact %q: %w", nickname, err)
	}
	return s.reloadContacts(ctx)
}

// RenameContact replaces oldNickname with newNickname for the same token.
func (s *Session) RenameContact(ctx context.Context, oldNickname, newNickname, routingToken string) error {
	s.setLoading(true)
	if err := s.options.Engine.RemoveContact(ctx, oldNickname); err != nil {
		s.fail("Failed to rename contact: %v", err)
		return fmt.Errorf("rename contact %q: %w", oldNickname, err)
	}
	if err := s.options.Engine.AddContact(ctx, newNickname, routingToken); err != nil {
		s.fail("Failed to rename contact: %v", err)
		return fmt.Errorf("rename contact %q: %w", oldNickname, err)
	}
	return s.reloadContacts(ctx)
}

func (s *Session) reloadContacts(ctx context.Context) error {
	contacts, err := s.options.Engine.LoadContacts(ctx)
	if err != nil {
		s.fail("Failed to load contacts: %v", err)
		return fmt.Errorf("load contacts: %w", err)
	}
	return s.apply(func() {
		s.state.Contacts = contacts
		s.state.Error = ""
		s.state.Loading = false
	})
}

// ClearHistory empties the timeline and unread counts and removes persisted
// history. Storage failures are logged and returned; in-memory state is cleared
// regardless.
func (s *Session) ClearHistory(ctx context.Context) error {
	s.setLoading(true)

	var errs []error
	if clearer, ok := s.options.Engine.(engine.HistoryClearer); ok {
		if err := clearer.ClearHistory(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to clear engine history")
			errs = append(errs, fmt.Errorf("clear engine history: %w", err))
		}
	}
	errs = append(errs, s.removeFiles(s.options.HistoryFiles)...)

	if err := s.apply(func() {
		s.store.Clear()
		clear(s.unread)
		s.epoch++
		s.refreshMessages()
		s.state.Loading = false
	}); err != nil {
		return err
	}
	s.log.Info().Msg("History cleared")
	return errors.Join(errs...)
}

// Logout stops polling, forgets the local identity, and resets all state.
func (s *Session) Logout(ctx context.Context) error {
	s.StopPolling()

	var errs []error
	if resetter, ok := s.options.Engine.(engine.IdentityResetter); ok {
		if err := resetter.ResetIdentity(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to reset engine identity")
			errs = append(errs, fmt.Errorf("reset identity: %w", err))
		}
	}
	errs = append(errs, s.removeFiles(s.options.IdentityFiles)...)
	errs = append(errs, s.removeFiles(s.options.HistoryFiles)...)

	if err := s.apply(s.resetLocked); err != nil {
		return err
	}
	s.log.Info().Msg("Logged out")
	return errors.Join(errs...)
}

// resetLocked returns the session to its unregistered defaults. In-flight
// ticks are discarded by the epoch bump.
func (s *Session) resetLocked() {
	s.stopPollingLocked()
	s.state = AppState{UnreadCounts: map[string]int{}}
	s.store.Clear()
	clear(s.unread)
	s.viewing = ""
	s.historyLoaded = false
	s.epoch++
}

// ClearError dismisses the current user-facing error.
func (s *Session) ClearError() {
	_ = s.apply(func() { s.state.Error = "" })
}

func (s *Session) removeFiles(paths []string) []error {
	var errs []error
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", path).Msg("Failed to remove file")
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		}
	}
	return errs
}
