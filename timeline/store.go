// Package timeline holds the session's message collections and merges the
// overlapping sources that feed them. Nothing here locks: a Store belongs to a
// single owner that serializes every call.
package timeline

import (
	"sort"

	"rebelio/models"
)

// Store keeps the sent and received collections. Neither collection ever holds
// two entries with the same ID; each keeps insertion order.
type Store struct {
	sent     []models.Message
	sentIdx  map[string]int
	received []models.Message
	recvIdx  map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		sentIdx: make(map[string]int),
		recvIdx: make(map[string]int),
	}
}

// IngestHistory merges a persisted-history batch. Outgoing entries are inserted,
// or replace the stored entry when they carry a more advanced status. Incoming
// entries are inserted only when their ID is new. Reports whether anything
// changed.
func (s *Store) IngestHistory(batch []models.Message) bool {
	changed := false
	for _, message := range batch {
		if message.ID == "" {
			continue
		}
		if message.IsOutgoing() {
			idx, ok := s.sentIdx[message.ID]
			if !ok {
				s.appendSent(message)
				changed = true
				continue
			}
			if s.sent[idx].Status.Before(message.Status) {
				s.sent[idx] = message
				changed = true
			}
			continue
		}
		if s.insertReceived(message) {
			changed = true
		}
	}
	return changed
}

// IngestInbox merges a live inbox batch and returns the messages that were not
// already known, in batch order.
func (s *Store) IngestInbox(batch []models.Message) []models.Message {
	var inserted []models.Message
	for _, message := range batch {
		if message.ID == "" {
			continue
		}
		if s.insertReceived(message) {
			inserted = append(inserted, message)
		}
	}
	return inserted
}

// RecordSent appends an acknowledged outgoing message unless its ID is known.
func (s *Store) RecordSent(message models.Message) bool {
	if message.ID == "" {
		return false
	}
	if _, ok := s.sentIdx[message.ID]; ok {
		return false
	}
	s.appendSent(message)
	return true
}

// Snapshot returns the conversation timeline: received then sent, deduplicated
// by ID, stable-sorted by ascending timestamp.
func (s *Store) Snapshot() []models.Message {
	out := make([]models.Message, 0, len(s.received)+len(s.sent))
	seen := make(map[string]struct{}, len(s.received)+len(s.sent))
	for _, collection := range [][]models.Message{s.received, s.sent} {
		for _, message := range collection {
			if _, dup := seen[message.ID]; dup {
				continue
			}
			seen[message.ID] = struct{}{}
			out = append(out, message)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// ReceivedIDsFrom lists IDs of received messages whose sender is token.
func (s *Store) ReceivedIDsFrom(token string) []string {
	var ids []string
	for _, message := range s.received {
		if message.Sender == token {
			ids = append(ids, message.ID)
		}
	}
	return ids
}

// LookupSent returns the sent entry with id.
func (s *Store) LookupSent(id string) (models.Message, bool) {
	idx, ok := s.sentIdx[id]
	if !ok {
		return models.Message{}, false
	}
	return s.sent[idx], true
}

// Len returns the sizes of the sent and received collections.
func (s *Store) Len() (sent, received int) {
	return len(s.sent), len(s.received)
}

// Clear empties both collections.
func (s *Store) Clear() {
	s.sent = nil
	s.received = nil
	s.sentIdx = make(map[string]int)
	s.recvIdx = make(map[string]int)
}

func (s *Store) setSentStatus(id string, status models.Status) (models.Status, bool) {
	idx, ok := s.sentIdx[id]
	if !ok {
		return "", false
	}
	previous := s.sent[idx].Status
	s.sent[idx] = s.sent[idx].WithStatus(status)
	return previous, true
}

func (s *Store) appendSent(message models.Message) {
	s.sentIdx[message.ID] = len(s.sent)
	s.sent = append(s.sent, message)
}

func (s *Store) insertReceived(message models.Message) bool {
	if _, ok := s.recvIdx[message.ID]; ok {
		return false
	}
	s.recvIdx[message.ID] = len(s.received)
	s.received = append(s.received, message)
	return true
}
