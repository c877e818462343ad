// Package history reads the engine's persisted message history snapshot.
package history

import (
	"context"
	"errors"
	"fmt"

	"rebelio/models"
)

// ErrUnavailable indicates the snapshot could not be read. Callers treat it as an
// empty history.
var ErrUnavailable = errors.New("history: snapshot unavailable")

// Record is one raw entry of the persisted snapshot.
type Record struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Encrypted bool   `json:"is_encrypted"`
	Outgoing  bool   `json:"outgoing"`
	Status    string `json:"status"`
}

// Source yields raw history records.
type Source interface {
	HistoryRecords(ctx context.Context) ([]Record, error)
}

// Load reads every record from src and classifies it. The result is unordered.
func Load(ctx context.Context, src Source) ([]models.Message, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no history source", ErrUnavailable)
	}
	records, err := src.HistoryRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return Classify(records), nil
}

// Classify maps raw records to messages using each record's outgoing flag.
// Outgoing records get the bare self marker; incoming records keep their sender
// token. Records without an ID are dropped.
func Classify(records []Record) []models.Message {
	out := make([]models.Message, 0, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		status, err := models.ParseStatus(record.Status)
		if err != nil {
			status = models.StatusSent
		}

		sender := record.Sender
		if record.Outgoing {
			sender = models.SelfSender
		}

		out = append(out, models.Message{
			ID:          record.ID,
			Sender:      sender,
			Content:     record.Content,
			Timestamp:   record.Timestamp,
			IsEncrypted: record.Encrypted,
			Status:      status,
		})
	}
	return out
}
