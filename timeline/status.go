package timeline

import (
	"github.com/rs/zerolog"

	"rebelio/models"
)

// Tracker applies engine-reported delivery/read transitions to sent messages.
type Tracker struct {
	store *Store
	log   zerolog.Logger

	// monotonic rejects updates that would move a status backwards. When off,
	// any differing status reported by the engine is applied as-is.
	monotonic bool
}

// NewTracker returns a tracker for store.
func NewTracker(store *Store, monotonic bool, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		monotonic: monotonic,
		log:       log.With().Str("component", "status_tracker").Logger(),
	}
}

// ApplyUpdates applies every update whose message is tracked and whose status
// differs from the stored one. Reports whether any entry changed.
func (t *Tracker) ApplyUpdates(updates []models.StatusUpdate) bool {
	changed := false
	for _, update := range updates {
		current, ok := t.store.LookupSent(update.MessageID)
		if !ok || current.Status == update.Status {
			continue
		}
		if t.monotonic && !current.Status.Before(update.Status) {
			t.log.Debug().
				Str("message_id", update.MessageID).
				Str("current", string(current.Status)).
				Str("reported", string(update.Status)).
				Msg("Ignoring status regression")
			continue
		}
		if !current.Status.Before(update.Status) {
			t.log.Warn().
				Str("message_id", update.MessageID).
				Str("current", string(current.Status)).
				Str("reported", string(update.Status)).
				Msg("Engine reported a status regression, applying it")
		}
		previous, _ := t.store.setSentStatus(update.MessageID, update.Status)
		t.log.Debug().
			Str("message_id", update.MessageID).
			Str("from", string(previous)).
			Str("to", string(update.Status)).
			Msg("Message status changed")
		changed = true
	}
	return changed
}
