package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"rebelio/engine"
	"rebelio/history"
	"rebelio/models"
)

var (
	_ engine.Engine           = (*Store)(nil)
	_ engine.HistoryClearer   = (*Store)(nil)
	_ engine.IdentityResetter = (*Store)(nil)
)

// SaveMessage inserts a new message row.
func (s *Store) SaveMessage(ctx context.Context, message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.PeerToken == "" {
		return errors.New("peer_token is required")
	}
	if message.Content == "" {
		return errors.New("content is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.DeliveryStatus == "" {
		message.DeliveryStatus = string(models.StatusSent)
	}
	if err := validateDeliveryStatus(message.DeliveryStatus); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnix()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (
			message_id,
			peer_token,
			direction,
			content,
			timestamp,
			is_encrypted,
			delivery_status,
			inbox_delivered,
			status_pending
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.PeerToken,
		message.Direction,
		message.Content,
		message.Timestamp,
		boolInt(message.IsEncrypted),
		message.DeliveryStatus,
		boolInt(message.InboxDelivered),
		boolInt(message.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(ctx context.Context, messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// Send stores an outgoing message and returns its assigned ID. It fails with
// *engine.IdentityChangedError when the recipient's identity is not trusted.
func (s *Store) Send(ctx context.Context, recipientToken, text string) (string, error) {
	if _, err := s.selfToken(ctx); err != nil {
		return "", err
	}
	recipientToken = strings.TrimSpace(recipientToken)
	if recipientToken == "" {
		return "", errors.New("recipient is required")
	}
	if text == "" {
		return "", errors.New("content is required")
	}
	if err := s.checkIdentity(ctx, recipientToken); err != nil {
		return "", err
	}
	if err := s.ensureIdentity(ctx, recipientToken); err != nil {
		return "", err
	}

	message := Message{
		MessageID:      uuid.NewString(),
		PeerToken:      recipientToken,
		Direction:      directionOutgoing,
		Content:        text,
		IsEncrypted:    true,
		DeliveryStatus: string(models.StatusSent),
	}
	if err := s.SaveMessage(ctx, message); err != nil {
		return "", err
	}

	s.exportHistory(ctx)
	return message.MessageID, nil
}

// DeliverIncoming queues a message from senderToken in the inbox. A non-empty
// messageID that is already stored is queued again, the way a relay redelivers.
func (s *Store) DeliverIncoming(ctx context.Context, senderToken, text, messageID string) (models.Message, error) {
	if _, err := s.selfToken(ctx); err != nil {
		return models.Message{}, err
	}
	senderToken = strings.TrimSpace(senderToken)
	if senderToken == "" {
		return models.Message{}, errors.New("sender is required")
	}

	if messageID != "" {
		existing, err := s.GetMessageByID(ctx, messageID)
		switch {
		case err == nil:
			if existing.Direction != directionIncoming {
				return models.Message{}, fmt.Errorf("message %q is not incoming", messageID)
			}
			if _, err := s.db.ExecContext(ctx,
				`UPDATE messages SET inbox_delivered = 0 WHERE message_id = ?`,
				messageID,
			); err != nil {
				return models.Message{}, fmt.Errorf("requeue message %q: %w", messageID, err)
			}
			return existing.toModel(), nil
		case !errors.Is(err, ErrNotFound):
			return models.Message{}, err
		}
	} else {
		messageID = uuid.NewString()
	}

	if err := s.ensureIdentity(ctx, senderToken); err != nil {
		return models.Message{}, err
	}
	message := Message{
		MessageID:      messageID,
		PeerToken:      senderToken,
		Direction:      directionIncoming,
		Content:        text,
		Timestamp:      nowUnix(),
		IsEncrypted:    true,
		DeliveryStatus: string(models.StatusDelivered),
	}
	if err := s.SaveMessage(ctx, message); err != nil {
		return models.Message{}, err
	}
	return message.toModel(), nil
}

// FetchInbox drains queued incoming messages. Nothing is drained while any
// queued sender presents an untrusted identity.
func (s *Store) FetchInbox(ctx context.Context) ([]models.Message, error) {
	if _, err := s.selfToken(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin inbox transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var untrusted string
	err = tx.QueryRowContext(ctx,
		`SELECT m.peer_token
		FROM messages m
		JOIN identities i ON i.peer_token = m.peer_token
		WHERE m.direction = ? AND m.inbox_delivered = 0
		  AND i.pinned_fingerprint != i.current_fingerprint
		ORDER BY m.timestamp, m.rowid
		LIMIT 1`,
		directionIncoming,
	).Scan(&untrusted)
	switch {
	case err == nil:
		return nil, &engine.IdentityChangedError{
			ContactID: untrusted,
			Cause:     fmt.Errorf("untrusted identity for %s", untrusted),
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check inbox identities: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageColumns+`
		FROM messages
		WHERE direction = ? AND inbox_delivered = 0
		ORDER BY timestamp, rowid`,
		directionIncoming,
	)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	queued, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(queued))
	for _, message := range queued {
		ids = append(ids, message.MessageID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET inbox_delivered = 1 WHERE message_id IN (`+placeholders(len(ids))+`)`,
		ids...,
	); err != nil {
		return nil, fmt.Errorf("mark inbox delivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit inbox transaction: %w", err)
	}

	out := make([]models.Message, 0, len(queued))
	for _, message := range queued {
		incoming := message.toModel()
		incoming.Status = ""
		out = append(out, incoming)
	}
	s.exportHistory(ctx)
	return out, nil
}

// AdvanceStatus records a delivery or read receipt for an outgoing message.
// The next FetchSentStatusUpdates reports it.
func (s *Store) AdvanceStatus(ctx context.Context, messageID string, status models.Status) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateDeliveryStatus(string(status)); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		SET delivery_status = ?,
		    status_pending = 1
		WHERE message_id = ? AND direction = ?`,
		string(status),
		messageID,
		directionOutgoing,
	)
	if err != nil {
		return fmt.Errorf("update delivery status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update delivery status %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.exportHistory(ctx)
	return nil
}

// FetchSentStatusUpdates drains receipts recorded since the previous call.
func (s *Store) FetchSentStatusUpdates(ctx context.Context) ([]models.StatusUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT message_id, delivery_status
		FROM messages
		WHERE direction = ? AND status_pending = 1
		ORDER BY timestamp, rowid`,
		directionOutgoing,
	)
	if err != nil {
		return nil, fmt.Errorf("query status updates: %w", err)
	}
	updates := make([]models.StatusUpdate, 0)
	ids := make([]any, 0)
	for rows.Next() {
		var update models.StatusUpdate
		var status string
		if err := rows.Scan(&update.MessageID, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status update row: %w", err)
		}
		update.Status = models.Status(status)
		updates = append(updates, update)
		ids = append(ids, update.MessageID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status update rows: %w", err)
	}
	rows.Close()

	if len(updates) == 0 {
		return updates, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status_pending = 0 WHERE message_id IN (`+placeholders(len(ids))+`)`,
		ids...,
	); err != nil {
		return nil, fmt.Errorf("clear status updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status transaction: %w", err)
	}
	return updates, nil
}

// MarkRead records read receipts for incoming messages. selfToken must be the
// local account's token.
func (s *Store) MarkRead(ctx context.Context, messageIDs []string, selfToken string) error {
	token, err := s.selfToken(ctx)
	if err != nil {
		return err
	}
	if selfToken != token {
		return fmt.Errorf("mark read: token %q is not the local account", selfToken)
	}
	if len(messageIDs) == 0 {
		return nil
	}

	args := make([]any, 0, len(messageIDs)+2)
	args = append(args, string(models.StatusRead), directionIncoming)
	for _, id := range messageIDs {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages
		SET delivery_status = ?
		WHERE direction = ? AND message_id IN (`+placeholders(len(messageIDs))+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("mark %d messages read: %w", len(messageIDs), err)
	}

	s.exportHistory(ctx)
	return nil
}

// HistoryRecords returns the persisted history: every outgoing message and
// every incoming message already handed out by FetchInbox.
func (s *Store) HistoryRecords(ctx context.Context) ([]history.Record, error) {
	selfToken, err := s.selfToken(ctx)
	if errors.Is(err, ErrNotRegistered) {
		return []history.Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		FROM messages
		WHERE direction = ? OR inbox_delivered = 1
		ORDER BY timestamp, rowid`,
		directionOutgoing,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	records := make([]history.Record, 0, len(messages))
	for _, message := range messages {
		records = append(records, message.toRecord(selfToken))
	}
	return records, nil
}

// ClearHistory deletes persisted history. Messages still queued in the inbox
// are kept.
func (s *Store) ClearHistory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE direction = ? OR inbox_delivered = 1`,
		directionOutgoing,
	); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	s.exportHistory(ctx)
	return nil
}

// exportHistory mirrors history to the export path. Failures are logged only.
func (s *Store) exportHistory(ctx context.Context) {
	if s.historyExportPath == "" {
		return
	}
	if err := s.ExportHistory(ctx, s.historyExportPath); err != nil {
		s.log.Warn().Err(err).Str("path", s.historyExportPath).Msg("Failed to export history")
	}
}

// ExportHistory writes the history snapshot to path as a JSON array. The file
// is replaced atomically.
func (s *Store) ExportHistory(ctx context.Context, path string) error {
	records, err := s.HistoryRecords(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create history temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write history temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close history temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}

const messageColumns = `
			message_id,
			peer_token,
			direction,
			content,
			timestamp,
			is_encrypted,
			delivery_status,
			inbox_delivered,
			status_pending`

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message        Message
		isEncrypted    int
		inboxDelivered int
		statusPending  int
	)

	if err := row.Scan(
		&message.MessageID,
		&message.PeerToken,
		&message.Direction,
		&message.Content,
		&message.Timestamp,
		&isEncrypted,
		&message.DeliveryStatus,
		&inboxDelivered,
		&statusPending,
	); err != nil {
		return nil, err
	}

	message.IsEncrypted = isEncrypted == 1
	message.InboxDelivered = inboxDelivered == 1
	message.StatusPending = statusPending == 1
	return &message, nil
}

// toModel converts a row to the client message shape. Outgoing rows carry the
// "me:<recipient>" sender marker.
func (m Message) toModel() models.Message {
	sender := m.PeerToken
	if m.Direction == directionOutgoing {
		sender = models.SelfSenderFor(m.PeerToken)
	}
	return models.Message{
		ID:          m.MessageID,
		Sender:      sender,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		IsEncrypted: m.IsEncrypted,
		Status:      models.Status(m.DeliveryStatus),
	}
}

func (m Message) toRecord(selfToken string) history.Record {
	record := history.Record{
		ID:        m.MessageID,
		Sender:    m.PeerToken,
		Recipient: selfToken,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Encrypted: m.IsEncrypted,
		Outgoing:  m.Direction == directionOutgoing,
		Status:    m.DeliveryStatus,
	}
	if record.Outgoing {
		record.Sender, record.Recipient = selfToken, m.PeerToken
	}
	return record
}
