package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rebelio/engine"
)

// GetIdentity fetches the identity row for a peer.
func (s *Store) GetIdentity(ctx context.Context, peerToken string) (*Identity, error) {
	if peerToken == "" {
		return nil, errors.New("peer_token is required")
	}

	var identity Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT peer_token, pinned_fingerprint, current_fingerprint, updated_at
		FROM identities
		WHERE peer_token = ?`,
		peerToken,
	).Scan(&identity.PeerToken, &identity.PinnedFingerprint, &identity.CurrentFingerprint, &identity.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity %q: %w", peerToken, err)
	}
	return &identity, nil
}

// ensureIdentity pins a fresh identity for a peer seen for the first time.
func (s *Store) ensureIdentity(ctx context.Context, peerToken string) error {
	fingerprint := newFingerprint()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (peer_token, pinned_fingerprint, current_fingerprint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_token) DO NOTHING`,
		peerToken,
		fingerprint,
		fingerprint,
		nowUnix(),
	)
	if err != nil {
		return fmt.Errorf("ensure identity for %q: %w", peerToken, err)
	}
	return nil
}

// checkIdentity fails with *engine.IdentityChangedError while the peer presents
// an identity that has not been trusted.
func (s *Store) checkIdentity(ctx context.Context, peerToken string) error {
	identity, err := s.GetIdentity(ctx, peerToken)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if identity.Changed() {
		return &engine.IdentityChangedError{
			ContactID: peerToken,
			Cause:     fmt.Errorf("untrusted identity for %s", peerToken),
		}
	}
	return nil
}

// RotateIdentity makes a peer present a new identity, as if it had reinstalled.
// Sends to the peer and inbox fetches carrying its messages fail until the new
// identity is trusted. Returns the new fingerprint.
func (s *Store) RotateIdentity(ctx context.Context, peerToken string) (string, error) {
	if peerToken == "" {
		return "", errors.New("peer_token is required")
	}
	if err := s.ensureIdentity(ctx, peerToken); err != nil {
		return "", err
	}

	fingerprint := newFingerprint()
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities
		SET current_fingerprint = ?,
		    updated_at = ?
		WHERE peer_token = ?`,
		fingerprint,
		nowUnix(),
		peerToken,
	)
	if err != nil {
		return "", fmt.Errorf("rotate identity %q: %w", peerToken, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("read rows affected for rotate identity %q: %w", peerToken, err)
	}
	if rowsAffected == 0 {
		return "", ErrNotFound
	}

	s.log.Info().Str("contact", peerToken).Msg("Peer identity rotated")
	return fingerprint, nil
}

// TrustIdentity pins the identity a peer currently presents.
func (s *Store) TrustIdentity(ctx context.Context, peerToken string) error {
	identity, err := s.GetIdentity(ctx, peerToken)
	if err != nil {
		return err
	}
	if !identity.Changed() {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE identities
		SET pinned_fingerprint = current_fingerprint,
		    updated_at = ?
		WHERE peer_token = ?`,
		nowUnix(),
		peerToken,
	); err != nil {
		return fmt.Errorf("trust identity %q: %w", peerToken, err)
	}

	return s.RecordKeyRotationEvent(ctx, KeyRotationEvent{
		PeerToken:      peerToken,
		OldFingerprint: identity.PinnedFingerprint,
		NewFingerprint: identity.CurrentFingerprint,
		Decision:       KeyRotationDecisionTrusted,
	})
}

// RecordKeyRotationEvent stores one trust/reject decision.
func (s *Store) RecordKeyRotationEvent(ctx context.Context, event KeyRotationEvent) error {
	if event.PeerToken == "" {
		return errors.New("peer_token is required")
	}
	if event.OldFingerprint == "" || event.NewFingerprint == "" {
		return errors.New("old and new fingerprints are required")
	}
	if err := validateKeyRotationDecision(event.Decision); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnix()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO key_rotation_events (
			peer_token,
			old_fingerprint,
			new_fingerprint,
			decision,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerToken,
		event.OldFingerprint,
		event.NewFingerprint,
		event.Decision,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert key rotation event for %q: %w", event.PeerToken, err)
	}
	return nil
}

// GetRecentKeyRotationEvents returns the newest decisions for a peer first.
func (s *Store) GetRecentKeyRotationEvents(ctx context.Context, peerToken string, limit int) ([]KeyRotationEvent, error) {
	if peerToken == "" {
		return nil, errors.New("peer_token is required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, peer_token, old_fingerprint, new_fingerprint, decision, timestamp
		FROM key_rotation_events
		WHERE peer_token = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		peerToken,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get key rotation events for %q: %w", peerToken, err)
	}
	defer rows.Close()

	events := make([]KeyRotationEvent, 0)
	for rows.Next() {
		event, err := scanKeyRotationEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key rotation event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key rotation event rows: %w", err)
	}
	return events, nil
}

func scanKeyRotationEvent(row scanner) (*KeyRotationEvent, error) {
	var event KeyRotationEvent
	if err := row.Scan(
		&event.ID,
		&event.PeerToken,
		&event.OldFingerprint,
		&event.NewFingerprint,
		&event.Decision,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	return &event, nil
}
