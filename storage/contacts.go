package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rebelio/models"
)

// LoadContacts returns all contacts sorted by nickname.
func (s *Store) LoadContacts(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT nickname, routing_token
		FROM contacts
		ORDER BY nickname, routing_token`,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]models.Contact, 0)
	for rows.Next() {
		var contact models.Contact
		if err := rows.Scan(&contact.Nickname, &contact.RoutingToken); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		contacts = append(contacts, contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}

	return contacts, nil
}

// AddContact inserts a contact, or repoints an existing nickname at a new
// token. It also pins the contact's current identity when none is known.
func (s *Store) AddContact(ctx context.Context, nickname, routingToken string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return errors.New("nickname is required")
	}
	routingToken = strings.TrimSpace(routingToken)
	if routingToken == "" {
		return errors.New("routing_token is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (nickname, routing_token, added_timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(nickname) DO UPDATE SET routing_token = excluded.routing_token`,
		nickname,
		routingToken,
		nowUnix(),
	)
	if err != nil {
		return fmt.Errorf("insert contact %q: %w", nickname, err)
	}

	return s.ensureIdentity(ctx, routingToken)
}

// RemoveContact deletes a contact by nickname.
func (s *Store) RemoveContact(ctx context.Context, nickname string) error {
	if nickname == "" {
		return errors.New("nickname is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE nickname = ?`, nickname)
	if err != nil {
		return fmt.Errorf("remove contact %q: %w", nickname, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove contact %q: %w", nickname, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
