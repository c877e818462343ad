package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rebelio/engine"
)

// GetAccount returns the local account or ErrNotRegistered.
func (s *Store) GetAccount(ctx context.Context) (*Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx,
		`SELECT username, server_url, routing_token, registered_at
		FROM account
		WHERE id = 1`,
	).Scan(&account.Username, &account.ServerURL, &account.RoutingToken, &account.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &account, nil
}

// Status reports the registration state.
func (s *Store) Status(ctx context.Context) (engine.Status, error) {
	account, err := s.GetAccount(ctx)
	if errors.Is(err, ErrNotRegistered) {
		return engine.Status{}, nil
	}
	if err != nil {
		return engine.Status{}, err
	}
	return engine.Status{
		IsRegistered: true,
		Username:     account.Username,
		ServerURL:    account.ServerURL,
		RoutingToken: account.RoutingToken,
	}, nil
}

// Register creates the local account and returns its routing token.
func (s *Store) Register(ctx context.Context, username, serverURL string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username is required")
	}
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return "", errors.New("server_url is required")
	}

	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO account (id, username, server_url, routing_token, registered_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		username,
		serverURL,
		token,
		nowUnix(),
	)
	if err != nil {
		return "", fmt.Errorf("insert account %q: %w", username, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("read rows affected for register %q: %w", username, err)
	}
	if rowsAffected == 0 {
		return "", ErrAlreadyRegistered
	}
	if err := s.insertCurrentDevice(ctx, s.db, DefaultDeviceName); err != nil {
		return "", err
	}

	s.log.Info().Str("username", username).Str("routing_token", token).Msg("Account registered")
	return token, nil
}

// ResetIdentity forgets the account together with everything tied to it.
func (s *Store) ResetIdentity(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := resetTables(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset transaction: %w", err)
	}

	s.exportHistory(ctx)
	return nil
}

func (s *Store) selfToken(ctx context.Context) (string, error) {
	account, err := s.GetAccount(ctx)
	if err != nil {
		return "", err
	}
	return account.RoutingToken, nil
}

// identityTables lists everything tied to the local account, children first.
var identityTables = []string{
	"account",
	"contacts",
	"messages",
	"identities",
	"key_rotation_events",
	"group_members",
	"chat_groups",
	"devices",
}

func resetTables(ctx context.Context, tx *sql.Tx) error {
	for _, table := range identityTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// identityDocument is the portable form of the local account.
type identityDocument struct {
	Version      int    `json:"version"`
	Username     string `json:"username"`
	ServerURL    string `json:"server_url"`
	RoutingToken string `json:"routing_token"`
	RegisteredAt int64  `json:"registered_at"`
}

const identityDocumentVersion = 1

// ExportIdentity serializes the local account for ImportIdentity.
func (s *Store) ExportIdentity(ctx context.Context) (string, error) {
	account, err := s.GetAccount(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(identityDocument{
		Version:      identityDocumentVersion,
		Username:     account.Username,
		ServerURL:    account.ServerURL,
		RoutingToken: account.RoutingToken,
		RegisteredAt: account.RegisteredAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	return string(data), nil
}

// ImportIdentity installs an exported account as the local one. Importing a
// different account forgets everything tied to the previous one; this
// installation becomes the current device either way.
func (s *Store) ImportIdentity(ctx context.Context, data string) error {
	var doc identityDocument
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return fmt.Errorf("decode identity: %w", err)
	}
	if doc.Version != identityDocumentVersion {
		return fmt.Errorf("unsupported identity version %d", doc.Version)
	}
	if doc.Username == "" || doc.ServerURL == "" || doc.RoutingToken == "" {
		return errors.New("identity is missing username, server_url or routing_token")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT routing_token FROM account WHERE id = 1`).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read account: %w", err)
	case existing != doc.RoutingToken:
		if err := resetTables(ctx, tx); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account (id, username, server_url, routing_token, registered_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			server_url = excluded.server_url,
			routing_token = excluded.routing_token,
			registered_at = excluded.registered_at`,
		doc.Username,
		doc.ServerURL,
		doc.RoutingToken,
		doc.RegisteredAt,
	); err != nil {
		return fmt.Errorf("import account %q: %w", doc.Username, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET is_current = 0`); err != nil {
		return fmt.Errorf("demote devices: %w", err)
	}
	if err := s.insertCurrentDevice(ctx, tx, ImportedDeviceName); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import transaction: %w", err)
	}

	s.log.Info().Str("username", doc.Username).Str("routing_token", doc.RoutingToken).Msg("Identity imported")
	s.exportHistory(ctx)
	return nil
}
