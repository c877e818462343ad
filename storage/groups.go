package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rebelio/models"
)

// LoadGroups returns every group with its members, sorted by name.
func (s *Store) LoadGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.group_id, g.name, m.member_token
		FROM chat_groups g
		LEFT JOIN group_members m ON m.group_id = g.group_id
		ORDER BY g.name, g.group_id, m.added_at, m.rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]models.Group, 0)
	for rows.Next() {
		var (
			groupID string
			name    string
			member  sql.NullString
		)
		if err := rows.Scan(&groupID, &name, &member); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		if n := len(groups); n == 0 || groups[n-1].ID != groupID {
			groups = append(groups, models.Group{ID: groupID, Name: name, Members: []string{}})
		}
		if member.Valid {
			last := &groups[len(groups)-1]
			last.Members = append(last.Members, member.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group rows: %w", err)
	}
	return groups, nil
}

// GetGroup fetches one group with its members.
func (s *Store) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	if groupID == "" {
		return models.Group{}, errors.New("group_id is required")
	}
	groups, err := s.LoadGroups(ctx)
	if err != nil {
		return models.Group{}, err
	}
	for _, group := range groups {
		if group.ID == groupID {
			return group, nil
		}
	}
	return models.Group{}, ErrNotFound
}

// CreateGroup creates a group and returns its routing token.
func (s *Store) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	if _, err := s.selfToken(ctx); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("group name is required")
	}
	members, err := normalizeMembers(members)
	if err != nil {
		return "", err
	}

	groupID := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin group transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_groups (group_id, name, created_at) VALUES (?, ?, ?)`,
		groupID,
		name,
		nowUnix(),
	); err != nil {
		return "", fmt.Errorf("insert group %q: %w", name, err)
	}
	if err := insertMembers(ctx, tx, groupID, members); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit group transaction: %w", err)
	}

	for _, member := range members {
		if err := s.ensureIdentity(ctx, member); err != nil {
			return "", err
		}
	}
	s.log.Info().Str("group", groupID).Str("name", name).Int("count", len(members)).Msg("Group created")
	return groupID, nil
}

// AddGroupMembers adds members to an existing group. Existing members are
// left untouched.
func (s *Store) AddGroupMembers(ctx context.Context, groupID string, members []string) error {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}
	members, err := normalizeMembers(members)
	if err != nil {
		return err
	}
	if err := insertMembers(ctx, s.db, groupID, members); err != nil {
		return err
	}
	for _, member := range members {
		if err := s.ensureIdentity(ctx, member); err != nil {
			return err
		}
	}
	return nil
}

// RemoveGroupMembers removes members from a group.
func (s *Store) RemoveGroupMembers(ctx context.Context, groupID string, members []string) error {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}
	members, err := normalizeMembers(members)
	if err != nil {
		return err
	}

	args := make([]any, 0, len(members)+1)
	args = append(args, groupID)
	for _, member := range members {
		args = append(args, member)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members
		WHERE group_id = ? AND member_token IN (`+placeholders(len(members))+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("remove members from group %q: %w", groupID, err)
	}
	return nil
}

// LeaveGroup forgets a group. Its message history is kept.
func (s *Store) LeaveGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_groups WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("leave group %q: %w", groupID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for leave group %q: %w", groupID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SendGroupMessage stores an outgoing message addressed to the group and
// returns its ID. It fails with *engine.IdentityChangedError naming the first
// member whose identity is not trusted.
func (s *Store) SendGroupMessage(ctx context.Context, groupID, text string) (string, error) {
	if _, err := s.selfToken(ctx); err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("content is required")
	}
	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	for _, member := range group.Members {
		if err := s.checkIdentity(ctx, member); err != nil {
			return "", err
		}
	}

	message := Message{
		MessageID:      uuid.NewString(),
		PeerToken:      groupID,
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

func normalizeMembers(members []string) ([]string, error) {
	out := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}
		out = append(out, member)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one member is required")
	}
	return out, nil
}

func insertMembers(ctx context.Context, db execer, groupID string, members []string) error {
	for _, member := range members {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO group_members (group_id, member_token, added_at)
			VALUES (?, ?, ?)
			ON CONFLICT(group_id, member_token) DO NOTHING`,
			groupID,
			member,
			nowUnix(),
		); err != nil {
			return fmt.Errorf("add member %q to group %q: %w", member, groupID, err)
		}
	}
	return nil
}
