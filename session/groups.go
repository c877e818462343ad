package session

import (
	"context"
	"fmt"
)

// CreateGroup creates a group with the given member tokens and reloads groups.
func (s *Session) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	s.setLoading(true)
	groupID, err := s.options.Engine.CreateGroup(ctx, name, members)
	if err != nil {
		s.fail("Failed to create group: %v", err)
		return "", fmt.Errorf("create group %q: %w", name, err)
	}
	s.log.Info().Str("group", groupID).Int("count", len(members)).Msg("Group created")
	return groupID, s.reloadGroups(ctx)
}

// AddGroupMembers adds member tokens to a group and reloads groups.
func (s *Session) AddGroupMembers(ctx context.Context, groupID string, members []string) error {
	s.setLoading(true)
	if err := s.options.Engine.AddGroupMembers(ctx, groupID, members); err != nil {
		s.fail("Failed to add group members: %v", err)
		return fmt.Errorf("add members to group %q: %w", groupID, err)
	}
	return s.reloadGroups(ctx)
}

// RemoveGroupMembers removes member tokens from a group and reloads groups.
func (s *Session) RemoveGroupMembers(ctx context.Context, groupID string, members []string) error {
	s.setLoading(true)
	if err := s.options.Engine.RemoveGroupMembers(ctx, groupID, members); err != nil {
		s.fail("Failed to remove group members: %v", err)
		return fmt.Errorf("remove members from group %q: %w", groupID, err)
	}
	return s.reloadGroups(ctx)
}

// LeaveGroup leaves a group. Messages already exchanged stay in the timeline.
func (s *Session) LeaveGroup(ctx context.Context, groupID string) error {
	s.setLoading(true)
	if err := s.options.Engine.LeaveGroup(ctx, groupID); err != nil {
		s.fail("Failed to leave group: %v", err)
		return fmt.Errorf("leave group %q: %w", groupID, err)
	}
	s.log.Info().Str("group", groupID).Msg("Left group")
	return s.reloadGroups(ctx)
}

// SendGroupMessage sends text to a group. The sent entry is recorded exactly
// like a direct message, addressed to the group's token.
func (s *Session) SendGroupMessage(ctx context.Context, groupID, text string) error {
	return s.send(ctx, groupID, text, "Failed to send group message: %v", s.options.Engine.SendGroupMessage)
}

func (s *Session) reloadGroups(ctx context.Context) error {
	groups, err := s.options.Engine.LoadGroups(ctx)
	if err != nil {
		s.fail("Failed to load groups: %v", err)
		return fmt.Errorf("load groups: %w", err)
	}
	return s.apply(func() {
		s.state.Groups = groups
		s.state.Error = ""
		s.state.Loading = false
	})
}
