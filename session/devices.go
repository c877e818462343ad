package session

import (
	"context"
	"fmt"
)

// RevokeDevice unlinks another installation and reloads the device list.
func (s *Session) RevokeDevice(ctx context.Context, deviceID string) error {
	s.setLoading(true)
	if err := s.options.Engine.RevokeDevice(ctx, deviceID); err != nil {
		s.fail("Failed to revoke device: %v", err)
		return fmt.Errorf("revoke device %q: %w", deviceID, err)
	}
	s.log.Info().Str("device", deviceID).Msg("Device revoked")

	devices, err := s.options.Engine.ListDevices(ctx)
	if err != nil {
		s.fail("Failed to list devices: %v", err)
		return fmt.Errorf("list devices: %w", err)
	}
	return s.apply(func() {
		s.state.Devices = devices
		s.state.Error = ""
		s.state.Loading = false
	})
}

// ExportIdentity returns the local identity for transfer to another device.
func (s *Session) ExportIdentity(ctx context.Context) (string, error) {
	data, err := s.options.Engine.ExportIdentity(ctx)
	if err != nil {
		_ = s.apply(func() { s.state.Error = fmt.Sprintf("Failed to export identity: %v", err) })
		return "", fmt.Errorf("export identity: %w", err)
	}
	return data, nil
}

// ImportIdentity replaces the local identity with an exported one. The
// in-memory timeline belongs to the previous identity and is dropped before the
// session refreshes under the imported account.
func (s *Session) ImportIdentity(ctx context.Context, data string) error {
	if err := s.options.Engine.ImportIdentity(ctx, data); err != nil {
		_ = s.apply(func() { s.state.Error = fmt.Sprintf("Failed to import identity: %v", err) })
		return fmt.Errorf("import identity: %w", err)
	}

	if err := s.apply(s.resetLocked); err != nil {
		return err
	}
	s.log.Info().Msg("Identity imported")
	return s.Refresh(ctx)
}
