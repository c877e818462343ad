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

const (
	// DefaultDeviceName names the installation that registered the account.
	DefaultDeviceName = "primary"
	// ImportedDeviceName names an installation that imported the account.
	ImportedDeviceName = "imported"
)

// ErrCurrentDevice is returned when revoking the installation in use.
var ErrCurrentDevice = errors.New("storage: cannot revoke the current device")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertCurrentDevice(ctx context.Context, db execer, name string) error {
	deviceID := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO devices (device_id, name, created_at, is_current)
		VALUES (?, ?, ?, 1)`,
		deviceID,
		name,
		nowUnix(),
	); err != nil {
		return fmt.Errorf("insert device %q: %w", name, err)
	}
	return nil
}

// ListDevices returns the installations linked to the account, oldest first.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	if _, err := s.selfToken(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, name, created_at, is_current
		FROM devices
		ORDER BY created_at, rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		var device models.Device
		var current int
		if err := rows.Scan(&device.ID, &device.Name, &device.CreatedAt, &current); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		device.Current = current == 1
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return devices, nil
}

// LinkDevice adds another installation to the account and returns its ID.
func (s *Store) LinkDevice(ctx context.Context, name string) (string, error) {
	if _, err := s.selfToken(ctx); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("device name is required")
	}

	deviceID := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, name, created_at, is_current)
		VALUES (?, ?, ?, 0)`,
		deviceID,
		name,
		nowUnix(),
	); err != nil {
		return "", fmt.Errorf("link device %q: %w", name, err)
	}
	return deviceID, nil
}

// RevokeDevice unlinks another installation.
func (s *Store) RevokeDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	var current int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_current FROM devices WHERE device_id = ?`,
		deviceID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get device %q: %w", deviceID, err)
	}
	if current == 1 {
		return ErrCurrentDevice
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("revoke device %q: %w", deviceID, err)
	}
	s.log.Info().Str("device", deviceID).Msg("Device revoked")
	return nil
}
