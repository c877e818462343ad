// Package engine describes the cryptographic/transport engine the client drives.
// The engine owns keys, the wire protocol, and encrypted on-device storage; this
// package only fixes the call surface and its error kinds.
package engine

import (
	"context"

	"rebelio/history"
	"rebelio/models"
)

// Status is the engine's view of the local account.
type Status struct {
	IsRegistered bool
	Username     string
	ServerURL    string
	RoutingToken string
}

// Engine is the full set of operations the client consumes. Every call may fail.
type Engine interface {
	history.Source

	Status(ctx context.Context) (Status, error)
	Register(ctx context.Context, username, serverURL string) (string, error)

	FetchInbox(ctx context.Context) ([]models.Message, error)
	FetchSentStatusUpdates(ctx context.Context) ([]models.StatusUpdate, error)

	// Send returns the engine-assigned message ID when known, or "" when the
	// caller has to recover it from history.
	Send(ctx context.Context, recipientToken, text string) (string, error)

	LoadContacts(ctx context.Context) ([]models.Contact, error)
	AddContact(ctx context.Context, nickname, routingToken string) error
	RemoveContact(ctx context.Context, nickname string) error

	LoadGroups(ctx context.Context) ([]models.Group, error)
	// CreateGroup returns the new group's routing token.
	CreateGroup(ctx context.Context, name string, members []string) (string, error)
	AddGroupMembers(ctx context.Context, groupID string, members []string) error
	RemoveGroupMembers(ctx context.Context, groupID string, members []string) error
	LeaveGroup(ctx context.Context, groupID string) error
	// SendGroupMessage follows the Send contract for the group's routing token.
	SendGroupMessage(ctx context.Context, groupID, text string) (string, error)

	ListDevices(ctx context.Context) ([]models.Device, error)
	RevokeDevice(ctx context.Context, deviceID string) error

	MarkRead(ctx context.Context, messageIDs []string, selfToken string) error
	TrustIdentity(ctx context.Context, contactID string) error

	// ExportIdentity returns the local identity as an opaque JSON document that
	// ImportIdentity accepts on another installation.
	ExportIdentity(ctx context.Context) (string, error)
	ImportIdentity(ctx context.Context, data string) error
}

// HistoryClearer is implemented by engines that keep history outside the
// snapshot file and can drop it on request.
type HistoryClearer interface {
	ClearHistory(ctx context.Context) error
}

// IdentityResetter is implemented by engines that can forget the local account.
type IdentityResetter interface {
	ResetIdentity(ctx context.Context) error
}
