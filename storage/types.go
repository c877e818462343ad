package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rebelio/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNotRegistered indicates no local account exists yet.
	ErrNotRegistered = errors.New("storage: no registered account")
	// ErrAlreadyRegistered indicates Register was called with an account present.
	ErrAlreadyRegistered = errors.New("storage: account already registered")
)

const (
	directionIncoming = "incoming"
	directionOutgoing = "outgoing"
)

const (
	// KeyRotationDecisionTrusted means a presented replacement identity was accepted.
	KeyRotationDecisionTrusted = "trusted"
	// KeyRotationDecisionRejected means a presented replacement identity was rejected.
	KeyRotationDecisionRejected = "rejected"
)

// Account is the single local registration.
type Account struct {
	Username     string
	ServerURL    string
	RoutingToken string
	RegisteredAt int64
}

// Message is the SQLite representation of one conversation entry.
type Message struct {
	MessageID      string
	PeerToken      string
	Direction      string
	Content        string
	Timestamp      int64
	IsEncrypted    bool
	DeliveryStatus string
	InboxDelivered bool
	StatusPending  bool
}

// Identity pins a contact's identity fingerprint. The contact is untrusted while
// CurrentFingerprint differs from PinnedFingerprint.
type Identity struct {
	PeerToken          string
	PinnedFingerprint  string
	CurrentFingerprint string
	UpdatedAt          int64
}

// Changed reports whether the contact presents an identity that is not pinned.
func (i Identity) Changed() bool {
	return i.PinnedFingerprint != i.CurrentFingerprint
}

// KeyRotationEvent tracks one trust/reject decision for an identity change.
type KeyRotationEvent struct {
	ID             int64
	PeerToken      string
	OldFingerprint string
	NewFingerprint string
	Decision       string
	Timestamp      int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case directionIncoming, directionOutgoing:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateDeliveryStatus(status string) error {
	switch models.Status(status) {
	case models.StatusSent, models.StatusDelivered, models.StatusRead:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
}

func validateKeyRotationDecision(decision string) error {
	switch decision {
	case KeyRotationDecisionTrusted, KeyRotationDecisionRejected:
		return nil
	default:
		return fmt.Errorf("invalid key rotation decision %q", decision)
	}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func newFingerprint() string {
	return uuid.NewString()
}

// nowUnix is the storage clock. Timestamps are unix seconds; rowid breaks ties
// within a second.
func nowUnix() int64 {
	return time.Now().Unix()
}
