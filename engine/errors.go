package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrIdentityChanged matches any *IdentityChangedError via errors.Is.
var ErrIdentityChanged = errors.New("engine: contact identity changed")

// IdentityChangedError reports that a contact's cryptographic identity no longer
// matches the pinned one. The operation that hit it is not retried.
type IdentityChangedError struct {
	ContactID string
	Cause     error
}

func (e *IdentityChangedError) Error() string {
	if e.ContactID == "" {
		return ErrIdentityChanged.Error()
	}
	return fmt.Sprintf("%s: %s", ErrIdentityChanged.Error(), e.ContactID)
}

func (e *IdentityChangedError) Is(target error) bool {
	return target == ErrIdentityChanged
}

func (e *IdentityChangedError) Unwrap() error {
	return e.Cause
}

// AsIdentityChanged extracts the structured identity error from err.
func AsIdentityChanged(err error) (*IdentityChangedError, bool) {
	var identityErr *IdentityChangedError
	if errors.As(err, &identityErr) {
		return identityErr, true
	}
	return nil, false
}

const untrustedIdentityMarker = "untrusted identity"

var untrustedIdentityContact = regexp.MustCompile(`(?i)untrusted identity(?:\s+(?:for|of))?[\s:]+([A-Za-z0-9_.\-]+)`)

// Classify converts free-text engine errors into structured kinds. It belongs at
// the binding boundary only: engines that already return *IdentityChangedError
// pass through unchanged. contactHint names the peer the failed call addressed,
// if any; otherwise the contact is parsed from the message.
func Classify(err error, contactHint string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsIdentityChanged(err); ok {
		return err
	}

	text := err.Error()
	if !strings.Contains(strings.ToLower(text), untrustedIdentityMarker) {
		return err
	}

	contactID := contactHint
	if contactID == "" {
		if match := untrustedIdentityContact.FindStringSubmatch(text); len(match) == 2 {
			contactID = match[1]
		}
	}
	return &IdentityChangedError{ContactID: contactID, Cause: err}
}
