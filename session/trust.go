package session

import (
	"context"
	"fmt"

	"rebelio/engine"
)

// handleIdentityError routes an identity-change failure to the alert. Reports
// whether err was one. Runs on the owner.
func (s *Session) handleIdentityError(err error) bool {
	identityErr, ok := engine.AsIdentityChanged(err)
	if !ok {
		return false
	}
	s.raiseIdentityAlert(identityErr.ContactID)
	return true
}

// raiseIdentityAlert keeps a single pending alert; a later trigger while one is
// pending is only logged.
func (s *Session) raiseIdentityAlert(contactID string) {
	if pending := s.state.IdentityChangeAlert; pending != nil {
		s.log.Debug().
			Str("contact", contactID).
			Str("pending_contact", pending.ContactID).
			Msg("Identity alert already pending")
		return
	}
	s.state.IdentityChangeAlert = &IdentityChangeAlert{
		ContactID:   contactID,
		ContactName: s.contactName(contactID),
	}
	s.log.Warn().Str("contact", contactID).Msg("Contact identity changed")
}

// TrustNewIdentity accepts the contact's new identity. The alert is cleared
// whether or not the engine call succeeds.
func (s *Session) TrustNewIdentity(ctx context.Context, contactID string) error {
	err := s.options.Engine.TrustIdentity(ctx, contactID)
	if applyErr := s.apply(func() {
		s.state.IdentityChangeAlert = nil
		if err != nil {
			s.state.Error = fmt.Sprintf("Failed to trust identity: %v", err)
			return
		}
		s.state.Error = ""
	}); applyErr != nil {
		return applyErr
	}
	if err != nil {
		s.log.Warn().Err(err).Str("contact", contactID).Msg("Failed to trust identity")
		return fmt.Errorf("trust identity %q: %w", contactID, err)
	}
	s.log.Info().Str("contact", contactID).Msg("Trusted new identity")
	return nil
}

// DismissIdentityChangeAlert clears the alert without trusting.
func (s *Session) DismissIdentityChangeAlert() {
	_ = s.apply(func() { s.state.IdentityChangeAlert = nil })
}
