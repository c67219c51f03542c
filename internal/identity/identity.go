package identity

import (
	"errors"
	"strings"
)

// ErrMissingUserID indicates a caller identity without a usable identifier.
var ErrMissingUserID = errors.New("identity: user id is required")

// CallerIdentity carries the remote identity of the user performing an
// operation. It replaces any ambient notion of "the current user": every
// registry or sharing operation that needs to know who is calling receives
// one explicitly.
type CallerIdentity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// NewCallerIdentity validates raw input and returns a CallerIdentity.
func NewCallerIdentity(userID, displayName, avatarURL string) (CallerIdentity, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return CallerIdentity{}, ErrMissingUserID
	}
	return CallerIdentity{
		UserID:      trimmed,
		DisplayName: strings.TrimSpace(displayName),
		AvatarURL:   strings.TrimSpace(avatarURL),
	}, nil
}

// Validate reports whether the identity carries a usable user identifier.
func (c CallerIdentity) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return ErrMissingUserID
	}
	return nil
}
