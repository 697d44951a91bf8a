package domain

import (
	"fmt"
	"strings"
)

// GuestUserID is the one and only spelling of the guest identity.
const GuestUserID = ""

// IsGuest reports whether userID is the guest.
func IsGuest(userID string) bool {
	return userID == GuestUserID
}

// ValidateUserID rejects ids a second guest spelling could hide behind.
// Whitespace-only ids, and ids with surrounding whitespace, are invalid.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) != userID {
		return &Error{
			Kind:    KindValidation,
			Code:    CodeInvalidUser,
			Message: fmt.Sprintf("user id %q has surrounding whitespace", userID),
		}
	}
	return nil
}

// Identity is the session state reported by an identity provider.
type Identity struct {
	UserID        string `json:"user_id"`
	Authenticated bool   `json:"authenticated"`
	Anonymous     bool   `json:"anonymous"`
}

// SignedIn reports whether the identity is a real, non-anonymous account.
func (i Identity) SignedIn() bool {
	return i.Authenticated && !i.Anonymous && !IsGuest(i.UserID)
}
