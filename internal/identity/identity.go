package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// CookieName is where the browser persists its UserID between sessions. The
// server only requires that the value it reads back is one it would accept;
// the id is a stable correlation key, not a credential.
const CookieName = "rubble-uid"

// UserID is an opaque, client-generated identifier, stable for the lifetime
// of a browser profile.
type UserID string

// New mints a fresh UserID. Normally this happens on the client before first
// contact; the server only ever parses.
func New() UserID {
	return UserID(uuid.NewString())
}

// Parse validates an id received from a cookie.
func Parse(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid user id: %w", err)
	}
	return UserID(u.String()), nil
}

func (id UserID) String() string { return string(id) }
