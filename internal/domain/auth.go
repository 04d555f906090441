package domain

import "time"

// TokenPair is what a successful login hands back.
type TokenPair struct {
	Access           string
	AccessExpiresAt  time.Time
	Refresh          string
	RefreshExpiresAt time.Time
}

// Identity is the verified content of a presented access credential.
type Identity struct {
	// Claims holds the verified claim set in issue order.
	Claims map[string]any
	// Scheme is the authorization scheme the credential arrived with.
	Scheme    string
	TokenType string
	TokenID   string
	ExpiresAt time.Time
}

// Claim returns a single claim.
func (i *Identity) Claim(name string) (any, bool) {
	if i == nil {
		return nil, false
	}
	v, ok := i.Claims[name]
	return v, ok
}
