package auth

import (
	"context"
	"errors"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Values of the "role" custom claim.
const (
	RoleClient = "cliente"
	RoleSeller = "vendedor"
)

// Custom claims read from Firebase ID tokens.
const (
	claimRole     = "role"
	claimClientID = "clientId"
	claimEmail    = "email"
)

var errUnsupportedRole = errors.New("auth: unsupported role claim")

// Identity is the verified caller. ClientID is the customer account a client owns; sellers
// name the client per request, so theirs is empty unless the token pins one.
type Identity struct {
	UID      string
	Email    string
	Role     string
	ClientID string
}

// IsSeller reports whether the caller acts on behalf of clients.
func (i *Identity) IsSeller() bool {
	return i != nil && i.Role == RoleSeller
}

// identityFromToken maps token claims onto an Identity. A token without a role is a client
// that owns the account named by its uid.
func identityFromToken(token *firebaseauth.Token) (*Identity, error) {
	id := &Identity{
		UID:      token.UID,
		Email:    stringClaim(token.Claims, claimEmail),
		Role:     strings.ToLower(stringClaim(token.Claims, claimRole)),
		ClientID: stringClaim(token.Claims, claimClientID),
	}
	switch id.Role {
	case RoleSeller:
		return id, nil
	case "", RoleClient:
		id.Role = RoleClient
		if id.ClientID == "" {
			id.ClientID = id.UID
		}
		return id, nil
	}
	return nil, errUnsupportedRole
}

func stringClaim(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

type identityKey struct{}

// WithIdentity stores the verified caller on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the caller stored by WithIdentity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
