package acquire

import (
	"context"
	"errors"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
)

// ErrInteractionRequired marks identity library failures that only an interactive
// sign-in can resolve (expired or revoked refresh token, missing consent).
var ErrInteractionRequired = errors.New("acquire.interaction_required")

// Account identifies a signed-in account held in the token cache.
type Account struct {
	HomeAccountID string
	Username      string

	msal confidential.Account
}

// Token is an access token obtained for a set of scopes.
type Token struct {
	AccessToken string
	ExpiresOn   time.Time
	Scopes      []string
	Account     Account
}

// IdentityClient is the slice of the identity library this package drives. A
// client is bound to one user's cache accessor for its whole lifetime.
type IdentityClient interface {
	// Accounts lists cached accounts; it reads the cache and never calls the network.
	Accounts(ctx context.Context) ([]Account, error)
	// AcquireTokenSilent redeems cached material and wraps ErrInteractionRequired
	// when the identity provider demands user interaction.
	AcquireTokenSilent(ctx context.Context, scopes []string, account Account) (Token, error)
	// AcquireTokenByAuthCode redeems an authorization code and seeds the cache.
	AcquireTokenByAuthCode(ctx context.Context, code string, redirectURI string, scopes []string) (Token, error)
}

// ClientFactory builds identity clients that read and write through accessor.
type ClientFactory interface {
	NewClient(accessor cache.ExportReplace) (IdentityClient, error)
}
